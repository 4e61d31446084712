package settlement

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-settlement/clock"
	"bounty-settlement/core/settlement"
)

func newMockPGStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return newSQLStore(db, dialectPostgres, clock.NewFake(t0)), mock
}

func TestRebind(t *testing.T) {
	pg := &SQLStore{dialect: dialectPostgres}
	assert.Equal(t, "SELECT a FROM b WHERE c = $1 AND d = $2", pg.rebind("SELECT a FROM b WHERE c = ? AND d = ?"))
	lite := &SQLStore{dialect: dialectSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestPGUpdateIfClaim(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()
	claimed := t0

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_tasks SET status = $1, updated_ms = $2, claimed_ms = $3 WHERE task_id = $4 AND status = $5")).
		WithArgs("JUDGING", t0.UnixMilli(), t0.UnixMilli(), "t1", "OPEN").
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := s.UpdateIf(ctx, "t1", settlement.StatusOpen, settlement.StatusJudging, settlement.TaskUpdate{ClaimedAt: &claimed})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGUpdateIfLostRace(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_tasks SET status = $1, updated_ms = $2 WHERE task_id = $3 AND status = $4")).
		WithArgs("CANCELLED", t0.UnixMilli(), "t1", "OPEN").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM settlement_tasks WHERE task_id = $1")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	n, err := s.UpdateIf(ctx, "t1", settlement.StatusOpen, settlement.StatusCancelled, settlement.TaskUpdate{})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRecordJudgementLocksTask(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT task_id FROM settlement_tasks WHERE task_id = $1 FOR UPDATE")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("t1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT submission_id, winner FROM settlement_submissions WHERE task_id = $1")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"submission_id", "winner"}).AddRow("s1", false).AddRow("s2", false))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_submissions SET score = $1, rationale = $2 WHERE submission_id = $3")).
		WithArgs(0.7, "good", "s2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_submissions SET winner = $1 WHERE submission_id = $2")).
		WithArgs(true, "s2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	score := 0.7
	err := s.RecordJudgement(ctx, "t1", []settlement.ScoreUpdate{{SubmissionID: "s2", Score: &score, Rationale: "good"}}, "s2")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGRecordJudgementAlreadyJudged(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"task_id"}).AddRow("t1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT submission_id, winner FROM settlement_submissions")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"submission_id", "winner"}).AddRow("s1", true))
	mock.ExpectRollback()

	err := s.RecordJudgement(ctx, "t1", nil, "s1")
	assert.ErrorIs(t, err, settlement.ErrAlreadyJudged)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGConfirmSecondReleaseRejected(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE settlement_escrow_transactions SET status = $1, updated_ms = $2, signature = $3 WHERE id = $4 AND status = $5")).
		WithArgs("CONFIRMED", t0.UnixMilli(), "txid", "rel-2", "PENDING").
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := s.UpdateEscrowTransaction(ctx, "rel-2", settlement.TxPending, settlement.TxConfirmed, "txid", "")
	assert.ErrorIs(t, err, settlement.ErrReleaseConfirmed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPGCreateSubmissionClosedTask(t *testing.T) {
	s, mock := newMockPGStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM settlement_tasks WHERE task_id = $1 FOR SHARE")).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("JUDGING"))
	mock.ExpectRollback()

	_, err := s.CreateSubmission(ctx, settlement.Submission{TaskID: "t1", SubmitterID: "bob", SubmitterWallet: "tb1qbob"})
	assert.ErrorIs(t, err, settlement.ErrTaskNotOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
