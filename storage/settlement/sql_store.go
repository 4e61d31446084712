package settlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"bounty-settlement/clock"
	"bounty-settlement/core/settlement"
)

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore persists settlement state through database/sql. Postgres runs on a
// pgx pool, SQLite on the pure-Go modernc driver for single-node deployments.
type SQLStore struct {
	db      *sql.DB
	pool    *pgxpool.Pool
	dialect dialect
	clock   clock.Clock
}

// NewPGStore connects to Postgres and initializes the schema.
func NewPGStore(ctx context.Context, dsn string, clk clock.Clock) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := newSQLStore(stdlib.OpenDBFromPool(pool), dialectPostgres, clk)
	s.pool = pool
	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// NewSQLiteStore opens (or creates) a SQLite database at path. ":memory:" is
// accepted for tests.
func NewSQLiteStore(ctx context.Context, path string, clk clock.Clock) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway and ":memory:" databases
	// are per connection.
	db.SetMaxOpenConns(1)
	s := newSQLStore(db, dialectSQLite, clk)
	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite %q: %w", pragma, err)
		}
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

func newSQLStore(db *sql.DB, d dialect, clk clock.Clock) *SQLStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &SQLStore{db: db, dialect: d, clock: clk}
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database handle and, for Postgres, the pool behind it.
func (s *SQLStore) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders into the $n form Postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := fromMillis(ms.Int64)
	return &t
}

const taskColumns = `task_id, title, description, category, reward_sats, currency, deadline_ms, status,
creator_id, creator_wallet, escrow_lock_tx, escrow_release_tx, winner_submission_id, payout_wallet,
resolution, attempts, next_attempt_ms, stalled, last_error, claimed_ms, judged_ms, completed_ms,
created_ms, updated_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (settlement.Task, error) {
	var t settlement.Task
	var status, resolution string
	var deadline, created, updated int64
	var nextAttempt, claimed, judged, completed sql.NullInt64
	if err := row.Scan(
		&t.TaskID, &t.Title, &t.Description, &t.Category, &t.RewardSats, &t.Currency, &deadline, &status,
		&t.CreatorID, &t.CreatorWallet, &t.EscrowLockTx, &t.EscrowReleaseTx, &t.WinnerSubmissionID, &t.PayoutWallet,
		&resolution, &t.Attempts, &nextAttempt, &t.Stalled, &t.LastError, &claimed, &judged, &completed,
		&created, &updated,
	); err != nil {
		return settlement.Task{}, err
	}
	t.Status = settlement.Status(status)
	t.Resolution = settlement.Resolution(resolution)
	t.Deadline = fromMillis(deadline)
	t.NextAttemptAt = timePtr(nextAttempt)
	t.ClaimedAt = timePtr(claimed)
	t.JudgedAt = timePtr(judged)
	t.CompletedAt = timePtr(completed)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, nil
}

// CreateTask inserts a new OPEN task.
func (s *SQLStore) CreateTask(ctx context.Context, task settlement.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	t := newTask(task, s.clock.Now())
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO settlement_tasks (task_id, title, description, category, reward_sats, currency, deadline_ms, status,
  creator_id, creator_wallet, escrow_lock_tx, created_ms, updated_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		t.TaskID, t.Title, t.Description, t.Category, t.RewardSats, t.Currency, millis(t.Deadline), string(t.Status),
		t.CreatorID, t.CreatorWallet, t.EscrowLockTx, millis(t.CreatedAt), millis(t.UpdatedAt),
	)
	if isUniqueViolation(err) {
		return settlement.ErrTaskExists
	}
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTask(ctx context.Context, taskID string) (settlement.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+taskColumns+` FROM settlement_tasks WHERE task_id = ?`), taskID)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Task{}, settlement.ErrTaskNotFound
	}
	if err != nil {
		return settlement.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLStore) ListTasks(ctx context.Context, filter settlement.TaskFilter) ([]settlement.Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.DeadlineBefore.IsZero() {
		where = append(where, "deadline_ms <= ?")
		args = append(args, millis(filter.DeadlineBefore))
	}
	if !filter.ClaimedBefore.IsZero() {
		where = append(where, "claimed_ms IS NOT NULL AND claimed_ms <= ?")
		args = append(args, millis(filter.ClaimedBefore))
	}
	if !filter.DueBy.IsZero() {
		where = append(where, "(next_attempt_ms IS NULL OR next_attempt_ms <= ?)")
		args = append(args, millis(filter.DueBy))
	}
	if filter.Stalled != nil {
		where = append(where, "stalled = ?")
		args = append(args, *filter.Stalled)
	}
	query := `SELECT ` + taskColumns + ` FROM settlement_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY deadline_ms, task_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	out := make([]settlement.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateIf is a single conditional UPDATE; the affected-row count is the claim.
func (s *SQLStore) UpdateIf(ctx context.Context, taskID string, expected, next settlement.Status, fields settlement.TaskUpdate) (int64, error) {
	if !settlement.CanTransition(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", settlement.ErrInvalidTransition, expected, next)
	}
	sets := []string{"status = ?", "updated_ms = ?"}
	args := []any{string(next), millis(s.clock.Now())}
	set := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if fields.EscrowReleaseTx != nil {
		set("escrow_release_tx", *fields.EscrowReleaseTx)
	}
	if fields.WinnerSubmissionID != nil {
		set("winner_submission_id", *fields.WinnerSubmissionID)
	}
	if fields.PayoutWallet != nil {
		set("payout_wallet", *fields.PayoutWallet)
	}
	if fields.Resolution != nil {
		set("resolution", string(*fields.Resolution))
	}
	if fields.Attempts != nil {
		set("attempts", *fields.Attempts)
	}
	if fields.ClearNextAttempt {
		sets = append(sets, "next_attempt_ms = NULL")
	} else if fields.NextAttemptAt != nil {
		set("next_attempt_ms", millis(*fields.NextAttemptAt))
	}
	if fields.Stalled != nil {
		set("stalled", *fields.Stalled)
	}
	if fields.LastError != nil {
		set("last_error", *fields.LastError)
	}
	if fields.ClaimedAt != nil {
		set("claimed_ms", millis(*fields.ClaimedAt))
	}
	if fields.JudgedAt != nil {
		set("judged_ms", millis(*fields.JudgedAt))
	}
	if fields.CompletedAt != nil {
		set("completed_ms", millis(*fields.CompletedAt))
	}
	args = append(args, taskID, string(expected))

	query := "UPDATE settlement_tasks SET " + strings.Join(sets, ", ") + " WHERE task_id = ? AND status = ?"
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("update task: %w", err)
	}
	if n == 0 {
		if err := s.taskExists(ctx, s.db, taskID); err != nil {
			return 0, err
		}
	}
	return n, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLStore) taskExists(ctx context.Context, q querier, taskID string) error {
	var one int
	err := q.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM settlement_tasks WHERE task_id = ?`), taskID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.ErrTaskNotFound
	}
	return err
}

func (s *SQLStore) CountByStatus(ctx context.Context) (map[settlement.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM settlement_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[settlement.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[settlement.Status(status)] = n
	}
	return counts, rows.Err()
}

func (s *SQLStore) CountStalled(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM settlement_tasks WHERE stalled = ?`), true).Scan(&n)
	return n, err
}

func (s *SQLStore) CountJudgedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM settlement_tasks WHERE judged_ms IS NOT NULL AND judged_ms >= ?`), millis(since)).Scan(&n)
	return n, err
}

// CreateSubmission inserts a submission while the task is OPEN.
func (s *SQLStore) CreateSubmission(ctx context.Context, sub settlement.Submission) (settlement.Submission, error) {
	if err := sub.Validate(); err != nil {
		return settlement.Submission{}, err
	}
	sub = newSubmission(sub, s.clock.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return settlement.Submission{}, err
	}
	defer tx.Rollback()

	var status string
	lock := `SELECT status FROM settlement_tasks WHERE task_id = ?`
	if s.dialect == dialectPostgres {
		lock += " FOR SHARE"
	}
	err = tx.QueryRowContext(ctx, s.rebind(lock), sub.TaskID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.Submission{}, settlement.ErrTaskNotFound
	}
	if err != nil {
		return settlement.Submission{}, fmt.Errorf("load task: %w", err)
	}
	if settlement.Status(status) != settlement.StatusOpen {
		return settlement.Submission{}, settlement.ErrTaskNotOpen
	}
	_, err = tx.ExecContext(ctx, s.rebind(`
INSERT INTO settlement_submissions (submission_id, task_id, submitter_id, submitter_wallet, content, created_ms)
VALUES (?,?,?,?,?,?)`),
		sub.SubmissionID, sub.TaskID, sub.SubmitterID, sub.SubmitterWallet, sub.Content, millis(sub.CreatedAt),
	)
	if isUniqueViolation(err) {
		return settlement.Submission{}, settlement.ErrDuplicateSubmission
	}
	if err != nil {
		return settlement.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return settlement.Submission{}, err
	}
	return sub, nil
}

// ListSubmissions returns a task's submissions in arrival order.
func (s *SQLStore) ListSubmissions(ctx context.Context, taskID string) ([]settlement.Submission, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT submission_id, task_id, submitter_id, submitter_wallet, content, score, winner, rationale, created_ms
FROM settlement_submissions WHERE task_id = ? ORDER BY created_ms, submission_id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer rows.Close()
	out := make([]settlement.Submission, 0)
	for rows.Next() {
		var sub settlement.Submission
		var score sql.NullFloat64
		var created int64
		if err := rows.Scan(&sub.SubmissionID, &sub.TaskID, &sub.SubmitterID, &sub.SubmitterWallet, &sub.Content,
			&score, &sub.Winner, &sub.Rationale, &created); err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		if score.Valid {
			v := score.Float64
			sub.Score = &v
		}
		sub.CreatedAt = fromMillis(created)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// RecordJudgement writes scores and the winner flag in one transaction. On
// Postgres the task row is locked first so concurrent judgements queue up.
func (s *SQLStore) RecordJudgement(ctx context.Context, taskID string, scores []settlement.ScoreUpdate, winnerSubmissionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	lock := `SELECT task_id FROM settlement_tasks WHERE task_id = ?`
	if s.dialect == dialectPostgres {
		lock += " FOR UPDATE"
	}
	var locked string
	err = tx.QueryRowContext(ctx, s.rebind(lock), taskID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return settlement.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("lock task: %w", err)
	}

	rows, err := tx.QueryContext(ctx, s.rebind(`SELECT submission_id, winner FROM settlement_submissions WHERE task_id = ?`), taskID)
	if err != nil {
		return fmt.Errorf("load submissions: %w", err)
	}
	owned := make(map[string]bool)
	judged := false
	for rows.Next() {
		var id string
		var winner bool
		if err := rows.Scan(&id, &winner); err != nil {
			rows.Close()
			return err
		}
		owned[id] = true
		judged = judged || winner
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if judged {
		return settlement.ErrAlreadyJudged
	}
	if winnerSubmissionID != "" && !owned[winnerSubmissionID] {
		return fmt.Errorf("%w: %s does not belong to task %s", settlement.ErrInvalidSubmission, winnerSubmissionID, taskID)
	}

	for _, sc := range scores {
		if !owned[sc.SubmissionID] {
			return fmt.Errorf("%w: %s does not belong to task %s", settlement.ErrInvalidSubmission, sc.SubmissionID, taskID)
		}
		if sc.Score != nil {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE settlement_submissions SET score = ?, rationale = ? WHERE submission_id = ?`),
				*sc.Score, sc.Rationale, sc.SubmissionID)
		} else {
			_, err = tx.ExecContext(ctx, s.rebind(`UPDATE settlement_submissions SET rationale = ? WHERE submission_id = ?`),
				sc.Rationale, sc.SubmissionID)
		}
		if err != nil {
			return fmt.Errorf("write score: %w", err)
		}
	}
	if winnerSubmissionID != "" {
		_, err = tx.ExecContext(ctx, s.rebind(`UPDATE settlement_submissions SET winner = ? WHERE submission_id = ?`), true, winnerSubmissionID)
		if isUniqueViolation(err) {
			return settlement.ErrAlreadyJudged
		}
		if err != nil {
			return fmt.Errorf("flag winner: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStore) CreateEscrowTransaction(ctx context.Context, etx settlement.EscrowTransaction) error {
	now := s.clock.Now()
	if strings.TrimSpace(etx.ID) == "" {
		etx.ID = uuid.NewString()
	}
	if etx.CreatedAt.IsZero() {
		etx.CreatedAt = now
	}
	if err := s.taskExists(ctx, s.db, etx.TaskID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
INSERT INTO settlement_escrow_transactions (id, task_id, direction, amount_sats, currency, from_wallet, to_wallet,
  status, signature, error, created_ms, updated_ms)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`),
		etx.ID, etx.TaskID, string(etx.Direction), etx.AmountSats, etx.Currency, etx.FromWallet, etx.ToWallet,
		string(etx.Status), etx.Signature, etx.Error, millis(etx.CreatedAt), millis(now),
	)
	if isUniqueViolation(err) {
		if etx.Direction == settlement.DirectionRelease && etx.Status == settlement.TxConfirmed {
			return settlement.ErrReleaseConfirmed
		}
		return fmt.Errorf("escrow transaction %s already exists", etx.ID)
	}
	if err != nil {
		return fmt.Errorf("insert escrow transaction: %w", err)
	}
	return nil
}

func (s *SQLStore) UpdateEscrowTransaction(ctx context.Context, id string, expected, next settlement.TxStatus, signature, errMsg string) (int64, error) {
	if !settlement.CanTransitionTx(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", settlement.ErrInvalidTransition, expected, next)
	}
	sets := []string{"status = ?", "updated_ms = ?"}
	args := []any{string(next), millis(s.clock.Now())}
	if signature != "" {
		sets = append(sets, "signature = ?")
		args = append(args, signature)
	}
	if errMsg != "" {
		sets = append(sets, "error = ?")
		args = append(args, errMsg)
	}
	args = append(args, id, string(expected))
	query := "UPDATE settlement_escrow_transactions SET " + strings.Join(sets, ", ") + " WHERE id = ? AND status = ?"
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if isUniqueViolation(err) {
		return 0, settlement.ErrReleaseConfirmed
	}
	if err != nil {
		return 0, fmt.Errorf("update escrow transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var one int
		err := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM settlement_escrow_transactions WHERE id = ?`), id).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, settlement.ErrEscrowTxNotFound
		}
		if err != nil {
			return 0, err
		}
	}
	return n, nil
}

func (s *SQLStore) ListEscrowTransactions(ctx context.Context, taskID string) ([]settlement.EscrowTransaction, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, task_id, direction, amount_sats, currency, from_wallet, to_wallet, status, signature, error, created_ms, updated_ms
FROM settlement_escrow_transactions WHERE task_id = ? ORDER BY created_ms, id`), taskID)
	if err != nil {
		return nil, fmt.Errorf("list escrow transactions: %w", err)
	}
	defer rows.Close()
	out := make([]settlement.EscrowTransaction, 0)
	for rows.Next() {
		var etx settlement.EscrowTransaction
		var direction, status string
		var created, updated int64
		if err := rows.Scan(&etx.ID, &etx.TaskID, &direction, &etx.AmountSats, &etx.Currency, &etx.FromWallet, &etx.ToWallet,
			&status, &etx.Signature, &etx.Error, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan escrow transaction: %w", err)
		}
		etx.Direction = settlement.Direction(direction)
		etx.Status = settlement.TxStatus(status)
		etx.CreatedAt = fromMillis(created)
		etx.UpdatedAt = fromMillis(updated)
		out = append(out, etx)
	}
	return out, rows.Err()
}
