package escrow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-settlement/bitcoin"
	"bounty-settlement/clock"
	"bounty-settlement/core/retry"
	"bounty-settlement/core/settlement"
	store "bounty-settlement/storage/settlement"
	"bounty-settlement/storage/walletlock"
)

const (
	escrowWallet = "escrow-wallet"
	tenBTC       = int64(1_000_000_000)
	fiveBTC      = int64(500_000_000)
)

var epoch = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

type fixture struct {
	store  *store.MemoryStore
	ledger *bitcoin.MockLedger
	clock  *clock.FakeClock
	exec   *Executor
}

func newFixture(t *testing.T, policy retry.Policy) *fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	s := store.NewMemoryStore(clk)
	l := bitcoin.NewMockLedger()
	exec := NewExecutor(s, l, walletlock.NewLocalLocker(), Config{EscrowWallet: escrowWallet, Policy: policy}, clk, nil, nil)
	return &fixture{store: s, ledger: l, clock: clk, exec: exec}
}

func defaultPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2}
}

// judgedTask creates a task and moves it to JUDGING, the state Settle expects.
func (f *fixture) judgedTask(t *testing.T, id string, reward int64) settlement.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateTask(ctx, settlement.Task{
		TaskID:        id,
		Title:         id,
		RewardSats:    reward,
		Deadline:      epoch.Add(time.Minute),
		CreatorID:     "alice",
		CreatorWallet: "alice-wallet",
		EscrowLockTx:  "lock-" + id,
	}))
	n, err := f.store.UpdateIf(ctx, id, settlement.StatusOpen, settlement.StatusJudging, settlement.TaskUpdate{})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	task, err := f.store.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func (f *fixture) task(t *testing.T, id string) settlement.Task {
	t.Helper()
	task, err := f.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) releases(t *testing.T, id string, status settlement.TxStatus) []settlement.EscrowTransaction {
	t.Helper()
	txs, err := f.store.ListEscrowTransactions(context.Background(), id)
	require.NoError(t, err)
	var out []settlement.EscrowTransaction
	for _, tx := range txs {
		if tx.Direction == settlement.DirectionRelease && tx.Status == status {
			out = append(out, tx)
		}
	}
	return out
}

func TestSettleReleasesExactReward(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, 3*tenBTC+12345)
	task := f.judgedTask(t, "t1", tenBTC)

	// Escrow balance moves between lock and release; the payout must not.
	f.ledger.SetBalance(escrowWallet, 2*tenBTC+777)

	res, err := f.exec.Settle(context.Background(), task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)

	assert.Equal(t, tenBTC, f.ledger.Balance("bob-wallet"))
	assert.Equal(t, tenBTC+777, f.ledger.Balance(escrowWallet))
	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, tenBTC, transfers[0].AmountSats)

	got := f.task(t, "t1")
	assert.Equal(t, settlement.StatusCompleted, got.Status)
	assert.Equal(t, settlement.ResolutionWinnerPaid, got.Resolution)
	assert.Equal(t, "bob-wallet", got.PayoutWallet)
	assert.Equal(t, "sub-bob", got.WinnerSubmissionID)
	assert.Equal(t, res.Signature, got.EscrowReleaseTx)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.JudgedAt)

	confirmed := f.releases(t, "t1", settlement.TxConfirmed)
	require.Len(t, confirmed, 1)
	assert.Equal(t, tenBTC, confirmed[0].AmountSats)
	assert.Equal(t, escrowWallet, confirmed[0].FromWallet)
	assert.Equal(t, "bob-wallet", confirmed[0].ToWallet)
}

func TestSettleWithoutWinnerRefundsCreator(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, tenBTC)
	task := f.judgedTask(t, "t1", tenBTC)

	res, err := f.exec.Settle(context.Background(), task, "", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, tenBTC, f.ledger.Balance("alice-wallet"))

	got := f.task(t, "t1")
	assert.Equal(t, settlement.ResolutionRefunded, got.Resolution)
	assert.Equal(t, "alice-wallet", got.PayoutWallet)
	assert.Empty(t, got.WinnerSubmissionID)
}

func TestShortfallThenTopUp(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, fiveBTC)
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	res, err := f.exec.Settle(ctx, task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeShortfall, res.Outcome)
	assert.Equal(t, 1, res.Attempts)

	got := f.task(t, "t1")
	assert.Equal(t, settlement.StatusPaymentPending, got.Status)
	assert.False(t, got.Stalled)
	assert.Contains(t, got.LastError, "insufficient")
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, got.NextAttemptAt.After(epoch))
	assert.Empty(t, f.releases(t, "t1", settlement.TxConfirmed))
	assert.Empty(t, f.ledger.Transfers())

	f.ledger.SetBalance(escrowWallet, tenBTC)
	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Equal(t, tenBTC, f.ledger.Balance("bob-wallet"))
	assert.Len(t, f.releases(t, "t1", settlement.TxConfirmed), 1)

	got = f.task(t, "t1")
	assert.Equal(t, settlement.StatusCompleted, got.Status)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.NextAttemptAt)
}

func TestPendingConfirmationIsNeverRebroadcast(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, 3*tenBTC)
	f.ledger.HoldConfirmations(true)
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	res, err := f.exec.Settle(ctx, task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	require.NotEmpty(t, res.Signature)

	pending := f.releases(t, "t1", settlement.TxPending)
	require.Len(t, pending, 1)
	assert.Equal(t, res.Signature, pending[0].Signature)

	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomePending, res.Outcome)
	assert.Len(t, f.ledger.Transfers(), 1)

	f.ledger.HoldConfirmations(false)
	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.ledger.Transfers(), 1)
	assert.Len(t, f.releases(t, "t1", settlement.TxConfirmed), 1)
	assert.Equal(t, 2*tenBTC, f.ledger.Balance(escrowWallet))
}

func TestRejectedTransferRetriesWithNewRow(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, tenBTC)
	f.ledger.FailNextTransfers(1, "mempool full")
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	res, err := f.exec.Settle(ctx, task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)
	failed := f.releases(t, "t1", settlement.TxFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "mempool full", failed[0].Error)

	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.releases(t, "t1", settlement.TxConfirmed), 1)
}

func TestUnbroadcastRowIsResubmittedWithSameKey(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, tenBTC)
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	// Simulate a crash after the broadcast but before the signature was stored.
	_, err := f.store.UpdateIf(ctx, "t1", settlement.StatusJudging, settlement.StatusPaymentPending, settlement.TaskUpdate{
		PayoutWallet: settlement.String("bob-wallet"),
	})
	require.NoError(t, err)
	row := settlement.EscrowTransaction{
		ID: "row-1", TaskID: "t1", Direction: settlement.DirectionRelease, AmountSats: tenBTC,
		Currency: settlement.Currency, FromWallet: escrowWallet, ToWallet: "bob-wallet", Status: settlement.TxPending,
	}
	require.NoError(t, f.store.CreateEscrowTransaction(ctx, row))
	_, err = f.ledger.Transfer(ctx, settlement.TransferRequest{IdempotencyKey: "row-1", From: escrowWallet, To: "bob-wallet", AmountSats: tenBTC})
	require.NoError(t, err)
	require.Zero(t, f.ledger.Balance(escrowWallet))

	res, err := f.exec.Attempt(ctx, task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, res.Outcome)
	assert.Len(t, f.ledger.Transfers(), 1)
	assert.Equal(t, tenBTC, f.ledger.Balance("bob-wallet"))
}

func TestRetryCapFlagsStalled(t *testing.T) {
	policy := defaultPolicy()
	policy.MaxAttempts = 2
	f := newFixture(t, policy)
	f.ledger.SetUnavailable(true)
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	res, err := f.exec.Settle(ctx, task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, res.Outcome)

	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalled, res.Outcome)
	got := f.task(t, "t1")
	assert.True(t, got.Stalled)
	assert.Equal(t, 2, got.Attempts)
	assert.Nil(t, got.NextAttemptAt)

	f.ledger.SetUnavailable(false)
	res, err = f.exec.Attempt(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalled, res.Outcome, "stalled tasks wait for an operator")
	assert.Equal(t, settlement.StatusPaymentPending, f.task(t, "t1").Status)
}

func TestSettleLosesClaimIsNoop(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, tenBTC)
	task := f.judgedTask(t, "t1", tenBTC)
	ctx := context.Background()

	first, err := f.exec.Settle(ctx, task, "sub-bob", "bob-wallet")
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, first.Outcome)

	second, err := f.exec.Settle(ctx, task, "sub-carol", "carol-wallet")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Zero(t, f.ledger.Balance("carol-wallet"))
	assert.Len(t, f.ledger.Transfers(), 1)
}

func TestConcurrentSettlementsCannotOverdrawEscrow(t *testing.T) {
	f := newFixture(t, defaultPolicy())
	f.ledger.SetBalance(escrowWallet, tenBTC)
	tasks := []settlement.Task{f.judgedTask(t, "t1", tenBTC), f.judgedTask(t, "t2", tenBTC)}

	results := make([]Result, len(tasks))
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task settlement.Task) {
			defer wg.Done()
			res, err := f.exec.Settle(context.Background(), task, "sub-"+task.TaskID, "winner-"+task.TaskID)
			assert.NoError(t, err)
			results[i] = res
		}(i, task)
	}
	wg.Wait()

	outcomes := map[Outcome]int{}
	for _, r := range results {
		outcomes[r.Outcome]++
	}
	assert.Equal(t, 1, outcomes[OutcomeCompleted])
	assert.Equal(t, 1, outcomes[OutcomeShortfall])
	assert.Zero(t, f.ledger.Balance(escrowWallet))
	assert.Len(t, f.ledger.Transfers(), 1)
}
