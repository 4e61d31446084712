package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bounty-settlement/bitcoin"
	"bounty-settlement/clock"
	"bounty-settlement/core/escrow"
	"bounty-settlement/core/judging"
	"bounty-settlement/core/retry"
	"bounty-settlement/core/settlement"
	store "bounty-settlement/storage/settlement"
	"bounty-settlement/storage/walletlock"
)

const (
	escrowWallet = "escrow-wallet"
	tenBTC       = int64(1_000_000_000)
)

var epoch = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	store  *store.MemoryStore
	ledger *bitcoin.MockLedger
	clock  *clock.FakeClock
	sched  *Scheduler
}

func testConfig() Config {
	return Config{
		SweepInterval:   time.Minute,
		RetryInterval:   time.Minute,
		CleanupInterval: time.Hour,
		EntryMaxAge:     24 * time.Hour,
		JudgingGrace:    0,
		Workers:         2,
		QueueSize:       16,
		Policy:          retry.Policy{MaxAttempts: 3, InitialInterval: time.Second, MaxInterval: time.Minute, Multiplier: 2},
	}
}

func newHarness(t *testing.T, cfg Config, judge Judger) *harness {
	t.Helper()
	clk := clock.NewFake(epoch)
	s := store.NewMemoryStore(clk)
	ledger := bitcoin.NewMockLedger()
	exec := escrow.NewExecutor(s, ledger, walletlock.NewLocalLocker(), escrow.Config{EscrowWallet: escrowWallet, Policy: cfg.Policy}, clk, nil, nil)
	if judge == nil {
		judge = judging.NewEngine(s, judging.UnavailableJudge{}, judging.WithSeed(5), judging.WithClock(clk))
	}
	return &harness{store: s, ledger: ledger, clock: clk, sched: New(s, judge, exec, cfg, clk, nil, nil)}
}

func (h *harness) createTask(t *testing.T, id string, deadline time.Time, submitters ...string) settlement.Task {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, h.store.CreateTask(ctx, settlement.Task{
		TaskID:        id,
		Title:         "Task " + id,
		RewardSats:    tenBTC,
		Deadline:      deadline,
		CreatorID:     "alice",
		CreatorWallet: "alice-wallet",
		EscrowLockTx:  "lock-" + id,
	}))
	for _, who := range submitters {
		_, err := h.store.CreateSubmission(ctx, settlement.Submission{
			TaskID:          id,
			SubmitterID:     who,
			SubmitterWallet: who + "-wallet",
			Content:         "entry by " + who,
		})
		require.NoError(t, err)
	}
	task, err := h.store.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

func (h *harness) status(t *testing.T, id string) settlement.Status {
	t.Helper()
	task, err := h.store.GetTask(context.Background(), id)
	require.NoError(t, err)
	return task.Status
}

// drain runs every queued job on the calling goroutine.
func (h *harness) drain(ctx context.Context) int {
	n := 0
	for {
		select {
		case j := <-h.sched.queue:
			h.sched.process(ctx, j)
			h.sched.mu.Lock()
			delete(h.sched.queued, j.taskID)
			h.sched.mu.Unlock()
			n++
		default:
			return n
		}
	}
}

func TestConcurrentCompleteTaskClaimsOnce(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	h.createTask(t, "t1", epoch, "bob")

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := h.sched.CompleteTask(context.Background(), "t1", TriggerSweep)
			assert.NoError(t, err)
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))
	assert.Len(t, h.ledger.Transfers(), 1)
}

func TestDeadlineTimerSettlesWithFallbackJudge(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	ctx := context.Background()
	require.NoError(t, h.sched.Init(ctx))
	t.Cleanup(h.sched.Shutdown)

	task := h.createTask(t, "t1", epoch.Add(time.Second), "bob")
	h.sched.OnTaskCreated(task)
	assert.True(t, h.sched.Scheduled("t1"))

	h.clock.Advance(2 * time.Second)

	require.Eventually(t, func() bool {
		return h.status(t, "t1") == settlement.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	got, err := h.sched.GetTaskStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, settlement.ResolutionWinnerPaid, got.Task.Resolution)
	assert.Equal(t, "bob-wallet", got.Task.PayoutWallet)
	assert.False(t, got.Scheduled)
	assert.Equal(t, 1, got.Submissions)
	assert.Equal(t, tenBTC, h.ledger.Balance("bob-wallet"))

	var confirmed int
	for _, tx := range got.Transactions {
		if tx.Direction == settlement.DirectionRelease && tx.Status == settlement.TxConfirmed {
			confirmed++
			assert.Equal(t, tenBTC, tx.AmountSats)
		}
	}
	assert.Equal(t, 1, confirmed)
}

func TestCancelDropsTimer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	task := h.createTask(t, "t1", epoch.Add(time.Minute), "bob")
	h.sched.OnTaskCreated(task)

	cancelled, err := h.sched.CancelTask(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, cancelled)
	assert.False(t, h.sched.Scheduled("t1"))

	h.clock.Advance(2 * time.Minute)
	assert.Zero(t, h.drain(ctx))
	assert.Equal(t, settlement.StatusCancelled, h.status(t, "t1"))
}

func TestCancelLosesToClaim(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	ctx := context.Background()
	h.createTask(t, "t1", epoch, "bob")

	won, err := h.sched.CompleteTask(ctx, "t1", TriggerTimer)
	require.NoError(t, err)
	require.True(t, won)

	cancelled, err := h.sched.CancelTask(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, cancelled)
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))

	won, err = h.sched.CompleteTask(ctx, "t1", TriggerSweep)
	require.NoError(t, err)
	assert.False(t, won)
}

func TestCancelUnknownTask(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	_, err := h.sched.CancelTask(context.Background(), "missing")
	assert.ErrorIs(t, err, settlement.ErrTaskNotFound)
}

func TestDeadlineSweepRecoversMissedTimer(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	ctx := context.Background()
	// Created while the process was down: no timer was ever registered.
	h.createTask(t, "t1", epoch.Add(time.Second), "bob")
	h.createTask(t, "t2", epoch.Add(time.Hour), "carol")
	h.clock.Advance(time.Minute)

	n, err := h.sched.SweepDeadlines(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A second sweep before the workers run does not queue the task twice.
	n, err = h.sched.SweepDeadlines(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, 1, h.drain(ctx))
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))
	assert.Equal(t, settlement.StatusOpen, h.status(t, "t2"))
}

func TestRetrySweepResumesParkedJudging(t *testing.T) {
	cfg := testConfig()
	cfg.JudgingGrace = 5 * time.Minute
	h := newHarness(t, cfg, nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	ctx := context.Background()
	h.createTask(t, "t1", epoch, "bob")

	// Claimed by a process that crashed before judging.
	now := h.clock.Now()
	_, err := h.store.UpdateIf(ctx, "t1", settlement.StatusOpen, settlement.StatusJudging, settlement.TaskUpdate{ClaimedAt: &now})
	require.NoError(t, err)

	n, err := h.sched.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "still inside the grace period")

	h.clock.Advance(6 * time.Minute)
	n, err = h.sched.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(ctx)
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))
}

func TestShortfallRetriedAfterBackoff(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC/2)
	ctx := context.Background()
	h.createTask(t, "t1", epoch, "bob")

	won, err := h.sched.CompleteTask(ctx, "t1", TriggerTimer)
	require.NoError(t, err)
	require.True(t, won)
	assert.Equal(t, settlement.StatusPaymentPending, h.status(t, "t1"))

	n, err := h.sched.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "next attempt not due yet")

	h.ledger.SetBalance(escrowWallet, tenBTC)
	h.clock.Advance(2 * time.Second)
	n, err = h.sched.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(ctx)
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))
	assert.Equal(t, tenBTC, h.ledger.Balance("bob-wallet"))
}

func TestStalledTaskNeedsOperatorRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Policy.MaxAttempts = 1
	h := newHarness(t, cfg, nil)
	ctx := context.Background()
	h.createTask(t, "t1", epoch, "bob")

	_, err := h.sched.CompleteTask(ctx, "t1", TriggerTimer)
	require.NoError(t, err)

	stalled, err := h.sched.ListStalled(ctx)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, "t1", stalled[0].TaskID)

	h.clock.Advance(time.Hour)
	n, err := h.sched.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "stalled tasks are not swept")

	stats, err := h.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Stalled)
	assert.Equal(t, 1, stats.PaymentPending)

	h.ledger.SetBalance(escrowWallet, tenBTC)
	require.NoError(t, h.sched.RetryTask(ctx, "t1"))
	h.drain(ctx)
	assert.Equal(t, settlement.StatusCompleted, h.status(t, "t1"))

	err = h.sched.RetryTask(ctx, "t1")
	assert.ErrorIs(t, err, settlement.ErrInvalidTransition)
}

type failingJudge struct{}

func (failingJudge) Judge(context.Context, settlement.Task) (judging.Verdict, error) {
	return judging.Verdict{}, errors.New("store unreachable")
}

func TestJudgingFailureLeavesTaskInJudging(t *testing.T) {
	h := newHarness(t, testConfig(), failingJudge{})
	ctx := context.Background()
	h.createTask(t, "t1", epoch, "bob")

	won, err := h.sched.CompleteTask(ctx, "t1", TriggerTimer)
	assert.True(t, won)
	assert.Error(t, err)

	task, err := h.store.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusJudging, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.Contains(t, task.LastError, "store unreachable")
	require.NotNil(t, task.NextAttemptAt)
}

func TestNoSubmissionsRefundsCreator(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	h.ledger.SetBalance(escrowWallet, tenBTC)
	ctx := context.Background()
	h.createTask(t, "t1", epoch)

	_, err := h.sched.CompleteTask(ctx, "t1", TriggerTimer)
	require.NoError(t, err)

	got, err := h.sched.GetTaskStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, got.Task.Status)
	assert.Equal(t, settlement.ResolutionRefunded, got.Task.Resolution)
	assert.Equal(t, tenBTC, h.ledger.Balance("alice-wallet"))
}

func TestCleanupEvictsEntriesForClosedTasks(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	for _, id := range []string{"t1", "t2"} {
		h.sched.OnTaskCreated(h.createTask(t, id, epoch.Add(time.Hour)))
	}
	require.Equal(t, 2, h.sched.TimerCount())

	// Cancelled behind the scheduler's back.
	_, err := h.store.UpdateIf(ctx, "t1", settlement.StatusOpen, settlement.StatusCancelled, settlement.TaskUpdate{})
	require.NoError(t, err)

	assert.Equal(t, 1, h.sched.Cleanup(ctx))
	assert.False(t, h.sched.Scheduled("t1"))
	assert.True(t, h.sched.Scheduled("t2"))
}

func TestInitReloadsOpenTasksAndShutdownCancelsTimers(t *testing.T) {
	h := newHarness(t, testConfig(), nil)
	ctx := context.Background()
	h.createTask(t, "t1", epoch.Add(time.Hour))
	h.createTask(t, "t2", epoch.Add(2*time.Hour))

	require.NoError(t, h.sched.Init(ctx))
	assert.Equal(t, 2, h.sched.TimerCount())

	stats, err := h.sched.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.ScheduledTimer)

	h.sched.Shutdown()
	assert.Zero(t, h.sched.TimerCount())
	assert.Zero(t, h.clock.Pending(), "timers and sweep tickers are stopped")
}
