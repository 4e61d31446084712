// Package escrow is the Settlement Executor: it releases a task's escrowed
// reward to the winner (or back to the creator) exactly once.
//
// Every attempt for one escrow wallet runs under that wallet's lock, so the
// balance check and the transfer that follows it never interleave with
// another task's settlement.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bounty-settlement/clock"
	"bounty-settlement/core/retry"
	"bounty-settlement/core/settlement"
	"bounty-settlement/metrics"
)

// WalletLocker serializes work per escrow wallet. The returned func releases
// the lock.
type WalletLocker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Outcome of one settlement attempt.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomePending   Outcome = "pending"   // broadcast, not yet confirmed
	OutcomeShortfall Outcome = "shortfall" // escrow balance below reward
	OutcomeFailed    Outcome = "failed"
	OutcomeStalled   Outcome = "stalled" // needs an operator
	OutcomeSkipped   Outcome = "skipped" // task not in PAYMENT_PENDING
)

// Result reports what an attempt did.
type Result struct {
	TaskID    string  `json:"task_id"`
	Outcome   Outcome `json:"outcome"`
	Signature string  `json:"signature,omitempty"`
	Attempts  int     `json:"attempts,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// Config holds executor settings.
type Config struct {
	EscrowWallet string
	Policy       retry.Policy
}

// Executor is the Settlement Executor.
type Executor struct {
	store   settlement.Store
	ledger  settlement.Ledger
	locker  WalletLocker
	cfg     Config
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

// NewExecutor wires an executor. logger and m may be nil.
func NewExecutor(store settlement.Store, ledger settlement.Ledger, locker WalletLocker, cfg Config, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *Executor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:   store,
		ledger:  ledger,
		locker:  locker,
		cfg:     cfg,
		clock:   clk,
		logger:  logger.With("component", "escrow"),
		metrics: m,
		tracer:  otel.Tracer("bounty-settlement/core/escrow"),
	}
}

// EscrowWallet is the wallet rewards are released from.
func (e *Executor) EscrowWallet() string { return e.cfg.EscrowWallet }

// Settle moves a judged task into PAYMENT_PENDING and makes the first
// transfer attempt. An empty winnerWallet routes the reward back to the
// task's creator. If another trigger already advanced the task, Settle is a
// no-op.
func (e *Executor) Settle(ctx context.Context, task settlement.Task, winnerSubmissionID, winnerWallet string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Settle", trace.WithAttributes(attribute.String("task.id", task.TaskID)))
	defer span.End()

	dest, resolution := winnerWallet, settlement.ResolutionWinnerPaid
	if winnerWallet == "" {
		dest, resolution = task.CreatorWallet, settlement.ResolutionRefunded
		winnerSubmissionID = ""
	}
	now := e.clock.Now()
	n, err := e.store.UpdateIf(ctx, task.TaskID, settlement.StatusJudging, settlement.StatusPaymentPending, settlement.TaskUpdate{
		WinnerSubmissionID: settlement.String(winnerSubmissionID),
		PayoutWallet:       settlement.String(dest),
		Resolution:         &resolution,
		JudgedAt:           &now,
		Attempts:           settlement.Int(0),
		Stalled:            settlement.Bool(false),
		LastError:          settlement.String(""),
		ClearNextAttempt:   true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{TaskID: task.TaskID}, fmt.Errorf("claim payment: %w", err)
	}
	if n == 0 {
		e.logger.Debug("payment claim lost, task already moved on", "task_id", task.TaskID)
		return Result{TaskID: task.TaskID, Outcome: OutcomeSkipped}, nil
	}
	e.logger.Info("payment pending", "task_id", task.TaskID, "resolution", resolution, "payout_wallet", dest, "amount_sats", task.RewardSats)
	return e.Attempt(ctx, task.TaskID)
}

// Attempt makes one settlement attempt for a task parked in PAYMENT_PENDING.
// Prior RELEASE rows are reconciled first so a broadcast is never repeated.
// Ledger trouble is charged to the task's retry budget and reported in the
// Result; only store failures come back as errors.
func (e *Executor) Attempt(ctx context.Context, taskID string) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "escrow.Attempt", trace.WithAttributes(attribute.String("task.id", taskID)))
	defer span.End()

	res, err := e.attempt(ctx, taskID)
	span.SetAttributes(attribute.String("settlement.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	if res.Outcome != "" && res.Outcome != OutcomeSkipped {
		e.metrics.Settlement(string(res.Outcome))
	}
	return res, nil
}

func (e *Executor) attempt(ctx context.Context, taskID string) (Result, error) {
	unlock, err := e.locker.Lock(ctx, e.cfg.EscrowWallet)
	if err != nil {
		return Result{TaskID: taskID}, fmt.Errorf("lock escrow wallet: %w", err)
	}
	defer unlock()

	// Re-read under the lock; no status is cached across calls.
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{TaskID: taskID}, err
	}
	if task.Status != settlement.StatusPaymentPending {
		e.logger.Debug("settlement skipped", "task_id", taskID, "status", task.Status)
		return Result{TaskID: taskID, Outcome: OutcomeSkipped, Signature: task.EscrowReleaseTx}, nil
	}
	if task.Stalled {
		return Result{TaskID: taskID, Outcome: OutcomeStalled, Attempts: task.Attempts, Reason: task.LastError}, nil
	}
	if task.PayoutWallet == "" {
		return e.fail(ctx, task, OutcomeFailed, errors.New("task has no payout wallet"))
	}

	row, res, done, err := e.reconcile(ctx, task)
	if err != nil || done {
		return res, err
	}

	if row == nil {
		balance, err := e.ledger.GetBalance(ctx, e.cfg.EscrowWallet, settlement.Currency)
		if err != nil {
			return e.fail(ctx, task, OutcomeFailed, fmt.Errorf("escrow balance: %w", err))
		}
		if balance < task.RewardSats {
			e.logger.Warn("escrow funding shortfall",
				"task_id", task.TaskID, "escrow_wallet", e.cfg.EscrowWallet,
				"balance_sats", balance, "reward_sats", task.RewardSats)
			return e.fail(ctx, task, OutcomeShortfall,
				fmt.Errorf("%w: balance %d < reward %d", settlement.ErrInsufficientFunds, balance, task.RewardSats))
		}
		row = &settlement.EscrowTransaction{
			ID:         uuid.NewString(),
			TaskID:     task.TaskID,
			Direction:  settlement.DirectionRelease,
			AmountSats: task.RewardSats,
			Currency:   settlement.Currency,
			FromWallet: e.cfg.EscrowWallet,
			ToWallet:   task.PayoutWallet,
			Status:     settlement.TxPending,
		}
		// The row exists before the broadcast so a crash in between is visible.
		if err := e.store.CreateEscrowTransaction(ctx, *row); err != nil {
			return Result{TaskID: taskID}, fmt.Errorf("record release: %w", err)
		}
	}
	return e.transfer(ctx, task, *row)
}

// reconcile inspects earlier RELEASE rows. It finishes the task when one is
// already confirmed, re-checks a broadcast still pending, and hands back an
// unbroadcast PENDING row for resubmission under the same idempotency key.
func (e *Executor) reconcile(ctx context.Context, task settlement.Task) (*settlement.EscrowTransaction, Result, bool, error) {
	txs, err := e.store.ListEscrowTransactions(ctx, task.TaskID)
	if err != nil {
		return nil, Result{TaskID: task.TaskID}, true, fmt.Errorf("list escrow transactions: %w", err)
	}
	var resubmit *settlement.EscrowTransaction
	for i := range txs {
		tx := txs[i]
		if tx.Direction != settlement.DirectionRelease {
			continue
		}
		switch {
		case tx.Status == settlement.TxConfirmed:
			res, err := e.finish(ctx, task, tx.Signature)
			return nil, res, true, err

		case tx.Status == settlement.TxPending && tx.Signature != "":
			check, cerr := e.ledger.Confirm(ctx, tx.Signature)
			if cerr != nil {
				res, err := e.fail(ctx, task, OutcomeFailed, fmt.Errorf("confirm %s: %w", tx.Signature, cerr))
				return nil, res, true, err
			}
			switch check.State {
			case settlement.TransferConfirmed:
				res, err := e.confirmRow(ctx, task, tx.ID, tx.Signature)
				return nil, res, true, err
			case settlement.TransferPending:
				res, err := e.fail(ctx, task, OutcomePending, fmt.Errorf("transaction %s awaiting confirmation", tx.Signature))
				res.Signature = tx.Signature
				return nil, res, true, err
			default:
				if _, err := e.store.UpdateEscrowTransaction(ctx, tx.ID, settlement.TxPending, settlement.TxFailed, "", check.Reason); err != nil {
					return nil, Result{TaskID: task.TaskID}, true, fmt.Errorf("mark release failed: %w", err)
				}
				e.logger.Warn("release transaction dropped", "task_id", task.TaskID, "txid", tx.Signature, "reason", check.Reason)
			}

		case tx.Status == settlement.TxPending && resubmit == nil:
			resubmit = &tx
		}
	}
	return resubmit, Result{}, false, nil
}

func (e *Executor) transfer(ctx context.Context, task settlement.Task, row settlement.EscrowTransaction) (Result, error) {
	started := e.clock.Now()
	res, err := e.ledger.Transfer(ctx, settlement.TransferRequest{
		IdempotencyKey: row.ID,
		From:           row.FromWallet,
		To:             row.ToWallet,
		AmountSats:     row.AmountSats,
		Currency:       settlement.Currency,
	})
	e.metrics.TransferDuration(e.clock.Now().Sub(started))

	if res.Signature != "" && res.State != settlement.TransferConfirmed {
		if _, uerr := e.store.UpdateEscrowTransaction(ctx, row.ID, settlement.TxPending, settlement.TxPending, res.Signature, ""); uerr != nil {
			return Result{TaskID: task.TaskID}, fmt.Errorf("record signature: %w", uerr)
		}
	}
	if err != nil {
		out, ferr := e.fail(ctx, task, OutcomeFailed, fmt.Errorf("transfer: %w", err))
		out.Signature = res.Signature
		return out, ferr
	}

	switch res.State {
	case settlement.TransferConfirmed:
		return e.confirmRow(ctx, task, row.ID, res.Signature)
	case settlement.TransferPending:
		out, err := e.fail(ctx, task, OutcomePending, fmt.Errorf("transaction %s awaiting confirmation", res.Signature))
		out.Signature = res.Signature
		return out, err
	default:
		if _, err := e.store.UpdateEscrowTransaction(ctx, row.ID, settlement.TxPending, settlement.TxFailed, res.Signature, res.Reason); err != nil {
			return Result{TaskID: task.TaskID}, fmt.Errorf("mark release failed: %w", err)
		}
		return e.fail(ctx, task, OutcomeFailed, fmt.Errorf("transfer rejected: %s", res.Reason))
	}
}

func (e *Executor) confirmRow(ctx context.Context, task settlement.Task, rowID, signature string) (Result, error) {
	n, err := e.store.UpdateEscrowTransaction(ctx, rowID, settlement.TxPending, settlement.TxConfirmed, signature, "")
	if err != nil {
		return Result{TaskID: task.TaskID}, fmt.Errorf("confirm release: %w", err)
	}
	if n == 0 {
		e.logger.Debug("release row already moved", "task_id", task.TaskID, "row", rowID)
	}
	return e.finish(ctx, task, signature)
}

func (e *Executor) finish(ctx context.Context, task settlement.Task, signature string) (Result, error) {
	now := e.clock.Now()
	n, err := e.store.UpdateIf(ctx, task.TaskID, settlement.StatusPaymentPending, settlement.StatusCompleted, settlement.TaskUpdate{
		EscrowReleaseTx:  settlement.String(signature),
		CompletedAt:      &now,
		Stalled:          settlement.Bool(false),
		LastError:        settlement.String(""),
		ClearNextAttempt: true,
	})
	if err != nil {
		return Result{TaskID: task.TaskID}, fmt.Errorf("complete task: %w", err)
	}
	if n == 0 {
		e.logger.Debug("completion lost, task already moved on", "task_id", task.TaskID)
		return Result{TaskID: task.TaskID, Outcome: OutcomeSkipped, Signature: signature}, nil
	}
	e.logger.Info("task settled",
		"task_id", task.TaskID, "resolution", task.Resolution, "payout_wallet", task.PayoutWallet,
		"amount_sats", task.RewardSats, "txid", signature)
	return Result{TaskID: task.TaskID, Outcome: OutcomeCompleted, Signature: signature, Attempts: task.Attempts}, nil
}

// fail charges a failed attempt to the task's retry budget.
func (e *Executor) fail(ctx context.Context, task settlement.Task, outcome Outcome, cause error) (Result, error) {
	out, err := settlement.RecordFailure(ctx, e.store, e.cfg.Policy, e.clock.Now(), task, cause)
	if err != nil {
		return Result{TaskID: task.TaskID}, fmt.Errorf("record failure: %w", err)
	}
	res := Result{TaskID: task.TaskID, Outcome: outcome, Attempts: out.Attempts, Reason: cause.Error()}
	if out.Stalled {
		res.Outcome = OutcomeStalled
		e.logger.Error("operator alert: settlement stalled, manual intervention required",
			"task_id", task.TaskID, "attempts", out.Attempts, "error", cause)
		return res, nil
	}
	e.logger.Warn("settlement attempt failed",
		"task_id", task.TaskID, "outcome", outcome, "attempts", out.Attempts, "next_attempt_at", out.NextAt, "error", cause)
	return res, nil
}
