package scheduler

import (
	"context"
	"fmt"
	"time"

	"bounty-settlement/core/settlement"
)

// TaskStatus is the collaborator-facing view of one task.
type TaskStatus struct {
	Task         settlement.Task                `json:"task"`
	Submissions  int                            `json:"submissions"`
	Transactions []settlement.EscrowTransaction `json:"escrow_transactions"`
	Scheduled    bool                           `json:"scheduled"`
}

// CancelTask cancels an OPEN task. The timer is dropped first; if it already
// fired, whichever of the claim and the cancellation applies first wins. The
// bool reports whether this call cancelled the task.
func (s *Scheduler) CancelTask(ctx context.Context, taskID string) (bool, error) {
	s.forget(taskID)
	now := s.clock.Now()
	n, err := s.store.UpdateIf(ctx, taskID, settlement.StatusOpen, settlement.StatusCancelled, settlement.TaskUpdate{
		CompletedAt: &now,
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		s.logger.Debug("cancel lost, task already claimed", "task_id", taskID)
		return false, nil
	}
	s.logger.Info("task cancelled", "task_id", taskID)
	return true, nil
}

// GetTaskStatus reads a task with its submission count and escrow history.
func (s *Scheduler) GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatus{}, err
	}
	subs, err := s.store.ListSubmissions(ctx, taskID)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("list submissions: %w", err)
	}
	txs, err := s.store.ListEscrowTransactions(ctx, taskID)
	if err != nil {
		return TaskStatus{}, fmt.Errorf("list escrow transactions: %w", err)
	}
	return TaskStatus{Task: task, Submissions: len(subs), Transactions: txs, Scheduled: s.Scheduled(taskID)}, nil
}

// Stats snapshots task counts for dashboards and mirrors them into the
// metrics gauges.
func (s *Scheduler) Stats(ctx context.Context) (settlement.Stats, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return settlement.Stats{}, err
	}
	stalled, err := s.store.CountStalled(ctx)
	if err != nil {
		return settlement.Stats{}, err
	}
	judged, err := s.store.CountJudgedSince(ctx, s.clock.Now().Add(-24*time.Hour))
	if err != nil {
		return settlement.Stats{}, err
	}
	st := settlement.Stats{
		Open:           counts[settlement.StatusOpen],
		Judging:        counts[settlement.StatusJudging],
		PaymentPending: counts[settlement.StatusPaymentPending],
		Completed:      counts[settlement.StatusCompleted],
		Cancelled:      counts[settlement.StatusCancelled],
		Stalled:        stalled,
		JudgedRecently: judged,
		ScheduledTimer: s.TimerCount(),
	}
	s.metrics.ObserveStats(st)
	return st, nil
}

// ListStalled returns tasks flagged for manual intervention.
func (s *Scheduler) ListStalled(ctx context.Context) ([]settlement.Task, error) {
	return s.store.ListTasks(ctx, settlement.TaskFilter{Stalled: settlement.Bool(true)})
}

// RetryTask re-arms a task parked in JUDGING or PAYMENT_PENDING: the retry
// budget is reset, the stalled flag cleared and the task queued.
func (s *Scheduler) RetryTask(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !task.Status.Recoverable() {
		return fmt.Errorf("%w: task is %s", settlement.ErrInvalidTransition, task.Status)
	}
	n, err := settlement.ClearFailures(ctx, s.store, task)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: task moved on while re-arming", settlement.ErrInvalidTransition)
	}
	s.logger.Info("operator re-armed task", "task_id", taskID, "status", task.Status, "previous_attempts", task.Attempts)
	s.enqueue(taskID, TriggerOperator)
	return nil
}
