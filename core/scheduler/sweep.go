package scheduler

import (
	"context"
	"errors"

	"bounty-settlement/core/settlement"
)

// SweepDeadlines enqueues every OPEN task whose deadline has passed. It is
// the reconciliation path for timers lost to a restart or a full queue, and
// is safe to run while timers fire.
func (s *Scheduler) SweepDeadlines(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.SweepDeadlines")
	defer span.End()

	due, err := s.store.ListTasks(ctx, settlement.TaskFilter{
		Status:         settlement.StatusOpen,
		DeadlineBefore: s.clock.Now(),
		Limit:          s.cfg.BatchSize,
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range due {
		if s.enqueue(t.TaskID, TriggerSweep) {
			n++
		}
	}
	if n > 0 {
		s.logger.Info("deadline sweep enqueued overdue tasks", "count", n)
	}
	return n, nil
}

// SweepRetries enqueues tasks parked in JUDGING or PAYMENT_PENDING that were
// claimed more than the grace period ago, are due under the retry policy and
// are not flagged stalled.
func (s *Scheduler) SweepRetries(ctx context.Context) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.SweepRetries")
	defer span.End()

	now := s.clock.Now()
	n := 0
	for _, status := range []settlement.Status{settlement.StatusJudging, settlement.StatusPaymentPending} {
		tasks, err := s.store.ListTasks(ctx, settlement.TaskFilter{
			Status:        status,
			ClaimedBefore: now.Add(-s.cfg.JudgingGrace),
			DueBy:         now,
			Stalled:       settlement.Bool(false),
			Limit:         s.cfg.BatchSize,
		})
		if err != nil {
			return n, err
		}
		for _, t := range tasks {
			if s.enqueue(t.TaskID, TriggerRetry) {
				n++
			}
		}
	}
	if n > 0 {
		s.logger.Info("retry sweep enqueued parked tasks", "count", n)
	}
	return n, nil
}

// Cleanup evicts timer entries for tasks that are no longer OPEN or no
// longer exist, and entries whose deadline is older than EntryMaxAge.
// It returns the number of entries removed.
func (s *Scheduler) Cleanup(ctx context.Context) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.timers))
	for id := range s.timers {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	cutoff := s.clock.Now().Add(-s.cfg.EntryMaxAge)
	removed := 0
	for _, id := range ids {
		evict := false
		s.mu.Lock()
		e, ok := s.timers[id]
		if ok && e.deadline.Before(cutoff) {
			evict = true
		}
		s.mu.Unlock()
		if !ok {
			continue
		}
		if !evict {
			task, err := s.store.GetTask(ctx, id)
			switch {
			case errors.Is(err, settlement.ErrTaskNotFound):
				evict = true
			case err != nil:
				s.logger.Warn("cleanup lookup failed", "task_id", id, "error", err)
				continue
			default:
				evict = task.Status != settlement.StatusOpen
			}
		}
		if evict && s.forget(id) {
			removed++
		}
	}
	if removed > 0 {
		s.logger.Debug("evicted timer entries", "count", removed)
	}
	return removed
}
