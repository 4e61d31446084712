package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"bounty-settlement/core/settlement"
)

// process runs one queued job against the task's current status.
func (s *Scheduler) process(ctx context.Context, j job) {
	task, err := s.store.GetTask(ctx, j.taskID)
	if err != nil {
		if errors.Is(err, settlement.ErrTaskNotFound) {
			s.forget(j.taskID)
			return
		}
		s.logger.Warn("load task failed", "task_id", j.taskID, "trigger", j.trigger, "error", err)
		return
	}

	switch task.Status {
	case settlement.StatusOpen:
		if now := s.clock.Now(); now.Before(task.Deadline) {
			s.schedule(task.TaskID, task.Deadline)
			return
		}
		if _, err := s.CompleteTask(ctx, task.TaskID, j.trigger); err != nil {
			s.logger.Warn("completion failed, task left for retry", "task_id", task.TaskID, "trigger", j.trigger, "error", err)
		}
	case settlement.StatusJudging:
		if err := s.advance(ctx, task); err != nil {
			s.logger.Warn("resume failed", "task_id", task.TaskID, "trigger", j.trigger, "error", err)
		}
	case settlement.StatusPaymentPending:
		if _, err := s.settler.Attempt(ctx, task.TaskID); err != nil {
			s.logger.Warn("settlement retry failed", "task_id", task.TaskID, "trigger", j.trigger, "error", err)
		}
	default:
		s.forget(task.TaskID)
	}
}

// CompleteTask claims an OPEN task for judging and runs it through judging
// and settlement. It reports whether this call won the claim; a lost claim is
// a no-op, so timers, sweeps and operators may call it concurrently.
//
// A failure after the claim leaves the task in JUDGING with a failed attempt
// recorded; the retry sweep resumes it.
func (s *Scheduler) CompleteTask(ctx context.Context, taskID, trigger string) (bool, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.CompleteTask", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("trigger", trigger),
	))
	defer span.End()

	now := s.clock.Now()
	n, err := s.store.UpdateIf(ctx, taskID, settlement.StatusOpen, settlement.StatusJudging, settlement.TaskUpdate{
		ClaimedAt:        &now,
		Attempts:         settlement.Int(0),
		Stalled:          settlement.Bool(false),
		LastError:        settlement.String(""),
		ClearNextAttempt: true,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return false, fmt.Errorf("claim task: %w", err)
	}
	won := n > 0
	s.metrics.Claim(trigger, won)
	span.SetAttributes(attribute.Bool("claimed", won))
	if !won {
		s.logger.Debug("claim lost, task already moved on", "task_id", taskID, "trigger", trigger)
		return false, nil
	}
	s.forget(taskID)
	s.logger.Info("task claimed for judging", "task_id", taskID, "trigger", trigger)

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, fmt.Errorf("reload claimed task: %w", err)
	}
	if err := s.advance(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, err
	}
	return true, nil
}

// advance judges a task in JUDGING and hands the verdict to the executor.
// Both steps are idempotent, so resuming a half-finished task is safe.
func (s *Scheduler) advance(ctx context.Context, task settlement.Task) error {
	if task.Stalled {
		return nil
	}
	verdict, err := s.judge.Judge(ctx, task)
	if err != nil {
		s.recordJudgingFailure(ctx, task, fmt.Errorf("judge: %w", err))
		return err
	}
	res, err := s.settler.Settle(ctx, task, verdict.WinnerSubmissionID, verdict.WinnerWallet)
	if err != nil {
		s.recordJudgingFailure(ctx, task, fmt.Errorf("settle: %w", err))
		return err
	}
	s.logger.Debug("settlement attempted", "task_id", task.TaskID, "outcome", res.Outcome, "path", verdict.Path)
	return nil
}

// recordJudgingFailure charges a failed attempt to a task still in JUDGING.
// It is a no-op once the task has moved on.
func (s *Scheduler) recordJudgingFailure(ctx context.Context, task settlement.Task, cause error) {
	out, err := settlement.RecordFailure(ctx, s.store, s.cfg.Policy, s.clock.Now(), task, cause)
	if err != nil {
		s.logger.Warn("record failure failed", "task_id", task.TaskID, "error", err)
		return
	}
	if !out.Applied {
		return
	}
	if out.Stalled {
		s.logger.Error("operator alert: judging stalled, manual intervention required",
			"task_id", task.TaskID, "attempts", out.Attempts, "error", cause)
		return
	}
	s.logger.Warn("judging attempt failed", "task_id", task.TaskID, "attempts", out.Attempts, "next_attempt_at", out.NextAt, "error", cause)
}
