package settlement

import (
	"context"
	"time"

	"bounty-settlement/core/retry"
)

// FailureOutcome is what RecordFailure decided for a parked task.
type FailureOutcome struct {
	Applied  bool // false when the task moved on before the failure was written
	Attempts int
	Stalled  bool
	NextAt   time.Time
}

// RecordFailure charges one failed attempt to a task parked in a recoverable
// status. Once the policy is exhausted the task is flagged stalled and no sweep
// picks it up again until an operator clears the flag.
func RecordFailure(ctx context.Context, store Store, policy retry.Policy, now time.Time, task Task, cause error) (FailureOutcome, error) {
	attempts := task.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	fields := TaskUpdate{
		Attempts:  Int(attempts),
		LastError: String(msg),
	}
	out := FailureOutcome{Attempts: attempts}
	if policy.Exhausted(attempts) {
		fields.Stalled = Bool(true)
		fields.ClearNextAttempt = true
		out.Stalled = true
	} else {
		out.NextAt = policy.Next(now, attempts)
		fields.NextAttemptAt = Time(out.NextAt)
	}
	n, err := store.UpdateIf(ctx, task.TaskID, task.Status, task.Status, fields)
	if err != nil {
		return out, err
	}
	out.Applied = n > 0
	return out, nil
}

// ClearFailures resets retry bookkeeping, used when an operator re-arms a
// stalled task.
func ClearFailures(ctx context.Context, store Store, task Task) (int64, error) {
	return store.UpdateIf(ctx, task.TaskID, task.Status, task.Status, TaskUpdate{
		Attempts:         Int(0),
		Stalled:          Bool(false),
		LastError:        String(""),
		ClearNextAttempt: true,
	})
}
