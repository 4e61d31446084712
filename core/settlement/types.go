package settlement

import (
	"strings"
	"time"
)

// Currency is the only reward currency the pipeline settles in.
const Currency = "BTC"

// Task is a time-boxed bounty whose escrowed reward is released once per task.
type Task struct {
	TaskID             string     `json:"task_id"`
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Category           string     `json:"category,omitempty"`
	RewardSats         int64      `json:"reward_sats"`
	Currency           string     `json:"currency"`
	Deadline           time.Time  `json:"deadline"`
	Status             Status     `json:"status"`
	CreatorID          string     `json:"creator_id"`
	CreatorWallet      string     `json:"creator_wallet"`
	EscrowLockTx       string     `json:"escrow_lock_tx,omitempty"`
	EscrowReleaseTx    string     `json:"escrow_release_tx,omitempty"`
	WinnerSubmissionID string     `json:"winner_submission_id,omitempty"`
	PayoutWallet       string     `json:"payout_wallet,omitempty"`
	Resolution         Resolution `json:"resolution,omitempty"`
	Attempts           int        `json:"attempts"`
	NextAttemptAt      *time.Time `json:"next_attempt_at,omitempty"`
	Stalled            bool       `json:"stalled"`
	LastError          string     `json:"last_error,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	JudgedAt           *time.Time `json:"judged_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Resolution records where the escrowed reward went.
type Resolution string

const (
	ResolutionNone       Resolution = ""
	ResolutionWinnerPaid Resolution = "winner_paid"
	ResolutionRefunded   Resolution = "refunded"
)

// Validate rejects tasks the task-creation collaborator should never hand us.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.TaskID) == "":
		return invalidTask("task id is required")
	case t.RewardSats <= 0:
		return invalidTask("reward must be positive")
	case t.Currency != "" && t.Currency != Currency:
		return invalidTask("unsupported currency " + t.Currency)
	case t.Deadline.IsZero():
		return invalidTask("deadline is required")
	case strings.TrimSpace(t.CreatorID) == "":
		return invalidTask("creator is required")
	case strings.TrimSpace(t.CreatorWallet) == "":
		return invalidTask("creator wallet is required")
	case strings.TrimSpace(t.EscrowLockTx) == "":
		return invalidTask("escrow lock transaction is required")
	}
	return nil
}

// Submission is one competitor's entry for a task.
type Submission struct {
	SubmissionID    string    `json:"submission_id"`
	TaskID          string    `json:"task_id"`
	SubmitterID     string    `json:"submitter_id"`
	SubmitterWallet string    `json:"submitter_wallet"`
	Content         string    `json:"content"`
	Score           *float64  `json:"score,omitempty"`
	Winner          bool      `json:"winner"`
	Rationale       string    `json:"rationale,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validate checks the fields a submission must carry before it is stored.
func (s Submission) Validate() error {
	switch {
	case strings.TrimSpace(s.TaskID) == "":
		return invalidSubmission("task id is required")
	case strings.TrimSpace(s.SubmitterID) == "":
		return invalidSubmission("submitter is required")
	case strings.TrimSpace(s.SubmitterWallet) == "":
		return invalidSubmission("submitter wallet is required")
	}
	return nil
}

// Direction of an escrow movement.
type Direction string

const (
	DirectionLock    Direction = "LOCK"
	DirectionRelease Direction = "RELEASE"
)

// TxStatus of an escrow transaction.
type TxStatus string

const (
	TxPending   TxStatus = "PENDING"
	TxConfirmed TxStatus = "CONFIRMED"
	TxFailed    TxStatus = "FAILED"
)

// EscrowTransaction is a recorded attempt to move escrowed funds on the ledger.
type EscrowTransaction struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	Direction  Direction `json:"direction"`
	AmountSats int64     `json:"amount_sats"`
	Currency   string    `json:"currency"`
	FromWallet string    `json:"from_wallet"`
	ToWallet   string    `json:"to_wallet"`
	Status     TxStatus  `json:"status"`
	Signature  string    `json:"signature,omitempty"` // ledger txid once broadcast
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TaskUpdate carries the optional columns written alongside a conditional status change.
// Nil fields are left untouched.
type TaskUpdate struct {
	EscrowReleaseTx    *string
	WinnerSubmissionID *string
	PayoutWallet       *string
	Resolution         *Resolution
	Attempts           *int
	NextAttemptAt      *time.Time
	ClearNextAttempt   bool
	Stalled            *bool
	LastError          *string
	ClaimedAt          *time.Time
	JudgedAt           *time.Time
	CompletedAt        *time.Time
}

// TaskFilter narrows ListTasks. Zero values do not filter.
type TaskFilter struct {
	Status         Status
	DeadlineBefore time.Time
	ClaimedBefore  time.Time
	DueBy          time.Time // next_attempt_at unset or <= DueBy
	Stalled        *bool
	Limit          int
}

// ScoreUpdate is one scored submission produced by the judging engine.
type ScoreUpdate struct {
	SubmissionID string
	Score        *float64
	Rationale    string
}

// Stats is the operational snapshot exposed to dashboards.
type Stats struct {
	Open           int `json:"open"`
	Judging        int `json:"judging"`
	PaymentPending int `json:"payment_pending"`
	Completed      int `json:"completed"`
	Cancelled      int `json:"cancelled"`
	Stalled        int `json:"stalled"`
	JudgedRecently int `json:"judged_recently"`
	ScheduledTimer int `json:"scheduled_timers"`
}

// Bool returns a pointer to b, for TaskUpdate and TaskFilter literals.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to i.
func Int(i int) *int { return &i }

// String returns a pointer to s.
func String(s string) *string { return &s }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
