package settlement

import (
	"context"
	"time"
)

// Store is the Task Store. Every status change goes through UpdateIf, which
// applies only when the row still has the expected status and reports the
// number of affected rows (0 means another trigger got there first).
type Store interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error)
	UpdateIf(ctx context.Context, taskID string, expected, next Status, fields TaskUpdate) (int64, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	CountStalled(ctx context.Context) (int, error)
	CountJudgedSince(ctx context.Context, since time.Time) (int, error)

	CreateSubmission(ctx context.Context, sub Submission) (Submission, error)
	ListSubmissions(ctx context.Context, taskID string) ([]Submission, error)
	// RecordJudgement writes scores and flags the winner in one step. It returns
	// ErrAlreadyJudged when any submission of the task is already a winner.
	RecordJudgement(ctx context.Context, taskID string, scores []ScoreUpdate, winnerSubmissionID string) error

	CreateEscrowTransaction(ctx context.Context, tx EscrowTransaction) error
	UpdateEscrowTransaction(ctx context.Context, id string, expected, next TxStatus, signature, errMsg string) (int64, error)
	ListEscrowTransactions(ctx context.Context, taskID string) ([]EscrowTransaction, error)

	Close()
}

// TransferState is the ledger's view of a submitted transfer.
type TransferState string

const (
	TransferConfirmed TransferState = "confirmed"
	TransferPending   TransferState = "pending" // broadcast, confirmation wait exceeded
	TransferFailed    TransferState = "failed"
)

// TransferRequest asks the ledger to move AmountSats. IdempotencyKey is stable
// across retries of the same escrow transaction row.
type TransferRequest struct {
	IdempotencyKey string
	From           string
	To             string
	AmountSats     int64
	Currency       string
}

// TransferResult reports what the ledger did with a transfer.
type TransferResult struct {
	Signature string
	State     TransferState
	Reason    string
}

// Ledger is the external chain the escrow wallet lives on.
type Ledger interface {
	GetBalance(ctx context.Context, wallet, currency string) (int64, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	Confirm(ctx context.Context, signature string) (TransferResult, error)
}

// JudgeEntry is one submission as the judge sees it.
type JudgeEntry struct {
	Index        int    `json:"index"`
	SubmissionID string `json:"submission_id"`
	Content      string `json:"content"`
}

// JudgeRequest is the context handed to the external judge.
type JudgeRequest struct {
	TaskID      string       `json:"task_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category,omitempty"`
	Submissions []JudgeEntry `json:"submissions"`
}

// Judge is the external, best-effort scoring service. It returns free-form
// text expected to contain a structured verdict.
type Judge interface {
	Score(ctx context.Context, req JudgeRequest) (string, error)
}
