package settlement

import "fmt"

// Err is a simple string error helper.
type Err string

func (e Err) Error() string { return string(e) }

var (
	ErrTaskNotFound        = Err("task not found")
	ErrTaskExists          = Err("task already exists")
	ErrInvalidTask         = Err("invalid task")
	ErrInvalidSubmission   = Err("invalid submission")
	ErrInvalidTransition   = Err("invalid status transition")
	ErrTaskNotOpen         = Err("task is not open for submissions")
	ErrDuplicateSubmission = Err("submitter already has a submission for this task")
	ErrAlreadyJudged       = Err("task already has a winner")
	ErrReleaseConfirmed    = Err("task already has a confirmed release")
	ErrEscrowTxNotFound    = Err("escrow transaction not found")
	ErrInsufficientFunds   = Err("insufficient escrow balance")
	ErrStalled             = Err("task is flagged for manual intervention")
	ErrLedgerUnavailable   = Err("ledger unavailable")
)

func invalidTask(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidTask, msg)
}

func invalidSubmission(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidSubmission, msg)
}
