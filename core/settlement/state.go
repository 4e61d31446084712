package settlement

// Status is a task's position in the settlement state machine.
//
//	OPEN -> JUDGING -> PAYMENT_PENDING -> COMPLETED
//	OPEN -> CANCELLED
type Status string

const (
	StatusOpen           Status = "OPEN"
	StatusJudging        Status = "JUDGING"
	StatusPaymentPending Status = "PAYMENT_PENDING"
	StatusCompleted      Status = "COMPLETED"
	StatusCancelled      Status = "CANCELLED"
)

var transitions = map[Status]Status{
	StatusJudging:        StatusOpen,
	StatusPaymentPending: StatusJudging,
	StatusCompleted:      StatusPaymentPending,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusJudging, StatusPaymentPending, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Recoverable reports whether a task parked in s must be picked up by a sweep.
func (s Status) Recoverable() bool {
	return s == StatusJudging || s == StatusPaymentPending
}

// CanTransition reports whether from -> to is a single forward step.
// A same-status "transition" is allowed so bookkeeping columns can be
// written under the same optimistic guard.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from == to {
		return !from.Terminal()
	}
	if to == StatusCancelled {
		return from == StatusOpen
	}
	prev, ok := transitions[to]
	return ok && prev == from
}

// CanTransitionTx reports whether an escrow transaction may move from -> to.
// PENDING -> PENDING records a broadcast signature on a still unconfirmed row.
func CanTransitionTx(from, to TxStatus) bool {
	if from != TxPending {
		return false
	}
	switch to {
	case TxPending, TxConfirmed, TxFailed:
		return true
	}
	return false
}
