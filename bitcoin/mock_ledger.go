package bitcoin

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"bounty-settlement/core/settlement"
)

// MockLedger is an in-memory ledger for local runs and tests. Balances move
// at broadcast time; confirmations can be held back to exercise the pending
// path.
type MockLedger struct {
	mu          sync.Mutex
	balances    map[string]int64
	byKey       map[string]string // idempotency key -> signature
	states      map[string]settlement.TransferState
	transfers   []MockTransfer
	failNext    int
	failReason  string
	unavailable bool
	hold        bool
}

// MockTransfer is one broadcast the mock ledger accepted.
type MockTransfer struct {
	Signature      string
	IdempotencyKey string
	From           string
	To             string
	AmountSats     int64
}

func NewMockLedger() *MockLedger {
	return &MockLedger{
		balances: make(map[string]int64),
		byKey:    make(map[string]string),
		states:   make(map[string]settlement.TransferState),
	}
}

// SetBalance overwrites a wallet's balance.
func (m *MockLedger) SetBalance(wallet string, sats int64) {
	m.mu.Lock()
	m.balances[wallet] = sats
	m.mu.Unlock()
}

// Balance returns a wallet's current balance.
func (m *MockLedger) Balance(wallet string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[wallet]
}

// FailNextTransfers makes the next n broadcasts fail with reason.
func (m *MockLedger) FailNextTransfers(n int, reason string) {
	m.mu.Lock()
	m.failNext = n
	m.failReason = reason
	m.mu.Unlock()
}

// SetUnavailable makes every call return settlement.ErrLedgerUnavailable.
func (m *MockLedger) SetUnavailable(down bool) {
	m.mu.Lock()
	m.unavailable = down
	m.mu.Unlock()
}

// HoldConfirmations keeps new broadcasts pending until released.
func (m *MockLedger) HoldConfirmations(hold bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hold = hold
	if !hold {
		for sig, st := range m.states {
			if st == settlement.TransferPending {
				m.states[sig] = settlement.TransferConfirmed
			}
		}
	}
}

// Transfers returns every accepted broadcast in order.
func (m *MockLedger) Transfers() []MockTransfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockTransfer(nil), m.transfers...)
}

func (m *MockLedger) GetBalance(_ context.Context, wallet, currency string) (int64, error) {
	if currency != "" && currency != settlement.Currency {
		return 0, fmt.Errorf("unsupported currency %q", currency)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return 0, settlement.ErrLedgerUnavailable
	}
	return m.balances[wallet], nil
}

func (m *MockLedger) Transfer(_ context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return settlement.TransferResult{}, settlement.ErrLedgerUnavailable
	}
	if sig, ok := m.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return settlement.TransferResult{Signature: sig, State: m.states[sig]}, nil
	}
	if m.failNext > 0 {
		m.failNext--
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: m.failReason}, nil
	}
	if req.AmountSats <= 0 {
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: "amount must be positive"}, nil
	}
	if m.balances[req.From] < req.AmountSats {
		return settlement.TransferResult{State: settlement.TransferFailed, Reason: settlement.ErrInsufficientFunds.Error()}, nil
	}

	sig := uuid.NewString()
	m.balances[req.From] -= req.AmountSats
	m.balances[req.To] += req.AmountSats
	state := settlement.TransferConfirmed
	if m.hold {
		state = settlement.TransferPending
	}
	m.states[sig] = state
	if req.IdempotencyKey != "" {
		m.byKey[req.IdempotencyKey] = sig
	}
	m.transfers = append(m.transfers, MockTransfer{
		Signature:      sig,
		IdempotencyKey: req.IdempotencyKey,
		From:           req.From,
		To:             req.To,
		AmountSats:     req.AmountSats,
	})
	return settlement.TransferResult{Signature: sig, State: state}, nil
}

func (m *MockLedger) Confirm(_ context.Context, signature string) (settlement.TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unavailable {
		return settlement.TransferResult{}, settlement.ErrLedgerUnavailable
	}
	st, ok := m.states[signature]
	if !ok {
		return settlement.TransferResult{Signature: signature, State: settlement.TransferFailed, Reason: "unknown transaction"}, nil
	}
	return settlement.TransferResult{Signature: signature, State: st}, nil
}

// ValidateAddress accepts any non-empty wallet.
func (m *MockLedger) ValidateAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("empty address")
	}
	return nil
}
