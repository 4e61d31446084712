package settlement

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"bounty-settlement/clock"
	"bounty-settlement/core/settlement"
)

// MemoryStore keeps tasks, submissions and escrow transactions in process.
// A single RWMutex guards all maps so conditional updates and the uniqueness
// checks that span maps are atomic.
type MemoryStore struct {
	mu           sync.RWMutex
	clock        clock.Clock
	tasks        map[string]settlement.Task
	submissions  map[string]settlement.Submission
	subsByTask   map[string][]string
	escrow       map[string]settlement.EscrowTransaction
	escrowByTask map[string][]string
}

// NewMemoryStore returns an empty MemoryStore. A nil clock uses wall time.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryStore{
		clock:        clk,
		tasks:        make(map[string]settlement.Task),
		submissions:  make(map[string]settlement.Submission),
		subsByTask:   make(map[string][]string),
		escrow:       make(map[string]settlement.EscrowTransaction),
		escrowByTask: make(map[string][]string),
	}
}

// CreateTask stores a new OPEN task.
func (s *MemoryStore) CreateTask(_ context.Context, task settlement.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	task = newTask(task, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.TaskID]; ok {
		return settlement.ErrTaskExists
	}
	s.tasks[task.TaskID] = task
	return nil
}

// newTask normalizes a task handed over by the creation collaborator.
func newTask(task settlement.Task, now time.Time) settlement.Task {
	task.TaskID = strings.TrimSpace(task.TaskID)
	task.Currency = settlement.Currency
	task.Status = settlement.StatusOpen
	task.EscrowReleaseTx = ""
	task.WinnerSubmissionID = ""
	task.PayoutWallet = ""
	task.Resolution = settlement.ResolutionNone
	task.Attempts = 0
	task.NextAttemptAt = nil
	task.Stalled = false
	task.LastError = ""
	task.ClaimedAt, task.JudgedAt, task.CompletedAt = nil, nil, nil
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	return task
}

func (s *MemoryStore) GetTask(_ context.Context, taskID string) (settlement.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return settlement.Task{}, settlement.ErrTaskNotFound
	}
	return task, nil
}

// ListTasks returns tasks matching filter ordered by deadline.
func (s *MemoryStore) ListTasks(_ context.Context, filter settlement.TaskFilter) ([]settlement.Task, error) {
	s.mu.RLock()
	out := make([]settlement.Task, 0)
	for _, t := range s.tasks {
		if matchesFilter(t, filter) {
			out = append(out, t)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Deadline.Equal(out[j].Deadline) {
			return out[i].Deadline.Before(out[j].Deadline)
		}
		return out[i].TaskID < out[j].TaskID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matchesFilter(t settlement.Task, f settlement.TaskFilter) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.DeadlineBefore.IsZero() && t.Deadline.After(f.DeadlineBefore) {
		return false
	}
	if !f.ClaimedBefore.IsZero() && (t.ClaimedAt == nil || t.ClaimedAt.After(f.ClaimedBefore)) {
		return false
	}
	if !f.DueBy.IsZero() && t.NextAttemptAt != nil && t.NextAttemptAt.After(f.DueBy) {
		return false
	}
	if f.Stalled != nil && t.Stalled != *f.Stalled {
		return false
	}
	return true
}

// UpdateIf applies next and fields only while the task is still in expected.
func (s *MemoryStore) UpdateIf(_ context.Context, taskID string, expected, next settlement.Status, fields settlement.TaskUpdate) (int64, error) {
	if !settlement.CanTransition(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", settlement.ErrInvalidTransition, expected, next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return 0, settlement.ErrTaskNotFound
	}
	if task.Status != expected {
		return 0, nil
	}
	task.Status = next
	applyUpdate(&task, fields)
	task.UpdatedAt = s.clock.Now()
	s.tasks[taskID] = task
	return 1, nil
}

func applyUpdate(t *settlement.Task, f settlement.TaskUpdate) {
	if f.EscrowReleaseTx != nil {
		t.EscrowReleaseTx = *f.EscrowReleaseTx
	}
	if f.WinnerSubmissionID != nil {
		t.WinnerSubmissionID = *f.WinnerSubmissionID
	}
	if f.PayoutWallet != nil {
		t.PayoutWallet = *f.PayoutWallet
	}
	if f.Resolution != nil {
		t.Resolution = *f.Resolution
	}
	if f.Attempts != nil {
		t.Attempts = *f.Attempts
	}
	if f.ClearNextAttempt {
		t.NextAttemptAt = nil
	} else if f.NextAttemptAt != nil {
		t.NextAttemptAt = settlement.Time(*f.NextAttemptAt)
	}
	if f.Stalled != nil {
		t.Stalled = *f.Stalled
	}
	if f.LastError != nil {
		t.LastError = *f.LastError
	}
	if f.ClaimedAt != nil {
		t.ClaimedAt = settlement.Time(*f.ClaimedAt)
	}
	if f.JudgedAt != nil {
		t.JudgedAt = settlement.Time(*f.JudgedAt)
	}
	if f.CompletedAt != nil {
		t.CompletedAt = settlement.Time(*f.CompletedAt)
	}
}

func (s *MemoryStore) CountByStatus(_ context.Context) (map[settlement.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[settlement.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

func (s *MemoryStore) CountStalled(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.Stalled {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) CountJudgedSince(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.tasks {
		if t.JudgedAt != nil && !t.JudgedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// CreateSubmission records an entry while the task is OPEN, at most one per submitter.
func (s *MemoryStore) CreateSubmission(_ context.Context, sub settlement.Submission) (settlement.Submission, error) {
	if err := sub.Validate(); err != nil {
		return settlement.Submission{}, err
	}
	sub = newSubmission(sub, s.clock.Now())

	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[sub.TaskID]
	if !ok {
		return settlement.Submission{}, settlement.ErrTaskNotFound
	}
	if task.Status != settlement.StatusOpen {
		return settlement.Submission{}, settlement.ErrTaskNotOpen
	}
	if _, ok := s.submissions[sub.SubmissionID]; ok {
		return settlement.Submission{}, settlement.ErrDuplicateSubmission
	}
	for _, id := range s.subsByTask[sub.TaskID] {
		if s.submissions[id].SubmitterID == sub.SubmitterID {
			return settlement.Submission{}, settlement.ErrDuplicateSubmission
		}
	}
	s.submissions[sub.SubmissionID] = sub
	s.subsByTask[sub.TaskID] = append(s.subsByTask[sub.TaskID], sub.SubmissionID)
	return sub, nil
}

func newSubmission(sub settlement.Submission, now time.Time) settlement.Submission {
	if strings.TrimSpace(sub.SubmissionID) == "" {
		sub.SubmissionID = uuid.NewString()
	}
	sub.Score = nil
	sub.Winner = false
	sub.Rationale = ""
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	return sub
}

// ListSubmissions returns a task's submissions in arrival order.
func (s *MemoryStore) ListSubmissions(_ context.Context, taskID string) ([]settlement.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.subsByTask[taskID]
	out := make([]settlement.Submission, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.submissions[id])
	}
	return out, nil
}

// RecordJudgement writes scores and the winner flag unless a winner already exists.
func (s *MemoryStore) RecordJudgement(_ context.Context, taskID string, scores []settlement.ScoreUpdate, winnerSubmissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[taskID]; !ok {
		return settlement.ErrTaskNotFound
	}
	owned := make(map[string]bool, len(s.subsByTask[taskID]))
	for _, id := range s.subsByTask[taskID] {
		if s.submissions[id].Winner {
			return settlement.ErrAlreadyJudged
		}
		owned[id] = true
	}
	if winnerSubmissionID != "" && !owned[winnerSubmissionID] {
		return fmt.Errorf("%w: %s does not belong to task %s", settlement.ErrInvalidSubmission, winnerSubmissionID, taskID)
	}
	for _, sc := range scores {
		if !owned[sc.SubmissionID] {
			return fmt.Errorf("%w: %s does not belong to task %s", settlement.ErrInvalidSubmission, sc.SubmissionID, taskID)
		}
	}

	for _, sc := range scores {
		sub := s.submissions[sc.SubmissionID]
		if sc.Score != nil {
			v := *sc.Score
			sub.Score = &v
		}
		sub.Rationale = sc.Rationale
		s.submissions[sc.SubmissionID] = sub
	}
	if winnerSubmissionID != "" {
		sub := s.submissions[winnerSubmissionID]
		sub.Winner = true
		s.submissions[winnerSubmissionID] = sub
	}
	return nil
}

// CreateEscrowTransaction records an escrow movement for an existing task.
func (s *MemoryStore) CreateEscrowTransaction(_ context.Context, tx settlement.EscrowTransaction) error {
	now := s.clock.Now()
	if strings.TrimSpace(tx.ID) == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[tx.TaskID]; !ok {
		return settlement.ErrTaskNotFound
	}
	if _, ok := s.escrow[tx.ID]; ok {
		return fmt.Errorf("escrow transaction %s already exists", tx.ID)
	}
	if tx.Direction == settlement.DirectionRelease && tx.Status == settlement.TxConfirmed && s.hasConfirmedReleaseLocked(tx.TaskID, "") {
		return settlement.ErrReleaseConfirmed
	}
	s.escrow[tx.ID] = tx
	s.escrowByTask[tx.TaskID] = append(s.escrowByTask[tx.TaskID], tx.ID)
	return nil
}

// UpdateEscrowTransaction moves a row out of expected. Empty signature or
// errMsg leave the stored values untouched.
func (s *MemoryStore) UpdateEscrowTransaction(_ context.Context, id string, expected, next settlement.TxStatus, signature, errMsg string) (int64, error) {
	if !settlement.CanTransitionTx(expected, next) {
		return 0, fmt.Errorf("%w: %s -> %s", settlement.ErrInvalidTransition, expected, next)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.escrow[id]
	if !ok {
		return 0, settlement.ErrEscrowTxNotFound
	}
	if tx.Status != expected {
		return 0, nil
	}
	if next == settlement.TxConfirmed && tx.Direction == settlement.DirectionRelease && s.hasConfirmedReleaseLocked(tx.TaskID, id) {
		return 0, settlement.ErrReleaseConfirmed
	}
	tx.Status = next
	if signature != "" {
		tx.Signature = signature
	}
	if errMsg != "" {
		tx.Error = errMsg
	}
	tx.UpdatedAt = s.clock.Now()
	s.escrow[id] = tx
	return 1, nil
}

func (s *MemoryStore) hasConfirmedReleaseLocked(taskID, exceptID string) bool {
	for _, id := range s.escrowByTask[taskID] {
		if id == exceptID {
			continue
		}
		tx := s.escrow[id]
		if tx.Direction == settlement.DirectionRelease && tx.Status == settlement.TxConfirmed {
			return true
		}
	}
	return false
}

// ListEscrowTransactions returns a task's escrow rows in creation order.
func (s *MemoryStore) ListEscrowTransactions(_ context.Context, taskID string) ([]settlement.EscrowTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.escrowByTask[taskID]
	out := make([]settlement.EscrowTransaction, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.escrow[id])
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() {}
