package models

import (
	"strings"
	"time"

	"bounty-settlement/core/settlement"
)

// CreateTaskRequest is what the task-creation collaborator posts once the
// task's LOCK escrow transaction is confirmed.
type CreateTaskRequest struct {
	TaskID        string    `json:"task_id"`
	Title         string    `json:"title"`
	Description   string    `json:"description"`
	Category      string    `json:"category,omitempty"`
	RewardSats    int64     `json:"reward_sats"`
	Currency      string    `json:"currency,omitempty"`
	Deadline      time.Time `json:"deadline"`
	CreatorID     string    `json:"creator_id"`
	CreatorWallet string    `json:"creator_wallet"`
	EscrowLockTx  string    `json:"escrow_lock_tx"`
}

// Task converts the request into a new OPEN task.
func (r CreateTaskRequest) Task() settlement.Task {
	return settlement.Task{
		TaskID:        strings.TrimSpace(r.TaskID),
		Title:         r.Title,
		Description:   r.Description,
		Category:      r.Category,
		RewardSats:    r.RewardSats,
		Currency:      r.Currency,
		Deadline:      r.Deadline,
		CreatorID:     r.CreatorID,
		CreatorWallet: r.CreatorWallet,
		EscrowLockTx:  r.EscrowLockTx,
	}
}

// CreateSubmissionRequest is a competitor's entry.
type CreateSubmissionRequest struct {
	SubmitterID     string `json:"submitter_id"`
	SubmitterWallet string `json:"submitter_wallet"`
	Content         string `json:"content"`
}

// Submission converts the request for taskID.
func (r CreateSubmissionRequest) Submission(taskID string) settlement.Submission {
	return settlement.Submission{
		TaskID:          taskID,
		SubmitterID:     r.SubmitterID,
		SubmitterWallet: r.SubmitterWallet,
		Content:         r.Content,
	}
}

// CancelResponse reports the outcome of a cancellation.
type CancelResponse struct {
	TaskID    string            `json:"task_id"`
	Cancelled bool              `json:"cancelled"`
	Status    settlement.Status `json:"status"`
}

// ErrorResponse represents API error response
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	Code      int    `json:"code,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// APIResponse represents a generic API response
type APIResponse struct {
	Success bool                   `json:"success"`
	Data    interface{}            `json:"data,omitempty"`
	Error   *ErrorResponse         `json:"error,omitempty"`
	Meta    map[string]interface{} `json:"meta,omitempty"`
}

// NewSuccessResponse creates a success response
func NewSuccessResponse(data interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
	}
}

// NewSuccessResponseWithMeta creates a success response with metadata
func NewSuccessResponseWithMeta(data interface{}, meta map[string]interface{}) *APIResponse {
	return &APIResponse{
		Success: true,
		Data:    data,
		Meta:    meta,
	}
}

// NewErrorResponse creates an error response. code is a short machine
// readable tag, message the human readable detail.
func NewErrorResponse(code, message string, status int) *APIResponse {
	return &APIResponse{
		Success: false,
		Error: &ErrorResponse{
			Error:     code,
			Message:   message,
			Code:      status,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
}
