package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"bounty-settlement/core/settlement"
)

// ToolError is the structured error body returned from a failed tool call.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Tool    string `json:"tool,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Tool error codes.
const (
	ErrCodeNotFound     = "TASK_NOT_FOUND"
	ErrCodeInvalidInput = "INVALID_INPUT"
	ErrCodeConflict     = "STATE_CONFLICT"
	ErrCodeInternal     = "INTERNAL_ERROR"
)

// toolError classifies err for the caller.
func toolError(tool string, err error) *ToolError {
	var existing *ToolError
	if errors.As(err, &existing) {
		te := *existing
		te.Tool = tool
		return &te
	}
	te := &ToolError{Tool: tool, Message: err.Error()}
	switch {
	case errors.Is(err, settlement.ErrTaskNotFound):
		te.Code = ErrCodeNotFound
		te.Hint = "check the task_id"
	case errors.Is(err, settlement.ErrInvalidTransition):
		te.Code = ErrCodeConflict
		te.Hint = "only tasks in JUDGING or PAYMENT_PENDING can be retried"
	case errors.Is(err, settlement.ErrInvalidTask), errors.Is(err, settlement.ErrInvalidSubmission):
		te.Code = ErrCodeInvalidInput
	default:
		te.Code = ErrCodeInternal
	}
	return te
}

func errorResult(tool string, err error) *mcp.CallToolResult {
	body, merr := json.Marshal(toolError(tool, err))
	if merr != nil {
		return mcp.NewToolResultError(err.Error())
	}
	return mcp.NewToolResultError(string(body))
}

func jsonResult(v interface{}) *mcp.CallToolResult {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err))
	}
	return mcp.NewToolResultText(string(body))
}
