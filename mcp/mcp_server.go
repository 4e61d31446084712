// Package mcp exposes the operator surface of the settlement pipeline as
// MCP tools: status lookups, cancellation, stats and stalled-task recovery.
package mcp

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"bounty-settlement/core/scheduler"
	"bounty-settlement/core/settlement"
)

// Pipeline is the scheduler surface the tools drive.
type Pipeline interface {
	CancelTask(ctx context.Context, taskID string) (bool, error)
	GetTaskStatus(ctx context.Context, taskID string) (scheduler.TaskStatus, error)
	Stats(ctx context.Context) (settlement.Stats, error)
	ListStalled(ctx context.Context) ([]settlement.Task, error)
	RetryTask(ctx context.Context, taskID string) error
}

// MCPServer wraps the mcp-go server with the settlement tools.
type MCPServer struct {
	mcpServer *server.MCPServer
	pipeline  Pipeline
}

// NewMCPServer creates a new MCP server using the mcp-go library
func NewMCPServer(pipeline Pipeline, version string) *MCPServer {
	s := &MCPServer{
		mcpServer: server.NewMCPServer(
			"Bounty Settlement",
			version,
			server.WithToolCapabilities(true),
			server.WithRecovery(),
		),
		pipeline: pipeline,
	}
	s.registerTools()
	return s
}

// GetMCPServer returns the underlying MCP server for transport setup
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MCPServer) registerTools() {
	taskID := mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task"))

	s.mcpServer.AddTool(mcp.NewTool("get_task_status",
		mcp.WithDescription("Get a task's settlement status, submission count and escrow transactions"),
		taskID,
	), s.handleGetTaskStatus)

	s.mcpServer.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a task that is still OPEN. Tasks already claimed for judging cannot be cancelled"),
		taskID,
	), s.handleCancelTask)

	s.mcpServer.AddTool(mcp.NewTool("settlement_stats",
		mcp.WithDescription("Counts of tasks per status, stalled tasks, tasks judged in the last 24h and scheduled timers"),
	), s.handleStats)

	s.mcpServer.AddTool(mcp.NewTool("list_stalled_tasks",
		mcp.WithDescription("List tasks flagged for manual intervention after exhausting their retries"),
	), s.handleListStalled)

	s.mcpServer.AddTool(mcp.NewTool("retry_settlement",
		mcp.WithDescription("Reset the retry budget of a task parked in JUDGING or PAYMENT_PENDING and queue it"),
		taskID,
	), s.handleRetry)
}

func (s *MCPServer) handleGetTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	status, err := s.pipeline.GetTaskStatus(ctx, taskID)
	if err != nil {
		return errorResult("get_task_status", err), nil
	}
	return jsonResult(status), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cancelled, err := s.pipeline.CancelTask(ctx, taskID)
	if err != nil {
		return errorResult("cancel_task", err), nil
	}
	if !cancelled {
		return errorResult("cancel_task", &ToolError{Code: ErrCodeConflict, Message: "task " + taskID + " is no longer open"}), nil
	}
	return jsonResult(map[string]interface{}{"task_id": taskID, "cancelled": true}), nil
}

func (s *MCPServer) handleStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := s.pipeline.Stats(ctx)
	if err != nil {
		return errorResult("settlement_stats", err), nil
	}
	return jsonResult(stats), nil
}

func (s *MCPServer) handleListStalled(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tasks, err := s.pipeline.ListStalled(ctx)
	if err != nil {
		return errorResult("list_stalled_tasks", err), nil
	}
	return jsonResult(map[string]interface{}{"tasks": tasks, "total_count": len(tasks)}), nil
}

func (s *MCPServer) handleRetry(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.pipeline.RetryTask(ctx, taskID); err != nil {
		return errorResult("retry_settlement", err), nil
	}
	return jsonResult(map[string]interface{}{"task_id": taskID, "requeued": true}), nil
}
