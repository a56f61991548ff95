// Package mcp exposes workflow operations as MCP tools.
package mcp

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"ai-workflows/backend/internal/auth"
	"ai-workflows/backend/internal/orchestrator"
	"ai-workflows/backend/internal/tasks"
	"ai-workflows/backend/pkg/models"
)

type Server struct {
	mcpServer *server.MCPServer
	orch      *orchestrator.Orchestrator
	poller    *tasks.Poller
}

func NewServer(orch *orchestrator.Orchestrator, poller *tasks.Poller, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"AI Workflows",
			version,
			server.WithToolCapabilities(true),
		),
		orch:   orch,
		poller: poller,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

// contextArgs are the run context parameters shared by every tool.
func contextArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("course_id", mcp.Required(), mcp.Description("Course the workflow runs in")),
		mcp.WithString("location_id", mcp.Description("Location within the course")),
		mcp.WithString("unit_id", mcp.Description("Unit whose content is used as context")),
		mcp.WithString("ui_slot", mcp.Description("Service variant selecting the profile")),
	}
}

func tool(name, description string, opts ...mcp.ToolOption) mcp.Tool {
	all := append([]mcp.ToolOption{mcp.WithDescription(description)}, contextArgs()...)
	return mcp.NewTool(name, append(all, opts...)...)
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		tool("run_workflow", "Run the workflow configured for a course location and return its answer",
			mcp.WithString("input", mcp.Required(), mcp.Description("The learner's message")),
			mcp.WithString("request_id", mcp.Description("Idempotency key; repeats return the first result")),
			mcp.WithBoolean("async", mcp.Description("Start a background task and return its id")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		tool("lazy_load_chat_history", "Load one page of conversation history, newest first",
			mcp.WithString("cursor", mcp.Description("Cursor returned by the previous page")),
			mcp.WithNumber("page_size", mcp.Description("Turns per page")),
		),
		s.handleHistory,
	)

	s.mcpServer.AddTool(
		tool("clear_session", "Delete the conversation history of this context"),
		s.handleClear,
	)

	s.mcpServer.AddTool(
		tool("get_run_status", "Report the status of a background task",
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id returned by run_workflow")),
		),
		s.handleStatus,
	)

	s.mcpServer.AddTool(
		tool("await_run", "Wait for a background task to finish, polling with backoff",
			mcp.WithString("task_id", mcp.Required(), mcp.Description("Task id returned by run_workflow")),
		),
		s.handleAwait,
	)
}

func runContext(request mcp.CallToolRequest) models.RunContext {
	return models.RunContext{
		CourseID:       request.GetString("course_id", ""),
		LocationID:     request.GetString("location_id", ""),
		UnitID:         request.GetString("unit_id", ""),
		ServiceVariant: request.GetString("ui_slot", ""),
	}
}

// dispatch runs an action for the authenticated caller and renders the envelope.
func (s *Server) dispatch(ctx context.Context, req models.WorkflowRunRequest) (*mcp.CallToolResult, error) {
	user, ok := auth.UserFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("unauthenticated"), nil
	}
	env, err := s.orch.Dispatch(ctx, user, req, nil)
	return envelopeResult(env, err), nil
}

func envelopeResult(env models.Envelope, err error) *mcp.CallToolResult {
	data, _ := json.Marshal(env)
	if err != nil {
		return mcp.NewToolResultError(string(data))
	}
	return mcp.NewToolResultText(string(data))
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	input, err := request.RequireString("input")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if _, err := request.RequireString("course_id"); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	action := models.ActionRun
	if request.GetBool("async", false) {
		action = models.ActionRunAsync
	}
	userInput, _ := json.Marshal(input)
	return s.dispatch(ctx, models.WorkflowRunRequest{
		Action:    action,
		RequestID: request.GetString("request_id", uuid.NewString()),
		UserInput: userInput,
		Context:   runContext(request),
	})
}

func (s *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	q, _ := json.Marshal(models.HistoryQuery{
		Cursor:   request.GetString("cursor", ""),
		PageSize: request.GetInt("page_size", 0),
	})
	return s.dispatch(ctx, models.WorkflowRunRequest{
		Action:    models.ActionLazyLoadChatHistory,
		UserInput: q,
		Context:   runContext(request),
	})
}

func (s *Server) handleClear(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.dispatch(ctx, models.WorkflowRunRequest{
		Action:  models.ActionClearSession,
		Context: runContext(request),
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.dispatch(ctx, models.WorkflowRunRequest{
		Action:  models.ActionGetRunStatus,
		TaskID:  taskID,
		Context: runContext(request),
	})
}

func (s *Server) handleAwait(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	user, ok := auth.UserFrom(ctx)
	if !ok {
		return mcp.NewToolResultError("unauthenticated"), nil
	}
	// Checking status through the orchestrator first keeps other users' tasks hidden.
	req := models.WorkflowRunRequest{Action: models.ActionGetRunStatus, TaskID: taskID, Context: runContext(request)}
	env, err := s.orch.Dispatch(ctx, user, req, nil)
	if err != nil || env.Status != models.StatusProcessing {
		return envelopeResult(env, err), nil
	}

	res, err := s.poller.Await(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out := models.Envelope{
		Status:    res.Status,
		TaskID:    taskID,
		Response:  res.Handle.Result,
		Message:   res.Handle.Message,
		Error:     res.Handle.Error,
		Timestamp: res.Handle.UpdatedAt,
	}
	return envelopeResult(out, nil), nil
}

// NewHTTPHandler serves the MCP server over streamable HTTP at path. The
// authenticated user of the HTTP request is carried into tool calls.
func NewHTTPHandler(mcpServer *server.MCPServer, path string) http.Handler {
	return server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath(path),
		server.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if user, ok := auth.UserFrom(r.Context()); ok {
				return auth.WithUser(ctx, user)
			}
			return ctx
		}),
	)
}
