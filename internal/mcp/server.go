// Package mcp exposes read-mostly operator tools for the request broker over
// the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"vm-broker/backend/internal/auth"
	"vm-broker/backend/internal/reconciler"
	"vm-broker/backend/internal/repository"
	"vm-broker/backend/internal/workflow"
	"vm-broker/backend/pkg/models"
)

const defaultListLimit = 50

// RequestReader is the part of the request service the tools read from.
type RequestReader interface {
	GetRequest(ctx context.Context, actor models.Actor, workflowID string) (*models.RequestDetail, error)
	ListRequests(ctx context.Context, actor models.Actor, filter repository.ListFilter) ([]*models.WorkflowRun, error)
}

// Reconciler runs one reconciliation iteration on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) reconciler.Report
}

type Server struct {
	mcpServer *server.MCPServer
	requests  RequestReader
	loop      Reconciler
}

// NewServer registers the operator tools. loop may be nil when
// reconciliation is disabled.
func NewServer(requests RequestReader, loop Reconciler, version string) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"VM Request Broker",
			version,
			server.WithToolCapabilities(true),
		),
		requests: requests,
		loop:     loop,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_request",
			mcp.WithDescription("Get a VM request with its latest ticket and pipeline"),
			mcp.WithString("id", mcp.Required(), mcp.Description("The workflow ID of the request")),
		),
		s.handleGetRequest,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"list_open_requests",
			mcp.WithDescription("List VM requests that have not reached a final status"),
			mcp.WithString("status", mcp.Description("Only list requests in this status, e.g. PENDING_APPROVAL")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of requests to return")),
		),
		s.handleListOpenRequests,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"reconcile_now",
			mcp.WithDescription("Run the pipeline refresh and the workflow sweep once and report what changed"),
		),
		s.handleReconcileNow,
	)
}

func (s *Server) handleGetRequest(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Caller is not authenticated"), nil
	}

	id, err := request.RequireString("id")
	if err != nil || id == "" {
		return mcp.NewToolResultError("Missing required parameter: id"), nil
	}

	detail, err := s.requests.GetRequest(ctx, actor, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get request: %v", err)), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleListOpenRequests(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, ok := auth.FromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("Caller is not authenticated"), nil
	}

	filter := repository.ListFilter{Status: models.Status(request.GetString("status", ""))}
	if filter.Status != "" && workflow.IsTerminal(filter.Status) {
		return mcp.NewToolResultError(fmt.Sprintf("Status %s is final, not open", filter.Status)), nil
	}
	limit := int(request.GetFloat("limit", defaultListLimit))
	if limit <= 0 {
		limit = defaultListLimit
	}

	runs, err := s.requests.ListRequests(ctx, actor, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list requests: %v", err)), nil
	}

	open := make([]*models.WorkflowRun, 0, len(runs))
	for _, run := range runs {
		if workflow.IsTerminal(run.Status) {
			continue
		}
		open = append(open, run)
		if len(open) == limit {
			break
		}
	}
	return jsonResult(open)
}

func (s *Server) handleReconcileNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	actor, ok := auth.FromContext(ctx)
	if !ok || !actor.Approver {
		return mcp.NewToolResultError("Only approvers may run reconciliation"), nil
	}
	if s.loop == nil {
		return mcp.NewToolResultError("Reconciliation is disabled"), nil
	}
	return jsonResult(s.loop.RunOnce(ctx))
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the SSE transport under /mcp. Callers wrap the
// mux with the auth middleware so tool handlers see the caller.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
