// Package mcp exposes delegated invocation over the Model Context Protocol.
//
// An MCP client holding a (usually scoped) kiban token can list the tenant's
// agents and invoke them. Every call runs through the same gateway as the
// HTTP API, so admission, budgets and idempotency are identical.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiban/internal/model"
)

// Agents is the read side of the deployment orchestrator.
type Agents interface {
	ListAgents(ctx context.Context, caller *model.Caller) ([]model.Agent, error)
	GetAgent(ctx context.Context, caller *model.Caller, agentID uuid.UUID) (model.Agent, error)
	ListDeployments(ctx context.Context, caller *model.Caller, agentID uuid.UUID) ([]model.Deployment, error)
}

// Invoker runs an admitted invocation.
type Invoker interface {
	Invoke(ctx context.Context, caller *model.Caller, agentID uuid.UUID, req model.InvokeRequest, idempotencyKey string) (model.InvokeResponse, error)
}

// Server wraps the MCP server with kiban's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	agents    Agents
	invoker   Invoker
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources and tools.
func New(agents Agents, invoker Invoker, logger *slog.Logger, version string) *Server {
	s := &Server{
		agents:  agents,
		invoker: invoker,
		logger:  logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kiban",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

// errorResult reports a failed call to the model. The text carries the
// stable error code so clients can branch on it.
func errorResult(err error) *mcplib.CallToolResult {
	e := model.AsError(err)
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: fmt.Sprintf("%s: %s", e.Code, e.Message)},
		},
		IsError: true,
	}
}
