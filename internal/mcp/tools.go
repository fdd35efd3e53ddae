package mcp

import (
	"context"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("kiban_list_agents",
			mcplib.WithDescription("List the agents in your tenant with their status and active deployment"),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListAgents,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiban_list_deployments",
			mcplib.WithDescription("List an agent's deployments, newest first"),
			mcplib.WithString("agent_id", mcplib.Description("Agent UUID"), mcplib.Required()),
			mcplib.WithReadOnlyHintAnnotation(true),
		),
		s.handleListDeployments,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("kiban_invoke",
			mcplib.WithDescription(`Invoke an agent's active deployment with a prompt and return its reply.

Counts against the tenant's monthly request budget. Pass idempotency_key when
retrying so a repeated call returns the first result instead of running again.`),
			mcplib.WithString("agent_id", mcplib.Description("Agent UUID"), mcplib.Required()),
			mcplib.WithString("prompt", mcplib.Description("Input text for the agent"), mcplib.Required()),
			mcplib.WithString("session_id", mcplib.Description("Optional conversation session id")),
			mcplib.WithString("idempotency_key", mcplib.Description("Optional key for safe retries")),
		),
		s.handleInvoke,
	)
}

func (s *Server) handleListAgents(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agents, err := s.agents.ListAgents(ctx, ctxutil.CallerFromContext(ctx))
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"agents": agents, "total": len(agents)})
}

func (s *Server) handleListDeployments(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	agentID, err := agentIDArg(request)
	if err != nil {
		return errorResult(err), nil
	}
	deployments, err := s.agents.ListDeployments(ctx, ctxutil.CallerFromContext(ctx), agentID)
	if err != nil {
		return errorResult(err), nil
	}
	return jsonResult(map[string]any{"deployments": deployments, "total": len(deployments)})
}

func (s *Server) handleInvoke(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	caller := ctxutil.CallerFromContext(ctx)
	agentID, err := agentIDArg(request)
	if err != nil {
		return errorResult(err), nil
	}
	prompt := request.GetString("prompt", "")
	if prompt == "" {
		return errorResult(model.InvalidRequest("prompt is required")), nil
	}

	req := model.InvokeRequest{Input: model.InvokeInput{Prompt: &prompt}}
	if sid := request.GetString("session_id", ""); sid != "" {
		req.SessionID = &sid
	}

	resp, err := s.invoker.Invoke(ctx, caller, agentID, req, request.GetString("idempotency_key", ""))
	if err != nil {
		s.logger.Info("mcp: invoke failed", "agent_id", agentID, "error", err)
		return errorResult(err), nil
	}
	return jsonResult(resp)
}

func agentIDArg(request mcplib.CallToolRequest) (uuid.UUID, error) {
	raw := request.GetString("agent_id", "")
	if raw == "" {
		return uuid.Nil, model.InvalidRequest("agent_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, model.InvalidRequest("agent_id must be a UUID")
	}
	return id, nil
}
