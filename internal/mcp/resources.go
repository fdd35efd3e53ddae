package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kiban/internal/ctxutil"
)

const (
	agentsURI         = "kiban://agents"
	agentURIPrefix    = "kiban://agent/"
	deploymentsSuffix = "/deployments"
)

func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("Agents in the caller's tenant"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgentsResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			agentURIPrefix+"{id}"+deploymentsSuffix,
			"Agent Deployments",
			mcplib.WithTemplateDescription("Deployment history for one agent, newest first"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleDeploymentsResource,
	)
}

func (s *Server) handleAgentsResource(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	agents, err := s.agents.ListAgents(ctx, ctxutil.CallerFromContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	return textResource(agentsURI, agents)
}

func (s *Server) handleDeploymentsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, agentURIPrefix), deploymentsSuffix)
	agentID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid agent deployments URI: %s", uri)
	}
	deployments, err := s.agents.ListDeployments(ctx, ctxutil.CallerFromContext(ctx), agentID)
	if err != nil {
		return nil, fmt.Errorf("mcp: list deployments: %w", err)
	}
	return textResource(uri, map[string]any{"agentId": agentID, "deployments": deployments})
}

func textResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal resource: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
