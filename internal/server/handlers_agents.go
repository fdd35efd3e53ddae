package server

import (
	"net/http"
	"strings"

	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/deploy"
	"github.com/ashita-ai/kiban/internal/model"
)

// maxIdempotencyKeyLen bounds the Idempotency-Key header.
const maxIdempotencyKeyLen = 255

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if len(key) > maxIdempotencyKeyLen {
		return "", model.InvalidRequest("Idempotency-Key is too long")
	}
	return key, nil
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.deployer.CreateAgent(r.Context(), ctxutil.CallerFromContext(r.Context()), req.Name, req.BackendKind)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, agent)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.deployer.ListAgents(r.Context(), ctxutil.CallerFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if agents == nil {
		agents = []model.Agent{}
	}
	writeJSON(w, r, http.StatusOK, agents)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.deployer.GetAgent(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

// HandleDeploy handles POST /v1/agents/{agent_id}/deployments. A repeated
// Idempotency-Key with the same body replays the recorded deployment.
func (h *Handlers) HandleDeploy(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	key, err := idempotencyKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.DeployRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := h.deployer.Deploy(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID, deploy.DeployInput{
		ArtifactRef:    req.ArtifactRef,
		Version:        req.Version,
		Config:         req.Config,
		SecretKeys:     req.SecretKeys,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, d)
}

// HandleListDeployments handles GET /v1/agents/{agent_id}/deployments.
func (h *Handlers) HandleListDeployments(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ds, err := h.deployer.ListDeployments(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ds == nil {
		ds = []model.Deployment{}
	}
	writeJSON(w, r, http.StatusOK, ds)
}

// HandleGetDeployment handles GET /v1/agents/{agent_id}/deployments/{deployment_id}.
func (h *Handlers) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	deploymentID, err := pathUUID(r, "deployment_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	d, err := h.deployer.GetDeployment(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID, deploymentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleActivate handles POST /v1/agents/{agent_id}/activate. Activating an
// earlier deployment is how rollback works.
func (h *Handlers) HandleActivate(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req model.ActivateRequest
	if err := decodeJSON(w, r, &req, h.maxBodyBytes); err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.deployer.Activate(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID, req.DeploymentID, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (h *Handlers) HandleDisable(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.deployer.Disable(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}

func (h *Handlers) HandleEnable(w http.ResponseWriter, r *http.Request) {
	agentID, err := pathUUID(r, "agent_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	agent, err := h.deployer.Enable(r.Context(), ctxutil.CallerFromContext(r.Context()), agentID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, agent)
}
