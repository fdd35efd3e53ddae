// Package deploy is the deployment orchestrator: it owns agent creation,
// the deploy state machine, rollback by activation, and disable/enable.
//
// Every deployment is an immutable record with a per-agent monotonic
// version. The agent's active pointer only moves after the backend has
// confirmed a deploy, or on explicit activation of an earlier deployment.
package deploy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/idempotency"
	"github.com/ashita-ai/kiban/internal/keyring"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error)
	GetAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error)
	ListAgents(ctx context.Context, tenantID uuid.UUID) ([]model.Agent, error)
	DisableAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error)
	EnableAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error)
	BeginDeployment(ctx context.Context, spec model.DeploymentSpec, expectedVersion *int) (model.Deployment, error)
	FinishDeployment(ctx context.Context, id uuid.UUID, state model.DeploymentState) (model.Deployment, error)
	GetDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Deployment, error)
	ListDeployments(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.Deployment, error)
	SetActiveDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Agent, error)
	InsertAudit(ctx context.Context, e model.AuditEntry) error
}

// Config holds orchestrator settings.
type Config struct {
	// TelemetryURL is where backends send signed usage reports.
	TelemetryURL string
}

// Service is the deployment orchestrator.
type Service struct {
	store        Store
	registry     *adapter.Registry
	keys         keyring.Keyring
	ledger       *idempotency.Ledger
	entitlements entitlement.Table
	metrics      *metrics.Metrics
	cfg          Config
	logger       *slog.Logger
}

// New creates an orchestrator. ledger and m may be nil.
func New(store Store, registry *adapter.Registry, keys keyring.Keyring, ledger *idempotency.Ledger,
	table entitlement.Table, m *metrics.Metrics, cfg Config, logger *slog.Logger,
) *Service {
	return &Service{
		store:        store,
		registry:     registry,
		keys:         keys,
		ledger:       ledger,
		entitlements: table,
		metrics:      m,
		cfg:          cfg,
		logger:       logger,
	}
}

// DeployInput is a deploy request. Version, when set, must equal the version
// the deploy would allocate. Config is non-secret; SecretKeys only names
// secrets the backend resolves on its own.
type DeployInput struct {
	ArtifactRef    string            `json:"artifactRef"`
	Version        *int              `json:"version,omitempty"`
	Config         map[string]string `json:"config,omitempty"`
	SecretKeys     []string          `json:"secretKeys,omitempty"`
	IdempotencyKey string            `json:"-"`
}

// CreateAgent registers a new agent for the caller's tenant.
func (s *Service) CreateAgent(ctx context.Context, caller *model.Caller, name string, kind model.BackendKind) (model.Agent, error) {
	if err := requireRole(caller, model.RoleDeveloper); err != nil {
		return model.Agent{}, err
	}
	if err := model.ValidateAgentName(name); err != nil {
		return model.Agent{}, model.InvalidRequest(err.Error())
	}
	if !kind.Valid() || !s.registry.Has(kind) {
		return model.Agent{}, model.InvalidRequest(fmt.Sprintf("unsupported backend kind %q", kind))
	}

	a, err := s.store.CreateAgent(ctx, model.Agent{TenantID: caller.TenantID, Name: name, BackendKind: kind})
	if errors.Is(err, storage.ErrConflict) {
		return model.Agent{}, model.Conflict("an agent with this name already exists")
	}
	if err != nil {
		return model.Agent{}, model.Internal(err)
	}
	s.audit(ctx, caller, "agent.create", "agent", a.ID, map[string]any{"name": name, "backendKind": kind})
	return a, nil
}

// GetAgent returns one of the caller's agents.
func (s *Service) GetAgent(ctx context.Context, caller *model.Caller, agentID uuid.UUID) (model.Agent, error) {
	if err := requireRole(caller, model.RoleInvoker); err != nil {
		return model.Agent{}, err
	}
	return s.agent(ctx, caller.TenantID, agentID)
}

// ListAgents returns the caller's agents ordered by name.
func (s *Service) ListAgents(ctx context.Context, caller *model.Caller) ([]model.Agent, error) {
	if err := requireRole(caller, model.RoleInvoker); err != nil {
		return nil, err
	}
	agents, err := s.store.ListAgents(ctx, caller.TenantID)
	if err != nil {
		return nil, model.Internal(err)
	}
	return agents, nil
}

// Deploy creates and provisions a new deployment of an agent. With an
// idempotency key, a retried request returns the first result instead of
// deploying again.
func (s *Service) Deploy(ctx context.Context, caller *model.Caller, agentID uuid.UUID, in DeployInput) (model.Deployment, error) {
	if err := requireRole(caller, model.RoleDeveloper); err != nil {
		return model.Deployment{}, err
	}
	if err := validateDeployInput(in); err != nil {
		return model.Deployment{}, err
	}
	scope := idempotency.DeployScope(caller.TenantID, agentID)
	d, _, err := idempotency.Do(ctx, s.ledger, scope, in.IdempotencyKey, in, func(ctx context.Context) (model.Deployment, error) {
		return s.deploy(ctx, caller, agentID, in)
	})
	return d, err
}

func (s *Service) deploy(ctx context.Context, caller *model.Caller, agentID uuid.UUID, in DeployInput) (model.Deployment, error) {
	agent, err := s.agent(ctx, caller.TenantID, agentID)
	if err != nil {
		return model.Deployment{}, err
	}
	tenant, err := s.store.GetTenant(ctx, caller.TenantID)
	if err != nil {
		return model.Deployment{}, model.Internal(err)
	}
	ent, err := s.entitlements.For(tenant.PlanTier)
	if err != nil {
		return model.Deployment{}, model.Internal(err)
	}
	if !ent.AllowsBackend(agent.BackendKind) {
		return model.Deployment{}, model.LimitExceeded(
			fmt.Sprintf("plan %s does not include %s backends", tenant.PlanTier, agent.BackendKind))
	}
	if !agent.Status.CanTransition(model.AgentDeploying) {
		return model.Deployment{}, model.Conflict(fmt.Sprintf("agent is %s and cannot be deployed", agent.Status))
	}

	// The secret exists before the row that references it; a lost claim
	// deletes it again.
	depID := uuid.New()
	keyID, secret, err := s.keys.Create(ctx, depID)
	if err != nil {
		return model.Deployment{}, model.Internal(err)
	}

	d, err := s.store.BeginDeployment(ctx, model.DeploymentSpec{
		ID:           depID,
		AgentID:      agent.ID,
		TenantID:     agent.TenantID,
		ArtifactRef:  in.ArtifactRef,
		ConfigHash:   configHash(in.Config, in.SecretKeys),
		SigningKeyID: keyID,
	}, in.Version)
	if err != nil {
		if delErr := s.keys.Delete(context.WithoutCancel(ctx), keyID); delErr != nil {
			s.logger.Warn("deploy: failed to delete orphaned signing key", "key_id", keyID, "error", delErr)
		}
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return model.Deployment{}, model.NotFound("agent not found")
		case errors.Is(err, storage.ErrConflict):
			return model.Deployment{}, model.Conflict("agent is busy or the requested version is stale")
		}
		return model.Deployment{}, model.Internal(err)
	}

	logger := s.logger.With("tenant_id", d.TenantID, "agent_id", d.AgentID, "deployment_id", d.ID, "version", d.Version)
	logger.Info("deploy: started", "backend", d.BackendKind)

	res, deployErr := s.registry.Deploy(ctx, d.BackendKind, adapter.DeployRequest{
		DeploymentID:  d.ID,
		TenantID:      d.TenantID,
		AgentID:       d.AgentID,
		ArtifactRef:   d.ArtifactRef,
		Config:        in.Config,
		SecretKeys:    in.SecretKeys,
		SigningSecret: secret,
		TelemetryURL:  s.cfg.TelemetryURL,
	})

	// A unit that does not pass its first health check never becomes active.
	if deployErr == nil {
		if err := s.registry.Healthcheck(ctx, d.BackendKind, res.BackendRef); err != nil {
			deployErr = model.DeployFailedError("deployed unit failed its health check", model.AsError(err).Retryable).WithCause(err)
		}
	}

	state := model.DeploymentState{Status: model.DeploymentActive, BackendRef: res.BackendRef}
	if deployErr != nil {
		state = model.DeploymentState{Status: model.DeploymentFailed, ErrorMessage: model.AsError(deployErr).Message}
	}

	// The outcome is recorded even if the caller has gone away, so the
	// agent never stays in deploying.
	finished, err := s.store.FinishDeployment(context.WithoutCancel(ctx), d.ID, state)
	if err != nil {
		logger.Error("deploy: failed to record outcome", "status", state.Status, "error", err)
		return model.Deployment{}, model.Internal(err)
	}
	s.metrics.DeploymentFinished(finished.BackendKind, finished.Status)
	s.audit(ctx, caller, "deployment.create", "deployment", finished.ID, map[string]any{
		"agentId": finished.AgentID, "version": finished.Version, "status": finished.Status,
	})

	if deployErr != nil {
		logger.Warn("deploy: failed", "error", deployErr)
		me := model.AsError(deployErr)
		out := *me
		out.Details = map[string]any{"deploymentId": finished.ID, "version": finished.Version}
		return finished, &out
	}
	logger.Info("deploy: active")
	return finished, nil
}

// Activate points the agent at one of its earlier, successfully deployed
// deployments. No backend is contacted; the next invocation routes to it.
func (s *Service) Activate(ctx context.Context, caller *model.Caller, agentID, deploymentID uuid.UUID, reason string) (model.Agent, error) {
	if err := requireRole(caller, model.RoleDeveloper); err != nil {
		return model.Agent{}, err
	}
	prev, err := s.agent(ctx, caller.TenantID, agentID)
	if err != nil {
		return model.Agent{}, err
	}

	a, err := s.store.SetActiveDeployment(ctx, caller.TenantID, agentID, deploymentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Agent{}, model.NotFound("deployment not found")
	case errors.Is(err, storage.ErrConflict):
		return model.Agent{}, model.Conflict("only successfully deployed deployments can be activated")
	case err != nil:
		return model.Agent{}, model.Internal(err)
	}

	detail := map[string]any{"deploymentId": deploymentID, "reason": reason}
	if prev.ActiveDeploymentID != nil {
		detail["previousDeploymentId"] = *prev.ActiveDeploymentID
	}
	s.audit(ctx, caller, "agent.activate", "agent", agentID, detail)
	s.logger.Info("deploy: activated",
		"tenant_id", caller.TenantID, "agent_id", agentID, "deployment_id", deploymentID, "reason", reason)
	return a, nil
}

// Disable stops an agent from serving invocations. The active pointer is kept.
func (s *Service) Disable(ctx context.Context, caller *model.Caller, agentID uuid.UUID) (model.Agent, error) {
	if err := requireRole(caller, model.RoleDeveloper); err != nil {
		return model.Agent{}, err
	}
	a, err := s.store.DisableAgent(ctx, caller.TenantID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, model.NotFound("agent not found")
	}
	if err != nil {
		return model.Agent{}, model.Internal(err)
	}
	s.audit(ctx, caller, "agent.disable", "agent", agentID, nil)
	return a, nil
}

// Enable returns a disabled agent to service. It needs an active deployment.
func (s *Service) Enable(ctx context.Context, caller *model.Caller, agentID uuid.UUID) (model.Agent, error) {
	if err := requireRole(caller, model.RoleDeveloper); err != nil {
		return model.Agent{}, err
	}
	a, err := s.store.EnableAgent(ctx, caller.TenantID, agentID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Agent{}, model.NotFound("agent not found")
	case errors.Is(err, storage.ErrConflict):
		return model.Agent{}, model.Conflict("only a disabled agent with an active deployment can be enabled")
	case err != nil:
		return model.Agent{}, model.Internal(err)
	}
	s.audit(ctx, caller, "agent.enable", "agent", agentID, nil)
	return a, nil
}

// ListDeployments returns an agent's deployment history, newest first.
func (s *Service) ListDeployments(ctx context.Context, caller *model.Caller, agentID uuid.UUID) ([]model.Deployment, error) {
	if err := requireRole(caller, model.RoleInvoker); err != nil {
		return nil, err
	}
	if _, err := s.agent(ctx, caller.TenantID, agentID); err != nil {
		return nil, err
	}
	ds, err := s.store.ListDeployments(ctx, caller.TenantID, agentID)
	if err != nil {
		return nil, model.Internal(err)
	}
	return ds, nil
}

// GetDeployment returns one deployment of one of the caller's agents.
func (s *Service) GetDeployment(ctx context.Context, caller *model.Caller, agentID, deploymentID uuid.UUID) (model.Deployment, error) {
	if err := requireRole(caller, model.RoleInvoker); err != nil {
		return model.Deployment{}, err
	}
	d, err := s.store.GetDeployment(ctx, caller.TenantID, agentID, deploymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Deployment{}, model.NotFound("deployment not found")
	}
	if err != nil {
		return model.Deployment{}, model.Internal(err)
	}
	return d, nil
}

func (s *Service) agent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	a, err := s.store.GetAgent(ctx, tenantID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Agent{}, model.NotFound("agent not found")
	}
	if err != nil {
		return model.Agent{}, model.Internal(err)
	}
	return a, nil
}

// audit records a mutation. Failures are logged, never returned: the
// mutation has already committed.
func (s *Service) audit(ctx context.Context, caller *model.Caller, action, resourceType string, resourceID uuid.UUID, detail map[string]any) {
	err := s.store.InsertAudit(context.WithoutCancel(ctx), model.AuditEntry{
		TenantID:     caller.TenantID,
		Actor:        caller.Actor(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID.String(),
		Detail:       detail,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("deploy: audit write failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func requireRole(caller *model.Caller, min model.Role) error {
	if caller == nil {
		return model.Unauthenticated("authentication required")
	}
	if !model.RoleAtLeast(caller.Role, min) {
		return model.Unauthorized(fmt.Sprintf("role %s or higher required", min))
	}
	return nil
}

func validateDeployInput(in DeployInput) error {
	if strings.TrimSpace(in.ArtifactRef) == "" {
		return model.InvalidRequest("artifactRef is required")
	}
	if in.Version != nil && *in.Version < 1 {
		return model.InvalidRequest("version must be positive")
	}
	for _, k := range in.SecretKeys {
		if strings.TrimSpace(k) == "" {
			return model.InvalidRequest("secret key names must not be empty")
		}
	}
	return nil
}

// configHash fingerprints the non-secret config and declared secret names.
func configHash(cfg map[string]string, secretKeys []string) string {
	keys := slices.Clone(secretKeys)
	slices.Sort(keys)
	// encoding/json sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(struct {
		Config     map[string]string `json:"config"`
		SecretKeys []string          `json:"secretKeys"`
	}{cfg, keys})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
