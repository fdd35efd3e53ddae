package memstore

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

func (s *Store) CreateAgent(_ context.Context, a model.Agent) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.agents {
		if existing.TenantID == a.TenantID && existing.Name == a.Name {
			return model.Agent{}, conflict("create agent")
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := s.now()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Status = model.AgentCreated
	a.ActiveDeploymentID = nil
	a.NextVersion = 1
	s.agents[a.ID] = a
	return a, nil
}

func (s *Store) GetAgent(_ context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentLocked(tenantID, agentID)
	if !ok {
		return model.Agent{}, notFound("get agent")
	}
	return a, nil
}

func (s *Store) ListAgents(_ context.Context, tenantID uuid.UUID) ([]model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Agent
	for _, a := range s.agents {
		if a.TenantID == tenantID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DisableAgent(_ context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentLocked(tenantID, agentID)
	if !ok {
		return model.Agent{}, notFound("disable agent")
	}
	a.Status = model.AgentDisabled
	a.UpdatedAt = s.now()
	s.agents[a.ID] = a
	return a, nil
}

func (s *Store) EnableAgent(_ context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentLocked(tenantID, agentID)
	if !ok {
		return model.Agent{}, notFound("enable agent")
	}
	if a.Status != model.AgentDisabled || a.ActiveDeploymentID == nil {
		return model.Agent{}, conflict("enable agent")
	}
	a.Status = model.AgentActive
	a.UpdatedAt = s.now()
	s.agents[a.ID] = a
	return a, nil
}

// BeginDeployment claims the agent and records a deploying deployment.
func (s *Store) BeginDeployment(_ context.Context, spec model.DeploymentSpec, expectedVersion *int) (model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentLocked(spec.TenantID, spec.AgentID)
	if !ok {
		return model.Deployment{}, notFound("begin deployment")
	}
	switch a.Status {
	case model.AgentCreated, model.AgentActive, model.AgentError:
	default:
		return model.Deployment{}, conflict("begin deployment")
	}
	if expectedVersion != nil && *expectedVersion != a.NextVersion {
		return model.Deployment{}, conflict("begin deployment")
	}

	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	spec.Version = a.NextVersion
	spec.BackendKind = a.BackendKind
	spec.CreatedAt = s.now()

	a.NextVersion++
	a.Status = model.AgentDeploying
	a.UpdatedAt = spec.CreatedAt
	s.agents[a.ID] = a

	d := model.Deployment{
		DeploymentSpec:  spec,
		DeploymentState: model.DeploymentState{Status: model.DeploymentDeploying},
	}
	s.deployments[d.ID] = d
	return d, nil
}

// FinishDeployment writes only the mutable state group; the spec half of the
// stored record is never replaced.
func (s *Store) FinishDeployment(_ context.Context, id uuid.UUID, state model.DeploymentState) (model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return model.Deployment{}, notFound("finish deployment")
	}
	if d.Status != model.DeploymentDeploying {
		return model.Deployment{}, conflict("finish deployment")
	}
	if state.FinishedAt == nil {
		now := s.now()
		state.FinishedAt = &now
	}
	d.DeploymentState = state
	s.deployments[id] = d

	a := s.agents[d.AgentID]
	switch state.Status {
	case model.DeploymentActive:
		depID := d.ID
		a.ActiveDeploymentID = &depID
		if a.Status != model.AgentDisabled {
			a.Status = model.AgentActive
		}
	default:
		if a.Status != model.AgentDisabled {
			a.Status = model.AgentError
		}
	}
	a.UpdatedAt = s.now()
	s.agents[a.ID] = a
	return d, nil
}

func (s *Store) GetDeployment(_ context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok || d.TenantID != tenantID || d.AgentID != agentID {
		return model.Deployment{}, notFound("get deployment")
	}
	return d, nil
}

func (s *Store) GetDeploymentByID(_ context.Context, deploymentID uuid.UUID) (model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[deploymentID]
	if !ok {
		return model.Deployment{}, notFound("get deployment by id")
	}
	return d, nil
}

func (s *Store) ListDeployments(_ context.Context, tenantID, agentID uuid.UUID) ([]model.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Deployment
	for _, d := range s.deployments {
		if d.TenantID == tenantID && d.AgentID == agentID {
			out = append(out, d)
		}
	}
	sortedDeployments(out)
	return out, nil
}

func (s *Store) SetActiveDeployment(_ context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agentLocked(tenantID, agentID)
	if !ok {
		return model.Agent{}, notFound("activate deployment")
	}
	d, ok := s.deployments[deploymentID]
	if !ok || d.AgentID != agentID || d.TenantID != tenantID {
		return model.Agent{}, notFound("activate deployment")
	}
	if !d.Routable() {
		return model.Agent{}, conflict("activate deployment")
	}
	a.ActiveDeploymentID = &d.ID
	if a.Status == model.AgentError {
		a.Status = model.AgentActive
	}
	a.UpdatedAt = s.now()
	s.agents[a.ID] = a
	return a, nil
}

func (s *Store) agentLocked(tenantID, agentID uuid.UUID) (model.Agent, bool) {
	a, ok := s.agents[agentID]
	if !ok || a.TenantID != tenantID {
		return model.Agent{}, false
	}
	return a, true
}
