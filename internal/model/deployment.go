package model

import (
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus is the provisioning state of a deployment.
type DeploymentStatus string

const (
	DeploymentDeploying DeploymentStatus = "deploying"
	DeploymentActive    DeploymentStatus = "active"
	DeploymentFailed    DeploymentStatus = "failed"
)

// DeploymentSpec is the write-once half of a deployment. Storage rejects
// any attempt to change these fields after insert.
type DeploymentSpec struct {
	ID           uuid.UUID   `json:"id"`
	AgentID      uuid.UUID   `json:"agentId"`
	TenantID     uuid.UUID   `json:"tenantId"`
	Version      int         `json:"version"`
	BackendKind  BackendKind `json:"backendKind"`
	ArtifactRef  string      `json:"artifactRef"`
	ConfigHash   string      `json:"configHash"`
	SigningKeyID string      `json:"-"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// DeploymentState is the narrow mutable half of a deployment.
type DeploymentState struct {
	Status       DeploymentStatus `json:"status"`
	BackendRef   string           `json:"-"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
	FinishedAt   *time.Time       `json:"finishedAt,omitempty"`
}

// Deployment is an immutable record of one version of an agent, plus its
// provisioning state.
type Deployment struct {
	DeploymentSpec
	DeploymentState
}

// Routable reports whether the deployment may be the target of an agent's
// active pointer.
func (d Deployment) Routable() bool {
	return d.Status == DeploymentActive
}
