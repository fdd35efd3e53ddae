package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BackendKind identifies an execution backend. The set is closed; every
// kind has exactly one adapter.
type BackendKind string

const (
	BackendContainer BackendKind = "container"
	BackendSandbox   BackendKind = "sandbox"
)

// Valid reports whether k is a supported backend kind.
func (k BackendKind) Valid() bool {
	switch k {
	case BackendContainer, BackendSandbox:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentCreated   AgentStatus = "created"
	AgentDeploying AgentStatus = "deploying"
	AgentActive    AgentStatus = "active"
	AgentError     AgentStatus = "error"
	AgentDisabled  AgentStatus = "disabled"
)

// CanTransition reports whether the lifecycle allows moving from s to next.
//
//	created  -> deploying
//	deploying -> active | error
//	active   -> deploying (redeploy)
//	error    -> deploying (retry)
//	disabled -> active (re-enable; caller must check for an active deployment)
//	any      -> disabled
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if next == AgentDisabled {
		return true
	}
	switch s {
	case AgentCreated, AgentActive, AgentError:
		return next == AgentDeploying
	case AgentDeploying:
		return next == AgentActive || next == AgentError
	case AgentDisabled:
		return next == AgentActive
	}
	return false
}

// Agent is a named, tenant-owned logical service.
type Agent struct {
	ID                 uuid.UUID   `json:"id"`
	TenantID           uuid.UUID   `json:"tenantId"`
	Name               string      `json:"name"`
	BackendKind        BackendKind `json:"backendKind"`
	Status             AgentStatus `json:"status"`
	ActiveDeploymentID *uuid.UUID  `json:"activeDeploymentId,omitempty"`
	NextVersion        int         `json:"-"`
	CreatedAt          time.Time   `json:"createdAt"`
	UpdatedAt          time.Time   `json:"updatedAt"`
}

// ValidateAgentName checks that an agent name is 1-128 characters of
// lowercase alphanumerics, dots, hyphens and underscores, starting with a letter.
func ValidateAgentName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("name is required")
	}
	if len(name) > 128 {
		return fmt.Errorf("name must be at most 128 characters")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if i == 0 {
			if c < 'a' || c > 'z' {
				return fmt.Errorf("name must start with a lowercase letter, got %q", c)
			}
			continue
		}
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("name contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
