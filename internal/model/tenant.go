package model

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier is a tenant's subscription tier. It is the only input to
// entitlement lookup and is written exclusively by verified billing events.
type PlanTier string

const (
	TierFree       PlanTier = "free"
	TierPro        PlanTier = "pro"
	TierEnterprise PlanTier = "enterprise"
)

// Valid reports whether t is a known tier.
func (t PlanTier) Valid() bool {
	switch t {
	case TierFree, TierPro, TierEnterprise:
		return true
	}
	return false
}

// Tenant is an account that owns agents.
type Tenant struct {
	ID                   uuid.UUID `json:"id"`
	Name                 string    `json:"name"`
	PlanTier             PlanTier  `json:"planTier"`
	StripeCustomerID     *string   `json:"-"`
	StripeSubscriptionID *string   `json:"-"`
	CreatedAt            time.Time `json:"createdAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// Role is the RBAC role assigned to a principal within its tenant.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleDeveloper Role = "developer"
	RoleInvoker   Role = "invoker"
)

// RoleRank returns the numeric rank of a role (higher = more privileges).
func RoleRank(r Role) int {
	switch r {
	case RoleOwner:
		return 3
	case RoleDeveloper:
		return 2
	case RoleInvoker:
		return 1
	default:
		return 0
	}
}

// RoleAtLeast returns true if role r has at least the privileges of minRole.
func RoleAtLeast(r, minRole Role) bool {
	return RoleRank(r) >= RoleRank(minRole)
}

// Principal is a tenant-scoped caller identity. Subject is the stable
// external subject id handed out by the identity provider.
type Principal struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenantId"`
	Subject    string    `json:"subject"`
	Role       Role      `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

// AuditEntry records a control-plane mutation.
type AuditEntry struct {
	TenantID     uuid.UUID      `json:"tenantId"`
	Actor        string         `json:"actor"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resourceType"`
	ResourceID   string         `json:"resourceId"`
	Detail       map[string]any `json:"detail,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	PrincipalID uuid.UUID
	TenantID    uuid.UUID
	Subject     string
	Role        Role
	// ScopedBy is set on delegated tokens and names the issuing subject.
	ScopedBy string
}

// Actor returns the name recorded in the audit log.
func (c *Caller) Actor() string {
	if c == nil {
		return ""
	}
	if c.ScopedBy != "" {
		return c.Subject + " (via " + c.ScopedBy + ")"
	}
	return c.Subject
}
