package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error   ErrorDetail  `json:"error"`
	TraceID string       `json:"traceId,omitempty"`
	Meta    ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"requestId"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Retryable bool      `json:"retryable"`
}

// TokenRequest is the request body for POST /auth/token.
type TokenRequest struct {
	Subject string `json:"subject"`
	APIKey  string `json:"apiKey"`
}

// TokenResponse is returned by POST /auth/token.
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ScopedTokenRequest is the request body for POST /auth/scoped-token.
type ScopedTokenRequest struct {
	TTLSeconds int `json:"ttlSeconds,omitempty"`
}

// CreatePrincipalRequest is the request body for POST /v1/principals.
type CreatePrincipalRequest struct {
	Subject string `json:"subject"`
	Role    Role   `json:"role"`
	APIKey  string `json:"apiKey"`
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	Name        string      `json:"name"`
	BackendKind BackendKind `json:"backendKind"`
}

// DeployRequest is the request body for POST /v1/agents/{agent_id}/deployments.
type DeployRequest struct {
	ArtifactRef string            `json:"artifactRef"`
	Version     *int              `json:"version,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	SecretKeys  []string          `json:"secretKeys,omitempty"`
}

// ActivateRequest is the request body for POST /v1/agents/{agent_id}/activate.
type ActivateRequest struct {
	DeploymentID uuid.UUID `json:"deploymentId"`
	Reason       string    `json:"reason,omitempty"`
}

// CheckoutRequest is the request body for POST /billing/checkout.
type CheckoutRequest struct {
	Email      string `json:"email"`
	SuccessURL string `json:"successUrl"`
	CancelURL  string `json:"cancelUrl"`
}

// PortalRequest is the request body for POST /billing/portal.
type PortalRequest struct {
	ReturnURL string `json:"returnUrl"`
}

// SessionURL is returned by the billing checkout and portal endpoints.
type SessionURL struct {
	URL string `json:"url"`
}

// TelemetryPayload is the body of a signed telemetry report.
type TelemetryPayload struct {
	EventID      string    `json:"eventId,omitempty"`
	TenantID     uuid.UUID `json:"tenantId"`
	AgentID      uuid.UUID `json:"agentId"`
	DeploymentID uuid.UUID `json:"deploymentId"`
	Timestamp    time.Time `json:"timestamp"`
	Requests     int64     `json:"requests"`
	Tokens       int64     `json:"tokens"`
	ComputeMs    int64     `json:"computeMs"`
	ToolCalls    int64     `json:"toolCalls"`
	Errors       int64     `json:"errors"`
	TraceID      *string   `json:"traceId,omitempty"`
}

// UsageReport is returned by GET /v1/usage.
type UsageReport struct {
	TenantID       uuid.UUID   `json:"tenantId"`
	PlanTier       PlanTier    `json:"planTier"`
	PeriodKey      string      `json:"periodKey"`
	Aggregated     UsagePeriod `json:"aggregated"`
	LiveRequests   int64       `json:"liveRequests"`
	MaxRequests    int64       `json:"maxRequests"`
	MaxTokens      int64       `json:"maxTokens"`
	MaxComputeMs   int64       `json:"maxComputeMs"`
	AllowedBackend []string    `json:"allowedBackends"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string   `json:"status"`
	Version  string   `json:"version"`
	Store    string   `json:"store"`
	Backends []string `json:"backends"`
	Uptime   int64    `json:"uptimeSeconds"`
}
