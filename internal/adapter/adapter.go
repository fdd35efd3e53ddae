// Package adapter defines the contract between the control plane and an
// execution backend, and the Registry that selects an adapter by backend
// kind. The Registry is the only place that branches on model.BackendKind.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

// DeployRequest is the canonical deploy call. SigningSecret is the
// deployment's telemetry key and is delivered to the backend out-of-band;
// adapters must never log it.
type DeployRequest struct {
	DeploymentID  uuid.UUID
	TenantID      uuid.UUID
	AgentID       uuid.UUID
	ArtifactRef   string
	Config        map[string]string
	SecretKeys    []string
	SigningSecret []byte
	TelemetryURL  string
}

// DeployResult carries the backend's opaque handle for the provisioned unit.
type DeployResult struct {
	BackendRef string
}

// CanonicalRequest is a normalized invocation.
type CanonicalRequest struct {
	DeploymentID uuid.UUID
	Messages     []model.Message
	Options      map[string]any
	TraceID      string
}

// InvokeResult is a backend's reply. SessionID is empty when the backend
// does not keep conversational state.
type InvokeResult struct {
	Output    string
	SessionID string
	Usage     *model.Usage
}

// CostEstimate is a rough pre-dispatch resource estimate.
type CostEstimate struct {
	Tokens    int64
	ComputeMs int64
}

// Adapter is implemented once per backend kind.
type Adapter interface {
	Kind() model.BackendKind
	// Deploy must be safe to retry with the same DeploymentID.
	Deploy(ctx context.Context, req DeployRequest) (DeployResult, error)
	// Invoke treats sessionID as opaque. Unknown or expired sessions are
	// reported with ErrSessionNotFound.
	Invoke(ctx context.Context, backendRef string, req CanonicalRequest, sessionID string) (InvokeResult, error)
	Healthcheck(ctx context.Context, backendRef string) error
	EstimateCost(ctx context.Context, req CanonicalRequest) (CostEstimate, error)
}

// StreamInvoker is implemented by adapters that can emit output incrementally.
type StreamInvoker interface {
	InvokeStream(ctx context.Context, backendRef string, req CanonicalRequest, sessionID string,
		emit func(delta string) error) (InvokeResult, error)
}

// ErrSessionNotFound reports an unknown or expired backend session.
var ErrSessionNotFound = errors.New("adapter: session not found")

// Error is returned by adapters to classify a failure. Err may contain
// backend-internal detail and is only ever logged.
type Error struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure.
func Retryable(op string, err error) error {
	return &Error{Op: op, Retryable: true, Err: err}
}

// Permanent wraps err as a non-transient failure.
func Permanent(op string, err error) error {
	return &Error{Op: op, Err: err}
}
