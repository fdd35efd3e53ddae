// Package ingest verifies and records signed usage reports sent by deployed
// agents. A report is trusted only after its HMAC has been checked against
// the deployment's signing secret; the body is not parsed before that.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/keyring"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

const (
	// MaxBodyBytes is the largest report accepted.
	MaxBodyBytes = 64 << 10
	// MaxFutureSkew bounds how far ahead of the server clock a report may be.
	MaxFutureSkew = 5 * time.Minute
)

// Store is the persistence the verifier needs.
type Store interface {
	GetDeploymentByID(ctx context.Context, deploymentID uuid.UUID) (model.Deployment, error)
	AppendTelemetry(ctx context.Context, e model.TelemetryEvent) (bool, error)
}

// SecretSource resolves a deployment's signing secret.
type SecretSource interface {
	Secret(ctx context.Context, keyID string) ([]byte, error)
}

// Publisher fans accepted events out to other consumers.
type Publisher interface {
	Publish(ctx context.Context, e model.TelemetryEvent) error
}

// Verifier checks and records telemetry reports.
type Verifier struct {
	store     Store
	secrets   SecretSource
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithPublisher publishes every newly accepted event.
func WithPublisher(p Publisher) Option { return func(v *Verifier) { v.publisher = p } }

// WithMetrics records ingest verdicts.
func WithMetrics(m *metrics.Metrics) Option { return func(v *Verifier) { v.metrics = m } }

// WithClock overrides the clock used for skew checks.
func WithClock(now func() time.Time) Option { return func(v *Verifier) { v.now = now } }

// New returns a verifier.
func New(store Store, secrets SecretSource, logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{store: store, secrets: secrets, logger: logger, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Receipt describes an accepted report.
type Receipt struct {
	EventID   string `json:"eventId"`
	Duplicate bool   `json:"duplicate"`
}

// Ingest verifies one report. deploymentHeader and signature are the raw
// Deployment-Id and Signature header values. A duplicate event id is
// accepted without being counted twice.
func (v *Verifier) Ingest(ctx context.Context, deploymentHeader, signature string, body []byte) (Receipt, error) {
	if len(body) > MaxBodyBytes {
		v.metrics.TelemetryReport(metrics.TelemetryInvalid)
		return Receipt{}, model.InvalidRequest("telemetry body too large")
	}

	depID, err := uuid.Parse(deploymentHeader)
	if err != nil {
		v.metrics.TelemetryReport(metrics.TelemetryUnknownKey)
		return Receipt{}, model.Unauthenticated("unknown deployment")
	}
	dep, secret, err := v.resolve(ctx, depID)
	if err != nil {
		return Receipt{}, err
	}

	if !VerifySignature(secret, body, signature) {
		v.metrics.TelemetryReport(metrics.TelemetryBadSignature)
		v.logger.Warn("ingest: signature mismatch", "deployment_id", depID)
		return Receipt{}, model.Unauthenticated("invalid signature")
	}

	var p model.TelemetryPayload
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&p); err != nil {
		v.metrics.TelemetryReport(metrics.TelemetryInvalid)
		return Receipt{}, model.InvalidRequest("malformed telemetry body")
	}

	if p.DeploymentID != dep.ID || p.TenantID != dep.TenantID || p.AgentID != dep.AgentID {
		v.metrics.TelemetryReport(metrics.TelemetryMismatch)
		v.logger.Warn("ingest: ownership mismatch",
			"deployment_id", dep.ID, "claimed_deployment_id", p.DeploymentID,
			"claimed_tenant_id", p.TenantID, "claimed_agent_id", p.AgentID)
		return Receipt{}, model.Unauthorized("report does not belong to this deployment")
	}

	if err := v.validate(p); err != nil {
		v.metrics.TelemetryReport(metrics.TelemetryInvalid)
		return Receipt{}, err
	}

	e := model.TelemetryEvent{
		EventID:      p.EventID,
		TenantID:     dep.TenantID,
		AgentID:      dep.AgentID,
		DeploymentID: dep.ID,
		BackendKind:  dep.BackendKind,
		Timestamp:    p.Timestamp.UTC(),
		UsageCounts: model.UsageCounts{
			Requests:  p.Requests,
			Tokens:    p.Tokens,
			ComputeMs: p.ComputeMs,
			ToolCalls: p.ToolCalls,
			Errors:    p.Errors,
		},
		TraceID:    p.TraceID,
		ReceivedAt: v.now().UTC(),
	}
	if e.EventID == "" {
		e.EventID = bodyDigest(body)
	}

	inserted, err := v.store.AppendTelemetry(ctx, e)
	if err != nil {
		return Receipt{}, model.Internal(err)
	}
	if !inserted {
		v.metrics.TelemetryReport(metrics.TelemetryDuplicate)
		return Receipt{EventID: e.EventID, Duplicate: true}, nil
	}

	v.metrics.TelemetryReport(metrics.TelemetryAccepted)
	v.metrics.TelemetryUsage(e.BackendKind, e.UsageCounts)
	if v.publisher != nil {
		if err := v.publisher.Publish(ctx, e); err != nil {
			v.logger.Warn("ingest: publish failed", "event_id", e.EventID, "tenant_id", e.TenantID, "error", err)
		}
	}
	return Receipt{EventID: e.EventID}, nil
}

// resolve loads the deployment and its secret. Every failure looks the same
// to the caller so deployment ids cannot be enumerated.
func (v *Verifier) resolve(ctx context.Context, id uuid.UUID) (model.Deployment, []byte, error) {
	dep, err := v.store.GetDeploymentByID(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		v.metrics.TelemetryReport(metrics.TelemetryUnknownKey)
		return model.Deployment{}, nil, model.Unauthenticated("unknown deployment")
	}
	if err != nil {
		return model.Deployment{}, nil, model.Internal(err)
	}
	secret, err := v.secrets.Secret(ctx, dep.SigningKeyID)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		v.metrics.TelemetryReport(metrics.TelemetryUnknownKey)
		return model.Deployment{}, nil, model.Unauthenticated("unknown deployment")
	}
	if err != nil {
		return model.Deployment{}, nil, model.Internal(fmt.Errorf("ingest: load secret: %w", err))
	}
	return dep, secret, nil
}

func (v *Verifier) validate(p model.TelemetryPayload) error {
	if p.Requests < 0 || p.Tokens < 0 || p.ComputeMs < 0 || p.ToolCalls < 0 || p.Errors < 0 {
		return model.InvalidRequest("usage counters must be non-negative")
	}
	if p.Timestamp.IsZero() {
		return model.InvalidRequest("timestamp is required")
	}
	if p.Timestamp.After(v.now().Add(MaxFutureSkew)) {
		return model.InvalidRequest("timestamp is too far in the future")
	}
	return nil
}
