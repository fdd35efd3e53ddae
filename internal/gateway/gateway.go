// Package gateway is the single entry point for agent invocations. It
// authenticates the caller against the agent, resolves the active
// deployment, enforces plan entitlements before any backend is contacted,
// and dispatches through the adapter registry.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/ctxutil"
	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/idempotency"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/observe"
	"github.com/ashita-ai/kiban/internal/storage"
	"github.com/ashita-ai/kiban/internal/usage"
)

// Store is the persistence the gateway reads.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error)
	GetDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Deployment, error)
}

// UsageSource reports the tenant's aggregated usage for the current period.
type UsageSource interface {
	CurrentUsage(ctx context.Context, tenantID uuid.UUID) (model.UsagePeriod, error)
}

// Gateway admits and dispatches invocations.
type Gateway struct {
	store        Store
	registry     *adapter.Registry
	counter      usage.Counter
	usage        UsageSource
	entitlements entitlement.Table
	ledger       *idempotency.Ledger
	metrics      *metrics.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
	now          func() time.Time
}

// Config bundles the gateway's collaborators. Ledger and Metrics may be nil.
type Config struct {
	Store        Store
	Registry     *adapter.Registry
	Counter      usage.Counter
	Usage        UsageSource
	Entitlements entitlement.Table
	Ledger       *idempotency.Ledger
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
	// Now defaults to time.Now and picks the billing period.
	Now func() time.Time
}

// New returns a gateway.
func New(cfg Config) *Gateway {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gateway{
		store:        cfg.Store,
		registry:     cfg.Registry,
		counter:      cfg.Counter,
		usage:        cfg.Usage,
		entitlements: cfg.Entitlements,
		ledger:       cfg.Ledger,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		tracer:       observe.Tracer("kiban/gateway"),
		now:          now,
	}
}

// WithTraceID returns ctx carrying the request's trace id: the one already
// on ctx (from an X-Trace-Id header), else metadata.traceId, else a new ULID.
func WithTraceID(ctx context.Context, req model.InvokeRequest) (context.Context, string) {
	if id := ctxutil.TraceIDFromContext(ctx); id != "" {
		return ctx, id
	}
	id := req.TraceIDFromMetadata()
	if id == "" {
		id = ulid.Make().String()
	}
	return ctxutil.WithTraceID(ctx, id), id
}

// admission is everything resolved before dispatch.
type admission struct {
	agent      model.Agent
	deployment model.Deployment
	messages   []model.Message
	traceID    string
}

// Invoke runs one synchronous invocation. With a non-empty idempotencyKey,
// a retried request returns the first response and is counted once.
func (g *Gateway) Invoke(ctx context.Context, caller *model.Caller, agentID uuid.UUID, req model.InvokeRequest, idempotencyKey string) (model.InvokeResponse, error) {
	ctx, traceID := WithTraceID(ctx, req)
	if caller == nil {
		return model.InvokeResponse{}, model.Unauthenticated("authentication required")
	}
	if idempotencyKey == "" {
		return g.invoke(ctx, caller, agentID, req, traceID)
	}
	scope := idempotency.InvokeScope(caller.TenantID, agentID)
	resp, replayed, err := idempotency.Do(ctx, g.ledger, scope, idempotencyKey, req,
		func(ctx context.Context) (model.InvokeResponse, error) {
			return g.invoke(ctx, caller, agentID, req, traceID)
		})
	if replayed {
		g.logger.Info("gateway: replayed idempotent invocation",
			"tenant_id", caller.TenantID, "agent_id", agentID, "trace_id", traceID)
	}
	return resp, err
}

func (g *Gateway) invoke(ctx context.Context, caller *model.Caller, agentID uuid.UUID, req model.InvokeRequest, traceID string) (model.InvokeResponse, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.invoke", trace.WithAttributes(
		attribute.String("kiban.tenant_id", caller.TenantID.String()),
		attribute.String("kiban.agent_id", agentID.String()),
		attribute.String("kiban.trace_id", traceID),
	))
	defer span.End()

	start := time.Now()
	adm, err := g.admit(ctx, caller, agentID, req, traceID)
	if err != nil {
		g.finish(span, "", err, start)
		return model.InvokeResponse{}, err
	}
	span.SetAttributes(
		attribute.String("kiban.deployment_id", adm.deployment.ID.String()),
		attribute.String("kiban.backend", string(adm.deployment.BackendKind)))

	res, err := g.registry.Invoke(ctx, adm.deployment.BackendKind, adm.deployment.BackendRef,
		g.canonical(adm, req), sessionID(req))
	g.finish(span, adm.deployment.BackendKind, err, start)
	if err != nil {
		g.logger.Warn("gateway: invocation failed",
			"tenant_id", caller.TenantID, "agent_id", agentID, "deployment_id", adm.deployment.ID,
			"trace_id", traceID, "error", err)
		return model.InvokeResponse{}, err
	}
	return response(res, traceID), nil
}

// StreamSink receives stream events in order: meta, delta*, usage?, then
// done or error.
type StreamSink interface {
	Send(event string, data any) error
}

// InvokeStream runs a streaming invocation. Admission failures are returned
// before any event is sent. Once meta has been sent, a backend failure is
// reported as an error event and also returned.
func (g *Gateway) InvokeStream(ctx context.Context, caller *model.Caller, agentID uuid.UUID, req model.InvokeRequest, sink StreamSink) error {
	ctx, traceID := WithTraceID(ctx, req)
	if caller == nil {
		return model.Unauthenticated("authentication required")
	}
	ctx, span := g.tracer.Start(ctx, "gateway.invoke_stream", trace.WithAttributes(
		attribute.String("kiban.tenant_id", caller.TenantID.String()),
		attribute.String("kiban.agent_id", agentID.String()),
		attribute.String("kiban.trace_id", traceID),
	))
	defer span.End()

	start := time.Now()
	adm, err := g.admit(ctx, caller, agentID, req, traceID)
	if err != nil {
		g.finish(span, "", err, start)
		return err
	}

	if err := sink.Send(model.StreamEventMeta, model.StreamMeta{
		TraceID:      traceID,
		AgentID:      adm.agent.ID.String(),
		DeploymentID: adm.deployment.ID.String(),
		Version:      adm.deployment.Version,
	}); err != nil {
		g.finish(span, adm.deployment.BackendKind, err, start)
		return err
	}

	res, err := g.registry.InvokeStream(ctx, adm.deployment.BackendKind, adm.deployment.BackendRef,
		g.canonical(adm, req), sessionID(req), func(delta string) error {
			return sink.Send(model.StreamEventDelta, model.StreamDelta{Text: delta})
		})
	g.finish(span, adm.deployment.BackendKind, err, start)
	if err != nil {
		me := model.AsError(err)
		_ = sink.Send(model.StreamEventError, model.ErrorDetail{
			Code: me.Code, Message: me.Message, Details: me.Details, Retryable: me.Retryable,
		})
		return err
	}

	resp := response(res, traceID)
	if resp.Usage != nil {
		if err := sink.Send(model.StreamEventUsage, resp.Usage); err != nil {
			return err
		}
	}
	return sink.Send(model.StreamEventDone, model.StreamDone{SessionID: resp.SessionID, TraceID: traceID})
}

// admit applies every check that must pass before a backend is contacted.
func (g *Gateway) admit(ctx context.Context, caller *model.Caller, agentID uuid.UUID, req model.InvokeRequest, traceID string) (admission, error) {
	if !model.RoleAtLeast(caller.Role, model.RoleInvoker) {
		return admission{}, model.Unauthorized("role invoker or higher required")
	}

	agent, err := g.store.GetAgent(ctx, caller.TenantID, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return admission{}, model.NotFound("agent not found")
	}
	if err != nil {
		return admission{}, model.Internal(err)
	}

	if agent.Status == model.AgentDisabled {
		return admission{}, model.Conflict("agent is disabled")
	}
	// The pointer is read once; an activation racing this request takes
	// effect on the next one.
	if agent.ActiveDeploymentID == nil {
		return admission{}, model.NotFound("agent has no active deployment")
	}
	dep, err := g.store.GetDeployment(ctx, caller.TenantID, agent.ID, *agent.ActiveDeploymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return admission{}, model.NotFound("agent has no active deployment")
	}
	if err != nil {
		return admission{}, model.Internal(err)
	}
	if !dep.Routable() {
		return admission{}, model.NotFound("agent has no active deployment")
	}

	tenant, err := g.store.GetTenant(ctx, caller.TenantID)
	if err != nil {
		return admission{}, model.Internal(err)
	}
	ent, err := g.entitlements.For(tenant.PlanTier)
	if err != nil {
		return admission{}, model.Internal(err)
	}
	period := model.PeriodKey(g.now())
	aggregated, err := g.usage.CurrentUsage(ctx, tenant.ID)
	if err != nil {
		return admission{}, model.Internal(err)
	}
	used, err := g.counter.Current(ctx, tenant.ID, period)
	if err != nil {
		return admission{}, model.Internal(err)
	}

	deny := func(reason string) (admission, error) {
		g.metrics.AdmissionDenied(tenant.PlanTier)
		g.logger.Info("gateway: admission denied",
			"tenant_id", tenant.ID, "agent_id", agent.ID, "tier", tenant.PlanTier, "reason", reason, "trace_id", traceID)
		return admission{}, model.LimitExceeded(reason)
	}

	if d := entitlement.Admit(ent, used, aggregated.Totals, dep.BackendKind); !d.Allowed {
		return deny(d.Reason)
	}

	n, err := g.counter.Increment(ctx, tenant.ID, period)
	if err != nil {
		return admission{}, model.Internal(err)
	}
	// Requests that never reach a backend are not counted.
	release := func() {
		if err := g.counter.Decrement(context.WithoutCancel(ctx), tenant.ID, period); err != nil {
			g.logger.Error("gateway: counter rollback failed", "tenant_id", tenant.ID, "period", period, "error", err)
		}
	}
	if ent.OverRequestBudget(n) {
		release()
		return deny(entitlement.ReasonRequestBudget)
	}

	messages, err := req.Normalize()
	if err != nil {
		release()
		return admission{}, err
	}

	// The estimate is computed by the adapter without contacting the
	// backend. An unavailable estimate does not block the request.
	est, err := g.registry.EstimateCost(ctx, dep.BackendKind, adapter.CanonicalRequest{
		DeploymentID: dep.ID, Messages: messages, Options: req.Options, TraceID: traceID,
	})
	if err != nil {
		g.logger.Warn("gateway: cost estimate unavailable", "tenant_id", tenant.ID, "agent_id", agent.ID, "trace_id", traceID)
	} else if d := entitlement.AdmitEstimate(ent, aggregated.Totals, model.UsageCounts{Tokens: est.Tokens, ComputeMs: est.ComputeMs}); !d.Allowed {
		release()
		return deny(d.Reason)
	}

	return admission{agent: agent, deployment: dep, messages: messages, traceID: traceID}, nil
}

func (g *Gateway) canonical(adm admission, req model.InvokeRequest) adapter.CanonicalRequest {
	return adapter.CanonicalRequest{
		DeploymentID: adm.deployment.ID,
		Messages:     adm.messages,
		Options:      req.Options,
		TraceID:      adm.traceID,
	}
}

func (g *Gateway) finish(span trace.Span, kind model.BackendKind, err error, start time.Time) {
	var code model.ErrorCode
	if err != nil {
		code = model.AsError(err).Code
		span.SetStatus(codes.Error, string(code))
	}
	g.metrics.ObserveInvocation(kind, code, time.Since(start))
}

func sessionID(req model.InvokeRequest) string {
	if req.SessionID == nil {
		return ""
	}
	return *req.SessionID
}

func response(res adapter.InvokeResult, traceID string) model.InvokeResponse {
	resp := model.InvokeResponse{
		Output:  model.Output{Text: res.Output},
		Usage:   res.Usage,
		TraceID: traceID,
	}
	if res.SessionID != "" {
		sid := res.SessionID
		resp.SessionID = &sid
	}
	return resp
}
