package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/ashita-ai/kiban/internal/model"
)

// Client-visible messages. Backend detail never reaches callers.
const (
	msgDeployFailed   = "deployment failed"
	msgDeployTimeout  = "deployment timed out"
	msgInvokeFailed   = "backend invocation failed"
	msgInvokeTimeout  = "backend invocation timed out"
	msgSession        = "session expired or unknown"
	msgCancelled      = "request cancelled"
	msgNoAdapter      = "backend kind not supported"
	msgHealthFailed   = "backend health check failed"
	msgEstimateFailed = "cost estimate unavailable"
)

// Registry maps backend kinds to adapters and guards every call with a
// bounded timeout and error normalization. Every error it returns is a
// *model.Error with code DEPLOYMENT_FAILED or RUNTIME_ERROR.
type Registry struct {
	adapters      map[model.BackendKind]Adapter
	deployTimeout time.Duration
	invokeTimeout time.Duration
	logger        *slog.Logger
}

// NewRegistry builds a registry. Registering two adapters for one kind is an error.
func NewRegistry(logger *slog.Logger, deployTimeout, invokeTimeout time.Duration, adapters ...Adapter) (*Registry, error) {
	r := &Registry{
		adapters:      make(map[model.BackendKind]Adapter, len(adapters)),
		deployTimeout: deployTimeout,
		invokeTimeout: invokeTimeout,
		logger:        logger,
	}
	for _, a := range adapters {
		if _, dup := r.adapters[a.Kind()]; dup {
			return nil, fmt.Errorf("adapter: duplicate adapter for kind %q", a.Kind())
		}
		r.adapters[a.Kind()] = a
	}
	return r, nil
}

// Kinds returns the registered backend kinds in sorted order.
func (r *Registry) Kinds() []model.BackendKind {
	kinds := make([]model.BackendKind, 0, len(r.adapters))
	for k := range r.adapters {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	return kinds
}

// Has reports whether an adapter is registered for kind.
func (r *Registry) Has(kind model.BackendKind) bool {
	_, ok := r.adapters[kind]
	return ok
}

// Deploy provisions a deployment on the backend for kind.
func (r *Registry) Deploy(ctx context.Context, kind model.BackendKind, req DeployRequest) (DeployResult, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return DeployResult{}, model.DeployFailedError(msgNoAdapter, false)
	}
	ctx, cancel := context.WithTimeout(ctx, r.deployTimeout)
	defer cancel()

	res, err := a.Deploy(ctx, req)
	if err != nil {
		return DeployResult{}, r.normalize(ctx, "deploy", kind, model.ErrDeploymentFailed, err,
			slog.String("deployment_id", req.DeploymentID.String()))
	}
	return res, nil
}

// Invoke dispatches a request to the backend for kind.
func (r *Registry) Invoke(ctx context.Context, kind model.BackendKind, backendRef string, req CanonicalRequest, sessionID string) (InvokeResult, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return InvokeResult{}, model.RuntimeError(msgNoAdapter, false)
	}
	ctx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()

	res, err := a.Invoke(ctx, backendRef, req, sessionID)
	if err != nil {
		return InvokeResult{}, r.normalize(ctx, "invoke", kind, model.ErrRuntime, err,
			slog.String("deployment_id", req.DeploymentID.String()), slog.String("trace_id", req.TraceID))
	}
	return res, nil
}

// InvokeStream streams output deltas through emit. Adapters without
// streaming support produce their whole output as a single delta.
func (r *Registry) InvokeStream(ctx context.Context, kind model.BackendKind, backendRef string, req CanonicalRequest,
	sessionID string, emit func(delta string) error,
) (InvokeResult, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return InvokeResult{}, model.RuntimeError(msgNoAdapter, false)
	}
	ctx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()

	var (
		res InvokeResult
		err error
	)
	if s, ok := a.(StreamInvoker); ok {
		res, err = s.InvokeStream(ctx, backendRef, req, sessionID, emit)
	} else {
		res, err = a.Invoke(ctx, backendRef, req, sessionID)
		if err == nil && res.Output != "" {
			err = emit(res.Output)
		}
	}
	if err != nil {
		return InvokeResult{}, r.normalize(ctx, "invoke_stream", kind, model.ErrRuntime, err,
			slog.String("deployment_id", req.DeploymentID.String()), slog.String("trace_id", req.TraceID))
	}
	return res, nil
}

// Healthcheck checks that a provisioned backend unit is serving.
func (r *Registry) Healthcheck(ctx context.Context, kind model.BackendKind, backendRef string) error {
	a, ok := r.adapters[kind]
	if !ok {
		return model.RuntimeError(msgNoAdapter, false)
	}
	ctx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()
	if err := a.Healthcheck(ctx, backendRef); err != nil {
		return r.normalize(ctx, "healthcheck", kind, model.ErrRuntime, err)
	}
	return nil
}

// EstimateCost asks the backend for a pre-dispatch estimate.
func (r *Registry) EstimateCost(ctx context.Context, kind model.BackendKind, req CanonicalRequest) (CostEstimate, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return CostEstimate{}, model.RuntimeError(msgNoAdapter, false)
	}
	ctx, cancel := context.WithTimeout(ctx, r.invokeTimeout)
	defer cancel()
	est, err := a.EstimateCost(ctx, req)
	if err != nil {
		return CostEstimate{}, r.normalize(ctx, "estimate_cost", kind, model.ErrRuntime, err)
	}
	return est, nil
}

// normalize logs the raw error and returns a sanitized *model.Error.
func (r *Registry) normalize(ctx context.Context, op string, kind model.BackendKind, code model.ErrorCode, err error, attrs ...slog.Attr) error {
	var (
		msg       string
		retryable bool
		ae        *Error
	)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		code, msg = model.ErrRuntime, msgSession
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg, retryable = timeoutMessage(code), true
	case errors.Is(err, context.Canceled):
		msg, retryable = msgCancelled, true
	case errors.As(err, &ae):
		msg, retryable = failureMessage(op, code), ae.Retryable
	default:
		msg = failureMessage(op, code)
	}

	args := []any{"op", op, "backend", string(kind), "retryable", retryable, "error", err}
	for _, a := range attrs {
		args = append(args, a)
	}
	r.logger.Warn("adapter: call failed", args...)

	return (&model.Error{Code: code, Message: msg, Retryable: retryable}).WithCause(err)
}

func timeoutMessage(code model.ErrorCode) string {
	if code == model.ErrDeploymentFailed {
		return msgDeployTimeout
	}
	return msgInvokeTimeout
}

func failureMessage(op string, code model.ErrorCode) string {
	switch {
	case code == model.ErrDeploymentFailed:
		return msgDeployFailed
	case op == "healthcheck":
		return msgHealthFailed
	case op == "estimate_cost":
		return msgEstimateFailed
	default:
		return msgInvokeFailed
	}
}
