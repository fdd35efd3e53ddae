// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the caller
// from the context that server's auth middleware populates. Both packages
// import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/model"
)

type contextKey string

const (
	keyClaims  contextKey = "claims"
	keyCaller  contextKey = "caller"
	keyTraceID contextKey = "trace_id"
)

// WithClaims returns a new context carrying the given claims and the caller
// derived from them.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	ctx = context.WithValue(ctx, keyClaims, claims)
	ctx = context.WithValue(ctx, keyCaller, claims.Caller())
	return ctx
}

// ClaimsFromContext extracts the JWT claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// CallerFromContext returns the authenticated caller, or nil.
func CallerFromContext(ctx context.Context) *model.Caller {
	if v, ok := ctx.Value(keyCaller).(*model.Caller); ok {
		return v
	}
	return nil
}

// TenantIDFromContext returns the caller's tenant, or uuid.Nil.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	if c := CallerFromContext(ctx); c != nil {
		return c.TenantID
	}
	return uuid.Nil
}

// WithTraceID attaches a caller-supplied trace id.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceIDFromContext returns the caller-supplied trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(keyTraceID).(string)
	return v
}
