// Package idempotency deduplicates deploy and delegated-invocation requests
// keyed by a caller-supplied Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

// Store is the persistence the ledger needs.
type Store interface {
	BeginIdempotency(ctx context.Context, scope, key, requestHash string) (storage.IdempotencyLookup, error)
	CompleteIdempotency(ctx context.Context, scope, key string, responseData json.RawMessage) error
	ClearInProgressIdempotency(ctx context.Context, scope, key string) error
	CleanupIdempotencyKeys(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error)
}

// Outcome classifies a CheckOrRecord call.
type Outcome int

const (
	// FirstSeen means the caller now owns the key and must Complete or Abandon it.
	FirstSeen Outcome = iota
	// Duplicate means an identical request already completed; Stored holds its result.
	Duplicate
	// Mismatch means the key was used before with a different payload.
	Mismatch
	// InProgress means an identical request is still being processed.
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case FirstSeen:
		return "first_seen"
	case Duplicate:
		return "duplicate"
	case Mismatch:
		return "mismatch"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

// Result is the ledger's answer for one key.
type Result struct {
	Outcome Outcome
	Stored  json.RawMessage
}

// Ledger wraps a Store with outcome classification and retrying completion.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New returns a ledger.
func New(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger}
}

// DeployScope is the scope key for deploy requests on one agent.
func DeployScope(tenantID, agentID uuid.UUID) string {
	return fmt.Sprintf("deploy:%s:%s", tenantID, agentID)
}

// InvokeScope is the scope key for delegated invocations of one agent.
func InvokeScope(tenantID, agentID uuid.UUID) string {
	return fmt.Sprintf("invoke:%s:%s", tenantID, agentID)
}

// RequestHash is the SHA-256 of payload's JSON encoding.
func RequestHash(payload any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("idempotency: hash payload: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// CheckOrRecord reserves (scope, key) or reports what already happened to it.
func (l *Ledger) CheckOrRecord(ctx context.Context, scope, key, requestHash string) (Result, error) {
	lookup, err := l.store.BeginIdempotency(ctx, scope, key, requestHash)
	switch {
	case err == nil && lookup.Completed:
		return Result{Outcome: Duplicate, Stored: lookup.ResponseData}, nil
	case err == nil:
		return Result{Outcome: FirstSeen}, nil
	case errors.Is(err, storage.ErrIdempotencyPayloadMismatch):
		return Result{Outcome: Mismatch}, nil
	case errors.Is(err, storage.ErrIdempotencyInProgress):
		return Result{Outcome: InProgress}, nil
	default:
		return Result{}, fmt.Errorf("idempotency: check: %w", err)
	}
}

// Complete stores result for a key reserved by CheckOrRecord. It runs on a
// bounded background context so a cancelled request does not leave a gap
// between the committed side effect and its ledger record.
func (l *Ledger) Complete(ctx context.Context, scope, key string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("idempotency: encode result: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		if lastErr = l.store.CompleteIdempotency(writeCtx, scope, key, data); lastErr == nil {
			return nil
		}
		l.logger.Warn("idempotency: complete attempt failed",
			"attempt", attempt, "scope", scope, "error", lastErr)
		select {
		case <-time.After(time.Duration(attempt) * 50 * time.Millisecond):
		case <-writeCtx.Done():
			return fmt.Errorf("idempotency: complete: %w", lastErr)
		}
	}
	return fmt.Errorf("idempotency: complete after retries: %w", lastErr)
}

// Abandon releases an in-progress reservation so the caller can retry.
func (l *Ledger) Abandon(ctx context.Context, scope, key string) {
	if err := l.store.ClearInProgressIdempotency(context.WithoutCancel(ctx), scope, key); err != nil {
		l.logger.Error("idempotency: abandon failed", "scope", scope, "error", err)
	}
}

// Cleanup sweeps completed records older than completedTTL and abandoned
// reservations older than inProgressTTL.
func (l *Ledger) Cleanup(ctx context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	return l.store.CleanupIdempotencyKeys(ctx, completedTTL, inProgressTTL)
}

// Do runs fn at most once per (scope, key, payload). An empty key runs fn
// unconditionally. A repeat with the same payload returns the stored result
// and replayed=true; a repeat with a different payload, or one that races an
// unfinished first attempt, fails with CONFLICT. Failed attempts are not
// recorded, so a retry after an error executes again.
func Do[T any](ctx context.Context, l *Ledger, scope, key string, payload any, fn func(context.Context) (T, error)) (out T, replayed bool, err error) {
	if key == "" || l == nil {
		out, err = fn(ctx)
		return out, false, err
	}

	hash, err := RequestHash(payload)
	if err != nil {
		return out, false, model.Internal(err)
	}
	res, err := l.CheckOrRecord(ctx, scope, key, hash)
	if err != nil {
		return out, false, model.Internal(err)
	}

	switch res.Outcome {
	case Duplicate:
		if err := json.Unmarshal(res.Stored, &out); err != nil {
			return out, false, model.Internal(fmt.Errorf("idempotency: decode stored result: %w", err))
		}
		return out, true, nil
	case Mismatch:
		return out, false, model.Conflict("idempotency key reused with different payload")
	case InProgress:
		return out, false, model.Conflict("request with this idempotency key is already in progress")
	}

	out, err = fn(ctx)
	if err != nil {
		l.Abandon(ctx, scope, key)
		return out, false, err
	}
	if cErr := l.Complete(ctx, scope, key, out); cErr != nil {
		l.logger.Error("idempotency: failed to record completed request", "scope", scope, "error", cErr)
	}
	return out, false, nil
}
