package memstore

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

func (s *Store) AppendTelemetry(_ context.Context, e model.TelemetryEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{e.DeploymentID, e.EventID}
	if _, ok := s.telemetry[k]; ok {
		return false, nil
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = s.now()
	}
	s.telemetry[k] = e
	return true, nil
}

func (s *Store) TelemetryTotals(_ context.Context, tenantID uuid.UUID, from, to time.Time) (map[model.BackendKind]model.UsageCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[model.BackendKind]model.UsageCounts)
	for _, e := range s.telemetry {
		if e.TenantID != tenantID || e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		c := out[e.BackendKind]
		c.Add(e.UsageCounts)
		out[e.BackendKind] = c
	}
	return out, nil
}

func (s *Store) TenantsWithTelemetry(_ context.Context, from, to time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]struct{})
	var ids []uuid.UUID
	for _, e := range s.telemetry {
		if e.Timestamp.Before(from) || !e.Timestamp.Before(to) {
			continue
		}
		if _, ok := seen[e.TenantID]; !ok {
			seen[e.TenantID] = struct{}{}
			ids = append(ids, e.TenantID)
		}
	}
	return ids, nil
}

func (s *Store) DeleteTelemetryBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.telemetry {
		if e.Timestamp.Before(cutoff) {
			delete(s.telemetry, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) PutUsagePeriod(_ context.Context, p model.UsagePeriod) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ByBackend = maps.Clone(p.ByBackend)
	s.periods[counterKey{p.TenantID, p.PeriodKey}] = p
	return nil
}

func (s *Store) GetUsagePeriod(_ context.Context, tenantID uuid.UUID, periodKey string) (model.UsagePeriod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.periods[counterKey{tenantID, periodKey}]
	if !ok {
		return model.UsagePeriod{}, notFound("get usage period")
	}
	p.ByBackend = maps.Clone(p.ByBackend)
	return p, nil
}

func (s *Store) IncrementRequestCount(_ context.Context, tenantID uuid.UUID, periodKey string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{tenantID, periodKey}
	s.counters[k] += delta
	return s.counters[k], nil
}

func (s *Store) GetRequestCount(_ context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{tenantID, periodKey}], nil
}

func (s *Store) BeginIdempotency(_ context.Context, scope, key, requestHash string) (storage.IdempotencyLookup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{scope, key}
	rec, ok := s.idem[k]
	if !ok {
		s.idem[k] = &idemRecord{hash: requestHash, updatedAt: s.now()}
		return storage.IdempotencyLookup{}, nil
	}
	if rec.hash != requestHash {
		return storage.IdempotencyLookup{}, storage.ErrIdempotencyPayloadMismatch
	}
	if rec.completed {
		return storage.IdempotencyLookup{Completed: true, ResponseData: rec.response}, nil
	}
	return storage.IdempotencyLookup{}, storage.ErrIdempotencyInProgress
}

func (s *Store) CompleteIdempotency(_ context.Context, scope, key string, responseData json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[idemKey{scope, key}]
	if !ok || rec.completed {
		return notFound("complete idempotency")
	}
	rec.completed = true
	rec.response = append(json.RawMessage(nil), responseData...)
	rec.updatedAt = s.now()
	return nil
}

func (s *Store) ClearInProgressIdempotency(_ context.Context, scope, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := idemKey{scope, key}
	if rec, ok := s.idem[k]; ok && !rec.completed {
		delete(s.idem, k)
	}
	return nil
}

func (s *Store) CleanupIdempotencyKeys(_ context.Context, completedTTL, inProgressTTL time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var n int64
	for k, rec := range s.idem {
		ttl := inProgressTTL
		if rec.completed {
			ttl = completedTTL
		}
		if now.Sub(rec.updatedAt) > ttl {
			delete(s.idem, k)
			n++
		}
	}
	return n, nil
}
