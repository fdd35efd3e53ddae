package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

// AppendTelemetry inserts a verified event. Event ids are scoped to the
// reporting deployment: a replay of (DeploymentID, EventID) reports
// inserted=false and leaves the stored row as is.
func (db *DB) AppendTelemetry(ctx context.Context, e model.TelemetryEvent) (bool, error) {
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO telemetry_events (event_id, tenant_id, agent_id, deployment_id, backend_kind, ts,
		     requests, tokens, compute_ms, tool_calls, errors, trace_id, received_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (deployment_id, event_id) DO NOTHING`,
		e.EventID, e.TenantID, e.AgentID, e.DeploymentID, string(e.BackendKind), e.Timestamp,
		e.Requests, e.Tokens, e.ComputeMs, e.ToolCalls, e.Errors, e.TraceID, e.ReceivedAt,
	)
	if err != nil {
		return false, wrap("append telemetry", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TelemetryTotals sums a tenant's events with timestamps in [from, to),
// grouped by backend kind.
func (db *DB) TelemetryTotals(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[model.BackendKind]model.UsageCounts, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT backend_kind,
		        COALESCE(SUM(requests), 0), COALESCE(SUM(tokens), 0), COALESCE(SUM(compute_ms), 0),
		        COALESCE(SUM(tool_calls), 0), COALESCE(SUM(errors), 0)
		 FROM telemetry_events
		 WHERE tenant_id = $1 AND ts >= $2 AND ts < $3
		 GROUP BY backend_kind`,
		tenantID, from, to)
	if err != nil {
		return nil, wrap("telemetry totals", err)
	}
	defer rows.Close()

	out := make(map[model.BackendKind]model.UsageCounts)
	for rows.Next() {
		var (
			kind string
			c    model.UsageCounts
		)
		if err := rows.Scan(&kind, &c.Requests, &c.Tokens, &c.ComputeMs, &c.ToolCalls, &c.Errors); err != nil {
			return nil, wrap("scan telemetry totals", err)
		}
		out[model.BackendKind(kind)] = c
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("telemetry totals", err)
	}
	return out, nil
}

// TenantsWithTelemetry lists tenants that have at least one event in [from, to).
func (db *DB) TenantsWithTelemetry(ctx context.Context, from, to time.Time) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT tenant_id FROM telemetry_events WHERE ts >= $1 AND ts < $2`, from, to)
	if err != nil {
		return nil, wrap("tenants with telemetry", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, wrap("scan tenant id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("tenants with telemetry", err)
	}
	return ids, nil
}

// DeleteTelemetryBefore removes events with timestamps older than cutoff.
func (db *DB) DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx, `DELETE FROM telemetry_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, wrap("delete telemetry", err)
	}
	return tag.RowsAffected(), nil
}

// PutUsagePeriod replaces the stored aggregate for (tenant, period).
func (db *DB) PutUsagePeriod(ctx context.Context, p model.UsagePeriod) error {
	byBackend, err := json.Marshal(p.ByBackend)
	if err != nil {
		return wrap("marshal usage by backend", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO usage_periods (tenant_id, period_key, requests, tokens, compute_ms, tool_calls, errors, by_backend, computed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		 ON CONFLICT (tenant_id, period_key) DO UPDATE
		 SET requests = EXCLUDED.requests, tokens = EXCLUDED.tokens, compute_ms = EXCLUDED.compute_ms,
		     tool_calls = EXCLUDED.tool_calls, errors = EXCLUDED.errors,
		     by_backend = EXCLUDED.by_backend, computed_at = EXCLUDED.computed_at`,
		p.TenantID, p.PeriodKey, p.Totals.Requests, p.Totals.Tokens, p.Totals.ComputeMs,
		p.Totals.ToolCalls, p.Totals.Errors, byBackend, p.ComputedAt,
	)
	if err != nil {
		return wrap("put usage period", err)
	}
	return nil
}

// GetUsagePeriod returns the stored aggregate, or ErrNotFound when the
// period has not been aggregated yet.
func (db *DB) GetUsagePeriod(ctx context.Context, tenantID uuid.UUID, periodKey string) (model.UsagePeriod, error) {
	p := model.UsagePeriod{TenantID: tenantID, PeriodKey: periodKey}
	var byBackend []byte
	err := db.pool.QueryRow(ctx,
		`SELECT requests, tokens, compute_ms, tool_calls, errors, by_backend, computed_at
		 FROM usage_periods WHERE tenant_id = $1 AND period_key = $2`,
		tenantID, periodKey,
	).Scan(&p.Totals.Requests, &p.Totals.Tokens, &p.Totals.ComputeMs, &p.Totals.ToolCalls,
		&p.Totals.Errors, &byBackend, &p.ComputedAt)
	if err != nil {
		return model.UsagePeriod{}, wrap("get usage period", err)
	}
	if err := json.Unmarshal(byBackend, &p.ByBackend); err != nil {
		return model.UsagePeriod{}, wrap("unmarshal usage by backend", err)
	}
	return p, nil
}

// IncrementRequestCount atomically adds delta to the tenant's request
// counter for the period and returns the new value.
func (db *DB) IncrementRequestCount(ctx context.Context, tenantID uuid.UUID, periodKey string, delta int64) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`INSERT INTO usage_counters (tenant_id, period_key, requests, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (tenant_id, period_key) DO UPDATE
		 SET requests = usage_counters.requests + EXCLUDED.requests, updated_at = now()
		 RETURNING requests`,
		tenantID, periodKey, delta,
	).Scan(&n)
	if err != nil {
		return 0, wrap("increment request count", err)
	}
	return n, nil
}

// GetRequestCount returns the tenant's request counter for the period,
// zero when no request has been admitted yet.
func (db *DB) GetRequestCount(ctx context.Context, tenantID uuid.UUID, periodKey string) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE((SELECT requests FROM usage_counters WHERE tenant_id = $1 AND period_key = $2), 0)`,
		tenantID, periodKey,
	).Scan(&n)
	if err != nil {
		return 0, wrap("get request count", err)
	}
	return n, nil
}
