package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kiban/internal/model"
)

// InsertAudit appends an audit entry for a control-plane mutation.
func (db *DB) InsertAudit(ctx context.Context, e model.AuditEntry) error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("storage: marshal audit detail: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO audit_log (tenant_id, actor, action, resource_type, resource_id, detail, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)`,
		e.TenantID, e.Actor, e.Action, e.ResourceType, e.ResourceID, detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// WebhookSeen reports whether a billing event has already been processed.
func (db *DB) WebhookSeen(ctx context.Context, eventID string) (bool, error) {
	var seen bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhooks WHERE event_id = $1)`, eventID,
	).Scan(&seen); err != nil {
		return false, fmt.Errorf("storage: webhook seen: %w", err)
	}
	return seen, nil
}

// RecordWebhook marks a billing event as processed. Recording twice is a no-op.
func (db *DB) RecordWebhook(ctx context.Context, eventID, eventType string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO processed_webhooks (event_id, event_type) VALUES ($1, $2)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID, eventType,
	)
	if err != nil {
		return fmt.Errorf("storage: record webhook: %w", err)
	}
	return nil
}
