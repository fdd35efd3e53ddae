package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiban/internal/model"
)

const agentColumns = `id, tenant_id, name, backend_kind, status, active_deployment_id, next_version, created_at, updated_at`

// CreateAgent inserts a new agent in status created. Names are unique per
// tenant; a duplicate returns ErrConflict.
func (db *DB) CreateAgent(ctx context.Context, a model.Agent) (model.Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now
	a.Status = model.AgentCreated
	a.ActiveDeploymentID = nil
	a.NextVersion = 1

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agents (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.TenantID, a.Name, string(a.BackendKind), string(a.Status),
		a.ActiveDeploymentID, a.NextVersion, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return model.Agent{}, wrap("create agent", err)
	}
	return a, nil
}

// GetAgent retrieves an agent scoped to its tenant. Agents owned by another
// tenant are reported as ErrNotFound.
func (db *DB) GetAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2`, agentID, tenantID))
	if err != nil {
		return model.Agent{}, wrap("get agent", err)
	}
	return a, nil
}

// ListAgents returns a tenant's agents ordered by name.
func (db *DB) ListAgents(ctx context.Context, tenantID uuid.UUID) ([]model.Agent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, wrap("list agents", err)
	}
	defer rows.Close()

	var agents []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, wrap("scan agent", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list agents", err)
	}
	return agents, nil
}

// DisableAgent moves an agent to disabled from any status. The active
// pointer is kept so the agent can be re-enabled.
func (db *DB) DisableAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET status = 'disabled', updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+agentColumns, agentID, tenantID))
	if err != nil {
		return model.Agent{}, wrap("disable agent", err)
	}
	return a, nil
}

// EnableAgent moves a disabled agent back to active. It returns ErrConflict
// when the agent is not disabled or has no active deployment.
func (db *DB) EnableAgent(ctx context.Context, tenantID, agentID uuid.UUID) (model.Agent, error) {
	a, err := scanAgent(db.pool.QueryRow(ctx,
		`UPDATE agents SET status = 'active', updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		   AND status = 'disabled' AND active_deployment_id IS NOT NULL
		 RETURNING `+agentColumns, agentID, tenantID))
	if err == nil {
		return a, nil
	}
	if !errors.Is(Classify(err), ErrNotFound) {
		return model.Agent{}, wrap("enable agent", err)
	}
	if _, getErr := db.GetAgent(ctx, tenantID, agentID); getErr != nil {
		return model.Agent{}, getErr
	}
	return model.Agent{}, wrap("enable agent", ErrConflict)
}

func scanAgent(row rowScanner) (model.Agent, error) {
	var (
		a            model.Agent
		kind, status string
	)
	if err := row.Scan(&a.ID, &a.TenantID, &a.Name, &kind, &status,
		&a.ActiveDeploymentID, &a.NextVersion, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return model.Agent{}, err
	}
	a.BackendKind = model.BackendKind(kind)
	a.Status = model.AgentStatus(status)
	return a, nil
}

// lockAgent selects an agent row FOR UPDATE inside tx.
func lockAgent(ctx context.Context, tx pgx.Tx, tenantID, agentID uuid.UUID) (model.Agent, error) {
	return scanAgent(tx.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 AND tenant_id = $2 FOR UPDATE`,
		agentID, tenantID))
}
