package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kiban/internal/model"
)

const deploymentColumns = `id, agent_id, tenant_id, version, backend_kind, artifact_ref, config_hash,
	signing_key_id, created_at, status, backend_ref, error_message, finished_at`

// BeginDeployment claims the agent for deployment and records a new
// deployment in status deploying, in one transaction.
//
// The claim is a conditional update on agents.status: an agent that is
// already deploying (or disabled) yields ErrConflict instead of queueing.
// The version is allocated from the agent's counter in the same statement,
// so versions are strictly increasing and never reused. When expectedVersion
// is non-nil it must equal the version that would be allocated.
//
// The returned deployment carries the allocated Version and the agent's
// BackendKind; spec.ID, ArtifactRef, ConfigHash and SigningKeyID come from
// the caller.
func (db *DB) BeginDeployment(ctx context.Context, spec model.DeploymentSpec, expectedVersion *int) (model.Deployment, error) {
	if spec.ID == uuid.Nil {
		spec.ID = uuid.New()
	}
	spec.CreatedAt = time.Now().UTC()

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Deployment{}, wrap("begin deployment tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var kind string
	err = tx.QueryRow(ctx,
		`UPDATE agents
		 SET status = 'deploying', next_version = next_version + 1, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		   AND status IN ('created', 'active', 'error')
		   AND ($3::int IS NULL OR next_version = $3)
		 RETURNING next_version - 1, backend_kind`,
		spec.AgentID, spec.TenantID, expectedVersion,
	).Scan(&spec.Version, &kind)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing agent from a lost claim.
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM agents WHERE id = $1 AND tenant_id = $2)`,
			spec.AgentID, spec.TenantID,
		).Scan(&exists); err != nil {
			return model.Deployment{}, wrap("begin deployment", err)
		}
		if !exists {
			return model.Deployment{}, wrap("begin deployment", ErrNotFound)
		}
		return model.Deployment{}, wrap("begin deployment", ErrConflict)
	}
	if err != nil {
		return model.Deployment{}, wrap("claim agent", err)
	}
	spec.BackendKind = model.BackendKind(kind)

	d := model.Deployment{
		DeploymentSpec:  spec,
		DeploymentState: model.DeploymentState{Status: model.DeploymentDeploying},
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		d.ID, d.AgentID, d.TenantID, d.Version, string(d.BackendKind), d.ArtifactRef, d.ConfigHash,
		d.SigningKeyID, d.CreatedAt, string(d.Status), d.BackendRef, d.ErrorMessage, d.FinishedAt,
	); err != nil {
		return model.Deployment{}, wrap("insert deployment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Deployment{}, wrap("commit deployment tx", err)
	}
	return d, nil
}

// FinishDeployment records the adapter outcome for a deploying deployment.
//
// On active, the deployment state is written first and the agent's active
// pointer is moved to it in the same transaction. On failed, the agent goes
// to error and the pointer is left untouched. A disabled agent stays
// disabled either way. Only the mutable column group is written.
func (db *DB) FinishDeployment(ctx context.Context, id uuid.UUID, state model.DeploymentState) (model.Deployment, error) {
	if state.Status != model.DeploymentActive && state.Status != model.DeploymentFailed {
		return model.Deployment{}, fmt.Errorf("storage: finish deployment: invalid terminal status %q", state.Status)
	}
	if state.FinishedAt == nil {
		now := time.Now().UTC()
		state.FinishedAt = &now
	}

	var d model.Deployment
	err := WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		d, err = scanDeployment(tx.QueryRow(ctx,
			`UPDATE deployments
			 SET status = $2, backend_ref = $3, error_message = $4, finished_at = $5
			 WHERE id = $1 AND status = 'deploying'
			 RETURNING `+deploymentColumns,
			id, string(state.Status), state.BackendRef, state.ErrorMessage, state.FinishedAt,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}

		if state.Status == model.DeploymentActive {
			_, err = tx.Exec(ctx,
				`UPDATE agents
				 SET active_deployment_id = $1,
				     status = CASE WHEN status = 'disabled' THEN 'disabled' ELSE 'active' END,
				     updated_at = now()
				 WHERE id = $2`,
				d.ID, d.AgentID)
		} else {
			_, err = tx.Exec(ctx,
				`UPDATE agents
				 SET status = CASE WHEN status = 'disabled' THEN 'disabled' ELSE 'error' END,
				     updated_at = now()
				 WHERE id = $1`,
				d.AgentID)
		}
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return model.Deployment{}, wrap("finish deployment", err)
	}
	return d, nil
}

// GetDeployment retrieves a deployment scoped to its tenant and agent.
func (db *DB) GetDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Deployment, error) {
	d, err := scanDeployment(db.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE id = $1 AND agent_id = $2 AND tenant_id = $3`,
		deploymentID, agentID, tenantID))
	if err != nil {
		return model.Deployment{}, wrap("get deployment", err)
	}
	return d, nil
}

// GetDeploymentByID retrieves a deployment without tenant scoping. It backs
// telemetry verification, where the caller is a backend rather than a tenant.
func (db *DB) GetDeploymentByID(ctx context.Context, deploymentID uuid.UUID) (model.Deployment, error) {
	d, err := scanDeployment(db.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, deploymentID))
	if err != nil {
		return model.Deployment{}, wrap("get deployment by id", err)
	}
	return d, nil
}

// ListDeployments returns an agent's deployment history, newest first.
func (db *DB) ListDeployments(ctx context.Context, tenantID, agentID uuid.UUID) ([]model.Deployment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+deploymentColumns+` FROM deployments
		 WHERE agent_id = $1 AND tenant_id = $2
		 ORDER BY version DESC`,
		agentID, tenantID)
	if err != nil {
		return nil, wrap("list deployments", err)
	}
	defer rows.Close()

	var out []model.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, wrap("scan deployment", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list deployments", err)
	}
	return out, nil
}

// SetActiveDeployment points an agent at one of its own active deployments.
// Failed or still-deploying targets yield ErrConflict. An agent in error
// becomes active; other statuses, including disabled, are preserved.
func (db *DB) SetActiveDeployment(ctx context.Context, tenantID, agentID, deploymentID uuid.UUID) (model.Agent, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Agent{}, wrap("begin activate tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := lockAgent(ctx, tx, tenantID, agentID); err != nil {
		return model.Agent{}, wrap("lock agent", err)
	}

	var status string
	if err := tx.QueryRow(ctx,
		`SELECT status FROM deployments WHERE id = $1 AND agent_id = $2 AND tenant_id = $3`,
		deploymentID, agentID, tenantID,
	).Scan(&status); err != nil {
		return model.Agent{}, wrap("get activation target", err)
	}
	if model.DeploymentStatus(status) != model.DeploymentActive {
		return model.Agent{}, wrap("activate deployment", ErrConflict)
	}

	a, err := scanAgent(tx.QueryRow(ctx,
		`UPDATE agents
		 SET active_deployment_id = $1,
		     status = CASE WHEN status = 'error' THEN 'active' ELSE status END,
		     updated_at = now()
		 WHERE id = $2
		 RETURNING `+agentColumns,
		deploymentID, agentID))
	if err != nil {
		return model.Agent{}, wrap("activate deployment", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Agent{}, wrap("commit activate tx", err)
	}
	return a, nil
}

func scanDeployment(row rowScanner) (model.Deployment, error) {
	var (
		d            model.Deployment
		kind, status string
	)
	if err := row.Scan(&d.ID, &d.AgentID, &d.TenantID, &d.Version, &kind, &d.ArtifactRef, &d.ConfigHash,
		&d.SigningKeyID, &d.CreatedAt, &status, &d.BackendRef, &d.ErrorMessage, &d.FinishedAt); err != nil {
		return model.Deployment{}, err
	}
	d.BackendKind = model.BackendKind(kind)
	d.Status = model.DeploymentStatus(status)
	return d, nil
}
