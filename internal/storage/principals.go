package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

// CreatePrincipal inserts a caller identity. Subjects are globally unique;
// a duplicate returns ErrConflict.
func (db *DB) CreatePrincipal(ctx context.Context, p model.Principal) (model.Principal, error) {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = time.Now().UTC()

	_, err := db.pool.Exec(ctx,
		`INSERT INTO principals (id, tenant_id, subject, role, api_key_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.TenantID, p.Subject, string(p.Role), p.APIKeyHash, p.CreatedAt,
	)
	if err != nil {
		return model.Principal{}, wrap("create principal", err)
	}
	return p, nil
}

// GetPrincipalBySubject looks up a principal by its external subject id.
func (db *DB) GetPrincipalBySubject(ctx context.Context, subject string) (model.Principal, error) {
	var (
		p    model.Principal
		role string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, subject, role, api_key_hash, created_at
		 FROM principals WHERE subject = $1`, subject,
	).Scan(&p.ID, &p.TenantID, &p.Subject, &role, &p.APIKeyHash, &p.CreatedAt)
	if err != nil {
		return model.Principal{}, wrap("get principal", err)
	}
	p.Role = model.Role(role)
	return p, nil
}
