package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

const tenantColumns = `id, name, plan_tier, stripe_customer_id, stripe_subscription_id, created_at, updated_at`

// CreateTenant inserts a new tenant. A missing tier defaults to free.
func (db *DB) CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.PlanTier == "" {
		t.PlanTier = model.TierFree
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenants (`+tenantColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, string(t.PlanTier), t.StripeCustomerID, t.StripeSubscriptionID, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return model.Tenant{}, wrap("create tenant", err)
	}
	return t, nil
}

// GetTenant retrieves a tenant by ID.
func (db *DB) GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error) {
	t, err := scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return model.Tenant{}, wrap("get tenant", err)
	}
	return t, nil
}

// GetTenantByStripeCustomer retrieves the tenant linked to a Stripe customer.
func (db *DB) GetTenantByStripeCustomer(ctx context.Context, customerID string) (model.Tenant, error) {
	t, err := scanTenant(db.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE stripe_customer_id = $1`, customerID))
	if err != nil {
		return model.Tenant{}, wrap("get tenant by stripe customer", err)
	}
	return t, nil
}

// UpdateTenantPlan sets a tenant's tier. Nil customer or subscription IDs
// leave the stored values unchanged.
func (db *DB) UpdateTenantPlan(ctx context.Context, id uuid.UUID, tier model.PlanTier, customerID, subscriptionID *string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE tenants
		 SET plan_tier = $2,
		     stripe_customer_id = COALESCE($3, stripe_customer_id),
		     stripe_subscription_id = COALESCE($4, stripe_subscription_id),
		     updated_at = now()
		 WHERE id = $1`,
		id, string(tier), customerID, subscriptionID,
	)
	if err != nil {
		return wrap("update tenant plan", err)
	}
	if tag.RowsAffected() == 0 {
		return wrap("update tenant plan", ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (model.Tenant, error) {
	var (
		t    model.Tenant
		tier string
	)
	if err := row.Scan(&t.ID, &t.Name, &tier, &t.StripeCustomerID, &t.StripeSubscriptionID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return model.Tenant{}, err
	}
	t.PlanTier = model.PlanTier(tier)
	return t, nil
}
