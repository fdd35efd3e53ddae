package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/usage"
)

// TenantSource loads a tenant's current plan.
type TenantSource interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
}

// UsageSource returns the latest aggregated period for a tenant.
type UsageSource interface {
	CurrentUsage(ctx context.Context, tenantID uuid.UUID) (model.UsagePeriod, error)
}

// Reporter assembles the usage view a tenant sees: its tier budgets next to
// the aggregated telemetry and the live request counter.
type Reporter struct {
	tenants TenantSource
	table   entitlement.Table
	usage   UsageSource
	counter usage.Counter
	now     func() time.Time
}

// NewReporter creates a Reporter. A nil now uses time.Now.
func NewReporter(tenants TenantSource, table entitlement.Table, usageSrc UsageSource, counter usage.Counter, now func() time.Time) *Reporter {
	if now == nil {
		now = time.Now
	}
	return &Reporter{tenants: tenants, table: table, usage: usageSrc, counter: counter, now: now}
}

// Report builds the current-period usage report for tenantID.
func (r *Reporter) Report(ctx context.Context, tenantID uuid.UUID) (model.UsageReport, error) {
	tenant, err := r.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return model.UsageReport{}, fmt.Errorf("billing: get tenant for report: %w", err)
	}
	ent, err := r.table.For(tenant.PlanTier)
	if err != nil {
		return model.UsageReport{}, fmt.Errorf("billing: entitlements: %w", err)
	}
	period, err := r.usage.CurrentUsage(ctx, tenantID)
	if err != nil {
		return model.UsageReport{}, fmt.Errorf("billing: current usage: %w", err)
	}
	key := period.PeriodKey
	if key == "" {
		key = model.PeriodKey(r.now())
	}
	live, err := r.counter.Current(ctx, tenantID, key)
	if err != nil {
		return model.UsageReport{}, fmt.Errorf("billing: request counter: %w", err)
	}

	backends := make([]string, 0, len(ent.AllowedBackends))
	for _, k := range ent.AllowedBackends {
		backends = append(backends, string(k))
	}
	return model.UsageReport{
		TenantID:       tenantID,
		PlanTier:       tenant.PlanTier,
		PeriodKey:      key,
		Aggregated:     period,
		LiveRequests:   live,
		MaxRequests:    ent.MaxRequests,
		MaxTokens:      ent.MaxTokens,
		MaxComputeMs:   ent.MaxComputeMs,
		AllowedBackend: backends,
	}, nil
}
