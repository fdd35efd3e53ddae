// Package usage turns raw telemetry into per-tenant billing-period totals
// and keeps the request counters the gateway admits against.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/observe"
	"github.com/ashita-ai/kiban/internal/storage"
)

// Store is the persistence the aggregator needs.
type Store interface {
	TelemetryTotals(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (map[model.BackendKind]model.UsageCounts, error)
	TenantsWithTelemetry(ctx context.Context, from, to time.Time) ([]uuid.UUID, error)
	PutUsagePeriod(ctx context.Context, p model.UsagePeriod) error
	GetUsagePeriod(ctx context.Context, tenantID uuid.UUID, periodKey string) (model.UsagePeriod, error)
	DeleteTelemetryBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Aggregator recomputes usage periods from telemetry events.
type Aggregator struct {
	store       Store
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	concurrency int
	grace       time.Duration
	runs        metric.Int64Counter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the clock used to pick the current period.
func WithClock(now func() time.Time) Option { return func(a *Aggregator) { a.now = now } }

// WithConcurrency bounds how many tenants RunOnce aggregates at once.
func WithConcurrency(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// WithGrace sets how long after a period closes RunOnce keeps recomputing
// it, so late telemetry is folded in. Zero disables it.
func WithGrace(d time.Duration) Option {
	return func(a *Aggregator) {
		if d >= 0 {
			a.grace = d
		}
	}
}

// WithMetrics records aggregation outcomes.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Aggregator) { a.metrics = m } }

// NewAggregator returns an aggregator.
func NewAggregator(store Store, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{store: store, logger: logger, now: time.Now, concurrency: 8, grace: 72 * time.Hour}
	for _, o := range opts {
		o(a)
	}
	a.runs, _ = observe.Meter("kiban/usage").Int64Counter("kiban.usage.tenants_aggregated",
		metric.WithDescription("Tenants recomputed by the usage aggregator"))
	return a
}

// CurrentPeriod returns the period key for the aggregator's clock.
func (a *Aggregator) CurrentPeriod() string { return model.PeriodKey(a.now()) }

// Aggregate recomputes one tenant's period and replaces the stored totals.
// Running it twice over the same events yields the same result.
func (a *Aggregator) Aggregate(ctx context.Context, tenantID uuid.UUID, periodKey string) (model.UsagePeriod, error) {
	from, to, err := model.PeriodBounds(periodKey)
	if err != nil {
		return model.UsagePeriod{}, fmt.Errorf("usage: aggregate: %w", err)
	}
	byKind, err := a.store.TelemetryTotals(ctx, tenantID, from, to)
	if err != nil {
		a.metrics.Aggregation(err)
		return model.UsagePeriod{}, fmt.Errorf("usage: aggregate totals: %w", err)
	}

	p := model.UsagePeriod{
		TenantID:   tenantID,
		PeriodKey:  periodKey,
		ByBackend:  make(map[model.BackendKind]model.UsageCounts, len(byKind)),
		ComputedAt: a.now().UTC(),
	}
	for kind, c := range byKind {
		p.ByBackend[kind] = c
		p.Totals.Add(c)
	}
	if err := a.store.PutUsagePeriod(ctx, p); err != nil {
		a.metrics.Aggregation(err)
		return model.UsagePeriod{}, fmt.Errorf("usage: store period: %w", err)
	}
	a.metrics.Aggregation(nil)
	return p, nil
}

// RunOnce aggregates the current period for every tenant that has events in
// it, plus the previous period while it is inside the grace window. It
// returns how many tenant periods were recomputed; one failure does not stop
// the others.
func (a *Aggregator) RunOnce(ctx context.Context) (int, error) {
	periods := []string{a.CurrentPeriod()}
	if prev := model.PeriodKey(a.now().Add(-a.grace)); prev != periods[0] {
		periods = append(periods, prev)
	}

	var (
		done int
		errs []error
	)
	for _, period := range periods {
		n, err := a.runPeriod(ctx, period)
		done += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if a.runs != nil {
		a.runs.Add(ctx, int64(done))
	}
	return done, errors.Join(errs...)
}

func (a *Aggregator) runPeriod(ctx context.Context, period string) (int, error) {
	from, to, err := model.PeriodBounds(period)
	if err != nil {
		return 0, err
	}
	tenants, err := a.store.TenantsWithTelemetry(ctx, from, to)
	if err != nil {
		return 0, fmt.Errorf("usage: list tenants for %s: %w", period, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	errs := make([]error, len(tenants))
	for i, id := range tenants {
		g.Go(func() error {
			if _, err := a.Aggregate(gctx, id, period); err != nil {
				errs[i] = err
				a.logger.Error("usage: aggregate failed", "tenant_id", id, "period", period, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	done := len(tenants)
	for _, e := range errs {
		if e != nil {
			done--
		}
	}
	return done, errors.Join(errs...)
}

// CurrentUsage returns the stored aggregate for the tenant's current period,
// or an empty one if nothing has been aggregated yet.
func (a *Aggregator) CurrentUsage(ctx context.Context, tenantID uuid.UUID) (model.UsagePeriod, error) {
	period := a.CurrentPeriod()
	p, err := a.store.GetUsagePeriod(ctx, tenantID, period)
	if errors.Is(err, storage.ErrNotFound) {
		return model.UsagePeriod{TenantID: tenantID, PeriodKey: period, ByBackend: map[model.BackendKind]model.UsageCounts{}}, nil
	}
	if err != nil {
		return model.UsagePeriod{}, fmt.Errorf("usage: current: %w", err)
	}
	return p, nil
}

// SweepRetention deletes events older than retention. Periods already
// aggregated keep their totals.
func (a *Aggregator) SweepRetention(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := a.store.DeleteTelemetryBefore(ctx, a.now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("usage: retention sweep: %w", err)
	}
	if n > 0 {
		a.logger.Info("usage: retention sweep", "deleted", n)
	}
	return n, nil
}
