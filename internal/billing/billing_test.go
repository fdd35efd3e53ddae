package billing

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage/memstore"
	"github.com/ashita-ai/kiban/internal/usage"
)

const testWebhookSecret = "whsec_test"

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func enabledService(t *testing.T, store Store) *Service {
	t.Helper()
	svc, err := New(store, Config{
		SecretKey:         "sk_test_xxx",
		WebhookSecret:     testWebhookSecret,
		PriceIDPro:        "price_pro",
		PriceIDEnterprise: "price_ent",
	}, discard())
	require.NoError(t, err)
	return svc
}

func signedEvent(t *testing.T, id, typ string, object any) ([]byte, string) {
	t.Helper()
	obj, err := json.Marshal(object)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]any{
		"id":     id,
		"object": "event",
		"type":   typ,
		"data":   map[string]json.RawMessage{"object": obj},
	})
	require.NoError(t, err)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return body, signed.Header
}

func TestNew_Validation(t *testing.T) {
	svc, err := New(nil, Config{}, discard())
	require.NoError(t, err)
	assert.False(t, svc.Enabled())

	_, err = New(nil, Config{SecretKey: "sk_test_xxx", PriceIDPro: "price_pro"}, discard())
	assert.Error(t, err, "webhook secret is required")

	_, err = New(nil, Config{SecretKey: "sk_test_xxx", WebhookSecret: "whsec"}, discard())
	assert.Error(t, err, "pro price is required")
}

func TestTierForPrice(t *testing.T) {
	svc := enabledService(t, memstore.New())

	tier, ok := svc.TierForPrice("price_pro")
	assert.True(t, ok)
	assert.Equal(t, model.TierPro, tier)

	tier, ok = svc.TierForPrice("price_ent")
	assert.True(t, ok)
	assert.Equal(t, model.TierEnterprise, tier)

	_, ok = svc.TierForPrice("price_other")
	assert.False(t, ok)
}

func TestDisabledService(t *testing.T) {
	svc, err := New(nil, Config{}, discard())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = svc.CreateCheckoutSession(ctx, uuid.New(), "dev@example.com", "https://ok", "https://cancel")
	assert.ErrorIs(t, err, ErrBillingDisabled)

	_, err = svc.CreatePortalSession(ctx, uuid.New(), "https://return")
	assert.ErrorIs(t, err, ErrBillingDisabled)

	status, err := svc.HandleWebhook(ctx, []byte(`{}`), "t=1,v1=abc")
	assert.ErrorIs(t, err, ErrBillingDisabled)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestWebhook_CheckoutUpgradesOnce(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	tenant, err := store.CreateTenant(ctx, model.Tenant{Name: "acme"})
	require.NoError(t, err)
	svc := enabledService(t, store)

	body, header := signedEvent(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":           "cs_1",
		"customer":     "cus_1",
		"subscription": "sub_1",
		"metadata":     map[string]string{"tenant_id": tenant.ID.String(), "price_id": "price_pro"},
	})

	status, err := svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	got, err := store.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, got.PlanTier)
	require.NotNil(t, got.StripeCustomerID)
	assert.Equal(t, "cus_1", *got.StripeCustomerID)

	// Replaying the same event changes nothing and writes no second audit.
	status, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	audit := store.AuditLog()
	require.Len(t, audit, 1)
	assert.Equal(t, "tenant.plan_change", audit[0].Action)
	assert.Equal(t, "stripe", audit[0].Actor)
	assert.Equal(t, "free", audit[0].Detail["from"])
	assert.Equal(t, "pro", audit[0].Detail["to"])
}

func TestWebhook_CheckoutTierFollowsPrice(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		session   map[string]any
		metaPrice string
		start     model.PlanTier
		want      model.PlanTier
	}{
		{
			name: "expanded line item",
			session: map[string]any{
				"line_items": map[string]any{"data": []any{map[string]any{"price": map[string]any{"id": "price_ent"}}}},
			},
			start: model.TierFree,
			want:  model.TierEnterprise,
		},
		{
			name: "expanded subscription",
			session: map[string]any{
				"subscription": map[string]any{"id": "sub_1", "items": map[string]any{
					"data": []any{map[string]any{"price": map[string]any{"id": "price_ent"}}},
				}},
			},
			start: model.TierFree,
			want:  model.TierEnterprise,
		},
		{
			name:    "no price keeps enterprise",
			session: map[string]any{},
			start:   model.TierEnterprise,
			want:    model.TierEnterprise,
		},
		{
			name:      "metadata price",
			session:   map[string]any{},
			metaPrice: "price_ent",
			start:     model.TierPro,
			want:      model.TierEnterprise,
		},
		{
			name:      "unmapped price keeps tier",
			session:   map[string]any{},
			metaPrice: "price_other",
			start:     model.TierFree,
			want:      model.TierFree,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memstore.New()
			tenant, err := store.CreateTenant(ctx, model.Tenant{Name: "acme"})
			require.NoError(t, err)
			if tt.start != model.TierFree {
				require.NoError(t, store.UpdateTenantPlan(ctx, tenant.ID, tt.start, nil, nil))
			}
			svc := enabledService(t, store)

			meta := map[string]string{"tenant_id": tenant.ID.String()}
			if tt.metaPrice != "" {
				meta["price_id"] = tt.metaPrice
			}
			tt.session["id"] = "cs_1"
			tt.session["customer"] = "cus_1"
			tt.session["metadata"] = meta

			body, header := signedEvent(t, "evt_"+uuid.NewString(), "checkout.session.completed", tt.session)
			status, err := svc.HandleWebhook(ctx, body, header)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, status)

			got, err := store.GetTenant(ctx, tenant.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.PlanTier)
			require.NotNil(t, got.StripeCustomerID)
			assert.Equal(t, "cus_1", *got.StripeCustomerID)
		})
	}
}

func TestWebhook_BadSignatureNeverChangesTier(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	tenant, err := store.CreateTenant(ctx, model.Tenant{Name: "acme"})
	require.NoError(t, err)
	svc := enabledService(t, store)

	body, _ := signedEvent(t, "evt_1", "checkout.session.completed", map[string]any{
		"id":       "cs_1",
		"metadata": map[string]string{"tenant_id": tenant.ID.String()},
	})

	status, err := svc.HandleWebhook(ctx, body, "t=1700000000,v1=deadbeef")
	assert.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	got, err := store.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, got.PlanTier)
	assert.Empty(t, store.AuditLog())
}

func TestWebhook_SubscriptionLifecycle(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	tenant, err := store.CreateTenant(ctx, model.Tenant{Name: "acme"})
	require.NoError(t, err)
	cus := "cus_42"
	require.NoError(t, store.UpdateTenantPlan(ctx, tenant.ID, model.TierPro, &cus, nil))
	svc := enabledService(t, store)

	sub := func(status, price string) map[string]any {
		return map[string]any{
			"id":       "sub_42",
			"customer": cus,
			"status":   status,
			"items": map[string]any{
				"object": "list",
				"data":   []map[string]any{{"id": "si_1", "price": map[string]any{"id": price}}},
			},
		}
	}

	tierOf := func() model.PlanTier {
		got, err := store.GetTenant(ctx, tenant.ID)
		require.NoError(t, err)
		return got.PlanTier
	}

	body, header := signedEvent(t, "evt_up", "customer.subscription.updated", sub("active", "price_ent"))
	_, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, model.TierEnterprise, tierOf())

	body, header = signedEvent(t, "evt_unpaid", "customer.subscription.updated", sub("unpaid", "price_ent"))
	_, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, tierOf())

	body, header = signedEvent(t, "evt_back", "customer.subscription.updated", sub("active", "price_pro"))
	_, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, model.TierPro, tierOf())

	body, header = signedEvent(t, "evt_del", "customer.subscription.deleted", sub("canceled", "price_pro"))
	_, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, tierOf())

	assert.Len(t, store.AuditLog(), 4)
}

func TestWebhook_UnknownCustomerAndEventType(t *testing.T) {
	store := memstore.New()
	svc := enabledService(t, store)
	ctx := context.Background()

	body, header := signedEvent(t, "evt_x", "customer.subscription.deleted", map[string]any{
		"id": "sub_x", "customer": "cus_unknown",
	})
	status, err := svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	body, header = signedEvent(t, "evt_y", "charge.refunded", map[string]any{"id": "ch_1"})
	status, err = svc.HandleWebhook(ctx, body, header)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, store.AuditLog())
}

func TestReporter(t *testing.T) {
	store := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 5, 20, 12, 0, 0, 0, time.UTC)
	tenant, err := store.CreateTenant(ctx, model.Tenant{Name: "acme"})
	require.NoError(t, err)

	counter := usage.NewStoreCounter(store)
	for range 3 {
		_, err := counter.Increment(ctx, tenant.ID, "2026-05")
		require.NoError(t, err)
	}
	agg := usage.NewAggregator(store, discard(), usage.WithClock(func() time.Time { return now }))
	r := NewReporter(store, entitlement.DefaultTable(), agg, counter, func() time.Time { return now })

	rep, err := r.Report(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TierFree, rep.PlanTier)
	assert.Equal(t, "2026-05", rep.PeriodKey)
	assert.Equal(t, int64(3), rep.LiveRequests)
	assert.Equal(t, int64(1_000), rep.MaxRequests)
	assert.Equal(t, []string{"sandbox"}, rep.AllowedBackend)

	_, err = r.Report(ctx, uuid.New())
	assert.Error(t, err)
}
