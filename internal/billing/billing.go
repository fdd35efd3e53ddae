// Package billing integrates Stripe subscriptions. Verified webhook events
// are the only writer of a tenant's plan tier. If Stripe is not configured
// (no secret key), checkout and portal calls fail with ErrBillingDisabled
// and webhooks are rejected.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"

	"github.com/ashita-ai/kiban/internal/model"
)

// ErrBillingDisabled is returned when Stripe is not configured.
var ErrBillingDisabled = errors.New("billing not configured")

// Store is the persistence billing needs.
type Store interface {
	GetTenant(ctx context.Context, id uuid.UUID) (model.Tenant, error)
	GetTenantByStripeCustomer(ctx context.Context, customerID string) (model.Tenant, error)
	UpdateTenantPlan(ctx context.Context, id uuid.UUID, tier model.PlanTier, customerID, subscriptionID *string) error
	WebhookSeen(ctx context.Context, eventID string) (bool, error)
	RecordWebhook(ctx context.Context, eventID, eventType string) error
	InsertAudit(ctx context.Context, e model.AuditEntry) error
}

// Service wraps Stripe API calls and applies subscription events.
type Service struct {
	client        *stripe.Client
	store         Store
	logger        *slog.Logger
	webhookSecret string
	proPriceID    string
	// tierByPrice maps a Stripe Price ID to the tier it grants.
	tierByPrice map[string]model.PlanTier
	enabled     bool
}

// Config holds Stripe configuration.
type Config struct {
	SecretKey         string
	WebhookSecret     string
	PriceIDPro        string
	PriceIDEnterprise string
}

// New creates a billing service. If cfg.SecretKey is empty, the service
// operates in disabled mode. Returns an error if billing is enabled but
// required fields are missing.
func New(store Store, cfg Config, logger *slog.Logger) (*Service, error) {
	enabled := cfg.SecretKey != ""

	if enabled {
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("billing: KIBAN_STRIPE_WEBHOOK_SECRET is required when billing is enabled")
		}
		if cfg.PriceIDPro == "" {
			return nil, fmt.Errorf("billing: KIBAN_STRIPE_PRO_PRICE_ID is required when billing is enabled")
		}
	}

	var client *stripe.Client
	if enabled {
		client = stripe.NewClient(cfg.SecretKey)
	}

	tiers := map[string]model.PlanTier{}
	if cfg.PriceIDPro != "" {
		tiers[cfg.PriceIDPro] = model.TierPro
	}
	if cfg.PriceIDEnterprise != "" {
		tiers[cfg.PriceIDEnterprise] = model.TierEnterprise
	}

	return &Service{
		client:        client,
		store:         store,
		logger:        logger,
		webhookSecret: cfg.WebhookSecret,
		proPriceID:    cfg.PriceIDPro,
		tierByPrice:   tiers,
		enabled:       enabled,
	}, nil
}

// Enabled returns true if Stripe is configured.
func (s *Service) Enabled() bool { return s.enabled }

// TierForPrice returns the tier a Stripe price grants. Unknown prices grant
// nothing.
func (s *Service) TierForPrice(priceID string) (model.PlanTier, bool) {
	t, ok := s.tierByPrice[priceID]
	return t, ok
}

// CreateCheckoutSession creates a Stripe Checkout session upgrading a tenant
// to pro. The tenant id travels in the session metadata and comes back on
// checkout.session.completed.
func (s *Service) CreateCheckoutSession(ctx context.Context, tenantID uuid.UUID, email, successURL, cancelURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}

	sess, err := s.client.V1CheckoutSessions.Create(ctx, &stripe.CheckoutSessionCreateParams{
		Mode:          stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		CustomerEmail: stripe.String(email),
		SuccessURL:    stripe.String(successURL),
		CancelURL:     stripe.String(cancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(s.proPriceID),
				Quantity: stripe.Int64(1),
			},
		},
		Metadata: map[string]string{
			metadataTenantID: tenantID.String(),
			metadataPriceID:  s.proPriceID,
		},
	})
	if err != nil {
		return "", fmt.Errorf("billing: create checkout session: %w", err)
	}
	return sess.URL, nil
}

// CreatePortalSession creates a Stripe billing portal session for a tenant
// that already has a Stripe customer.
func (s *Service) CreatePortalSession(ctx context.Context, tenantID uuid.UUID, returnURL string) (string, error) {
	if !s.enabled {
		return "", ErrBillingDisabled
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("billing: get tenant: %w", err)
	}
	if t.StripeCustomerID == nil {
		return "", fmt.Errorf("billing: tenant %s has no stripe customer", tenantID)
	}

	sess, err := s.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  t.StripeCustomerID,
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("billing: create portal session: %w", err)
	}
	return sess.URL, nil
}
