package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	stripe "github.com/stripe/stripe-go/v84"
	"github.com/stripe/stripe-go/v84/webhook"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

const (
	metadataTenantID = "tenant_id"
	metadataPriceID  = "price_id"
	auditActor       = "stripe"
	auditPlanChange  = "tenant.plan_change"
)

// HandleWebhook processes a Stripe webhook event. Returns the HTTP status code
// to respond with and any error. The signature is verified before anything
// else; an event id that was already applied is acknowledged without effect.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, sigHeader string) (int, error) {
	if !s.enabled {
		return http.StatusServiceUnavailable, ErrBillingDisabled
	}
	event, err := webhook.ConstructEventWithOptions(body, sigHeader, s.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid webhook signature: %w", err)
	}
	return s.apply(ctx, event)
}

func (s *Service) apply(ctx context.Context, event stripe.Event) (int, error) {
	seen, err := s.store.WebhookSeen(ctx, event.ID)
	if err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: check webhook: %w", err)
	}
	if seen {
		s.logger.Debug("billing: webhook replay ignored", "event_id", event.ID, "type", event.Type)
		return http.StatusOK, nil
	}

	var status int
	switch event.Type {
	case "checkout.session.completed":
		status, err = s.handleCheckoutCompleted(ctx, event)
	case "customer.subscription.created", "customer.subscription.updated":
		status, err = s.handleSubscriptionUpdated(ctx, event)
	case "customer.subscription.deleted":
		status, err = s.handleSubscriptionDeleted(ctx, event)
	case "invoice.payment_failed":
		status, err = s.handlePaymentFailed(event)
	default:
		return http.StatusOK, nil
	}
	if err != nil {
		return status, err
	}

	// Recorded only after the change landed so Stripe's retry can finish a
	// half-applied event.
	if err := s.store.RecordWebhook(ctx, event.ID, string(event.Type)); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: record webhook: %w", err)
	}
	return status, nil
}

func (s *Service) handleCheckoutCompleted(ctx context.Context, event stripe.Event) (int, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal checkout session: %w", err)
	}

	raw, ok := sess.Metadata[metadataTenantID]
	if !ok {
		return http.StatusBadRequest, fmt.Errorf("billing: missing %s in checkout metadata", metadataTenantID)
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: invalid %s: %w", metadataTenantID, err)
	}
	tenant, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("billing: checkout completed for unknown tenant", "tenant_id", tenantID)
			return http.StatusOK, nil
		}
		return http.StatusInternalServerError, fmt.Errorf("billing: get tenant: %w", err)
	}

	var customerID, subscriptionID *string
	if sess.Customer != nil {
		customerID = &sess.Customer.ID
	}
	if sess.Subscription != nil {
		subscriptionID = &sess.Subscription.ID
	}

	tier, ok := s.TierForPrice(checkoutPrice(&sess))
	if !ok {
		// Unknown price: keep the tier and let subscription events set it.
		s.logger.Warn("billing: checkout price not mapped to a tier", "tenant_id", tenant.ID, "event_id", event.ID)
		tier = tenant.PlanTier
	}
	return s.changeTier(ctx, tenant, tier, customerID, subscriptionID, event)
}

// checkoutPrice returns the price bought in a checkout session: the first
// line item when expanded, then the expanded subscription, then the price id
// recorded in metadata when the session was created.
func checkoutPrice(sess *stripe.CheckoutSession) string {
	if sess.LineItems != nil {
		for _, li := range sess.LineItems.Data {
			if li != nil && li.Price != nil && li.Price.ID != "" {
				return li.Price.ID
			}
		}
	}
	if sess.Subscription != nil && sess.Subscription.Items != nil {
		for _, it := range sess.Subscription.Items.Data {
			if it != nil && it.Price != nil && it.Price.ID != "" {
				return it.Price.ID
			}
		}
	}
	return sess.Metadata[metadataPriceID]
}

func (s *Service) handleSubscriptionUpdated(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}
	tenant, ok, err := s.tenantForCustomer(ctx, sub.Customer)
	if !ok {
		return http.StatusOK, err
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}

	tier := model.TierFree
	switch sub.Status {
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
	default:
		if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0].Price != nil {
			if t, ok := s.TierForPrice(sub.Items.Data[0].Price.ID); ok {
				tier = t
			}
		}
	}
	subID := sub.ID
	return s.changeTier(ctx, tenant, tier, nil, &subID, event)
}

func (s *Service) handleSubscriptionDeleted(ctx context.Context, event stripe.Event) (int, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal subscription: %w", err)
	}
	tenant, ok, err := s.tenantForCustomer(ctx, sub.Customer)
	if !ok {
		return http.StatusOK, err
	}
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return s.changeTier(ctx, tenant, model.TierFree, nil, nil, event)
}

func (s *Service) handlePaymentFailed(event stripe.Event) (int, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return http.StatusBadRequest, fmt.Errorf("billing: unmarshal invoice: %w", err)
	}

	customerID := ""
	if invoice.Customer != nil {
		customerID = invoice.Customer.ID
	}
	s.logger.Warn("billing: payment failed",
		"customer_id", customerID,
		"amount_due", invoice.AmountDue,
		"attempt_count", invoice.AttemptCount,
	)
	return http.StatusOK, nil
}

// tenantForCustomer resolves the tenant owning a Stripe customer. ok is
// false when the customer is unknown, which is not an error: the account
// may sell other products.
func (s *Service) tenantForCustomer(ctx context.Context, customer *stripe.Customer) (model.Tenant, bool, error) {
	if customer == nil || customer.ID == "" {
		return model.Tenant{}, false, nil
	}
	t, err := s.store.GetTenantByStripeCustomer(ctx, customer.ID)
	if errors.Is(err, storage.ErrNotFound) {
		s.logger.Warn("billing: subscription event for unknown customer", "customer_id", customer.ID)
		return model.Tenant{}, false, nil
	}
	if err != nil {
		return model.Tenant{}, true, fmt.Errorf("billing: get tenant by customer: %w", err)
	}
	return t, true, nil
}

func (s *Service) changeTier(ctx context.Context, tenant model.Tenant, tier model.PlanTier, customerID, subscriptionID *string, event stripe.Event) (int, error) {
	if err := s.store.UpdateTenantPlan(ctx, tenant.ID, tier, customerID, subscriptionID); err != nil {
		return http.StatusInternalServerError, fmt.Errorf("billing: update tenant plan: %w", err)
	}
	if tier == tenant.PlanTier {
		return http.StatusOK, nil
	}

	if err := s.store.InsertAudit(ctx, model.AuditEntry{
		TenantID:     tenant.ID,
		Actor:        auditActor,
		Action:       auditPlanChange,
		ResourceType: "tenant",
		ResourceID:   tenant.ID.String(),
		Detail: map[string]any{
			"from":      string(tenant.PlanTier),
			"to":        string(tier),
			"eventId":   event.ID,
			"eventType": string(event.Type),
		},
	}); err != nil {
		s.logger.Error("billing: audit plan change failed", "error", err, "tenant_id", tenant.ID)
	}
	s.logger.Info("billing: plan tier changed",
		"tenant_id", tenant.ID,
		"from", tenant.PlanTier,
		"to", tier,
		"event_id", event.ID,
	)
	return http.StatusOK, nil
}
