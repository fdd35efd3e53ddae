// Package memstore is an in-process implementation of the storage method set.
// It backs unit tests and single-node development (KIBAN_STORE=memory) and
// returns the same sentinel errors as the Postgres store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/storage"
)

type counterKey struct {
	tenant uuid.UUID
	period string
}

type eventKey struct {
	deploymentID uuid.UUID
	eventID      string
}

type idemKey struct {
	scope, key string
}

type idemRecord struct {
	hash      string
	completed bool
	response  json.RawMessage
	updatedAt time.Time
}

// Store holds all state behind one mutex.
type Store struct {
	mu sync.Mutex

	now func() time.Time

	tenants     map[uuid.UUID]model.Tenant
	principals  map[string]model.Principal
	agents      map[uuid.UUID]model.Agent
	deployments map[uuid.UUID]model.Deployment
	telemetry   map[eventKey]model.TelemetryEvent
	periods     map[counterKey]model.UsagePeriod
	counters    map[counterKey]int64
	idem        map[idemKey]*idemRecord
	webhooks    map[string]string
	audit       []model.AuditEntry
}

// New returns an empty store.
func New() *Store {
	return &Store{
		now:         func() time.Time { return time.Now().UTC() },
		tenants:     make(map[uuid.UUID]model.Tenant),
		principals:  make(map[string]model.Principal),
		agents:      make(map[uuid.UUID]model.Agent),
		deployments: make(map[uuid.UUID]model.Deployment),
		telemetry:   make(map[eventKey]model.TelemetryEvent),
		periods:     make(map[counterKey]model.UsagePeriod),
		counters:    make(map[counterKey]int64),
		idem:        make(map[idemKey]*idemRecord),
		webhooks:    make(map[string]string),
	}
}

func notFound(op string) error { return fmt.Errorf("storage: %s: %w", op, storage.ErrNotFound) }
func conflict(op string) error { return fmt.Errorf("storage: %s: %w", op, storage.ErrConflict) }

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// CreateTenant inserts a new tenant. A missing tier defaults to free.
func (s *Store) CreateTenant(_ context.Context, t model.Tenant) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.PlanTier == "" {
		t.PlanTier = model.TierFree
	}
	if _, ok := s.tenants[t.ID]; ok {
		return model.Tenant{}, conflict("create tenant")
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	return t, nil
}

func (s *Store) GetTenant(_ context.Context, id uuid.UUID) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return model.Tenant{}, notFound("get tenant")
	}
	return t, nil
}

func (s *Store) GetTenantByStripeCustomer(_ context.Context, customerID string) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tenants {
		if t.StripeCustomerID != nil && *t.StripeCustomerID == customerID {
			return t, nil
		}
	}
	return model.Tenant{}, notFound("get tenant by stripe customer")
}

func (s *Store) UpdateTenantPlan(_ context.Context, id uuid.UUID, tier model.PlanTier, customerID, subscriptionID *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return notFound("update tenant plan")
	}
	t.PlanTier = tier
	if customerID != nil {
		c := *customerID
		t.StripeCustomerID = &c
	}
	if subscriptionID != nil {
		sub := *subscriptionID
		t.StripeSubscriptionID = &sub
	}
	t.UpdatedAt = s.now()
	s.tenants[id] = t
	return nil
}

func (s *Store) CreatePrincipal(_ context.Context, p model.Principal) (model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[p.Subject]; ok {
		return model.Principal{}, conflict("create principal")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.CreatedAt = s.now()
	s.principals[p.Subject] = p
	return p, nil
}

func (s *Store) GetPrincipalBySubject(_ context.Context, subject string) (model.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[subject]
	if !ok {
		return model.Principal{}, notFound("get principal")
	}
	return p, nil
}

func (s *Store) InsertAudit(_ context.Context, e model.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	s.audit = append(s.audit, e)
	return nil
}

// AuditLog returns a copy of the recorded audit entries.
func (s *Store) AuditLog() []model.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

func (s *Store) WebhookSeen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.webhooks[eventID]
	return ok, nil
}

func (s *Store) RecordWebhook(_ context.Context, eventID, eventType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.webhooks[eventID]; !ok {
		s.webhooks[eventID] = eventType
	}
	return nil
}

func sortedDeployments(ds []model.Deployment) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].Version > ds[j].Version })
}
