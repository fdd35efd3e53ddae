// Package entitlement maps a tenant's plan tier to budgets and backend
// access. Every function here is pure; callers supply the usage figures.
package entitlement

import (
	"fmt"
	"slices"

	"github.com/ashita-ai/kiban/internal/model"
)

// Entitlements is the tier-derived budget and capability set. A zero
// budget means unlimited.
type Entitlements struct {
	Tier            model.PlanTier
	MaxRequests     int64
	MaxTokens       int64
	MaxComputeMs    int64
	AllowedBackends []model.BackendKind
}

// AllowsBackend reports whether the tier grants kind.
func (e Entitlements) AllowsBackend(kind model.BackendKind) bool {
	return slices.Contains(e.AllowedBackends, kind)
}

// RequestsExhausted reports whether used requests already meet the budget.
func (e Entitlements) RequestsExhausted(used int64) bool {
	return e.MaxRequests > 0 && used >= e.MaxRequests
}

// OverRequestBudget reports whether a counter value that includes the
// current request exceeds the budget.
func (e Entitlements) OverRequestBudget(countIncludingCurrent int64) bool {
	return e.MaxRequests > 0 && countIncludingCurrent > e.MaxRequests
}

// CeilingReached reports whether aggregated usage has crossed the token or
// compute ceiling. Enforcement is after the fact: the request that crossed
// the line was already served.
func (e Entitlements) CeilingReached(totals model.UsageCounts) bool {
	if e.MaxTokens > 0 && totals.Tokens >= e.MaxTokens {
		return true
	}
	return e.MaxComputeMs > 0 && totals.ComputeMs >= e.MaxComputeMs
}

// Table maps each plan tier to its entitlements.
type Table map[model.PlanTier]Entitlements

// DefaultTable returns the built-in plan table.
func DefaultTable() Table {
	return Table{
		model.TierFree: {
			Tier:            model.TierFree,
			MaxRequests:     1_000,
			MaxTokens:       1_000_000,
			MaxComputeMs:    3_600_000,
			AllowedBackends: []model.BackendKind{model.BackendSandbox},
		},
		model.TierPro: {
			Tier:            model.TierPro,
			MaxRequests:     100_000,
			MaxTokens:       100_000_000,
			MaxComputeMs:    360_000_000,
			AllowedBackends: []model.BackendKind{model.BackendContainer, model.BackendSandbox},
		},
		model.TierEnterprise: {
			Tier:            model.TierEnterprise,
			AllowedBackends: []model.BackendKind{model.BackendContainer, model.BackendSandbox},
		},
	}
}

// For returns the entitlements for tier. Unknown tiers are an error rather
// than a fallback so a corrupt tier never grants anything.
func (t Table) For(tier model.PlanTier) (Entitlements, error) {
	e, ok := t[tier]
	if !ok {
		return Entitlements{}, fmt.Errorf("entitlement: unknown plan tier %q", tier)
	}
	return e, nil
}

// WithRequestLimit returns a copy of t with tier's request budget replaced.
func (t Table) WithRequestLimit(tier model.PlanTier, maxRequests int64) Table {
	out := make(Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	if e, ok := out[tier]; ok {
		e.MaxRequests = maxRequests
		out[tier] = e
	}
	return out
}

// Denial reasons shown to callers.
const (
	ReasonRequestBudget = "request budget exhausted for this period"
	ReasonCeiling       = "usage ceiling reached for this period"
	ReasonEstimate      = "estimated cost exceeds the remaining budget for this period"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Admit evaluates the pre-dispatch checks for one invocation: request
// budget, aggregated ceilings, then backend access.
func Admit(e Entitlements, requestsUsed int64, aggregated model.UsageCounts, kind model.BackendKind) Decision {
	switch {
	case e.RequestsExhausted(requestsUsed):
		return Decision{Reason: ReasonRequestBudget}
	case e.CeilingReached(aggregated):
		return Decision{Reason: ReasonCeiling}
	case !e.AllowsBackend(kind):
		return Decision{Reason: fmt.Sprintf("plan %s does not include %s backends", e.Tier, kind)}
	}
	return Decision{Allowed: true}
}

// AdmitEstimate checks that an invocation's estimated cost fits in what is
// left of the token and compute budgets.
func AdmitEstimate(e Entitlements, aggregated, estimate model.UsageCounts) Decision {
	if e.MaxTokens > 0 && aggregated.Tokens+estimate.Tokens > e.MaxTokens {
		return Decision{Reason: ReasonEstimate}
	}
	if e.MaxComputeMs > 0 && aggregated.ComputeMs+estimate.ComputeMs > e.MaxComputeMs {
		return Decision{Reason: ReasonEstimate}
	}
	return Decision{Allowed: true}
}
