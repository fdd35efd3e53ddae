package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UsageCounts is a bundle of resource counters.
type UsageCounts struct {
	Requests  int64 `json:"requests"`
	Tokens    int64 `json:"tokens"`
	ComputeMs int64 `json:"computeMs"`
	ToolCalls int64 `json:"toolCalls"`
	Errors    int64 `json:"errors"`
}

// Add accumulates o into u.
func (u *UsageCounts) Add(o UsageCounts) {
	u.Requests += o.Requests
	u.Tokens += o.Tokens
	u.ComputeMs += o.ComputeMs
	u.ToolCalls += o.ToolCalls
	u.Errors += o.Errors
}

// TelemetryEvent is one verified, append-only usage record.
type TelemetryEvent struct {
	EventID      string      `json:"eventId"`
	TenantID     uuid.UUID   `json:"tenantId"`
	AgentID      uuid.UUID   `json:"agentId"`
	DeploymentID uuid.UUID   `json:"deploymentId"`
	BackendKind  BackendKind `json:"backendKind"`
	Timestamp    time.Time   `json:"timestamp"`
	UsageCounts
	TraceID    *string   `json:"traceId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// UsagePeriod aggregates telemetry for one tenant and billing period.
// It can always be recomputed from raw events.
type UsagePeriod struct {
	TenantID   uuid.UUID                   `json:"tenantId"`
	PeriodKey  string                      `json:"periodKey"`
	Totals     UsageCounts                 `json:"totals"`
	ByBackend  map[BackendKind]UsageCounts `json:"byBackend"`
	ComputedAt time.Time                   `json:"computedAt"`
}

const periodLayout = "2006-01"

// PeriodKey returns the billing period (YYYY-MM, UTC) containing t.
func PeriodKey(t time.Time) string {
	return t.UTC().Format(periodLayout)
}

// PeriodBounds returns the half-open window [start, end) for a period key.
func PeriodBounds(key string) (time.Time, time.Time, error) {
	start, err := time.Parse(periodLayout, key)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid period key %q: %w", key, err)
	}
	return start, start.AddDate(0, 1, 0), nil
}
