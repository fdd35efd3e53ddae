package sandbox

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/ashita-ai/kiban/internal/model"
)

// report emits a signed telemetry event for one invocation. Reporting is
// best-effort and never fails the invocation.
func (a *Adapter) report(ctx context.Context, u *unit, traceID string, tokens, computeMs int64) {
	if a.reporter == nil || a.signer == nil || len(u.secret) == 0 {
		return
	}
	p := model.TelemetryPayload{
		EventID:      uuid.NewString(),
		TenantID:     u.tenantID,
		AgentID:      u.agentID,
		DeploymentID: u.deploymentID,
		Timestamp:    a.now().UTC(),
		Requests:     1,
		Tokens:       tokens,
		ComputeMs:    computeMs,
	}
	if traceID != "" {
		p.TraceID = &traceID
	}
	body, err := json.Marshal(p)
	if err != nil {
		return
	}
	_ = a.reporter(context.WithoutCancel(ctx), u.deploymentID, body, a.signer(u.secret, body))
}
