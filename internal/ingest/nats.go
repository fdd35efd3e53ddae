package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ashita-ai/kiban/internal/model"
)

// SubjectPrefix prefixes the per-tenant subject accepted events go to.
const SubjectPrefix = "kiban.telemetry."

// Subject returns the NATS subject for a tenant's events.
func Subject(e model.TelemetryEvent) string {
	return SubjectPrefix + e.TenantID.String()
}

// NATSConfig holds connection settings.
type NATSConfig struct {
	URL               string
	Name              string
	ReconnectInterval time.Duration
	MaxReconnects     int
}

// ConnectNATS dials the broker with reconnect handling logged through logger.
func ConnectNATS(cfg NATSConfig, logger *slog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectInterval),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats: disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats: reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("nats: async error", "subject", subject, "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: connect nats: %w", err)
	}
	return nc, nil
}

// NATSPublisher publishes accepted events as JSON.
type NATSPublisher struct {
	nc *nats.Conn
}

// NewNATSPublisher wraps an open connection.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc}
}

// Publish sends e on its tenant subject.
func (p *NATSPublisher) Publish(_ context.Context, e model.TelemetryEvent) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("ingest: encode event: %w", err)
	}
	if err := p.nc.Publish(Subject(e), data); err != nil {
		return fmt.Errorf("ingest: publish: %w", err)
	}
	return nil
}
