package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/adapter/container"
	"github.com/ashita-ai/kiban/internal/adapter/sandbox"
	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/billing"
	"github.com/ashita-ai/kiban/internal/config"
	"github.com/ashita-ai/kiban/internal/deploy"
	"github.com/ashita-ai/kiban/internal/entitlement"
	"github.com/ashita-ai/kiban/internal/gateway"
	"github.com/ashita-ai/kiban/internal/idempotency"
	"github.com/ashita-ai/kiban/internal/ingest"
	"github.com/ashita-ai/kiban/internal/keyring"
	"github.com/ashita-ai/kiban/internal/mcp"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/observe"
	"github.com/ashita-ai/kiban/internal/ratelimit"
	"github.com/ashita-ai/kiban/internal/server"
	"github.com/ashita-ai/kiban/internal/storage"
	"github.com/ashita-ai/kiban/internal/storage/memstore"
	"github.com/ashita-ai/kiban/internal/usage"
	"github.com/ashita-ai/kiban/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

// store is everything the services need from persistence. Both the
// Postgres and in-memory stores satisfy it.
type store interface {
	deploy.Store
	gateway.Store
	ingest.Store
	usage.Store
	usage.CounterStore
	idempotency.Store
	billing.Store
	server.Store
}

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		return 1
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	logger.Info("kiban starting", "version", version, "port", cfg.Port)

	otelShutdown, err := observe.Init(ctx, observe.Config{
		Endpoint:    cfg.OTELEndpoint,
		ServiceName: cfg.ServiceName,
		Version:     version,
		Insecure:    cfg.OTELInsecure,
		SampleRatio: cfg.OTELSampleRatio,
	})
	if err != nil {
		return fmt.Errorf("observe: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	m := metrics.New(metrics.Config{ServiceName: cfg.ServiceName})

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, closeKeys, err := openKeyring(cfg, logger)
	if err != nil {
		return err
	}
	defer closeKeys()

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	// Redis (optional): shared request counter and rate limiter.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis: parse url: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: ping: %w", err)
		}
		logger.Info("redis: enabled")
	}

	// Telemetry verifier, with NATS fan-out when configured.
	ingestOpts := []ingest.Option{ingest.WithMetrics(m)}
	if cfg.NATSURL != "" {
		nc, err := ingest.ConnectNATS(ingest.NATSConfig{
			URL:               cfg.NATSURL,
			Name:              "kiban-" + version,
			ReconnectInterval: 2 * time.Second,
			MaxReconnects:     -1,
		}, logger)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = nc.Drain() }()
		ingestOpts = append(ingestOpts, ingest.WithPublisher(ingest.NewNATSPublisher(nc)))
		logger.Info("nats: telemetry publishing enabled")
	}
	verifier := ingest.New(st, keys, logger, ingestOpts...)

	registry, err := newRegistry(cfg, verifier, logger)
	if err != nil {
		return err
	}

	table := entitlement.DefaultTable()
	ledger := idempotency.New(st, logger)
	aggregator := usage.NewAggregator(st, logger,
		usage.WithConcurrency(cfg.AggregateConcurrency),
		usage.WithGrace(cfg.AggregateGrace),
		usage.WithMetrics(m),
	)

	var counter usage.Counter = usage.NewStoreCounter(st)
	if rdb != nil {
		counter = usage.NewRedisCounter(rdb, cfg.RedisPrefix+":usage")
	}

	deployer := deploy.New(st, registry, keys, ledger, table, m, deploy.Config{TelemetryURL: cfg.TelemetryURL}, logger)
	gw := gateway.New(gateway.Config{
		Store:        st,
		Registry:     registry,
		Counter:      counter,
		Usage:        aggregator,
		Entitlements: table,
		Ledger:       ledger,
		Metrics:      m,
		Logger:       logger,
	})

	billingSvc, err := billing.New(st, billing.Config{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		PriceIDPro:        cfg.StripePriceIDPro,
		PriceIDEnterprise: cfg.StripePriceIDEnterprise,
	}, logger)
	if err != nil {
		return err
	}
	if !billingSvc.Enabled() {
		logger.Info("billing: disabled (no KIBAN_STRIPE_SECRET_KEY)")
	}

	limiter, err := newLimiter(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer func() { _ = limiter.Close() }()

	mcpSrv := mcp.New(deployer, gw, logger, version)

	srv := server.New(server.Config{
		Store:               st,
		JWTMgr:              jwtMgr,
		Deployer:            deployer,
		Gateway:             gw,
		Verifier:            verifier,
		Registry:            registry,
		Logger:              logger,
		Billing:             billingSvc,
		Reporter:            billing.NewReporter(st, table, aggregator, counter, time.Now),
		Metrics:             m,
		Limiter:             limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})
	if err := srv.Handlers().SeedOwner(ctx, cfg.OwnerTenantName, cfg.OwnerSubject, cfg.OwnerAPIKey); err != nil {
		return err
	}

	worker := usage.NewWorker(logger,
		usage.AggregateJob(aggregator, cfg.AggregateInterval),
		usage.RetentionJob(aggregator, cfg.RetentionInterval, cfg.TelemetryRetention),
		usage.Job{Name: "idempotency_cleanup", Interval: cfg.IdempotencyCleanupInterval, Run: func(ctx context.Context) error {
			n, err := ledger.Cleanup(ctx, cfg.IdempotencyCompletedTTL, cfg.IdempotencyInProgressTTL)
			if n > 0 {
				logger.Info("idempotency cleanup", "deleted", n)
			}
			return err
		}},
	)
	worker.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	logger.Info("kiban shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	worker.Drain(shutdownCtx)
	logger.Info("kiban stopped")
	return nil
}

// openStore connects to Postgres and runs migrations, or falls back to the
// in-memory store when no DATABASE_URL is set.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("storage: in-memory (no DATABASE_URL); state is lost on restart")
		return memstore.New(), func() {}, nil
	}
	db, err := storage.New(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: %w", err)
	}
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrations: %w", err)
	}
	return db, db.Close, nil
}

func openKeyring(cfg config.Config, logger *slog.Logger) (keyring.Keyring, func(), error) {
	if cfg.VaultPath == "" {
		logger.Warn("keyring: in-memory (no KIBAN_VAULT_PATH); deployment secrets are lost on restart")
		return keyring.NewMemory(), func() {}, nil
	}
	key, err := cfg.VaultKey()
	if err != nil {
		return nil, nil, err
	}
	v, err := keyring.OpenVault(cfg.VaultPath, key)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("keyring: vault", "path", cfg.VaultPath)
	return v, func() { _ = v.Close() }, nil
}

// newRegistry registers the configured backends. The sandbox reports its
// usage straight to the verifier, signed like any remote backend.
func newRegistry(cfg config.Config, verifier *ingest.Verifier, logger *slog.Logger) (*adapter.Registry, error) {
	var adapters []adapter.Adapter
	if cfg.SandboxEnabled {
		report := func(ctx context.Context, deploymentID uuid.UUID, body []byte, signature string) error {
			_, err := verifier.Ingest(ctx, deploymentID.String(), signature, body)
			return err
		}
		adapters = append(adapters, sandbox.New(sandbox.WithTelemetry(report, ingest.Sign)))
	}
	if cfg.ContainerRuntimeURL != "" {
		adapters = append(adapters, container.New(container.Config{
			BaseURL: cfg.ContainerRuntimeURL,
			Token:   cfg.ContainerRuntimeToken,
		}))
	}
	reg, err := adapter.NewRegistry(logger, cfg.DeployTimeout, cfg.InvokeTimeout, adapters...)
	if err != nil {
		return nil, fmt.Errorf("adapters: %w", err)
	}
	logger.Info("backends registered", "kinds", reg.Kinds())
	return reg, nil
}

func newLimiter(cfg config.Config, rdb *redis.Client, logger *slog.Logger) (ratelimit.Limiter, error) {
	switch {
	case !cfg.RateLimitEnabled:
		logger.Info("rate limiting: disabled")
		return ratelimit.NoopLimiter{}, nil
	case rdb != nil:
		l, err := ratelimit.NewRedisLimiter(rdb, cfg.RedisPrefix+":rl", cfg.RateLimitRPS, cfg.RateLimitBurst)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting: redis", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return l, nil
	default:
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
		return ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst), nil
	}
}
