package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kiban/internal/adapter"
	"github.com/ashita-ai/kiban/internal/auth"
	"github.com/ashita-ai/kiban/internal/billing"
	"github.com/ashita-ai/kiban/internal/deploy"
	"github.com/ashita-ai/kiban/internal/gateway"
	"github.com/ashita-ai/kiban/internal/ingest"
	"github.com/ashita-ai/kiban/internal/metrics"
	"github.com/ashita-ai/kiban/internal/model"
	"github.com/ashita-ai/kiban/internal/ratelimit"
)

// Store is the persistence the HTTP layer touches directly. Everything
// else goes through the services.
type Store interface {
	Ping(ctx context.Context) error
	CreateTenant(ctx context.Context, t model.Tenant) (model.Tenant, error)
	CreatePrincipal(ctx context.Context, p model.Principal) (model.Principal, error)
	GetPrincipalBySubject(ctx context.Context, subject string) (model.Principal, error)
}

// Server is the kiban HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and settings for creating a Server.
// Billing, Reporter, Metrics, Limiter and MCPServer may be nil.
type Config struct {
	Store    Store
	JWTMgr   *auth.JWTManager
	Deployer *deploy.Service
	Gateway  *gateway.Gateway
	Verifier *ingest.Verifier
	Registry *adapter.Registry
	Logger   *slog.Logger

	Billing   *billing.Service
	Reporter  *billing.Reporter
	Metrics   *metrics.Metrics
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = 1 << 20
	}
	h := &Handlers{
		store:        cfg.Store,
		jwtMgr:       cfg.JWTMgr,
		deployer:     cfg.Deployer,
		gateway:      cfg.Gateway,
		verifier:     cfg.Verifier,
		registry:     cfg.Registry,
		billing:      cfg.Billing,
		reporter:     cfg.Reporter,
		logger:       cfg.Logger,
		version:      cfg.Version,
		maxBodyBytes: cfg.MaxRequestBodyBytes,
		startedAt:    time.Now(),
	}

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	callerRL := ratelimit.Middleware(cfg.Limiter, callerKeyFunc, reqIDFunc, cfg.Logger)
	ipRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc, cfg.Logger)

	owner := requireRole(model.RoleOwner)
	developer := requireRole(model.RoleDeveloper)
	invoker := requireRole(model.RoleInvoker)
	route := func(role func(http.Handler) http.Handler, fn http.HandlerFunc) http.Handler {
		return callerRL(role(fn))
	}

	mux := http.NewServeMux()

	mux.Handle("POST /auth/token", ipRL(http.HandlerFunc(h.HandleAuthToken)))
	mux.Handle("POST /auth/scoped-token", route(developer, h.HandleScopedToken))
	mux.Handle("POST /v1/principals", route(owner, h.HandleCreatePrincipal))

	mux.Handle("POST /v1/agents", route(developer, h.HandleCreateAgent))
	mux.Handle("GET /v1/agents", route(invoker, h.HandleListAgents))
	mux.Handle("GET /v1/agents/{agent_id}", route(invoker, h.HandleGetAgent))
	mux.Handle("POST /v1/agents/{agent_id}/deployments", route(developer, h.HandleDeploy))
	mux.Handle("GET /v1/agents/{agent_id}/deployments", route(invoker, h.HandleListDeployments))
	mux.Handle("GET /v1/agents/{agent_id}/deployments/{deployment_id}", route(invoker, h.HandleGetDeployment))
	mux.Handle("POST /v1/agents/{agent_id}/activate", route(developer, h.HandleActivate))
	mux.Handle("POST /v1/agents/{agent_id}/disable", route(developer, h.HandleDisable))
	mux.Handle("POST /v1/agents/{agent_id}/enable", route(developer, h.HandleEnable))
	mux.Handle("POST /v1/agents/{agent_id}/invoke", route(invoker, h.HandleInvoke))

	// Signed by the deployment's secret, not a bearer token.
	mux.Handle("POST /v1/telemetry", ipRL(http.HandlerFunc(h.HandleTelemetry)))

	mux.Handle("POST /billing/checkout", route(owner, h.HandleBillingCheckout))
	mux.Handle("POST /billing/portal", route(owner, h.HandleBillingPortal))
	mux.HandleFunc("POST /billing/webhooks", h.HandleBillingWebhook)
	mux.Handle("GET /v1/usage", route(invoker, h.HandleUsage))

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", invoker(mcpserver.NewStreamableHTTPServer(cfg.MCPServer)))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → trace ID → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = traceIDMiddleware(handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// Handlers returns the underlying Handlers for access to SeedOwner.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
