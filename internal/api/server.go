package api

import (
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/product-search-gateway/internal/config"
	"github.com/JakeFAU/product-search-gateway/internal/metrics"
	"github.com/JakeFAU/product-search-gateway/internal/policy/ratelimit"
	"github.com/JakeFAU/product-search-gateway/internal/search"
)

// Server wires HTTP handlers to the invoker chain and history store.
type Server struct {
	router    chi.Router
	invoker   search.Invoker
	history   search.HistoryStore
	idGen     search.IDGenerator
	clock     search.Clock
	limiter   *ratelimit.Limiter
	proxies   []netip.Prefix
	cfg       config.Config
	logger    *zap.Logger
	startedAt time.Time
	version   string
}

// Option customizes a Server.
type Option func(*Server)

// WithHistory enables GET /api/search/{requestId}.
func WithHistory(history search.HistoryStore) Option {
	return func(s *Server) { s.history = history }
}

// WithRateLimiter guards POST /api/search with a per-client limiter.
func WithRateLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) { s.limiter = l }
}

// WithVersion sets the application version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	invoker search.Invoker,
	idGen search.IDGenerator,
	clock search.Clock,
	cfg config.Config,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		invoker:   invoker,
		idGen:     idGen,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		startedAt: clock.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	proxies, err := cfg.Server.TrustedProxyPrefixes()
	if err != nil {
		logger.Warn("ignoring trusted proxies", zap.Error(err))
	}
	s.proxies = proxies

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(corsMiddleware(cfg.Server.CORSOrigin))
	r.Use(metrics.Middleware)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.With(s.rateLimitMiddleware).Post("/search", s.search)
		r.Get("/search/{requestId}", s.getInvocation)
	})

	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.methodNotAllowed)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}
