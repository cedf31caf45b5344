// Package api exposes the allowance engine over HTTP.
//
// Routes:
//
//	POST /v1/consume                      debit tokens for a metered action
//	GET  /v1/entitlements/{userID}        resolve whether a user may act
//	GET  /v1/usage/{userID}               today's counter for a user
//	GET  /v1/admin/usage-logs             paginated usage log
//	GET  /v1/admin/usage-stats            aggregated usage statistics
//	GET  /v1/admin/entitlements           list entitlements
//	PUT  /v1/admin/entitlements/{userID}  provision or update an entitlement
//	GET  /healthz, /readyz, /metrics
//
// The caller's user id is trusted; authenticating end users is the job of
// whatever sits in front of this handler. Admin routes require the
// X-Admin-Key header once an admin key is configured.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/allowance"
	"github.com/xraph/allowance/calendar"
	"github.com/xraph/allowance/counter"
	"github.com/xraph/allowance/entitlement"
	"github.com/xraph/allowance/usagelog"
)

// Engine is the subset of *allowance.Engine the handlers call.
type Engine interface {
	TryConsume(ctx context.Context, userID, toolID string, tokens int64) (*allowance.Result, error)
	Resolve(ctx context.Context, userID string) (*entitlement.Decision, error)
	Usage(ctx context.Context, userID string) (*counter.Snapshot, error)
	ListEntries(ctx context.Context, f usagelog.Filter, p usagelog.Pagination) (*usagelog.Page, error)
	AggregateStats(ctx context.Context, f usagelog.Filter, topN int) (*usagelog.Stats, error)
	ProvisionUser(ctx context.Context, ent *entitlement.UserEntitlement) error
	UpdateEntitlement(ctx context.Context, ent *entitlement.UserEntitlement) (*entitlement.UserEntitlement, error)
	ListEntitlements(ctx context.Context, opts entitlement.ListOpts) ([]*entitlement.UserEntitlement, error)
	Calendar() calendar.Calendar
	Ping(ctx context.Context) error
}

var _ Engine = (*allowance.Engine)(nil)

// Server serves the allowance HTTP surface.
type Server struct {
	engine  Engine
	logger  *slog.Logger
	mux     *http.ServeMux
	handler http.Handler

	adminKey       string
	metricsHandler http.Handler
	readyTimeout   time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAdminKey requires key in the X-Admin-Key header on admin routes. An
// empty key leaves them open.
func WithAdminKey(key string) Option {
	return func(s *Server) { s.adminKey = key }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsHandler replaces the default Prometheus handler served on
// /metrics. A nil handler disables the route.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// WithReadyTimeout bounds the store ping behind /readyz.
func WithReadyTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.readyTimeout = d
		}
	}
}

// New creates a Server for engine.
func New(engine Engine, opts ...Option) *Server {
	s := &Server{
		engine:         engine,
		logger:         slog.Default(),
		mux:            http.NewServeMux(),
		metricsHandler: promhttp.Handler(),
		readyTimeout:   2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.handler = s.logRequests(s.mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) routes() {
	admin := func(h http.HandlerFunc) http.Handler {
		return s.requireAdminKey(h)
	}

	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.mux.HandleFunc("POST /v1/consume", s.handleConsume)
	s.mux.HandleFunc("GET /v1/entitlements/{userID}", s.handleResolve)
	s.mux.HandleFunc("GET /v1/usage/{userID}", s.handleUsage)

	s.mux.Handle("GET /v1/admin/usage-logs", admin(s.handleUsageLogs))
	s.mux.Handle("GET /v1/admin/usage-stats", admin(s.handleUsageStats))
	s.mux.Handle("GET /v1/admin/entitlements", admin(s.handleListEntitlements))
	s.mux.Handle("PUT /v1/admin/entitlements/{userID}", admin(s.handlePutEntitlement))
}
