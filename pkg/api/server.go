package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/billrun/pkg/billing"
	"github.com/platinummonkey/billrun/pkg/httputil"
	"github.com/platinummonkey/billrun/pkg/middleware"
	"github.com/platinummonkey/billrun/pkg/observability"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// BillingService is the billing surface the handlers call
type BillingService interface {
	GenerateRun(ctx context.Context, accountID string, window billing.Window, dryRun bool) (*billing.RunResult, error)
	PreviewCurrentWeek(ctx context.Context, accountID string) (*billing.RunResult, error)
	ListRunsForAccount(ctx context.Context, accountID string, limit int) ([]billing.BillingRun, error)
	GetRun(ctx context.Context, runID string) (*billing.RunDetail, error)
	ChargeRun(ctx context.Context, runID string) billing.ChargeResult
	RetryRun(ctx context.Context, runID string) billing.ChargeResult
	VoidRun(ctx context.Context, runID, reason string) error
}

// BatchRunner runs the weekly batch on demand
type BatchRunner interface {
	RunWeeklyBatch(ctx context.Context) (*billing.BillingSummary, error)
}

// Server is the billing HTTP API
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

type serverOptions struct {
	limiter middleware.Limiter
}

// Option configures a Server
type Option func(*serverOptions)

// WithRateLimiter limits the charge, void, generate and batch routes per
// account or run
func WithRateLimiter(limiter middleware.Limiter) Option {
	return func(o *serverOptions) {
		o.limiter = limiter
	}
}

// NewServer creates the API server. batch may be nil, in which case the
// weekly-batch route is not registered.
func NewServer(svc BillingService, batch BatchRunner, logger *observability.Logger, metrics *observability.Metrics, opts ...Option) *Server {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	logger = logger.WithField("component", "api")

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		router: mux.NewRouter(),
		logger: logger,
	}

	s.router.Use(observability.HTTPMetricsMiddleware(metrics))

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	handlers := NewBillingHandlers(svc, batch, logger)
	if o.limiter != nil {
		handlers.WithRateLimit(middleware.RateLimit(o.limiter, middleware.RouteVarKey("account_id", "run_id"), logger))
	}
	handlers.RegisterRoutes(v1)

	s.handler = otelhttp.NewHandler(
		httputil.Chain(
			httputil.RequestIDMiddleware,
			httputil.LoggingMiddleware(logger),
			httputil.RecoveryMiddleware(logger),
			httputil.MaxBytesMiddleware(maxBodyBytes),
		)(s.router),
		"billrun",
	)
	return s
}

// Router returns the underlying router for registering extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
