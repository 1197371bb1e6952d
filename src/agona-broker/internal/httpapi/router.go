package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mhiscox/agona/src/agona-broker/internal/metrics"
	"github.com/mhiscox/agona/src/agona-broker/internal/middleware"
	"github.com/mhiscox/agona/src/agona-broker/internal/service"
)

type RouterConfig struct {
	Broker  *service.Broker
	Limiter *middleware.RateLimiter

	// ProbeLimiter throttles /health/probe. Nil falls back to Limiter.
	ProbeLimiter *middleware.RateLimiter
	Metrics      *metrics.Metrics
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
	Development  bool
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := cfg.Broker
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", b.HandleHealth)
	mux.HandleFunc("GET /ping", b.HandlePing)
	mux.HandleFunc("GET /env", b.HandleEnv)
	mux.HandleFunc("POST /demo-auth", b.HandleDemoAuth)
	var probe http.Handler = http.HandlerFunc(b.HandleProbe)
	probeLimiter := cfg.ProbeLimiter
	if probeLimiter == nil {
		probeLimiter = cfg.Limiter
	}
	if probeLimiter != nil {
		probe = middleware.RateLimit(probeLimiter, cfg.Metrics)(probe)
	}
	mux.Handle("GET /health/probe", probe)
	if cfg.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /api/query", b.HandleQuery)
	api.HandleFunc("POST /api/query", b.HandleQuery)
	api.HandleFunc("POST /api/bulk-query", b.HandleBulkQuery)
	api.HandleFunc("GET /api/logs", b.HandleLogs)

	var apiHandler http.Handler = api
	if cfg.Limiter != nil {
		apiHandler = middleware.RateLimit(cfg.Limiter, cfg.Metrics)(api)
	}
	mux.Handle("/api/", apiHandler)

	return applyMiddleware(mux,
		middleware.RequestID,
		middleware.Logging(cfg.Logger, cfg.Metrics),
		middleware.Recovery(cfg.Logger, cfg.Development),
	)
}

func applyMiddleware(handler http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	// Apply in reverse order so first middleware is outermost
	for i := len(middlewares) - 1; i >= 0; i-- {
		handler = middlewares[i](handler)
	}
	return handler
}
