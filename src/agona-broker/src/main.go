package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mhiscox/agona/src/agona-broker/internal/config"
	"github.com/mhiscox/agona/src/agona-broker/internal/httpapi"
	"github.com/mhiscox/agona/src/agona-broker/internal/metrics"
	"github.com/mhiscox/agona/src/agona-broker/internal/middleware"
	"github.com/mhiscox/agona/src/agona-broker/internal/pricing"
	"github.com/mhiscox/agona/src/agona-broker/internal/providers"
	"github.com/mhiscox/agona/src/agona-broker/internal/service"
	"github.com/mhiscox/agona/src/agona-broker/internal/store"
	"github.com/mhiscox/agona/src/internal/events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Development() {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("starting agona-broker",
		"environment", cfg.Environment,
		"port", cfg.Port,
		"query_log_backend", cfg.QueryLogBackend,
		"has_openai", cfg.HasOpenAI(),
		"has_cloudflare", cfg.HasCloudflare(),
	)

	table := pricing.DefaultTable()
	if cfg.PricingFile != "" {
		table, err = pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			slog.Error("failed to load pricing file", "path", cfg.PricingFile, "error", err)
			os.Exit(1)
		}
		slog.Info("loaded pricing table", "path", cfg.PricingFile, "rates", len(table.Rates()))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	queryLog, closeStore, err := store.Open(ctx, cfg.StoreSettings(), logger)
	if err != nil {
		slog.Error("failed to open query log store", "backend", cfg.QueryLogBackend, "error", err)
		os.Exit(1)
	}
	defer closeStore()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	publisher := events.NewPublisher("agona-broker", logger)
	if cfg.EventsWebhookURL != "" {
		publisher.RegisterDefault(cfg.EventsWebhookURL)
	}

	roster := providers.DefaultRoster(providers.RosterConfig{
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		CFAccountID:   cfg.CFAccountID,
		CFAPIToken:    cfg.CFAPIToken,
		CFBaseURL:     cfg.CFBaseURL,
		CFModel:       cfg.CFModel,
		CFAltModel:    cfg.CFAltModel,
		Timeout:       cfg.ProviderTimeout,
	}, logger)

	broker := service.NewBroker(service.Options{
		Roster:          roster,
		Table:           table,
		Store:           queryLog,
		Events:          publisher,
		Metrics:         m,
		Logger:          logger,
		BulkConcurrency: cfg.BulkConcurrency,
		DemoPassword:    cfg.DemoPassword,
		Development:     cfg.Development(),
		Env: service.EnvReport{
			HasOpenAI:     cfg.HasOpenAI(),
			HasCloudflare: cfg.HasCloudflare(),
			HasQueryLog:   cfg.QueryLogBackend != store.BackendNone,
		},
	})

	limiter := middleware.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	go limiter.RunJanitor(ctx, 5*time.Minute)
	// The probe calls every paid provider, so it gets a much smaller budget.
	probeLimiter := middleware.NewRateLimiter(cfg.ProbeRateMax, cfg.RateLimitWindow)
	go probeLimiter.RunJanitor(ctx, 5*time.Minute)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		Broker:       broker,
		Limiter:      limiter,
		ProbeLimiter: probeLimiter,
		Metrics:      m,
		Gatherer:     reg,
		Logger:       logger,
		Development:  cfg.Development(),
	})

	// Bulk batches can run several provider timeouts back to back.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	broker.Wait()

	slog.Info("server stopped")
}
