package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/builderpay/gateway/internal/admin"
	"github.com/builderpay/gateway/internal/config"
	"github.com/builderpay/gateway/internal/facilitator"
	"github.com/builderpay/gateway/internal/metrics"
	"github.com/builderpay/gateway/internal/payment"
	"github.com/builderpay/gateway/internal/proxy"
	"github.com/builderpay/gateway/internal/registry"
	regmemory "github.com/builderpay/gateway/internal/registry/memory"
	regsqlite "github.com/builderpay/gateway/internal/registry/sqlite"
	"github.com/builderpay/gateway/internal/server"
	"github.com/builderpay/gateway/internal/telemetry"
	"github.com/builderpay/gateway/internal/upstream"
	"github.com/builderpay/gateway/internal/usage"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("builderpay-gateway", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open registry store: %v", err)
	}
	defer store.Close()

	resolver := registry.NewResolver(store, time.Duration(cfg.Registry.CacheTTLSeconds)*time.Second)
	validator := payment.NewValidator()
	collector := metrics.NewCollector()
	recorder := usage.NewRecorder(store, collector, logger)

	forwarder := upstream.New(logger,
		upstream.WithTimeout(time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second),
		upstream.WithAuthAssertion(cfg.Upstream.AuthSecret, cfg.Upstream.AuthIssuer),
	)

	settler := facilitator.New(cfg.Facilitator.URL, time.Duration(cfg.Facilitator.TimeoutSeconds)*time.Second)

	pipeline := proxy.NewPipeline(resolver, validator, forwarder, settler, recorder,
		proxy.PaymentConfig{
			Network:             cfg.Payment.Network,
			Asset:               cfg.Payment.Asset,
			PayTo:               cfg.Payment.PayTo,
			VerifyBeforeForward: cfg.Facilitator.Verify,
		}, logger)

	srv := server.New(cfg.Server.Port, logger)

	proxy.NewHandler(pipeline, logger).Routes(srv.Router)
	srv.Router.Handle("/metrics", collector.Handler())
	srv.Router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if cfg.Admin.Token != "" {
		srv.Router.Route("/admin", func(r chi.Router) {
			r.Use(server.BearerAuthMiddleware(cfg.Admin.Token))
			admin.NewHandler(store, resolver, logger).Routes(r)
		})
		logger.Info("admin surface enabled", slog.String("path", "/admin"))
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logger.Info("gateway started",
		slog.Int("port", cfg.Server.Port),
		slog.String("storage", cfg.Storage.Type),
		slog.String("network", cfg.Payment.Network),
		slog.String("facilitator", cfg.Facilitator.URL))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigCh:
		logger.Info("shutdown signal received, stopping gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("gateway shutdown complete")
}

func openStore(cfg *config.Config) (registry.Store, error) {
	if cfg.Storage.Type == "memory" {
		return regmemory.New(), nil
	}
	return regsqlite.New(cfg.Storage.SQLite.Path)
}
