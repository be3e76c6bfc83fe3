package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rankforge/rankforge/pkg/api"
	"github.com/rankforge/rankforge/pkg/catalog"
	"github.com/rankforge/rankforge/pkg/config"
	"github.com/rankforge/rankforge/pkg/credits"
	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/notify"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/provider"
	"github.com/rankforge/rankforge/pkg/reconciler"
	"github.com/rankforge/rankforge/pkg/storage/postgres"
	"github.com/rankforge/rankforge/pkg/subscription"
)

// version is stamped at build time via -ldflags
var version = "dev"

func main() {
	skipMigrations := flag.Bool("skip-migrations", false, "Skip running schema migrations on startup")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("version", version).Info("starting rankforge billing service")

	ctx := context.Background()

	// Database
	connMgr, err := postgres.NewConnectionManager(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := connMgr.Primary()

	if !*skipMigrations {
		if err := postgres.RunMigrations(ctx, db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("schema migrations applied")
	}

	// Metrics
	var metrics *observability.Metrics
	registry := prometheus.NewRegistry()
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// OpenTelemetry
	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: version,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
		}
	}

	// Redis entitlement cache (optional)
	var redisClient *redis.Client
	var summaryCache entitlement.SummaryCache
	if cfg.CacheEnabled {
		redisClient, err = postgres.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		summaryCache = postgres.NewEntitlementCache(redisClient, cfg.CacheTTL, metrics, logger)
		logger.Info("entitlement summary cache enabled")
	}

	// Core services
	plans, err := catalog.NewPostgresService(db)
	if err != nil {
		log.Fatalf("Failed to initialize plan catalog: %v", err)
	}
	subs := subscription.NewPostgresService(db)
	ledger := credits.NewPostgresService(db)

	notifier := notify.NewEmailNotifier(ctx,
		&notify.LogMailer{Log: logrus.StandardLogger()},
		notify.NewPostgresDirectory(db),
		cfg.NotificationWorkers,
		logrus.StandardLogger())

	processor := reconciler.NewService(db, plans, subs, ledger, notifier, summaryCache, cfg.WebhookSecret, logger)
	gate := entitlement.NewGate(db, plans, subs, ledger, summaryCache, metrics, logger)
	checkout := provider.NewClient(cfg.Provider, logger)

	server := api.NewServer(api.Deps{
		Processor: processor,
		Gate:      gate,
		Checkout:  checkout,
		Subs:      subs,
		Plans:     plans,
		Metrics:   metrics,
		Logger:    logger,
	})

	// Health and metrics on a separate listener for probes
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}
	go func() {
		logger.WithField("port", cfg.Server.HealthPort).Info("health/metrics server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	// Periodic DB pool gauges
	if metrics != nil {
		go func() {
			defer observability.RecoverPanic(logger, "db stats updater")
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for range ticker.C {
				metrics.UpdateDBStats(db.Stats())
			}
		}()
	}

	handler := server.Router()
	if len(cfg.Server.CORSOrigins) > 0 {
		handler = httputil.CORSMiddleware(cfg.Server.CORSOrigins)(handler)
	}
	if cfg.Observability.LogLevel == observability.DebugLevel {
		handler = httputil.LoggingMiddleware(handler)
	}
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "rankforge-api")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("health server", func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc("notifier", func(ctx context.Context) error {
		return notifier.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc("redis", func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc("telemetry", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	shutdown.RegisterShutdownFunc("postgres", func(ctx context.Context) error {
		return connMgr.Close()
	})

	go func() {
		logger.WithField("port", cfg.Server.Port).Info("billing API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
