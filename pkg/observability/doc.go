// Package observability provides structured logging, Prometheus metrics,
// health checks and OpenTelemetry tracing for the billing engine.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("event_id", id).Info("event reconciled")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ConsumptionDecisionsTotal.WithLabelValues("seo_audits", "subscription").Inc()
//	metrics.WebhookEventsTotal.WithLabelValues("checkout.completed", "processed").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient, version)
//	observability.RegisterHealthRoutes(mux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
