package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments. They mirror the
// Prometheus metrics for deployments that ship everything through an OTLP
// collector instead of scraping.
type OTelMetrics struct {
	// HTTP metrics
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	httpRequestSize     metric.Int64Histogram
	httpResponseSize    metric.Int64Histogram

	// Database metrics
	dbConnectionsActive metric.Int64UpDownCounter
	dbConnectionsIdle   metric.Int64UpDownCounter
	dbQueryDuration     metric.Float64Histogram
	dbQueriesTotal      metric.Int64Counter

	// Cache metrics
	cacheHitsTotal      metric.Int64Counter
	cacheMissesTotal    metric.Int64Counter
	cacheEvictionsTotal metric.Int64Counter

	// Billing metrics
	webhookEventsTotal        metric.Int64Counter
	webhookProcessingDuration metric.Float64Histogram
	consumptionDecisions      metric.Int64Counter
	creditsGranted            metric.Int64Counter
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/rankforge/rankforge")

	m := &OTelMetrics{}
	var err error

	m.httpRequestsTotal, err = meter.Int64Counter(
		"http.server.requests",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	m.httpRequestDuration, err = meter.Float64Histogram(
		"http.server.duration",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	m.httpRequestSize, err = meter.Int64Histogram(
		"http.server.request.size",
		metric.WithDescription("HTTP request size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_request_size histogram: %w", err)
	}

	m.httpResponseSize, err = meter.Int64Histogram(
		"http.server.response.size",
		metric.WithDescription("HTTP response size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create http_response_size histogram: %w", err)
	}

	m.dbConnectionsActive, err = meter.Int64UpDownCounter(
		"db.connections.active",
		metric.WithDescription("Number of active database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_active gauge: %w", err)
	}

	m.dbConnectionsIdle, err = meter.Int64UpDownCounter(
		"db.connections.idle",
		metric.WithDescription("Number of idle database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_connections_idle gauge: %w", err)
	}

	m.dbQueryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_query_duration histogram: %w", err)
	}

	m.dbQueriesTotal, err = meter.Int64Counter(
		"db.queries.total",
		metric.WithDescription("Total number of database queries"),
		metric.WithUnit("{query}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create db_queries_total counter: %w", err)
	}

	m.cacheHitsTotal, err = meter.Int64Counter(
		"cache.hits.total",
		metric.WithDescription("Total number of cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_hits_total counter: %w", err)
	}

	m.cacheMissesTotal, err = meter.Int64Counter(
		"cache.misses.total",
		metric.WithDescription("Total number of cache misses"),
		metric.WithUnit("{miss}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_misses_total counter: %w", err)
	}

	m.cacheEvictionsTotal, err = meter.Int64Counter(
		"cache.evictions.total",
		metric.WithDescription("Total number of cache invalidations"),
		metric.WithUnit("{eviction}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache_evictions_total counter: %w", err)
	}

	m.webhookEventsTotal, err = meter.Int64Counter(
		"billing.webhook.events",
		metric.WithDescription("Provider webhook events by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook_events counter: %w", err)
	}

	m.webhookProcessingDuration, err = meter.Float64Histogram(
		"billing.webhook.duration",
		metric.WithDescription("Webhook reconciliation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhook_duration histogram: %w", err)
	}

	m.consumptionDecisions, err = meter.Int64Counter(
		"billing.consumption.decisions",
		metric.WithDescription("Consumption gate decisions by quota and source"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumption_decisions counter: %w", err)
	}

	m.creditsGranted, err = meter.Int64Counter(
		"billing.credits.granted",
		metric.WithDescription("Addon credits granted, in units"),
		metric.WithUnit("{credit}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create credits_granted counter: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *OTelMetrics) RecordHTTPRequest(ctx context.Context, method, route string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	attrs := []attribute.KeyValue{
		attribute.String("http.method", method),
		attribute.String("http.route", route),
		attribute.Int("http.status_code", statusCode),
	}

	m.httpRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.httpRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if requestSize > 0 {
		m.httpRequestSize.Record(ctx, requestSize, metric.WithAttributes(attrs...))
	}
	if responseSize > 0 {
		m.httpResponseSize.Record(ctx, responseSize, metric.WithAttributes(attrs...))
	}
}

// RecordDBQuery records a database query metric
func (m *OTelMetrics) RecordDBQuery(ctx context.Context, operation string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("db.operation", operation),
		attribute.Bool("error", err != nil),
	}

	m.dbQueriesTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.dbQueryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// UpdateDBConnectionStats updates database connection pool statistics
func (m *OTelMetrics) UpdateDBConnectionStats(ctx context.Context, active, idle int) {
	m.dbConnectionsActive.Add(ctx, int64(active))
	m.dbConnectionsIdle.Add(ctx, int64(idle))
}

// RecordCacheHit records a cache hit
func (m *OTelMetrics) RecordCacheHit(ctx context.Context, cacheType string) {
	m.cacheHitsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheMiss records a cache miss
func (m *OTelMetrics) RecordCacheMiss(ctx context.Context, cacheType string) {
	m.cacheMissesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordCacheEviction records a cache invalidation
func (m *OTelMetrics) RecordCacheEviction(ctx context.Context, cacheType string) {
	m.cacheEvictionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("cache.type", cacheType)))
}

// RecordWebhookEvent records a reconciled webhook event
func (m *OTelMetrics) RecordWebhookEvent(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("billing.event_type", eventType),
		attribute.String("billing.outcome", outcome),
	}
	m.webhookEventsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.webhookProcessingDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("billing.event_type", eventType)))
}

// RecordConsumptionDecision records a gate decision
func (m *OTelMetrics) RecordConsumptionDecision(ctx context.Context, quota, source string) {
	attrs := []attribute.KeyValue{
		attribute.String("billing.quota", quota),
		attribute.String("billing.source", source),
	}
	m.consumptionDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCreditsGranted records granted addon credits
func (m *OTelMetrics) RecordCreditsGranted(ctx context.Context, quota string, amount int) {
	m.creditsGranted.Add(ctx, int64(amount),
		metric.WithAttributes(attribute.String("billing.quota", quota)))
}
