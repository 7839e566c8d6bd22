// Package telemetry wires up Prometheus + OpenTelemetry exporters used by
// the cache manager process.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"dnscache/pkg/config"
	"dnscache/pkg/logging"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Telemetry holds telemetry providers and exporters.
type Telemetry struct {
	cfg                *config.TelemetryConfig
	meterProvider      metric.MeterProvider
	tracerProvider     trace.TracerProvider
	prometheusExporter *prometheus.Exporter
	prometheusServer   *http.Server
	logger             *logging.Logger
}

// Metrics holds the cache manager's application metrics.
type Metrics struct {
	CacheQueriesTotal   metric.Int64Counter
	CacheQueriesByType  metric.Int64Counter
	CacheQueryDuration  metric.Float64Histogram
	CacheHits           metric.Int64Counter
	CacheMisses         metric.Int64Counter
	CacheStaleServed    metric.Int64Counter
	CacheEvictionsTotal metric.Int64Counter

	ConditionalForwards metric.Int64Counter

	ActiveZones   metric.Int64UpDownCounter
	CacheSize     metric.Int64UpDownCounter
	SnapshotSize  metric.Int64UpDownCounter

	SnapshotDuration metric.Float64Histogram
	SnapshotFailures metric.Int64Counter
}

// New creates a new telemetry instance.
func New(ctx context.Context, cfg *config.TelemetryConfig, logger *logging.Logger) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry disabled")
		return &Telemetry{
			cfg:            cfg,
			meterProvider:  noop.NewMeterProvider(),
			tracerProvider: tracenoop.NewTracerProvider(),
			logger:         logger,
		}, nil
	}

	t := &Telemetry{
		cfg:    cfg,
		logger: logger,
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.setupMetrics(ctx, res); err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	if cfg.TracingEnabled {
		if err := t.setupTracing(ctx, res); err != nil {
			return nil, fmt.Errorf("failed to setup tracing: %w", err)
		}
	} else {
		t.tracerProvider = tracenoop.NewTracerProvider()
	}

	logger.Info("Telemetry initialized",
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"prometheus", cfg.PrometheusEnabled,
		"tracing", cfg.TracingEnabled,
	)

	return t, nil
}

// setupMetrics initializes the metrics provider.
func (t *Telemetry) setupMetrics(ctx context.Context, res *resource.Resource) error {
	if t.cfg.PrometheusEnabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		t.prometheusExporter = exporter

		provider := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)

		t.meterProvider = provider
		otel.SetMeterProvider(provider)

		if err := t.startPrometheusServer(); err != nil {
			return fmt.Errorf("failed to start prometheus server: %w", err)
		}

		t.logger.Info("Prometheus metrics enabled", "port", t.cfg.PrometheusPort)
	} else {
		t.meterProvider = noop.NewMeterProvider()
	}

	return nil
}

// setupTracing initializes the tracer provider.
func (t *Telemetry) setupTracing(ctx context.Context, res *resource.Resource) error {
	// OTLP exporter wiring is left for a real deployment; a no-op tracer
	// keeps the provider interface exercised in the meantime.
	t.tracerProvider = tracenoop.NewTracerProvider()
	otel.SetTracerProvider(t.tracerProvider)

	t.logger.Info("Tracing enabled", "endpoint", t.cfg.TracingEndpoint)
	return nil
}

// startPrometheusServer starts the Prometheus metrics HTTP server.
func (t *Telemetry) startPrometheusServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	t.prometheusServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.cfg.PrometheusPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := t.prometheusServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.logger.Error("Prometheus server failed", "error", err)
		}
	}()

	return nil
}

// InitMetrics initializes and returns all cache manager metrics.
func (t *Telemetry) InitMetrics() (*Metrics, error) {
	meter := t.meterProvider.Meter("dnscache")

	queriesTotal, err := meter.Int64Counter(
		"cache.queries.total",
		metric.WithDescription("Total number of cache lookups"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries counter: %w", err)
	}

	queriesByType, err := meter.Int64Counter(
		"cache.queries.by_type",
		metric.WithDescription("Cache lookups by record type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queries by type counter: %w", err)
	}

	queryDuration, err := meter.Float64Histogram(
		"cache.query.duration",
		metric.WithDescription("Cache lookup duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create query duration histogram: %w", err)
	}

	cacheHits, err := meter.Int64Counter(
		"cache.hits",
		metric.WithDescription("Number of cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache hits counter: %w", err)
	}

	cacheMisses, err := meter.Int64Counter(
		"cache.misses",
		metric.WithDescription("Number of cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache misses counter: %w", err)
	}

	staleServed, err := meter.Int64Counter(
		"cache.stale_served",
		metric.WithDescription("Number of answers served stale under RFC 8767"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stale served counter: %w", err)
	}

	evictionsTotal, err := meter.Int64Counter(
		"cache.evictions.total",
		metric.WithDescription("Number of records evicted"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create evictions counter: %w", err)
	}

	conditionalForwards, err := meter.Int64Counter(
		"cache.conditional_forwards",
		metric.WithDescription("Number of records scoped to conditional forwarding"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create conditional forwards counter: %w", err)
	}

	activeZones, err := meter.Int64UpDownCounter(
		"cache.zones.active",
		metric.WithDescription("Number of zones with live data in the tree"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active zones gauge: %w", err)
	}

	cacheSize, err := meter.Int64UpDownCounter(
		"cache.size",
		metric.WithDescription("Number of entries in the cache"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache size gauge: %w", err)
	}

	snapshotSize, err := meter.Int64UpDownCounter(
		"cache.snapshot.size_bytes",
		metric.WithDescription("Size in bytes of the last written snapshot"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot size gauge: %w", err)
	}

	snapshotDuration, err := meter.Float64Histogram(
		"cache.snapshot.duration",
		metric.WithDescription("Snapshot save/load duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot duration histogram: %w", err)
	}

	snapshotFailures, err := meter.Int64Counter(
		"cache.snapshot.failures",
		metric.WithDescription("Number of failed snapshot save/load attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot failures counter: %w", err)
	}

	return &Metrics{
		CacheQueriesTotal:   queriesTotal,
		CacheQueriesByType:  queriesByType,
		CacheQueryDuration:  queryDuration,
		CacheHits:           cacheHits,
		CacheMisses:         cacheMisses,
		CacheStaleServed:    staleServed,
		CacheEvictionsTotal: evictionsTotal,
		ConditionalForwards: conditionalForwards,
		ActiveZones:         activeZones,
		CacheSize:           cacheSize,
		SnapshotSize:        snapshotSize,
		SnapshotDuration:    snapshotDuration,
		SnapshotFailures:    snapshotFailures,
	}, nil
}

// MeterProvider returns the meter provider.
func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meterProvider
}

// TracerProvider returns the tracer provider.
func (t *Telemetry) TracerProvider() trace.TracerProvider {
	return t.tracerProvider
}

// Shutdown gracefully shuts down telemetry.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error

	if t.prometheusServer != nil {
		if err := t.prometheusServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("prometheus server shutdown: %w", err))
		}
	}

	if provider, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		if err := provider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("meter provider shutdown: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("telemetry shutdown errors: %v", errs)
	}

	t.logger.Info("Telemetry shut down")
	return nil
}
