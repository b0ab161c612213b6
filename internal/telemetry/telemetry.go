package telemetry

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/straja-ai/apkguard/internal/redact"
)

const instrumentationName = "apkguard"

// Config controls telemetry setup.
type Config struct {
	Enabled  bool
	Endpoint string
	Protocol string // grpc | http
	Service  string
	Version  string
}

// ScanMetrics is the per-request summary recorded after a scan finishes.
type ScanMetrics struct {
	Decision    string // ok | error_inference | bad_request
	Files       int
	Accepted    int
	CacheHits   int
	Inferred    int
	Unparseable int
	DurationMs  float64
	InferenceMs float64
}

// Provider wires tracer/meter providers and exposes helpers.
type Provider struct {
	Enabled bool
	tracer  trace.Tracer
	meter   metric.Meter

	scanRequests      metric.Int64Counter
	filesCounter      metric.Int64Counter
	cacheHitsCounter  metric.Int64Counter
	unparseable       metric.Int64Counter
	scanDuration      metric.Float64Histogram
	inferenceDuration metric.Float64Histogram
	storeErrors       metric.Int64Counter

	shutdownTraceProvider func(context.Context) error
	shutdownMeterProvider func(context.Context) error
}

// NewProvider configures OTEL exporters + providers. When disabled, returns no-op providers.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if !cfg.Enabled {
		return noopProvider(), nil
	}

	redact.Logf("telemetry enabled (OpenTelemetry OTLP %s) endpoint=%s", strings.ToLower(cfg.Protocol), cfg.Endpoint)

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.Service),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	var (
		traceExp  sdktrace.SpanExporter
		metricExp sdkmetric.Exporter
	)
	switch strings.ToLower(cfg.Protocol) {
	case "", "grpc":
		traceExp, err = otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExp, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		if err != nil {
			return nil, err
		}
	case "http":
		traceExp, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, err
		}
		metricExp, err = otlpmetrichttp.New(ctx, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		if err != nil {
			return nil, err
		}
	default:
		redact.Logf("telemetry: unknown protocol %q, falling back to no-op", cfg.Protocol)
		return noopProvider(), nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	p := &Provider{
		Enabled:               true,
		tracer:                tp.Tracer(instrumentationName),
		meter:                 mp.Meter(instrumentationName),
		shutdownTraceProvider: tp.Shutdown,
		shutdownMeterProvider: mp.Shutdown,
	}
	p.initInstruments()
	return p, nil
}

// NewWithMeter builds a provider around an existing meter. Tests use it with
// an sdkmetric.ManualReader to observe recorded values.
func NewWithMeter(meter metric.Meter) *Provider {
	p := &Provider{
		Enabled: true,
		tracer:  tracenoop.NewTracerProvider().Tracer(""),
		meter:   meter,
	}
	p.initInstruments()
	return p
}

func noopProvider() *Provider {
	p := &Provider{
		tracer: tracenoop.NewTracerProvider().Tracer(""),
		meter:  noop.NewMeterProvider().Meter(""),
	}
	p.initInstruments()
	return p
}

func (p *Provider) initInstruments() {
	if p == nil {
		return
	}
	// Use meter to create instruments; ignore errors to keep telemetry best-effort.
	p.scanRequests, _ = p.meter.Int64Counter("apkguard_scan_requests_total")
	p.filesCounter, _ = p.meter.Int64Counter("apkguard_scan_files_total")
	p.cacheHitsCounter, _ = p.meter.Int64Counter("apkguard_cache_hits_total")
	p.unparseable, _ = p.meter.Int64Counter("apkguard_unparseable_files_total")
	p.scanDuration, _ = p.meter.Float64Histogram("apkguard_scan_duration_ms")
	p.inferenceDuration, _ = p.meter.Float64Histogram("apkguard_inference_duration_ms")
	p.storeErrors, _ = p.meter.Int64Counter("apkguard_store_errors_total")
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil {
		return tracenoop.NewTracerProvider().Tracer("")
	}
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	if p == nil {
		return noop.NewMeterProvider().Meter("")
	}
	return p.meter
}

// Shutdown flushes providers.
func (p *Provider) Shutdown(ctx context.Context) {
	if p == nil {
		return
	}
	if p.shutdownTraceProvider != nil {
		_ = p.shutdownTraceProvider(ctx)
	}
	if p.shutdownMeterProvider != nil {
		_ = p.shutdownMeterProvider(ctx)
	}
}

// RecordScan emits counters/histograms for one scan request.
func (p *Provider) RecordScan(ctx context.Context, m ScanMetrics) {
	if p == nil {
		return
	}
	labels := metric.WithAttributes(attribute.String("apkguard.decision", m.Decision))
	p.scanRequests.Add(ctx, 1, labels)
	p.scanDuration.Record(ctx, m.DurationMs, labels)

	if m.Files > 0 {
		p.filesCounter.Add(ctx, int64(m.Files), metric.WithAttributes(attribute.String("apkguard.file_state", "submitted")))
	}
	if m.Accepted > 0 {
		p.filesCounter.Add(ctx, int64(m.Accepted), metric.WithAttributes(attribute.String("apkguard.file_state", "accepted")))
	}
	if m.CacheHits > 0 {
		p.cacheHitsCounter.Add(ctx, int64(m.CacheHits))
	}
	if m.Unparseable > 0 {
		p.unparseable.Add(ctx, int64(m.Unparseable))
	}
	if m.Inferred > 0 && m.InferenceMs > 0 {
		p.inferenceDuration.Record(ctx, m.InferenceMs, metric.WithAttributes(attribute.Int("apkguard.batch_rows", m.Inferred)))
	}
}

// RecordStoreError counts a failed store operation (find or insert).
func (p *Provider) RecordStoreError(ctx context.Context, op string) {
	if p == nil {
		return
	}
	p.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("apkguard.store_op", op)))
}
