// Package observer provides OTEL-based observability for dazee LLM operations.
//
// It wraps Provider, EmbeddingProvider, Tool, and the broadcaster's EventSink
// with instrumented versions that emit traces, metrics, and logs via
// OpenTelemetry, and bridges the core's Tracer interface to the global OTEL
// tracer. Users export to any OTEL-compatible backend by setting standard
// OTEL env vars or the [observer] section of dazee.toml.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	dazeelog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	dazee "github.com/malue-ai/dazee-small-sub000"
)

const scopeName = "github.com/malue-ai/dazee-small-sub000/observer"

// Config selects the exporter target. Zero values fall back to the standard
// OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
type Config struct {
	// Endpoint is the OTLP HTTP endpoint URL, e.g. "http://localhost:4318".
	Endpoint string
	// ServiceName sets the service.name resource attribute (default "dazee").
	ServiceName string
	// Pricing prices token usage for cost metrics. Nil uses the default table.
	Pricing *dazee.PricingTable
}

// Instruments holds all OTEL instruments used by the observer wrappers.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger dazeelog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	CostTotal      metric.Float64Counter
	LLMRequests    metric.Int64Counter
	ToolExecutions metric.Int64Counter
	EmbedRequests  metric.Int64Counter

	// Histograms
	LLMDuration   metric.Float64Histogram
	ToolDuration  metric.Float64Histogram
	EmbedDuration metric.Float64Histogram

	// Session-level
	SessionExecutions metric.Int64Counter
	SessionDuration   metric.Float64Histogram
	SessionTurns      metric.Int64Histogram
	SessionCost       metric.Float64Histogram

	Pricing *dazee.PricingTable
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context, cfg Config) (*Instruments, func(context.Context) error, error) {
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "dazee"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	var traceOpts []otlptracehttp.Option
	if cfg.Endpoint != "" {
		traceOpts = append(traceOpts, otlptracehttp.WithEndpointURL(cfg.Endpoint))
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	var metricOpts []otlpmetrichttp.Option
	if cfg.Endpoint != "" {
		metricOpts = append(metricOpts, otlpmetrichttp.WithEndpointURL(cfg.Endpoint))
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	var logOpts []otlploghttp.Option
	if cfg.Endpoint != "" {
		logOpts = append(logOpts, otlploghttp.WithEndpointURL(cfg.Endpoint))
	}
	logExp, err := otlploghttp.New(ctx, logOpts...)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments(cfg.Pricing)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments(pricing *dazee.PricingTable) (*Instruments, error) {
	if pricing == nil {
		pricing = dazee.NewPricingTable(nil)
	}
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	costTotal, err := meter.Float64Counter("llm.cost.total",
		metric.WithDescription("Cumulative LLM cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	toolExecutions, err := meter.Int64Counter("tool.executions",
		metric.WithDescription("Tool execution count"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	embedRequests, err := meter.Int64Counter("embedding.requests",
		metric.WithDescription("Embedding request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	toolDuration, err := meter.Float64Histogram("tool.duration",
		metric.WithDescription("Tool execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	embedDuration, err := meter.Float64Histogram("embedding.duration",
		metric.WithDescription("Embedding call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	sessionExecutions, err := meter.Int64Counter("session.executions",
		metric.WithDescription("Session count by final status"),
		metric.WithUnit("{session}"))
	if err != nil {
		return nil, err
	}

	sessionDuration, err := meter.Float64Histogram("session.duration",
		metric.WithDescription("Session wall time from start to end"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	sessionTurns, err := meter.Int64Histogram("session.turns",
		metric.WithDescription("Model turns per session"),
		metric.WithUnit("{turn}"))
	if err != nil {
		return nil, err
	}

	sessionCost, err := meter.Float64Histogram("session.cost",
		metric.WithDescription("Session cost in USD"),
		metric.WithUnit("USD"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		TokenUsage:        tokenUsage,
		CostTotal:         costTotal,
		LLMRequests:       llmRequests,
		ToolExecutions:    toolExecutions,
		EmbedRequests:     embedRequests,
		LLMDuration:       llmDuration,
		ToolDuration:      toolDuration,
		EmbedDuration:     embedDuration,
		SessionExecutions: sessionExecutions,
		SessionDuration:   sessionDuration,
		SessionTurns:      sessionTurns,
		SessionCost:       sessionCost,
		Pricing:           pricing,
	}, nil
}
