// Package telemetry holds the OpenTelemetry instruments shared by the
// gateway, orchestrator and task runner. Without an SDK installed the global
// providers are no-ops.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "ai-workflows/backend"

// Telemetry bundles a tracer and the service's metric instruments.
type Telemetry struct {
	tracer          trace.Tracer
	providerCalls   metric.Int64Counter
	providerLatency metric.Float64Histogram
	runs            metric.Int64Counter
	activeTasks     metric.Int64UpDownCounter
	streamFlushes   metric.Int64Counter
}

// New builds instruments from the global meter and tracer providers.
func New() *Telemetry {
	return NewWithProviders(otel.GetMeterProvider(), otel.GetTracerProvider())
}

// Nop returns instruments that record nothing.
func Nop() *Telemetry {
	return NewWithProviders(noop.NewMeterProvider(), nil)
}

// NewWithProviders builds instruments from explicit providers. A nil tracer
// provider falls back to the global one.
func NewWithProviders(mp metric.MeterProvider, tp trace.TracerProvider) *Telemetry {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	meter := mp.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}
	var err error
	if t.providerCalls, err = meter.Int64Counter("aiwf.provider.calls",
		metric.WithDescription("Provider invocations by outcome")); err != nil {
		t.providerCalls, _ = fallback.Int64Counter("aiwf.provider.calls")
	}
	if t.providerLatency, err = meter.Float64Histogram("aiwf.provider.duration",
		metric.WithUnit("s"), metric.WithDescription("Provider stream duration")); err != nil {
		t.providerLatency, _ = fallback.Float64Histogram("aiwf.provider.duration")
	}
	if t.runs, err = meter.Int64Counter("aiwf.workflow.runs",
		metric.WithDescription("Workflow actions by status")); err != nil {
		t.runs, _ = fallback.Int64Counter("aiwf.workflow.runs")
	}
	if t.activeTasks, err = meter.Int64UpDownCounter("aiwf.tasks.active",
		metric.WithDescription("Asynchronous tasks currently running")); err != nil {
		t.activeTasks, _ = fallback.Int64UpDownCounter("aiwf.tasks.active")
	}
	if t.streamFlushes, err = meter.Int64Counter("aiwf.stream.flushes",
		metric.WithDescription("Flushes of streamed responses")); err != nil {
		t.streamFlushes, _ = fallback.Int64Counter("aiwf.stream.flushes")
	}
	return t
}

// Start opens a span.
func (t *Telemetry) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// ProviderCall records one provider stream.
func (t *Telemetry) ProviderCall(ctx context.Context, provider, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("provider", provider), attribute.String("outcome", outcome))
	t.providerCalls.Add(ctx, 1, attrs)
	t.providerLatency.Record(ctx, d.Seconds(), attrs)
}

// Run records a finished workflow action.
func (t *Telemetry) Run(ctx context.Context, action, status string) {
	t.runs.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action), attribute.String("status", status)))
}

// TaskStarted and TaskFinished track running asynchronous tasks.
func (t *Telemetry) TaskStarted(ctx context.Context)  { t.activeTasks.Add(ctx, 1) }
func (t *Telemetry) TaskFinished(ctx context.Context) { t.activeTasks.Add(ctx, -1) }

// StreamFlush counts one flush of a streamed response.
func (t *Telemetry) StreamFlush(ctx context.Context) { t.streamFlushes.Add(ctx, 1) }
