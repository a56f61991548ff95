package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// brokenMeter refuses to create counters.
type brokenMeter struct{ noop.Meter }

func (brokenMeter) Int64Counter(string, ...metric.Int64CounterOption) (metric.Int64Counter, error) {
	return nil, errors.New("instrument rejected")
}

type brokenProvider struct{ noop.MeterProvider }

func (brokenProvider) Meter(string, ...metric.MeterOption) metric.Meter { return brokenMeter{} }

func TestNopRecordsWithoutPanicking(t *testing.T) {
	tel := Nop()
	ctx, span := tel.Start(context.Background(), "workflow.run")
	defer span.End()

	assert.NotPanics(t, func() {
		tel.ProviderCall(ctx, "default", "ok", time.Second)
		tel.Run(ctx, "run", "completed")
		tel.TaskStarted(ctx)
		tel.TaskFinished(ctx)
		tel.StreamFlush(ctx)
	})
}

func TestRejectedInstrumentsFallBack(t *testing.T) {
	tel := NewWithProviders(brokenProvider{}, tracenoop.NewTracerProvider())
	assert.NotNil(t, tel.providerCalls)
	assert.NotNil(t, tel.runs)
	assert.NotNil(t, tel.streamFlushes)
	assert.NotPanics(t, func() { tel.Run(context.Background(), "run", "failed") })
}
