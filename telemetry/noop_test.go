package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/theater-run/theater/telemetry"
)

func TestNoopLogger(t *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(t *testing.T) {
	metrics := telemetry.NewNoopMetrics()

	metrics.IncCounter("test.counter", 1.0, "env", "test")
	metrics.RecordTimer("test.timer", 100*time.Millisecond, "env", "test")
	metrics.RecordGauge("test.gauge", 42.0, "env", "test")
}

func TestNoopTracer(t *testing.T) {
	tracer := telemetry.NewNoopTracer()
	ctx, span := tracer.Start(context.Background(), "operation")
	span.AddEvent("step", "k", "v")
	span.SetStatus(codes.Ok, "done")
	span.RecordError(errors.New("boom"))
	span.End()

	if got := tracer.Span(ctx); got == nil {
		t.Fatal("Span should never return nil")
	}
}
