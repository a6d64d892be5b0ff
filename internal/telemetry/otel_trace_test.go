package telemetry

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestOTelTracerRecordsSpanOnSuccess(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := NewOTelTracer(OTelTracerOptions{TracerProvider: provider, Name: "test"})

	span := tracer.StartSpan("executor", TraceAttribute{Key: "qp_num", Value: uint32(7)})
	span.AddEvent("back_channel_attached")
	span.End(nil)

	if err := provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Name != "executor" {
		t.Fatalf("expected span name %q, got %q", "executor", spans[0].Name)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "back_channel_attached" {
		t.Fatalf("expected one back_channel_attached event, got %+v", spans[0].Events)
	}
}

func TestOTelTracerRecordsErrorStatus(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	tracer := NewOTelTracer(OTelTracerOptions{TracerProvider: provider})

	span := tracer.StartSpan("executor")
	span.End(errors.New("exit code 1"))

	if err := provider.ForceFlush(context.Background()); err != nil {
		t.Fatalf("force flush: %v", err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 recorded span, got %d", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Fatalf("expected span status Error, got %v", spans[0].Status.Code)
	}
}
