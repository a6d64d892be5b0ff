package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelTracerOptions configures NewOTelTracer.
type OTelTracerOptions struct {
	TracerProvider oteltrace.TracerProvider
	Name           string
}

var (
	_ Tracer = (*OTelTracer)(nil)
	_ Span   = (*otelSpan)(nil)
)

// OTelTracer implements Tracer on top of an OpenTelemetry TracerProvider.
type OTelTracer struct {
	tracer oteltrace.Tracer
}

// NewOTelTracer constructs a Tracer backed by OpenTelemetry spans.
func NewOTelTracer(opts OTelTracerOptions) *OTelTracer {
	provider := opts.TracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	name := opts.Name
	if name == "" {
		name = "github.com/rfaas/execmgr"
	}
	return &OTelTracer{tracer: provider.Tracer(name)}
}

func (t *OTelTracer) StartSpan(name string, attrs ...TraceAttribute) Span {
	_, span := t.tracer.Start(context.Background(), name, oteltrace.WithAttributes(toOtelAttributes(attrs)...))
	return &otelSpan{span: span}
}

type otelSpan struct {
	span oteltrace.Span
}

func (s *otelSpan) End(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
}

func (s *otelSpan) AddEvent(name string, attrs ...TraceAttribute) {
	s.span.AddEvent(name, oteltrace.WithAttributes(toOtelAttributes(attrs)...))
}

func (s *otelSpan) RecordError(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func toOtelAttributes(attrs []TraceAttribute) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			kvs = append(kvs, attribute.String(a.Key, v))
		case int:
			kvs = append(kvs, attribute.Int(a.Key, v))
		case int64:
			kvs = append(kvs, attribute.Int64(a.Key, v))
		case uint32:
			kvs = append(kvs, attribute.Int64(a.Key, int64(v)))
		case float64:
			kvs = append(kvs, attribute.Float64(a.Key, v))
		case bool:
			kvs = append(kvs, attribute.Bool(a.Key, v))
		default:
			kvs = append(kvs, attribute.String(a.Key, fmt.Sprint(v)))
		}
	}
	return kvs
}
