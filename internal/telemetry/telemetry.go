// Package telemetry carries the ambient logging, metrics, and tracing hooks
// shared by the manager's three worker loops. None of it is on the hot
// decision path described by the spec; it exists so operators can see what
// the manager is doing without the core logic depending on a specific
// backend.
package telemetry

import "fmt"

// Logger provides unstructured debug-oriented logging.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
	Infow(msg string, keyvals ...any)
	Warnw(msg string, keyvals ...any)
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute is a single tracing attribute attached to a span or event.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans wrapping a unit of manager activity (a connection
// lifecycle, an executor lifecycle).
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records the lifecycle, events, and errors of one traced unit of work.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures executor-manager telemetry events. Implementations
// must be safe for concurrent use: C3, C4, and C5 all call into the same
// hook instance from their own goroutines.
type MetricHook interface {
	ClientConnected(attrs map[string]string)
	ClientRejected(reason string, attrs map[string]string)
	ClientDisconnected(attrs map[string]string)
	ExecutorSpawned(attrs map[string]string)
	ExecutorSpawnFailed(err error, attrs map[string]string)
	ExecutorReaped(status string, attrs map[string]string)
	AllocationTimeAccrued(microseconds float64, attrs map[string]string)
	LeaseGrantReceived(attrs map[string]string)
	ControlQueueDepth(depth int)
	RegistrySize(size int)
}

// Field is a single structured log field, used to build both Debugw-style
// key/value pairs and Debugf-style formatted strings from one call site.
type Field struct {
	Key   string
	Value any
}

// KV constructs a Field.
func KV(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// LogEvent emits event at debug level through sl if present, falling back to
// l's formatted Debugf. Passing both is fine; sl is preferred when set.
func LogEvent(l Logger, sl StructuredLogger, msg string, event string, fields ...Field) {
	if sl != nil {
		kv := make([]any, 0, len(fields)*2+2)
		kv = append(kv, "event", event)
		for _, f := range fields {
			if f.Key == "" {
				continue
			}
			kv = append(kv, f.Key, f.Value)
		}
		sl.Debugw(msg, kv...)
		return
	}
	if l == nil {
		return
	}
	line := event
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		line += " " + f.Key + "=" + fmt.Sprint(f.Value)
	}
	l.Debugf("%s %s", msg, line)
}

// SpanAddEvent is a nil-safe helper for recording a span event from fields.
func SpanAddEvent(span Span, name string, fields ...Field) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

// SpanRecordError is a nil-safe helper for recording an error on a span.
func SpanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...Field) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: f.Key, Value: f.Value})
	}
	return attrs
}

// Attrs builds a metric attribute map from a base set of fields, skipping
// empty keys.
func Attrs(fields ...Field) map[string]string {
	attrs := make(map[string]string, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		attrs[f.Key] = fmt.Sprint(f.Value)
	}
	return attrs
}
