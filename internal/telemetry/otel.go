package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry instruments.
type OTelMetrics struct {
	meter                metric.Meter
	clientConnected      metric.Int64Counter
	clientRejected       metric.Int64Counter
	clientDisconnected   metric.Int64Counter
	executorSpawned      metric.Int64Counter
	executorSpawnFailed  metric.Int64Counter
	executorReaped       metric.Int64Counter
	allocationTimeMicros metric.Float64Histogram
	leaseGrantReceived   metric.Int64Counter
	controlQueueDepth    metric.Int64Gauge
	registrySize         metric.Int64Gauge
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rfaas/execmgr"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	clientConnected, err := meter.Int64Counter("execmgr.client.connected")
	if err != nil {
		return nil, err
	}
	clientRejected, err := meter.Int64Counter("execmgr.client.rejected")
	if err != nil {
		return nil, err
	}
	clientDisconnected, err := meter.Int64Counter("execmgr.client.disconnected")
	if err != nil {
		return nil, err
	}
	executorSpawned, err := meter.Int64Counter("execmgr.executor.spawned")
	if err != nil {
		return nil, err
	}
	executorSpawnFailed, err := meter.Int64Counter("execmgr.executor.spawn_failed")
	if err != nil {
		return nil, err
	}
	executorReaped, err := meter.Int64Counter("execmgr.executor.reaped")
	if err != nil {
		return nil, err
	}
	allocationTimeMicros, err := meter.Float64Histogram("execmgr.allocation_time_microseconds")
	if err != nil {
		return nil, err
	}
	leaseGrantReceived, err := meter.Int64Counter("execmgr.lease_grant.received")
	if err != nil {
		return nil, err
	}
	controlQueueDepth, err := meter.Int64Gauge("execmgr.control_queue.depth")
	if err != nil {
		return nil, err
	}
	registrySize, err := meter.Int64Gauge("execmgr.registry.size")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:                meter,
		clientConnected:      clientConnected,
		clientRejected:       clientRejected,
		clientDisconnected:   clientDisconnected,
		executorSpawned:      executorSpawned,
		executorSpawnFailed:  executorSpawnFailed,
		executorReaped:       executorReaped,
		allocationTimeMicros: allocationTimeMicros,
		leaseGrantReceived:   leaseGrantReceived,
		controlQueueDepth:    controlQueueDepth,
		registrySize:         registrySize,
	}, nil
}

func (o *OTelMetrics) ClientConnected(attrs map[string]string) {
	o.clientConnected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ClientRejected(reason string, attrs map[string]string) {
	kvs := append(otelAttrs(attrs), attribute.String("reason", reason))
	o.clientRejected.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (o *OTelMetrics) ClientDisconnected(attrs map[string]string) {
	o.clientDisconnected.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ExecutorSpawned(attrs map[string]string) {
	o.executorSpawned.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ExecutorSpawnFailed(_ error, attrs map[string]string) {
	o.executorSpawnFailed.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ExecutorReaped(status string, attrs map[string]string) {
	kvs := append(otelAttrs(attrs), attribute.String("status", status))
	o.executorReaped.Add(context.Background(), 1, metric.WithAttributes(kvs...))
}

func (o *OTelMetrics) AllocationTimeAccrued(microseconds float64, attrs map[string]string) {
	o.allocationTimeMicros.Record(context.Background(), microseconds, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) LeaseGrantReceived(attrs map[string]string) {
	o.leaseGrantReceived.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

func (o *OTelMetrics) ControlQueueDepth(depth int) {
	o.controlQueueDepth.Record(context.Background(), int64(depth))
}

func (o *OTelMetrics) RegistrySize(size int) {
	o.registrySize.Record(context.Background(), int64(size))
}

func otelAttrs(attrs map[string]string) []attribute.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		kvs = append(kvs, attribute.String(k, v))
	}
	return kvs
}
