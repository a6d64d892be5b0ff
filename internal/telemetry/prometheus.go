package telemetry

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters and gauges.
type PrometheusMetrics struct {
	clientConnected       *prometheus.CounterVec
	clientRejected        *prometheus.CounterVec
	clientDisconnected    *prometheus.CounterVec
	executorSpawned       *prometheus.CounterVec
	executorSpawnFailed   *prometheus.CounterVec
	executorReaped        *prometheus.CounterVec
	allocationTimeMicros  prometheus.Histogram
	leaseGrantReceived    *prometheus.CounterVec
	controlQueueDepth     prometheus.Gauge
	registrySize          prometheus.Gauge
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus collectors.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		clientConnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_client_connected_total",
			Help:        "Number of client connections accepted by the RDMA poller",
			ConstLabels: opts.ConstLabels,
		}, []string{"qp_num"}),
		clientRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_client_rejected_total",
			Help:        "Number of connections rejected by the RDMA poller, labeled by reason",
			ConstLabels: opts.ConstLabels,
		}, []string{"reason"}),
		clientDisconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_client_disconnected_total",
			Help:        "Number of clients removed from the registry on disconnect",
			ConstLabels: opts.ConstLabels,
		}, []string{"qp_num"}),
		executorSpawned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_executor_spawned_total",
			Help:        "Number of executor processes launched",
			ConstLabels: opts.ConstLabels,
		}, []string{"qp_num"}),
		executorSpawnFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_executor_spawn_failed_total",
			Help:        "Number of executor launch attempts that failed",
			ConstLabels: opts.ConstLabels,
		}, []string{"qp_num"}),
		executorReaped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_executor_reaped_total",
			Help:        "Number of executor processes reaped, labeled by terminal status",
			ConstLabels: opts.ConstLabels,
		}, []string{"status"}),
		allocationTimeMicros: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_allocation_time_microseconds",
			Help:        "Accrued allocation time per executor lifetime, in microseconds",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.ExponentialBuckets(10, 4, 10),
		}),
		leaseGrantReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_lease_grant_received_total",
			Help:        "Number of lease grants received from the resource manager",
			ConstLabels: opts.ConstLabels,
		}, []string{"lease_id"}),
		controlQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_control_queue_depth",
			Help:        "Current depth of the control queue",
			ConstLabels: opts.ConstLabels,
		}),
		registrySize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "execmgr_registry_size",
			Help:        "Current number of clients tracked in the registry",
			ConstLabels: opts.ConstLabels,
		}),
	}

	var err error
	if p.clientConnected, err = registerCounterVec(reg, p.clientConnected); err != nil {
		return nil, err
	}
	if p.clientRejected, err = registerCounterVec(reg, p.clientRejected); err != nil {
		return nil, err
	}
	if p.clientDisconnected, err = registerCounterVec(reg, p.clientDisconnected); err != nil {
		return nil, err
	}
	if p.executorSpawned, err = registerCounterVec(reg, p.executorSpawned); err != nil {
		return nil, err
	}
	if p.executorSpawnFailed, err = registerCounterVec(reg, p.executorSpawnFailed); err != nil {
		return nil, err
	}
	if p.executorReaped, err = registerCounterVec(reg, p.executorReaped); err != nil {
		return nil, err
	}
	if p.leaseGrantReceived, err = registerCounterVec(reg, p.leaseGrantReceived); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, p.allocationTimeMicros); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, p.controlQueueDepth); err != nil {
		return nil, err
	}
	if err := registerCollector(reg, p.registrySize); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *PrometheusMetrics) ClientConnected(attrs map[string]string) {
	p.clientConnected.With(labels(attrs, "qp_num")).Inc()
}

func (p *PrometheusMetrics) ClientRejected(reason string, attrs map[string]string) {
	labs := labels(attrs, "reason")
	labs["reason"] = reason
	p.clientRejected.With(labs).Inc()
}

func (p *PrometheusMetrics) ClientDisconnected(attrs map[string]string) {
	p.clientDisconnected.With(labels(attrs, "qp_num")).Inc()
}

func (p *PrometheusMetrics) ExecutorSpawned(attrs map[string]string) {
	p.executorSpawned.With(labels(attrs, "qp_num")).Inc()
}

func (p *PrometheusMetrics) ExecutorSpawnFailed(_ error, attrs map[string]string) {
	p.executorSpawnFailed.With(labels(attrs, "qp_num")).Inc()
}

func (p *PrometheusMetrics) ExecutorReaped(status string, attrs map[string]string) {
	labs := labels(attrs, "status")
	labs["status"] = status
	p.executorReaped.With(labs).Inc()
}

func (p *PrometheusMetrics) AllocationTimeAccrued(microseconds float64, _ map[string]string) {
	p.allocationTimeMicros.Observe(microseconds)
}

func (p *PrometheusMetrics) LeaseGrantReceived(attrs map[string]string) {
	p.leaseGrantReceived.With(labels(attrs, "lease_id")).Inc()
}

func (p *PrometheusMetrics) ControlQueueDepth(depth int) {
	p.controlQueueDepth.Set(float64(depth))
}

func (p *PrometheusMetrics) RegistrySize(size int) {
	p.registrySize.Set(float64(size))
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func registerCollector(reg prometheus.Registerer, c prometheus.Collector) error {
	if err := reg.Register(c); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return nil
		}
		return err
	}
	return nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
