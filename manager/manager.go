// Package manager implements the top-level executor manager (C7): it owns
// the client registry and control queue, opens the passive endpoint
// listened on by executors and clients, starts the connection listener,
// RDMA poller, and resource-manager poller threads, and orchestrates their
// shutdown, following the setup sequence the teacher's client.Listen uses
// around fi.Discovery/fi.Fabric/fi.Domain/fi.PassiveEndpoint.
package manager

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/controlqueue"
	"github.com/rfaas/execmgr/internal/launcher"
	"github.com/rfaas/execmgr/internal/listener"
	"github.com/rfaas/execmgr/internal/poller"
	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/resmgr"
	"github.com/rfaas/execmgr/internal/telemetry"
)

// Settings configures every owned component. It is the union of the
// listener, poller, launcher, and resource-manager settings, flattened into
// one struct the way the teacher's top-level configs tend to compose
// sub-package option structs by value.
type Settings struct {
	// Provider, Node, and Service address the manager's own passive
	// endpoint, the one clients and executor back-channels dial into.
	Provider string
	Node     string
	Service  string

	// ControlQueueCapacity bounds the bounded MPSC queue between C4 and C3.
	ControlQueueCapacity int
	// AllocationSlots is the number of AllocationRequest receive slots
	// primed per newly accepted client.
	AllocationSlots int
	// MaxClients bounds the registry. Zero means unbounded.
	MaxClients int

	// PollTimeout overrides the default 100ms polling timeout shared by the
	// listener and RDMA poller loops.
	PollTimeout time.Duration

	Launcher launcher.Settings

	// ResourceManager is the upstream resource-manager's address. A zero
	// value Service leaves C5 disabled, since there is nothing to connect
	// to; the manager then runs with only the listener and RDMA poller.
	ResourceManager resmgr.Settings
}

// Manager owns C1 (registry), C2 (control queue), and the three worker
// threads (C4 listener, C3 RDMA poller, C5 resource-manager poller), plus
// the fabric resources their shared passive endpoint depends on.
type Manager struct {
	settings Settings
	logger   telemetry.Logger
	metrics  telemetry.MetricHook
	tracer   telemetry.Tracer

	discovery *fi.Discovery
	fabric    *fi.Fabric
	domain    *fi.Domain
	eq        *fi.EventQueue
	pep       *fi.PassiveEndpoint

	registry *registry.ClientRegistry
	queue    *controlqueue.Queue
	launch   *launcher.Launcher

	listener *listener.Listener
	poller   *poller.Poller
	resmgr   *resmgr.Worker

	shutdown     atomic.Bool
	resmgrDone   chan struct{}
	listenerDone chan struct{}
	pollerDone   chan struct{}
}

// New opens the shared passive endpoint, constructs the registry and
// control queue, connects upstream to the resource manager if configured,
// and wires the listener and poller around them. The manager is not
// running until Start is called.
func New(settings Settings, logger telemetry.Logger, metrics telemetry.MetricHook, tracer telemetry.Tracer) (*Manager, error) {
	if settings.Service == "" {
		return nil, errors.New("manager: service required")
	}
	if settings.ControlQueueCapacity <= 0 {
		settings.ControlQueueCapacity = 256
	}

	opts := []fi.DiscoverOption{
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithService(settings.Service),
	}
	if settings.Provider != "" {
		opts = append(opts, fi.WithProvider(settings.Provider))
	}
	if settings.Node != "" {
		opts = append(opts, fi.WithNode(settings.Node))
	}

	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("manager: discover descriptors: %w", err)
	}
	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		discovery.Close()
		return nil, fmt.Errorf("manager: no descriptors found for provider %s", settings.Provider)
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		discovery.Close()
		return nil, fmt.Errorf("manager: open fabric: %w", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("manager: open domain: %w", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("manager: open event queue: %w", err)
	}
	pep, err := desc.OpenPassiveEndpoint(fabric)
	if err != nil {
		eq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("manager: open passive endpoint: %w", err)
	}
	if err := pep.BindEventQueue(eq, 0); err != nil {
		pep.Close()
		eq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("manager: bind event queue: %w", err)
	}
	if err := pep.Listen(); err != nil {
		pep.Close()
		eq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("manager: listen: %w", err)
	}

	reg := registry.New()
	queue := controlqueue.New(settings.ControlQueueCapacity)
	launch := launcher.New(settings.Launcher)

	l := listener.New(domain, pep, eq, queue, listener.Settings{
		AllocationSlots: settings.AllocationSlots,
		PollTimeout:     settings.PollTimeout,
	}, logger, metrics)

	p := poller.New(reg, queue, launch, poller.Settings{
		MaxClients:     settings.MaxClients,
		PollTimeout:    settings.PollTimeout,
		ManagerAddress: settings.Node,
		ManagerPort:    servicePort(settings.Service),
	}, logger, metrics, tracer)

	m := &Manager{
		settings:     settings,
		logger:       logger,
		metrics:      metrics,
		tracer:       tracer,
		discovery:    discovery,
		fabric:       fabric,
		domain:       domain,
		eq:           eq,
		pep:          pep,
		registry:     reg,
		queue:        queue,
		launch:       launch,
		listener:     l,
		poller:       p,
		listenerDone: make(chan struct{}),
		pollerDone:   make(chan struct{}),
	}

	if settings.ResourceManager.Service != "" {
		worker, err := resmgr.Connect(settings.ResourceManager, logger, metrics)
		if err != nil {
			m.closeFabric()
			return nil, fmt.Errorf("manager: connect resource manager: %w", err)
		}
		m.resmgr = worker
	}

	return m, nil
}

// servicePort best-effort parses a numeric service string for advertisement
// to spawned executors. A non-numeric service (a named port) is left as 0;
// executors dialing back by name rather than port are out of scope here.
func servicePort(service string) int {
	port := 0
	for _, c := range service {
		if c < '0' || c > '9' {
			return 0
		}
		port = port*10 + int(c-'0')
	}
	return port
}

// Start launches the connection listener, RDMA poller, and (if connected)
// resource-manager poller threads. It returns immediately; each thread runs
// until Shutdown is called.
func (m *Manager) Start() {
	go func() {
		defer close(m.listenerDone)
		m.listener.Run(m.shutdown.Load)
	}()
	go func() {
		defer close(m.pollerDone)
		m.poller.Run(m.shutdown.Load)
	}()
	if m.resmgr != nil {
		m.resmgrDone = make(chan struct{})
		go func() {
			defer close(m.resmgrDone)
			m.resmgr.Run(m.shutdown.Load)
		}()
	}
}

// Shutdown sets the shared atomic flag observed by all three loops and
// joins them in res-mgr, listener, rdma-poller order, so any CONNECT the
// listener enqueues before it exits is still delivered to the registry
// while the RDMA poller's own loop is still draining the control queue.
func (m *Manager) Shutdown() {
	m.shutdown.Store(true)
	if m.resmgrDone != nil {
		<-m.resmgrDone
	}
	<-m.listenerDone
	<-m.pollerDone
	m.queue.Close()
	m.closeFabric()
}

func (m *Manager) closeFabric() {
	if m.resmgr != nil {
		_ = m.resmgr.Close()
	}
	if m.pep != nil {
		_ = m.pep.Close()
	}
	if m.eq != nil {
		_ = m.eq.Close()
	}
	if m.domain != nil {
		_ = m.domain.Close()
	}
	if m.fabric != nil {
		_ = m.fabric.Close()
	}
	if m.discovery != nil {
		m.discovery.Close()
	}
}

// Registry exposes the client registry for diagnostics and tests.
func (m *Manager) Registry() *registry.ClientRegistry { return m.registry }
