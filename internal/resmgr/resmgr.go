// Package resmgr implements the resource-manager poller (C5): a long-lived
// RDMA connection upstream to the cluster resource manager, polled on a
// bounded timer (a timed wait on a fabric wait set, or a plain sleep when no
// wait set is available) rather than spinning, decoding LeaseGrant messages
// found on each pass. The wait set is not bound to the completion queue, so
// an arriving grant does not wake the loop early. The executor manager does not act on a grant beyond logging
// it; scheduling leases into admission decisions is out of scope here.
package resmgr

import (
	"errors"
	"fmt"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/internal/wire"
)

// PollTimeout is the default wait-set timeout between re-arm attempts.
const PollTimeout = 250 * time.Millisecond

// Settings configures the upstream connection to the resource manager.
type Settings struct {
	// Provider is the libfabric provider to discover with, e.g. "sockets"
	// or "verbs". Empty lets the provider be chosen by the library.
	Provider string
	// Node and Service address the resource manager's passive endpoint.
	Node    string
	Service string
	// Secret is this manager's own CM private-data value, advertised on
	// connect so the resource manager can identify which executor manager
	// is dialing in.
	Secret uint32
	// PollTimeout overrides the default wait-set timeout.
	PollTimeout time.Duration
}

// Worker owns the upstream connection and its poll loop.
type Worker struct {
	discovery *fi.Discovery
	fabric    *fi.Fabric
	domain    *fi.Domain
	ep        *fi.Endpoint
	cq        *fi.CompletionQueue
	eq        *fi.EventQueue
	waitSet   *fi.WaitSet

	settings Settings
	logger   telemetry.Logger
	metrics  telemetry.MetricHook
}

// Connect discovers the resource manager's descriptor, opens a MSG
// endpoint, connects using the worker's own secret, waits for the
// connection to establish, and primes a receive for the first LeaseGrant.
func Connect(settings Settings, logger telemetry.Logger, metrics telemetry.MetricHook) (*Worker, error) {
	if settings.PollTimeout <= 0 {
		settings.PollTimeout = PollTimeout
	}

	opts := []fi.DiscoverOption{
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithNode(settings.Node),
		fi.WithService(settings.Service),
	}
	if settings.Provider != "" {
		opts = append(opts, fi.WithProvider(settings.Provider))
	}
	discovery, err := fi.DiscoverDescriptors(opts...)
	if err != nil {
		return nil, fmt.Errorf("resmgr: discover: %w", err)
	}
	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		discovery.Close()
		return nil, errors.New("resmgr: no descriptors for resource manager address")
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		discovery.Close()
		return nil, fmt.Errorf("resmgr: open fabric: %w", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: open domain: %w", err)
	}
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: open completion queue: %w", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: open event queue: %w", err)
	}
	ep, err := desc.OpenEndpoint(domain)
	if err != nil {
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: open endpoint: %w", err)
	}
	if err := ep.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: bind completion queue: %w", err)
	}
	if err := ep.BindEventQueue(eq, 0); err != nil {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: bind event queue: %w", err)
	}
	if err := ep.Enable(); err != nil {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: enable endpoint: %w", err)
	}
	if err := ep.Connect(wire.EncodePrivateData(settings.Secret)); err != nil {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: connect: %w", err)
	}
	if err := waitForConnected(eq, 10*time.Second); err != nil {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		return nil, fmt.Errorf("resmgr: %w", err)
	}

	waitSet, err := fabric.OpenWaitSet(&fi.WaitAttr{WaitObj: fi.WaitFD})
	if err != nil {
		// Wait sets are an optimization some providers lack; fall back to a
		// plain polling loop rather than failing the connection.
		waitSet = nil
	}

	w := &Worker{
		discovery: discovery,
		fabric:    fabric,
		domain:    domain,
		ep:        ep,
		cq:        cq,
		eq:        eq,
		waitSet:   waitSet,
		settings:  settings,
		logger:    logger,
		metrics:   metrics,
	}

	if err := w.rearm(); err != nil {
		w.Close()
		return nil, fmt.Errorf("resmgr: prime lease receive: %w", err)
	}
	return w, nil
}

func waitForConnected(eq *fi.EventQueue, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		evt, err := eq.ReadCM(100 * time.Millisecond)
		if err != nil {
			if errors.Is(err, fi.ErrNoEvent) {
				continue
			}
			return err
		}
		if evt == nil {
			continue
		}
		typ := evt.Type()
		evt.Free()
		if typ == fi.ConnectionEventConnected {
			return nil
		}
		if typ == fi.ConnectionEventShutdown {
			return errors.New("connection closed during handshake")
		}
	}
	return errors.New("connect timeout exceeded")
}

func (w *Worker) rearm() error {
	buf := make([]byte, wire.LeaseGrantSize)
	ctx, err := w.ep.PostRecv(&fi.RecvRequest{Buffer: buf})
	if err != nil {
		return err
	}
	ctx.SetValue(buf)
	return nil
}

// Run blocks waiting for and logging LeaseGrant messages until stopped
// reports true. Each received grant is immediately re-armed for the next.
func (w *Worker) Run(stopped func() bool) {
	for {
		if stopped() {
			return
		}
		if w.waitSet != nil {
			if err := w.waitSet.Wait(w.settings.PollTimeout); err != nil {
				if !errors.Is(err, fi.ErrTimeout) {
					w.logf("resmgr: wait set error: %v", err)
				}
			}
		} else {
			time.Sleep(w.settings.PollTimeout)
		}
		w.drain()
	}
}

func (w *Worker) drain() {
	for {
		evt, err := w.cq.ReadContext()
		if err != nil {
			if !errors.Is(err, fi.ErrNoCompletion) {
				w.logf("resmgr: completion queue read failed: %v", err)
			}
			return
		}
		ctx, err := evt.Resolve()
		if err != nil {
			w.logf("resmgr: unresolved lease completion: %v", err)
			continue
		}
		buf, ok := ctx.Value().([]byte)
		if !ok {
			continue
		}
		grant, err := wire.DecodeLeaseGrant(buf)
		if err != nil {
			w.logf("resmgr: malformed lease grant: %v", err)
		} else {
			w.logf("resmgr: lease grant received lease_id=%d cores=%d memory=%d", grant.LeaseID, grant.Cores, grant.Memory)
			if w.metrics != nil {
				w.metrics.LeaseGrantReceived(nil)
			}
		}
		if err := w.rearm(); err != nil {
			w.logf("resmgr: re-arm lease receive failed: %v", err)
		}
	}
}

// Close tears down the upstream connection and its fabric resources.
func (w *Worker) Close() error {
	if w == nil {
		return nil
	}
	var errs []error
	if w.waitSet != nil {
		if err := w.waitSet.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.ep != nil {
		if err := w.ep.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.eq != nil {
		if err := w.eq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.cq != nil {
		if err := w.cq.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.domain != nil {
		if err := w.domain.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.fabric != nil {
		if err := w.fabric.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if w.discovery != nil {
		w.discovery.Close()
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Debugf(format, args...)
}
