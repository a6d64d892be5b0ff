// Package listener implements the connection listener (C4): it owns the
// RDMA connection-management event source and converts each event into a
// control message for the poller, following the accept/reject loop the
// teacher's client package uses around fi.EventQueue.ReadCM.
package listener

import (
	"errors"
	"fmt"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/controlqueue"
	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/internal/wire"
)

// PollTimeout is the default bounded-blocking timeout used while reading CM
// events, chosen so shutdown is observed promptly.
const PollTimeout = 100 * time.Millisecond

// Settings configures the listener's receive-side resources for newly
// accepted clients.
type Settings struct {
	// AllocationSlots is the number of AllocationRequest receive slots primed
	// per new client before it is handed to the poller.
	AllocationSlots int
	// PollTimeout overrides the default CM polling timeout.
	PollTimeout time.Duration
}

// Listener drains RDMA connection-management events and classifies them
// into controlqueue.Message values.
type Listener struct {
	domain   *fi.Domain
	pep      *fi.PassiveEndpoint
	eq       *fi.EventQueue
	queue    *controlqueue.Queue
	settings Settings
	logger   telemetry.Logger
	metrics  telemetry.MetricHook
}

// New constructs a Listener bound to an already-listening passive endpoint.
func New(domain *fi.Domain, pep *fi.PassiveEndpoint, eq *fi.EventQueue, queue *controlqueue.Queue, settings Settings, logger telemetry.Logger, metrics telemetry.MetricHook) *Listener {
	if settings.PollTimeout <= 0 {
		settings.PollTimeout = PollTimeout
	}
	if settings.AllocationSlots <= 0 {
		settings.AllocationSlots = 1
	}
	return &Listener{
		domain:   domain,
		pep:      pep,
		eq:       eq,
		queue:    queue,
		settings: settings,
		logger:   logger,
		metrics:  metrics,
	}
}

// connHandle adapts a libfabric endpoint into the registry.Connection and
// registry.BackChannel interfaces: QPNum, Accept, PostRecv, and Close for
// Connection, and QPNum alone for BackChannel.
type connHandle struct {
	ep *fi.Endpoint
}

func (c *connHandle) QPNum() uint32              { return c.ep.QPNum() }
func (c *connHandle) Accept(params []byte) error { return c.ep.Accept(params) }
func (c *connHandle) PostRecv(buf []byte) (*fi.CompletionContext, error) {
	return c.ep.PostRecv(&fi.RecvRequest{Buffer: buf})
}
func (c *connHandle) Close() error { return c.ep.Close() }

// Run blocks draining CM events and emitting control messages until stopped
// reports true. It returns when stopped() is true and the current poll
// iteration has finished.
func (l *Listener) Run(stopped func() bool) {
	for {
		if stopped() {
			return
		}
		evt, err := l.eq.ReadCM(l.settings.PollTimeout)
		if err != nil {
			if errors.Is(err, fi.ErrNoEvent) {
				continue
			}
			l.logf("listener: CM read error: %v", err)
			continue
		}
		if evt == nil {
			// Transient: a null connection from the event source is logged
			// and ignored, never enqueued.
			l.logf("listener: nil CM event")
			continue
		}
		l.handle(evt)
	}
}

func (l *Listener) handle(evt *fi.ConnectionEvent) {
	switch evt.Type() {
	case fi.ConnectionEventConnReq:
		l.handleConnReq(evt)
	case fi.ConnectionEventShutdown:
		defer evt.Free()
		l.enqueueDisconnect(evt)
	case fi.ConnectionEventConnected:
		defer evt.Free()
		l.logf("listener: connection established")
	default:
		evt.Free()
	}
}

func (l *Listener) handleConnReq(evt *fi.ConnectionEvent) {
	secret := wire.DecodePrivateData(evt.Data())

	if !secret.IsNewClient() {
		// Executor back-channel arrival. Whether to accept or reject depends
		// on whether the target client is still registered, which only C3
		// can answer; the event (and the fi_info it owns) is handed off
		// un-freed and opened lazily by whichever side decides.
		l.enqueue(controlqueue.Message{
			Op:     controlqueue.Connect,
			Conn:   &BareConnection{evt: evt, domain: l.domain, pep: l.pep, eq: l.eq},
			Secret: uint32(secret),
		})
		return
	}

	defer evt.Free()
	ep, err := evt.OpenEndpoint(l.domain)
	if err != nil {
		l.logf("listener: open endpoint failed: %v", err)
		return
	}

	client, err := l.newClient(ep)
	if err != nil {
		l.logf("listener: new client setup failed: %v", err)
		_ = ep.Close()
		return
	}

	l.enqueue(controlqueue.Message{
		Op:        controlqueue.Connect,
		NewClient: client,
	})
}

// BareConnection carries a pending executor back-channel connection request
// whose accept/reject decision depends on registry state only C3 holds. The
// underlying fi_info is released by Accept or Reject, whichever runs.
type BareConnection struct {
	evt    *fi.ConnectionEvent
	domain *fi.Domain
	pep    *fi.PassiveEndpoint
	eq     *fi.EventQueue
}

// Accept opens and enables an endpoint for the pending request and
// acknowledges it, returning a handle usable as a registry.BackChannel.
func (b *BareConnection) Accept() (registry.BackChannel, error) {
	defer b.evt.Free()
	ep, err := b.evt.OpenEndpoint(b.domain)
	if err != nil {
		return nil, fmt.Errorf("bare connection: open endpoint: %w", err)
	}
	if err := ep.BindEventQueue(b.eq, 0); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("bare connection: bind event queue: %w", err)
	}
	if err := ep.Enable(); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("bare connection: enable endpoint: %w", err)
	}
	if err := ep.Accept(nil); err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("bare connection: accept: %w", err)
	}
	return &connHandle{ep: ep}, nil
}

// Reject declines the pending request on the passive endpoint that received
// it, carrying no reject payload.
func (b *BareConnection) Reject() error {
	defer b.evt.Free()
	return b.pep.Reject(b.evt, nil)
}

// newClient registers the allocation-request receive region and primes the
// full batch of receive work requests against it before the client is ever
// handed to C3 for accept. The receive queue must be primed before accept
// because the peer may send immediately upon seeing ESTABLISHED.
func (l *Listener) newClient(ep *fi.Endpoint) (*registry.Client, error) {
	cq, err := l.domain.OpenCompletionQueue(nil)
	if err != nil {
		return nil, fmt.Errorf("listener: open completion queue: %w", err)
	}
	if err := ep.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("listener: bind completion queue: %w", err)
	}
	// The accepted endpoint shares the listener's event queue so its own
	// CONNECTED/SHUTDOWN events surface through the same Run loop that reads
	// CM events off the passive endpoint.
	if err := ep.BindEventQueue(l.eq, 0); err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("listener: bind event queue: %w", err)
	}
	if err := ep.Enable(); err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("listener: enable endpoint: %w", err)
	}

	allocations, err := registry.NewAllocationRegion(l.domain, l.settings.AllocationSlots)
	if err != nil {
		_ = cq.Close()
		return nil, fmt.Errorf("listener: register allocation region: %w", err)
	}

	accounting, err := registry.NewAccounting(l.domain)
	if err != nil {
		_ = allocations.Close()
		_ = cq.Close()
		return nil, fmt.Errorf("listener: register accounting region: %w", err)
	}

	for i := 0; i < allocations.Slots(); i++ {
		slotCtx, err := ep.PostRecv(&fi.RecvRequest{Buffer: allocations.SlotBytes(i)})
		if err != nil {
			_ = accounting.Close()
			_ = allocations.Close()
			_ = cq.Close()
			return nil, fmt.Errorf("listener: prime receive slot %d: %w", i, err)
		}
		// The poller recovers which slot a completion belongs to from this
		// value, since the completion entry itself only carries the raw
		// context pointer.
		slotCtx.SetValue(i)
	}

	client := registry.NewClient(&connHandle{ep: ep}, allocations, accounting)
	client.ReceiveQueue = cq
	return client, nil
}

// enqueueDisconnect reports the qp_num of the connection that shut down.
// Shutdown events carry no private data of their own; the fid attached to
// the event is the same fid_ep pointer QPNum derives its surrogate from, so
// the disconnecting qp_num is recovered straight from the fid.
func (l *Listener) enqueueDisconnect(evt *fi.ConnectionEvent) {
	qpNum := fi.QPNumFromFID(evt.FID())
	l.enqueue(controlqueue.Message{
		Op:     controlqueue.Disconnect,
		Secret: qpNum,
	})
}

// enqueue blocks, with no timeout, while the control queue is full, until
// space frees up or the queue is closed. That is acceptable: the listener
// has no other work to make progress on.
func (l *Listener) enqueue(msg controlqueue.Message) {
	if !l.queue.Enqueue(msg) {
		l.logf("listener: control queue closed, dropping %v", msg.Op)
	}
}

func (l *Listener) logf(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Debugf(format, args...)
}
