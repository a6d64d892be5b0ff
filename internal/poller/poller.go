// Package poller implements the RDMA poller (C3), the center of the
// executor manager: it owns the client registry, decides accept/reject for
// every connection the listener hands it, drains clients' allocation
// requests, drives the executor launcher, and reaps finished executors.
package poller

import (
	"errors"
	"fmt"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/controlqueue"
	"github.com/rfaas/execmgr/internal/launcher"
	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/internal/wire"
)

// PollTimeout is the default control-queue dequeue timeout used while the
// registry is empty and there is nothing else to poll.
const PollTimeout = 100 * time.Millisecond

// Settings configures admission control and the coordinates an executor
// uses to dial its back-channel to the manager.
type Settings struct {
	// MaxClients bounds the registry. Zero means unbounded.
	MaxClients int
	// PollTimeout overrides the default control-queue idle timeout.
	PollTimeout time.Duration
	// ManagerAddress and ManagerPort are advertised to spawned executors as
	// the coordinates for their back-channel connection.
	ManagerAddress string
	ManagerPort    int
}

// pendingConnection is the subset of *listener.BareConnection the poller
// needs. Defined locally so this package does not depend on listener.
type pendingConnection interface {
	Accept() (registry.BackChannel, error)
	Reject() error
}

// Poller owns the client registry and runs C3's main loop.
type Poller struct {
	registry *registry.ClientRegistry
	queue    *controlqueue.Queue
	launcher *launcher.Launcher
	settings Settings
	logger   telemetry.Logger
	metrics  telemetry.MetricHook
	tracer   telemetry.Tracer
}

// New constructs a Poller. reg is typically freshly created; it is not
// safe for any other goroutine to touch once Run starts. tracer may be nil,
// in which case no spans are recorded.
func New(reg *registry.ClientRegistry, queue *controlqueue.Queue, l *launcher.Launcher, settings Settings, logger telemetry.Logger, metrics telemetry.MetricHook, tracer telemetry.Tracer) *Poller {
	if settings.PollTimeout <= 0 {
		settings.PollTimeout = PollTimeout
	}
	return &Poller{
		registry: reg,
		queue:    queue,
		launcher: l,
		settings: settings,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
	}
}

// Run blocks executing the control-intake, receive-drain, and
// executor-reaping cycle until stopped reports true.
func (p *Poller) Run(stopped func() bool) {
	for {
		if stopped() {
			return
		}
		p.tick()
	}
}

func (p *Poller) tick() {
	p.handleControl()
	now := time.Now()
	p.drainClients(now)
	p.reapExecutors(now)
	if p.metrics != nil {
		p.metrics.RegistrySize(p.registry.Len())
		p.metrics.ControlQueueDepth(p.queue.Len())
	}
}

// handleControl consumes at most one control message per tick. While the
// registry is empty it idle-sleeps on DequeueTimeout rather than spinning;
// once there are clients to poll it only peeks, so a slow or empty control
// queue never blocks the receive-drain and executor-reaping work below.
func (p *Poller) handleControl() {
	if p.registry.Len() == 0 {
		msg, ok := p.queue.DequeueTimeout(p.settings.PollTimeout)
		if !ok {
			return
		}
		p.dispatch(msg)
		return
	}
	msg, ok := p.queue.Peek()
	if !ok {
		return
	}
	p.dispatch(msg)
	p.queue.Pop()
}

func (p *Poller) dispatch(msg controlqueue.Message) {
	switch msg.Op {
	case controlqueue.Connect:
		if client, ok := msg.NewClient.(*registry.Client); ok && client != nil {
			p.admitNewClient(client)
			return
		}
		if pending, ok := msg.Conn.(pendingConnection); ok {
			p.admitBackChannel(pending, msg.Secret)
			return
		}
		p.logf("poller: CONNECT message carried neither a new client nor a pending connection")
	case controlqueue.Disconnect:
		p.handleDisconnect(msg.Secret)
	default:
		p.logf("poller: unrecognized control op %v", msg.Op)
	}
}

// admitNewClient accepts a freshly-opened client connection once registry
// capacity is confirmed. The listener never calls accept itself so that a
// client rejected here never reaches ESTABLISHED.
func (p *Poller) admitNewClient(client *registry.Client) {
	if p.settings.MaxClients > 0 && p.registry.Len() >= p.settings.MaxClients {
		p.logf("poller: registry full at %d clients, rejecting qp_num %d", p.settings.MaxClients, client.QPNum)
		if p.metrics != nil {
			p.metrics.ClientRejected("registry_full", nil)
		}
		_ = client.Disable()
		_ = client.Close()
		return
	}
	if err := client.Conn.Accept(nil); err != nil {
		p.logf("poller: accept failed for qp_num %d: %v", client.QPNum, err)
		_ = client.Close()
		return
	}
	p.registry.Insert(client)
	if p.metrics != nil {
		p.metrics.ClientConnected(nil)
	}
	if p.tracer != nil {
		client.ConnSpan = p.tracer.StartSpan("client_connection", telemetry.TraceAttribute{Key: "qp_num", Value: client.QPNum})
	}
}

// admitBackChannel decides accept/reject for an executor callback connection
// by looking up its target client's qp_num. A target with no client, or a
// client with no executor awaiting a back channel, is rejected.
func (p *Poller) admitBackChannel(pending pendingConnection, targetQPNum uint32) {
	client, ok := p.registry.Get(targetQPNum)
	if !ok || client.Executor == nil {
		if err := pending.Reject(); err != nil {
			p.logf("poller: reject back channel for qp_num %d: %v", targetQPNum, err)
		}
		if p.metrics != nil {
			p.metrics.ClientRejected("no_pending_executor", nil)
		}
		return
	}
	backChannel, err := pending.Accept()
	if err != nil {
		p.logf("poller: accept back channel for qp_num %d: %v", targetQPNum, err)
		return
	}
	if err := client.Executor.AttachBackChannel(backChannel); err != nil {
		p.logf("poller: attach back channel for qp_num %d: %v", targetQPNum, err)
		return
	}
	if client.ExecSpan != nil {
		client.ExecSpan.AddEvent("back_channel_attached")
	}
}

func (p *Poller) handleDisconnect(qpNum uint32) {
	client, ok := p.registry.Get(qpNum)
	if !ok {
		// Either an executor back channel, already-removed client, or a
		// shutdown racing the client's own teardown request.
		return
	}
	if client.ConnSpan != nil {
		client.ConnSpan.End(nil)
		client.ConnSpan = nil
	}
	_ = client.Disable()
	_ = client.Close()
	p.registry.Delete(qpNum)
	if p.metrics != nil {
		p.metrics.ClientDisconnected(nil)
	}
}

// drainClients decodes every pending AllocationRequest across all clients
// and dispatches it, then replenishes the receive slot it was decoded from.
// Clients that requested teardown are removed after the range completes;
// Range forbids mutating the registry while it is iterating.
func (p *Poller) drainClients(now time.Time) {
	var toRemove []uint32
	p.registry.Range(func(c *registry.Client) {
		if p.drainClient(c, now) {
			toRemove = append(toRemove, c.QPNum)
		}
	})
	for _, qp := range toRemove {
		if client, ok := p.registry.Get(qp); ok {
			if client.ConnSpan != nil {
				client.ConnSpan.End(nil)
				client.ConnSpan = nil
			}
			_ = client.Disable()
			_ = client.Close()
		}
		p.registry.Delete(qp)
	}
}

// drainClient processes every completed receive currently queued for c. It
// returns true if c requested teardown and should be removed.
func (p *Poller) drainClient(c *registry.Client, now time.Time) bool {
	if c.ReceiveQueue == nil || c.Allocations == nil {
		return false
	}
	teardown := false
	for {
		evt, err := c.ReceiveQueue.ReadContext()
		if err != nil {
			if !errors.Is(err, fi.ErrNoCompletion) {
				p.logf("poller: receive queue read failed for qp_num %d: %v", c.QPNum, err)
			}
			return teardown
		}
		ctx, err := evt.Resolve()
		if err != nil {
			p.logf("poller: unresolved receive completion for qp_num %d: %v", c.QPNum, err)
			continue
		}
		slot, ok := ctx.Value().(int)
		if !ok || slot < 0 || slot >= c.Allocations.Slots() {
			p.logf("poller: receive completion for qp_num %d carried no slot index", c.QPNum)
			continue
		}
		buf := c.Allocations.SlotBytes(slot)
		if req, err := wire.DecodeAllocationRequest(buf); err != nil {
			p.logf("poller: malformed allocation request from qp_num %d: %v", c.QPNum, err)
		} else if p.handleAllocationRequest(c, req, now) {
			teardown = true
		}
		if teardown {
			// The client is about to be torn down in the batch-removal pass;
			// its receive queue is not replenished.
			continue
		}
		if newCtx, err := c.Conn.PostRecv(buf); err != nil {
			p.logf("poller: re-post receive slot %d for qp_num %d failed: %v", slot, c.QPNum, err)
		} else {
			newCtx.SetValue(slot)
		}
	}
}

// handleAllocationRequest spawns an executor for a capacity request or
// accrues and marks the client for removal for a teardown request. It
// returns true if the client requested teardown.
func (p *Poller) handleAllocationRequest(c *registry.Client, req wire.AllocationRequest, now time.Time) bool {
	if req.IsTeardown() {
		delta := c.AccrueExecutorTime(now)
		if p.metrics != nil && delta > 0 {
			p.metrics.AllocationTimeAccrued(delta, nil)
		}
		return true
	}

	if c.Executor != nil {
		// A second allocation request while one is still tracked: fold in
		// the outstanding executor's accrued time before replacing the
		// handle. The previous process is not killed; it either finishes on
		// its own or is reaped as FINISHED/FINISHED_FAIL on its own accord.
		delta := c.AccrueExecutorTime(now)
		if p.metrics != nil && delta > 0 {
			p.metrics.AllocationTimeAccrued(delta, nil)
		}
		if c.ExecSpan != nil {
			c.ExecSpan.AddEvent("replaced_by_new_allocation")
			c.ExecSpan.End(nil)
			c.ExecSpan = nil
		}
		p.logf("poller: qp_num %d requested a new allocation while one was outstanding, replacing it", c.QPNum)
	}

	conn := launcher.ManagerConnection{
		Address: p.settings.ManagerAddress,
		Port:    p.settings.ManagerPort,
		Secret:  c.QPNum,
		RAddr:   c.Accounting.Address(),
		RKey:    c.Accounting.RKey(),
	}
	pe, err := p.launcher.Spawn(req, conn)
	if err != nil {
		p.logf("poller: spawn failed for qp_num %d: %v", c.QPNum, err)
		if p.metrics != nil {
			p.metrics.ExecutorSpawnFailed(err, nil)
		}
		return false
	}
	c.Executor = pe
	if p.metrics != nil {
		p.metrics.ExecutorSpawned(nil)
	}
	if p.tracer != nil {
		c.ExecSpan = p.tracer.StartSpan("executor", telemetry.TraceAttribute{Key: "qp_num", Value: c.QPNum})
	}
	return false
}

// reapExecutors drops the handle of every executor that has exited,
// accruing its final allocation time and logging its accounting counters.
func (p *Poller) reapExecutors(now time.Time) {
	p.registry.Range(func(c *registry.Client) {
		if c.Executor == nil {
			return
		}
		status, code := c.Executor.Check()
		if status == registry.ExecutorRunning {
			return
		}
		delta := c.AccrueExecutorTime(now)
		if p.metrics != nil && delta > 0 {
			p.metrics.AllocationTimeAccrued(delta, nil)
		}
		hotNS := c.Accounting.HotPollingNS()
		execNS := c.Accounting.ExecutionNS()
		p.logf("poller: executor for qp_num %d reaped status=%v code=%d hot_ns=%d exec_ns=%d", c.QPNum, status, code, hotNS, execNS)
		if p.metrics != nil {
			p.metrics.ExecutorReaped(status.String(), nil)
		}
		if c.ExecSpan != nil {
			if status == registry.ExecutorFinishedFail {
				err := fmt.Errorf("executor exited with code %d", code)
				c.ExecSpan.RecordError(err)
				c.ExecSpan.End(err)
			} else {
				c.ExecSpan.End(nil)
			}
			c.ExecSpan = nil
		}
		c.Executor = nil
	})
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Debugf(format, args...)
}
