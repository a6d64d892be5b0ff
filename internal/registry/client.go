package registry

import (
	"errors"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/internal/wire"
)

// Connection is the subset of an accepted RDMA connection the registry and
// poller need. It is satisfied by *fi.Endpoint; tests substitute fakes.
//
// Accept acknowledges a connection request that has not yet been accepted.
// The listener primes a new client's receive queue and registers its memory
// regions before handing it to the poller, but never calls Accept itself:
// the poller only calls it once registry capacity has been confirmed, so a
// client that cannot be admitted never reaches ESTABLISHED.
type Connection interface {
	QPNum() uint32
	Accept(params []byte) error
	// PostRecv reposts a receive work request into buf, reusing the same
	// slot a just-drained AllocationRequest was decoded from.
	PostRecv(buf []byte) (*fi.CompletionContext, error)
	Close() error
}

// AllocationRegion is a client's pre-registered, remote-writable region of
// N fixed-size AllocationRequest slots.
type AllocationRegion struct {
	region *fi.MemoryRegion
	slots  int
}

// NewAllocationRegion registers a region of n AllocationRequest-sized slots
// on domain, for remote write by the client.
func NewAllocationRegion(domain *fi.Domain, n int) (*AllocationRegion, error) {
	if n <= 0 {
		return nil, errors.New("registry: allocation region requires at least one slot")
	}
	buf := make([]byte, n*wire.AllocationRequestSize)
	region, err := domain.RegisterMemory(buf, fi.MRAccessLocal|fi.MRAccessRemoteWrite)
	if err != nil {
		return nil, err
	}
	return &AllocationRegion{region: region, slots: n}, nil
}

// Slots returns the number of AllocationRequest slots in the region.
func (a *AllocationRegion) Slots() int {
	if a == nil {
		return 0
	}
	return a.slots
}

// SlotBytes returns the backing bytes for slot i, sized to hold one
// AllocationRequest.
func (a *AllocationRegion) SlotBytes(i int) []byte {
	if a == nil || a.region == nil || i < 0 || i >= a.slots {
		return nil
	}
	buf := a.region.Bytes()
	start := i * wire.AllocationRequestSize
	return buf[start : start+wire.AllocationRequestSize]
}

// Region exposes the underlying memory region for posting receives.
func (a *AllocationRegion) Region() *fi.MemoryRegion {
	if a == nil {
		return nil
	}
	return a.region
}

// Close deregisters the allocation region.
func (a *AllocationRegion) Close() error {
	if a == nil || a.region == nil {
		return nil
	}
	return a.region.Close()
}

// Client is the authoritative per-tenant record the RDMA poller owns.
type Client struct {
	QPNum       uint32
	Conn        Connection
	Allocations *AllocationRegion
	Accounting  *Accounting

	// ReceiveQueue is the completion queue the front connection's receive
	// work requests land on, polled non-blockingly by the RDMA poller.
	ReceiveQueue *fi.CompletionQueue

	Executor ActiveExecutor

	AllocationTimeUS float64

	// ConnSpan traces the client connection's lifetime, from admission to
	// disconnect. ExecSpan traces the currently attached executor, if any;
	// it closes and reopens across replace/reap cycles while ConnSpan spans
	// the whole connection.
	ConnSpan telemetry.Span
	ExecSpan telemetry.Span

	connected bool
}

// NewClient constructs a Client wrapping conn, with its receive and
// accounting regions already registered.
func NewClient(conn Connection, allocations *AllocationRegion, accounting *Accounting) *Client {
	return &Client{
		QPNum:       conn.QPNum(),
		Conn:        conn,
		Allocations: allocations,
		Accounting:  accounting,
		connected:   true,
	}
}

// Active reports whether the client's connection is still held.
func (c *Client) Active() bool {
	return c != nil && c.connected
}

// Disable tears down the client's connection. The executor handle, if any,
// is left untouched: its process is not killed, only detached from
// bookkeeping by the caller.
func (c *Client) Disable() error {
	if c == nil || !c.connected {
		return nil
	}
	c.connected = false
	if c.Conn != nil {
		return c.Conn.Close()
	}
	return nil
}

// AccrueExecutorTime folds the elapsed time since the executor's allocation
// finished into AllocationTimeUS, returning the microseconds just added. It
// is a no-op (returning 0) if no executor is attached or the executor never
// finished connecting back.
func (c *Client) AccrueExecutorTime(now time.Time) float64 {
	if c == nil || c.Executor == nil {
		return 0
	}
	finished := c.Executor.AllocationFinished()
	if finished.IsZero() {
		return 0
	}
	delta := now.Sub(finished).Seconds() * 1e6
	c.AllocationTimeUS += delta
	return delta
}

// Close releases the client's registered regions. It does not close the
// connection; callers should call Disable first if the connection is still
// open.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Allocations != nil {
		if err := c.Allocations.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Accounting != nil {
		if err := c.Accounting.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.ReceiveQueue != nil {
		if err := c.ReceiveQueue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}
