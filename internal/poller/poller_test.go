package poller

import (
	"os/exec"
	"testing"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/launcher"
	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/telemetry"
	"github.com/rfaas/execmgr/internal/wire"
)

type fakeSpan struct {
	ended  bool
	err    error
	events []string
}

func (s *fakeSpan) End(err error) {
	s.ended = true
	s.err = err
}
func (s *fakeSpan) AddEvent(name string, attrs ...telemetry.TraceAttribute) {
	s.events = append(s.events, name)
}
func (s *fakeSpan) RecordError(err error) {}

type fakeTracer struct {
	spans []*fakeSpan
}

func (t *fakeTracer) StartSpan(name string, attrs ...telemetry.TraceAttribute) telemetry.Span {
	s := &fakeSpan{}
	t.spans = append(t.spans, s)
	return s
}

type fakeConn struct {
	qpNum     uint32
	accepted  bool
	acceptErr error
	closed    bool
	postErr   error
}

func (f *fakeConn) QPNum() uint32 { return f.qpNum }
func (f *fakeConn) Accept(params []byte) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = true
	return nil
}
func (f *fakeConn) PostRecv(buf []byte) (*fi.CompletionContext, error) { return nil, f.postErr }
func (f *fakeConn) Close() error                                       { f.closed = true; return nil }

type fakeExecutor struct {
	status      registry.ExecutorStatus
	code        int
	begin       time.Time
	finished    time.Time
	backChannel registry.BackChannel
	attachErr   error
}

func (e *fakeExecutor) ID() int                      { return 1 }
func (e *fakeExecutor) Check() (registry.ExecutorStatus, int) { return e.status, e.code }
func (e *fakeExecutor) AllocationBegin() time.Time   { return e.begin }
func (e *fakeExecutor) AllocationFinished() time.Time {
	if e.finished.IsZero() {
		return time.Time{}
	}
	return e.finished
}
func (e *fakeExecutor) AttachBackChannel(conn registry.BackChannel) error {
	if e.attachErr != nil {
		return e.attachErr
	}
	e.backChannel = conn
	e.finished = time.Now()
	return nil
}

type fakePending struct {
	backChannel registry.BackChannel
	acceptErr   error
	rejected    bool
	rejectErr   error
}

func (p *fakePending) Accept() (registry.BackChannel, error) {
	if p.acceptErr != nil {
		return nil, p.acceptErr
	}
	if p.backChannel == nil {
		p.backChannel = fakeBackChannel{qp: 99}
	}
	return p.backChannel, nil
}
func (p *fakePending) Reject() error {
	p.rejected = true
	return p.rejectErr
}

type fakeBackChannel struct{ qp uint32 }

func (f fakeBackChannel) QPNum() uint32 { return f.qp }

func TestAdmitNewClientAccepts(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	conn := &fakeConn{qpNum: 7}
	client := registry.NewClient(conn, nil, nil)

	p.admitNewClient(client)

	if !conn.accepted {
		t.Fatalf("expected connection to be accepted")
	}
	if _, ok := p.registry.Get(7); !ok {
		t.Fatalf("expected client to be registered")
	}
}

func TestAdmitNewClientRejectsWhenFull(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{MaxClients: 1}, nil, nil, nil)
	p.registry.Insert(registry.NewClient(&fakeConn{qpNum: 1}, nil, nil))

	conn := &fakeConn{qpNum: 2}
	client := registry.NewClient(conn, nil, nil)
	p.admitNewClient(client)

	if conn.accepted {
		t.Fatalf("expected connection not to be accepted when registry is full")
	}
	if !conn.closed {
		t.Fatalf("expected connection to be closed when rejected")
	}
	if _, ok := p.registry.Get(2); ok {
		t.Fatalf("expected rejected client not to be registered")
	}
}

func TestAdmitBackChannelRejectsUnknownTarget(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	pending := &fakePending{}

	p.admitBackChannel(pending, 42)

	if !pending.rejected {
		t.Fatalf("expected an unknown target to be rejected")
	}
}

func TestAdmitBackChannelRejectsWhenNoExecutor(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	client := registry.NewClient(&fakeConn{qpNum: 5}, nil, nil)
	p.registry.Insert(client)

	pending := &fakePending{}
	p.admitBackChannel(pending, 5)

	if !pending.rejected {
		t.Fatalf("expected a client with no outstanding executor to be rejected")
	}
}

func TestAdmitBackChannelAcceptsAndAttaches(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	exec := &fakeExecutor{status: registry.ExecutorRunning}
	client := registry.NewClient(&fakeConn{qpNum: 5}, nil, nil)
	client.Executor = exec
	p.registry.Insert(client)

	pending := &fakePending{}
	p.admitBackChannel(pending, 5)

	if pending.rejected {
		t.Fatalf("did not expect rejection")
	}
	if exec.backChannel == nil {
		t.Fatalf("expected back channel to be attached")
	}
}

func TestHandleDisconnectRemovesClient(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	conn := &fakeConn{qpNum: 9}
	p.registry.Insert(registry.NewClient(conn, nil, nil))

	p.handleDisconnect(9)

	if _, ok := p.registry.Get(9); ok {
		t.Fatalf("expected client to be removed")
	}
	if !conn.closed {
		t.Fatalf("expected connection to be closed")
	}
}

func TestHandleDisconnectUnknownIsNoop(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	p.handleDisconnect(404)
	if p.registry.Len() != 0 {
		t.Fatalf("expected registry to remain empty")
	}
}

func TestHandleAllocationRequestTeardownAccruesAndSignalsRemoval(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	exec := &fakeExecutor{finished: time.Now().Add(-time.Millisecond)}
	client := &registry.Client{QPNum: 1, Executor: exec}

	teardown := p.handleAllocationRequest(client, wire.AllocationRequest{Cores: 0}, time.Now())

	if !teardown {
		t.Fatalf("expected a Cores<=0 request to signal teardown")
	}
	if client.AllocationTimeUS <= 0 {
		t.Fatalf("expected accrued allocation time, got %f", client.AllocationTimeUS)
	}
}

func TestHandleAllocationRequestSpawnsExecutor(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available on PATH")
	}
	dir := t.TempDir()
	l := launcher.New(launcher.Settings{BinaryPath: sh, WorkDir: dir})
	p := New(registry.New(), nil, l, Settings{ManagerAddress: "127.0.0.1", ManagerPort: 4000}, nil, nil, nil)

	client := &registry.Client{QPNum: 1}
	req := wire.AllocationRequest{Cores: 1, ListenPort: 9000}
	req.SetAddress("127.0.0.1")

	teardown := p.handleAllocationRequest(client, req, time.Now())

	if teardown {
		t.Fatalf("did not expect teardown for a Cores>0 request")
	}
	if client.Executor == nil {
		t.Fatalf("expected an executor to be spawned")
	}
}

func TestReapExecutorsDropsFinishedExecutor(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	exec := &fakeExecutor{status: registry.ExecutorFinished, finished: time.Now().Add(-time.Millisecond)}
	client := &registry.Client{QPNum: 1, Executor: exec}
	p.registry.Insert(client)

	p.reapExecutors(time.Now())

	if client.Executor != nil {
		t.Fatalf("expected executor handle to be dropped once finished")
	}
}

func TestAdmitNewClientStartsConnSpanAndHandleDisconnectEndsIt(t *testing.T) {
	tracer := &fakeTracer{}
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, tracer)
	conn := &fakeConn{qpNum: 11}
	client := registry.NewClient(conn, nil, nil)

	p.admitNewClient(client)
	if client.ConnSpan == nil {
		t.Fatalf("expected a ConnSpan to be started on admission")
	}

	p.handleDisconnect(11)
	span := tracer.spans[0]
	if !span.ended {
		t.Fatalf("expected ConnSpan to be ended on disconnect")
	}
}

func TestHandleAllocationRequestSpawnsExecutorStartsExecSpan(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available on PATH")
	}
	dir := t.TempDir()
	l := launcher.New(launcher.Settings{BinaryPath: sh, WorkDir: dir})
	tracer := &fakeTracer{}
	p := New(registry.New(), nil, l, Settings{ManagerAddress: "127.0.0.1", ManagerPort: 4000}, nil, nil, tracer)

	client := &registry.Client{QPNum: 1}
	req := wire.AllocationRequest{Cores: 1, ListenPort: 9000}
	req.SetAddress("127.0.0.1")

	p.handleAllocationRequest(client, req, time.Now())

	if client.ExecSpan == nil {
		t.Fatalf("expected an ExecSpan to be started alongside the spawned executor")
	}
}

func TestReapExecutorsEndsExecSpanWithErrorOnFailure(t *testing.T) {
	tracer := &fakeTracer{}
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, tracer)
	span := &fakeSpan{}
	exec := &fakeExecutor{status: registry.ExecutorFinishedFail, code: 1, finished: time.Now().Add(-time.Millisecond)}
	client := &registry.Client{QPNum: 1, Executor: exec, ExecSpan: span}
	p.registry.Insert(client)

	p.reapExecutors(time.Now())

	if !span.ended || span.err == nil {
		t.Fatalf("expected ExecSpan to be ended with a recorded error on failure")
	}
	if client.ExecSpan != nil {
		t.Fatalf("expected ExecSpan to be cleared after reaping")
	}
}

func TestReapExecutorsLeavesRunningExecutor(t *testing.T) {
	p := New(registry.New(), nil, nil, Settings{}, nil, nil, nil)
	exec := &fakeExecutor{status: registry.ExecutorRunning}
	client := &registry.Client{QPNum: 1, Executor: exec}
	p.registry.Insert(client)

	p.reapExecutors(time.Now())

	if client.Executor == nil {
		t.Fatalf("did not expect a running executor to be dropped")
	}
}
