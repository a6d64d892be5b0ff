package registry

import (
	"errors"
	"testing"
	"time"

	"github.com/rfaas/execmgr/fi"
)

type fakeConn struct {
	qpNum    uint32
	closed   bool
	accepted bool
	acceptErr error
}

func (f *fakeConn) QPNum() uint32 { return f.qpNum }
func (f *fakeConn) Accept(params []byte) error {
	if f.acceptErr != nil {
		return f.acceptErr
	}
	f.accepted = true
	return nil
}
func (f *fakeConn) PostRecv(buf []byte) (*fi.CompletionContext, error) { return nil, nil }
func (f *fakeConn) Close() error                                       { f.closed = true; return nil }

type fakeExecutor struct {
	id          int
	status      ExecutorStatus
	code        int
	begin       time.Time
	finished    time.Time
	backChannel BackChannel
	attachErr   error
}

func (e *fakeExecutor) ID() int                       { return e.id }
func (e *fakeExecutor) Check() (ExecutorStatus, int)  { return e.status, e.code }
func (e *fakeExecutor) AllocationBegin() time.Time    { return e.begin }
func (e *fakeExecutor) AllocationFinished() time.Time { return e.finished }
func (e *fakeExecutor) AttachBackChannel(conn BackChannel) error {
	if e.attachErr != nil {
		return e.attachErr
	}
	e.backChannel = conn
	e.finished = time.Now()
	return nil
}

func TestClientRegistryInsertGetDelete(t *testing.T) {
	r := New()
	client := &Client{QPNum: 42, Conn: &fakeConn{qpNum: 42}}
	r.Insert(client)

	got, ok := r.Get(42)
	if !ok || got != client {
		t.Fatalf("Get(42) = %v, %v; want client, true", got, ok)
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}

	r.Delete(42)
	if _, ok := r.Get(42); ok {
		t.Fatalf("expected client to be removed")
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after delete", r.Len())
	}
}

func TestClientRegistryDeleteUnknownIsNoop(t *testing.T) {
	r := New()
	r.Delete(999)
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestClientDisableClosesConnectionOnce(t *testing.T) {
	conn := &fakeConn{qpNum: 7}
	c := NewClient(conn, nil, nil)
	if !c.Active() {
		t.Fatalf("new client should be active")
	}
	if err := c.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if !conn.closed {
		t.Fatalf("expected connection to be closed")
	}
	if c.Active() {
		t.Fatalf("client should be inactive after Disable")
	}
	// Disable is idempotent.
	if err := c.Disable(); err != nil {
		t.Fatalf("second Disable: %v", err)
	}
}

func TestClientAccrueExecutorTime(t *testing.T) {
	exec := &fakeExecutor{finished: time.Now().Add(-time.Millisecond)}
	c := &Client{QPNum: 1, Executor: exec}
	c.AccrueExecutorTime(time.Now())
	if c.AllocationTimeUS <= 0 {
		t.Fatalf("AllocationTimeUS = %f, want > 0", c.AllocationTimeUS)
	}
}

func TestClientAccrueExecutorTimeNoExecutorIsNoop(t *testing.T) {
	c := &Client{QPNum: 1}
	c.AccrueExecutorTime(time.Now())
	if c.AllocationTimeUS != 0 {
		t.Fatalf("AllocationTimeUS = %f, want 0", c.AllocationTimeUS)
	}
}

func TestClientAccrueExecutorTimeUnfinishedIsNoop(t *testing.T) {
	exec := &fakeExecutor{}
	c := &Client{QPNum: 1, Executor: exec}
	c.AccrueExecutorTime(time.Now())
	if c.AllocationTimeUS != 0 {
		t.Fatalf("AllocationTimeUS = %f, want 0 for an executor with no back channel yet", c.AllocationTimeUS)
	}
}

func TestExecutorStatusString(t *testing.T) {
	cases := map[ExecutorStatus]string{
		ExecutorRunning:       "RUNNING",
		ExecutorFinished:      "FINISHED",
		ExecutorFinishedFail:  "FINISHED_FAIL",
		ExecutorStatus(99):    "UNKNOWN",
	}
	for status, want := range cases {
		if got := status.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", status, got, want)
		}
	}
}

func TestAttachBackChannelPropagatesError(t *testing.T) {
	exec := &fakeExecutor{attachErr: errors.New("already attached")}
	err := exec.AttachBackChannel(&fakeConn{qpNum: 5})
	if err == nil {
		t.Fatalf("expected error")
	}
}
