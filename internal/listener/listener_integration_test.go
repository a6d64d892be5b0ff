//go:build integration

package listener

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/controlqueue"
	"github.com/rfaas/execmgr/internal/registry"
	"github.com/rfaas/execmgr/internal/wire"
)

func pickServicePort(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pick service port: %v", err)
	}
	defer ln.Close()
	tcp, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		t.Fatalf("unexpected listener address type")
	}
	return strconv.Itoa(tcp.Port)
}

func openMsgListener(t *testing.T, service string) (*Listener, *fi.Domain, *controlqueue.Queue, func()) {
	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider("sockets"),
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithNode("127.0.0.1"),
		fi.WithService(service),
	)
	if err != nil {
		t.Skipf("sockets MSG discovery unavailable: %v", err)
	}
	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		discovery.Close()
		t.Skip("no sockets MSG descriptors available")
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		discovery.Close()
		t.Skipf("open fabric unavailable: %v", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		discovery.Close()
		t.Skipf("open domain unavailable: %v", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		domain.Close()
		fabric.Close()
		discovery.Close()
		t.Fatalf("open event queue: %v", err)
	}
	pep, err := desc.OpenPassiveEndpoint(fabric)
	if err != nil {
		eq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
		t.Fatalf("open passive endpoint: %v", err)
	}
	if err := pep.BindEventQueue(eq, 0); err != nil {
		t.Fatalf("bind event queue: %v", err)
	}
	if err := pep.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	queue := controlqueue.New(16)
	l := New(domain, pep, eq, queue, Settings{AllocationSlots: 2}, nil, nil)

	cleanup := func() {
		pep.Close()
		eq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
	}
	return l, domain, queue, cleanup
}

func dialMsg(t *testing.T, service string, secret uint32) (*fi.Endpoint, *fi.EventQueue, func()) {
	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider("sockets"),
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithNode("127.0.0.1"),
		fi.WithService(service),
	)
	if err != nil {
		t.Skipf("dial discovery unavailable: %v", err)
	}
	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		discovery.Close()
		t.Skip("no sockets MSG descriptors available for dial")
	}
	desc := descriptors[0]

	fabric, err := desc.OpenFabric()
	if err != nil {
		discovery.Close()
		t.Skipf("dial open fabric unavailable: %v", err)
	}
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		fabric.Close()
		discovery.Close()
		t.Fatalf("dial open domain: %v", err)
	}
	cq, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		t.Fatalf("dial open cq: %v", err)
	}
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		t.Fatalf("dial open eq: %v", err)
	}
	ep, err := desc.OpenEndpoint(domain)
	if err != nil {
		t.Fatalf("dial open endpoint: %v", err)
	}
	if err := ep.BindCompletionQueue(cq, fi.BindSend|fi.BindRecv); err != nil {
		t.Fatalf("dial bind cq: %v", err)
	}
	if err := ep.BindEventQueue(eq, 0); err != nil {
		t.Fatalf("dial bind eq: %v", err)
	}
	if err := ep.Enable(); err != nil {
		t.Fatalf("dial enable: %v", err)
	}
	if err := ep.Connect(wire.EncodePrivateData(secret)); err != nil {
		t.Fatalf("dial connect: %v", err)
	}

	cleanup := func() {
		ep.Close()
		eq.Close()
		cq.Close()
		domain.Close()
		fabric.Close()
		discovery.Close()
	}
	return ep, eq, cleanup
}

func TestListenerEmitsNewClientForZeroSecret(t *testing.T) {
	service := pickServicePort(t)
	l, _, queue, cleanup := openMsgListener(t, service)
	defer cleanup()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		})
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	_, _, dialCleanup := dialMsg(t, service, 0)
	defer dialCleanup()

	msg, ok := queue.DequeueTimeout(5 * time.Second)
	if !ok {
		t.Fatalf("expected a control message")
	}
	if msg.Op != controlqueue.Connect {
		t.Fatalf("Op = %v, want Connect", msg.Op)
	}
	client, ok := msg.NewClient.(*registry.Client)
	if !ok || client == nil {
		t.Fatalf("NewClient = %v, want *registry.Client", msg.NewClient)
	}
	if client.QPNum == 0 {
		t.Fatalf("expected a non-zero QPNum")
	}
	client.Close()
	client.Disable()
}

func TestListenerEmitsBareConnectionForNonZeroSecret(t *testing.T) {
	service := pickServicePort(t)
	l, _, queue, cleanup := openMsgListener(t, service)
	defer cleanup()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		})
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	_, _, dialCleanup := dialMsg(t, service, 0xDEADBEEF)
	defer dialCleanup()

	msg, ok := queue.DequeueTimeout(5 * time.Second)
	if !ok {
		t.Fatalf("expected a control message")
	}
	if msg.Op != controlqueue.Connect {
		t.Fatalf("Op = %v, want Connect", msg.Op)
	}
	if msg.Secret != 0xDEADBEEF {
		t.Fatalf("Secret = %#x, want 0xDEADBEEF", msg.Secret)
	}
	if msg.NewClient != nil {
		t.Fatalf("expected NewClient to be nil for a bare connection")
	}
	pending, ok := msg.Conn.(*BareConnection)
	if !ok {
		t.Fatalf("Conn = %T, want *BareConnection", msg.Conn)
	}
	conn, err := pending.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if conn.QPNum() == 0 {
		t.Fatalf("expected a non-zero QPNum on the bare connection")
	}
}

func TestBareConnectionRejectReleasesRequest(t *testing.T) {
	service := pickServicePort(t)
	l, _, queue, cleanup := openMsgListener(t, service)
	defer cleanup()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		})
		close(done)
	}()
	defer func() {
		close(stop)
		<-done
	}()

	_, _, dialCleanup := dialMsg(t, service, 0xCAFEF00D)
	defer dialCleanup()

	msg, ok := queue.DequeueTimeout(5 * time.Second)
	if !ok {
		t.Fatalf("expected a control message")
	}
	pending, ok := msg.Conn.(*BareConnection)
	if !ok {
		t.Fatalf("Conn = %T, want *BareConnection", msg.Conn)
	}
	if err := pending.Reject(); err != nil {
		t.Fatalf("Reject: %v", err)
	}
}
