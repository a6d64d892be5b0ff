//go:build integration

package poller

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rfaas/execmgr/fi"
	"github.com/rfaas/execmgr/internal/controlqueue"
	"github.com/rfaas/execmgr/internal/launcher"
	"github.com/rfaas/execmgr/internal/listener"
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

func waitForConnected(t *testing.T, eq *fi.EventQueue) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		evt, err := eq.ReadCM(500 * time.Millisecond)
		if err != nil {
			if errors.Is(err, fi.ErrNoEvent) {
				continue
			}
			t.Fatalf("wait for connected: %v", err)
		}
		if evt == nil {
			continue
		}
		typ := evt.Type()
		evt.Free()
		if typ == fi.ConnectionEventConnected {
			return
		}
		if typ == fi.ConnectionEventShutdown {
			t.Fatalf("connection shut down during handshake")
		}
	}
	t.Fatalf("timed out waiting for ESTABLISHED")
}

// TestPollerAdmitsClientAndDetectsTeardown wires a real listener and poller
// together over the sockets provider: a client dials, the poller admits and
// accepts it, the client then RDMA-sends a teardown AllocationRequest over
// its front connection, and the poller is expected to decode it and drop
// the client from its registry.
func TestPollerAdmitsClientAndDetectsTeardown(t *testing.T) {
	service := pickServicePort(t)

	discovery, err := fi.DiscoverDescriptors(
		fi.WithProvider("sockets"),
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithNode("127.0.0.1"),
		fi.WithService(service),
	)
	if err != nil {
		t.Skipf("sockets MSG discovery unavailable: %v", err)
	}
	defer discovery.Close()
	descriptors := discovery.Descriptors()
	if len(descriptors) == 0 {
		t.Skip("no sockets MSG descriptors available")
	}
	desc := descriptors[0]

	serverFabric, err := desc.OpenFabric()
	if err != nil {
		t.Skipf("open server fabric: %v", err)
	}
	defer serverFabric.Close()
	serverDomain, err := desc.OpenDomain(serverFabric)
	if err != nil {
		t.Skipf("open server domain: %v", err)
	}
	defer serverDomain.Close()
	serverEQ, err := serverFabric.OpenEventQueue(nil)
	if err != nil {
		t.Fatalf("open server eq: %v", err)
	}
	defer serverEQ.Close()
	pep, err := desc.OpenPassiveEndpoint(serverFabric)
	if err != nil {
		t.Fatalf("open pep: %v", err)
	}
	defer pep.Close()
	if err := pep.BindEventQueue(serverEQ, 0); err != nil {
		t.Fatalf("bind server eq: %v", err)
	}
	if err := pep.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	queue := controlqueue.New(16)
	l := listener.New(serverDomain, pep, serverEQ, queue, listener.Settings{AllocationSlots: 2}, nil, nil)
	reg := registry.New()
	launch := launcher.New(launcher.Settings{})
	p := New(reg, queue, launch, Settings{ManagerAddress: "127.0.0.1", ManagerPort: 4000}, nil, nil, nil)

	stop := make(chan struct{})
	listenerDone := make(chan struct{})
	pollerDone := make(chan struct{})
	running := func() func() bool {
		return func() bool {
			select {
			case <-stop:
				return true
			default:
				return false
			}
		}
	}
	go func() { l.Run(running()); close(listenerDone) }()
	go func() { p.Run(running()); close(pollerDone) }()
	defer func() {
		close(stop)
		<-listenerDone
		<-pollerDone
	}()

	clientFabric, err := desc.OpenFabric()
	if err != nil {
		t.Skipf("open client fabric: %v", err)
	}
	defer clientFabric.Close()
	clientDomain, err := desc.OpenDomain(clientFabric)
	if err != nil {
		t.Skipf("open client domain: %v", err)
	}
	defer clientDomain.Close()
	clientCQ, err := clientDomain.OpenCompletionQueue(nil)
	if err != nil {
		t.Fatalf("open client cq: %v", err)
	}
	defer clientCQ.Close()
	clientEQ, err := clientFabric.OpenEventQueue(nil)
	if err != nil {
		t.Fatalf("open client eq: %v", err)
	}
	defer clientEQ.Close()
	clientEP, err := desc.OpenEndpoint(clientDomain)
	if err != nil {
		t.Fatalf("open client endpoint: %v", err)
	}
	defer clientEP.Close()
	if err := clientEP.BindCompletionQueue(clientCQ, fi.BindSend|fi.BindRecv); err != nil {
		t.Fatalf("bind client cq: %v", err)
	}
	if err := clientEP.BindEventQueue(clientEQ, 0); err != nil {
		t.Fatalf("bind client eq: %v", err)
	}
	if err := clientEP.Enable(); err != nil {
		t.Fatalf("enable client endpoint: %v", err)
	}
	if err := clientEP.Connect(wire.EncodePrivateData(0)); err != nil {
		t.Fatalf("client connect: %v", err)
	}

	waitForConnected(t, clientEQ)

	var qpNum uint32
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		found := false
		reg.Range(func(c *registry.Client) {
			found = true
			qpNum = c.QPNum
		})
		if found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if qpNum == 0 {
		t.Fatalf("expected the poller to register the admitted client")
	}

	req := wire.AllocationRequest{Cores: 0}
	if err := clientEP.SendSync(req.Encode(), fi.AddressUnspecified, clientCQ, 5*time.Second); err != nil {
		t.Fatalf("send teardown request: %v", err)
	}

	deadline = time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := reg.Get(qpNum); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected client qp_num %d to be removed after teardown request", qpNum)
}
