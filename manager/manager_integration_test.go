//go:build integration

package manager

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/rfaas/execmgr/fi"
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

// TestManagerStartAcceptsClientAndShutsDownCleanly exercises the full C1-C5
// wiring: a manager is started, a client dials and is admitted, and
// Shutdown is called while the poller loop is live, mirroring the
// shutdown-under-load scenario the RDMA poller and listener loops are
// expected to survive within a couple of poll timeouts.
func TestManagerStartAcceptsClientAndShutsDownCleanly(t *testing.T) {
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
	discovery.Close()

	m, err := New(Settings{
		Provider:             "sockets",
		Node:                 "127.0.0.1",
		Service:              service,
		ControlQueueCapacity: 16,
		AllocationSlots:      2,
		PollTimeout:          50 * time.Millisecond,
	}, nil, nil, nil)
	if err != nil {
		t.Skipf("manager setup unavailable: %v", err)
	}
	m.Start()

	clientDiscovery, err := fi.DiscoverDescriptors(
		fi.WithProvider("sockets"),
		fi.WithEndpointType(fi.EndpointTypeMsg),
		fi.WithNode("127.0.0.1"),
		fi.WithService(service),
	)
	if err != nil {
		t.Fatalf("client discover: %v", err)
	}
	defer clientDiscovery.Close()
	desc := clientDiscovery.Descriptors()[0]

	clientFabric, err := desc.OpenFabric()
	if err != nil {
		t.Fatalf("open client fabric: %v", err)
	}
	defer clientFabric.Close()
	clientDomain, err := desc.OpenDomain(clientFabric)
	if err != nil {
		t.Fatalf("open client domain: %v", err)
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

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if m.Registry().Len() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if m.Registry().Len() == 0 {
		t.Fatalf("expected the manager to admit the dialing client")
	}

	m.Shutdown()
}
