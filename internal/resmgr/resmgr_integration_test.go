//go:build integration

package resmgr

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

// TestWorkerReceivesLeaseGrant stands in as the resource manager: it accepts
// the worker's connection, sends one LeaseGrant, and expects the worker to
// drain and re-arm without error.
func TestWorkerReceivesLeaseGrant(t *testing.T) {
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

	fabric, err := desc.OpenFabric()
	if err != nil {
		t.Skipf("open fabric: %v", err)
	}
	defer fabric.Close()
	domain, err := desc.OpenDomain(fabric)
	if err != nil {
		t.Skipf("open domain: %v", err)
	}
	defer domain.Close()
	eq, err := fabric.OpenEventQueue(nil)
	if err != nil {
		t.Fatalf("open eq: %v", err)
	}
	defer eq.Close()
	pep, err := desc.OpenPassiveEndpoint(fabric)
	if err != nil {
		t.Fatalf("open pep: %v", err)
	}
	defer pep.Close()
	if err := pep.BindEventQueue(eq, 0); err != nil {
		t.Fatalf("bind pep eq: %v", err)
	}
	if err := pep.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	workerDone := make(chan error, 1)
	var worker *Worker
	go func() {
		w, err := Connect(Settings{Provider: "sockets", Node: "127.0.0.1", Service: service, Secret: 0xAB}, nil, nil)
		worker = w
		workerDone <- err
	}()

	evt, err := eq.ReadCM(10 * time.Second)
	if err != nil || evt == nil {
		t.Fatalf("expected a connection request: %v", err)
	}
	if evt.Type() != fi.ConnectionEventConnReq {
		t.Fatalf("Type() = %v, want ConnectionEventConnReq", evt.Type())
	}
	serverEP, err := evt.OpenEndpoint(domain)
	evt.Free()
	if err != nil {
		t.Fatalf("open server endpoint: %v", err)
	}
	defer serverEP.Close()
	serverCQ, err := domain.OpenCompletionQueue(nil)
	if err != nil {
		t.Fatalf("open server cq: %v", err)
	}
	defer serverCQ.Close()
	if err := serverEP.BindCompletionQueue(serverCQ, fi.BindSend|fi.BindRecv); err != nil {
		t.Fatalf("bind server cq: %v", err)
	}
	if err := serverEP.BindEventQueue(eq, 0); err != nil {
		t.Fatalf("bind server eq: %v", err)
	}
	if err := serverEP.Enable(); err != nil {
		t.Fatalf("enable server endpoint: %v", err)
	}
	if err := serverEP.Accept(nil); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if err := <-workerDone; err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer worker.Close()

	grant := wire.LeaseGrant{LeaseID: 7, Cores: 4, Memory: 1024}
	if err := serverEP.SendSync(grant.Encode(), fi.AddressUnspecified, serverCQ, 5*time.Second); err != nil {
		t.Fatalf("send lease grant: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		worker.drain()
		evt, err := worker.cq.ReadContext()
		_ = evt
		if err != nil {
			break
		}
	}
	worker.drain()
}
