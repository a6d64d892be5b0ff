package wire

import (
	"bytes"
	"testing"
)

func TestAllocationRequestRoundTrip(t *testing.T) {
	req := AllocationRequest{
		ListenPort:   9000,
		InputBufSize: 4096,
		FuncBufSize:  4096,
		HotTimeout:   10,
		Cores:        1,
	}
	req.SetAddress("10.0.0.2")

	buf := req.Encode()
	if len(buf) != AllocationRequestSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), AllocationRequestSize)
	}

	got, err := DecodeAllocationRequest(buf)
	if err != nil {
		t.Fatalf("DecodeAllocationRequest: %v", err)
	}
	if got != req {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, req)
	}
	if got.Address() != "10.0.0.2" {
		t.Fatalf("Address() = %q, want %q", got.Address(), "10.0.0.2")
	}
}

func TestAllocationRequestTeardown(t *testing.T) {
	cases := []struct {
		cores      int16
		isTeardown bool
	}{
		{cores: 1, isTeardown: false},
		{cores: 0, isTeardown: true},
		{cores: -1, isTeardown: true},
	}
	for _, c := range cases {
		req := AllocationRequest{Cores: c.cores}
		if got := req.IsTeardown(); got != c.isTeardown {
			t.Errorf("Cores=%d: IsTeardown() = %v, want %v", c.cores, got, c.isTeardown)
		}
	}
}

func TestDecodeAllocationRequestShortBuffer(t *testing.T) {
	_, err := DecodeAllocationRequest(make([]byte, AllocationRequestSize-1))
	if err != ErrShortBuffer {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}
}

func TestSetAddressTruncatesAndPads(t *testing.T) {
	var req AllocationRequest
	req.SetAddress("192.168.100.200.overflow")
	if got := req.Address(); len(got) > 16 {
		t.Fatalf("Address() = %q, longer than 16 bytes", got)
	}

	req.SetAddress("10.0.0.1")
	encoded := req.Encode()
	if !bytes.HasPrefix(encoded, []byte("10.0.0.1")) {
		t.Fatalf("encoded listen address does not start with the set value: %x", encoded[:16])
	}
	for i := len("10.0.0.1"); i < 16; i++ {
		if encoded[i] != 0 {
			t.Fatalf("expected NUL padding at offset %d, got %x", i, encoded[i])
		}
	}
}

func TestLeaseGrantRoundTrip(t *testing.T) {
	grant := LeaseGrant{LeaseID: 7, Cores: 4, Memory: 1 << 20}
	buf := grant.Encode()
	if len(buf) != LeaseGrantSize {
		t.Fatalf("encoded length = %d, want %d", len(buf), LeaseGrantSize)
	}
	got, err := DecodeLeaseGrant(buf)
	if err != nil {
		t.Fatalf("DecodeLeaseGrant: %v", err)
	}
	if got != grant {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, grant)
	}
}

func TestDecodeLeaseGrantShortBuffer(t *testing.T) {
	_, err := DecodeLeaseGrant(make([]byte, LeaseGrantSize-1))
	if err != ErrShortBuffer {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}
}

func TestPrivateDataNewClient(t *testing.T) {
	p := DecodePrivateData(EncodePrivateData(0))
	if !p.IsNewClient() {
		t.Fatalf("secret 0 should be a new client")
	}
}

func TestPrivateDataBackChannel(t *testing.T) {
	const qp = uint32(0xABCD1234)
	p := DecodePrivateData(EncodePrivateData(qp))
	if p.IsNewClient() {
		t.Fatalf("non-zero secret should not be a new client")
	}
	if got := p.TargetQPNum(); got != qp {
		t.Fatalf("TargetQPNum() = %#x, want %#x", got, qp)
	}
}

func TestDecodePrivateDataShortBuffer(t *testing.T) {
	p := DecodePrivateData(nil)
	if !p.IsNewClient() {
		t.Fatalf("short/empty private data should decode as a new client")
	}
}
