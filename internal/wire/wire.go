// Package wire implements the fixed-layout structures exchanged over RDMA
// between clients, the executor manager, and the resource manager.
package wire

import (
	"encoding/binary"
	"errors"
)

// AllocationRequestSize is the packed, little-endian on-the-wire size of an
// AllocationRequest, per the listen-address padding and field widths below.
const AllocationRequestSize = 34

// ErrShortBuffer is returned by Decode when the supplied buffer is smaller
// than the wire layout it is being decoded into.
var ErrShortBuffer = errors.New("wire: buffer too short")

// AllocationRequest is the fixed-layout message a client sends over its
// front connection to request (cores > 0) or release (cores <= 0) an
// executor allocation.
type AllocationRequest struct {
	ListenAddress [16]byte
	ListenPort    int32
	InputBufSize  int32
	FuncBufSize   int32
	HotTimeout    int32
	Cores         int16
}

// Address returns the listen address as a Go string, trimmed at the first
// NUL byte.
func (r AllocationRequest) Address() string {
	for i, b := range r.ListenAddress {
		if b == 0 {
			return string(r.ListenAddress[:i])
		}
	}
	return string(r.ListenAddress[:])
}

// IsTeardown reports whether this request signals executor teardown rather
// than a new allocation.
func (r AllocationRequest) IsTeardown() bool {
	return r.Cores <= 0
}

// SetAddress copies addr into the fixed listen-address field, NUL-padding
// and truncating as necessary.
func (r *AllocationRequest) SetAddress(addr string) {
	var buf [16]byte
	n := copy(buf[:], addr)
	_ = n
	r.ListenAddress = buf
}

// Encode serializes r into its packed little-endian wire layout.
func (r AllocationRequest) Encode() []byte {
	buf := make([]byte, AllocationRequestSize)
	copy(buf[0:16], r.ListenAddress[:])
	binary.LittleEndian.PutUint32(buf[16:20], uint32(r.ListenPort))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(r.InputBufSize))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(r.FuncBufSize))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(r.HotTimeout))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(r.Cores))
	return buf
}

// DecodeAllocationRequest parses an AllocationRequest from its wire layout.
func DecodeAllocationRequest(buf []byte) (AllocationRequest, error) {
	var r AllocationRequest
	if len(buf) < AllocationRequestSize {
		return r, ErrShortBuffer
	}
	copy(r.ListenAddress[:], buf[0:16])
	r.ListenPort = int32(binary.LittleEndian.Uint32(buf[16:20]))
	r.InputBufSize = int32(binary.LittleEndian.Uint32(buf[20:24]))
	r.FuncBufSize = int32(binary.LittleEndian.Uint32(buf[24:28]))
	r.HotTimeout = int32(binary.LittleEndian.Uint32(buf[28:32]))
	r.Cores = int16(binary.LittleEndian.Uint16(buf[32:34]))
	return r, nil
}

// LeaseGrantSize is the packed, little-endian wire size of a LeaseGrant.
const LeaseGrantSize = 12

// LeaseGrant is the fixed-layout message the resource manager sends on the
// manager's upstream connection in response to a capacity request.
type LeaseGrant struct {
	LeaseID uint32
	Cores   uint32
	Memory  uint32
}

// Encode serializes g into its packed little-endian wire layout.
func (g LeaseGrant) Encode() []byte {
	buf := make([]byte, LeaseGrantSize)
	binary.LittleEndian.PutUint32(buf[0:4], g.LeaseID)
	binary.LittleEndian.PutUint32(buf[4:8], g.Cores)
	binary.LittleEndian.PutUint32(buf[8:12], g.Memory)
	return buf
}

// DecodeLeaseGrant parses a LeaseGrant from its wire layout.
func DecodeLeaseGrant(buf []byte) (LeaseGrant, error) {
	var g LeaseGrant
	if len(buf) < LeaseGrantSize {
		return g, ErrShortBuffer
	}
	g.LeaseID = binary.LittleEndian.Uint32(buf[0:4])
	g.Cores = binary.LittleEndian.Uint32(buf[4:8])
	g.Memory = binary.LittleEndian.Uint32(buf[8:12])
	return g, nil
}

// PrivateData is the 32-bit RDMA connection-management secret. Zero marks a
// new client's front connection; a non-zero value is an executor
// back-channel naming the target client's qp_num.
type PrivateData uint32

// IsNewClient reports whether the secret marks a fresh client connection.
func (p PrivateData) IsNewClient() bool {
	return p == 0
}

// TargetQPNum returns the qp_num this secret targets. Only meaningful when
// IsNewClient is false.
func (p PrivateData) TargetQPNum() uint32 {
	return uint32(p)
}

// EncodePrivateData serializes a 32-bit secret into little-endian CM
// private-data bytes.
func EncodePrivateData(secret uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, secret)
	return buf
}

// DecodePrivateData parses CM private data into a PrivateData secret. An
// empty or short buffer decodes as the new-client secret (zero), matching
// providers that omit private data entirely for such requests.
func DecodePrivateData(buf []byte) PrivateData {
	if len(buf) < 4 {
		return 0
	}
	return PrivateData(binary.LittleEndian.Uint32(buf[:4]))
}
