package registry

import (
	"sync/atomic"
	"unsafe"

	"github.com/rfaas/execmgr/fi"
)

// AccountingSize is the minimum size, in bytes, of an Accounting region: two
// uint64 fields, hot_polling_ns and execution_ns.
const AccountingSize = 16

// Accounting wraps the per-client remote-writable region executors use to
// report their hot-polling and execution time back to the manager. It is
// registered for remote write and remote atomic access so a hot executor can
// update it without a manager round trip.
type Accounting struct {
	region *fi.MemoryRegion
}

// NewAccounting registers a fresh accounting region on domain, sized to
// AccountingSize and zero-initialized.
func NewAccounting(domain *fi.Domain) (*Accounting, error) {
	buf := make([]byte, AccountingSize)
	region, err := domain.RegisterMemory(buf, fi.MRAccessLocal|fi.MRAccessRemoteWrite|fi.MRAccessRemoteAtomic)
	if err != nil {
		return nil, err
	}
	return &Accounting{region: region}, nil
}

// Address returns the region's remotely-addressable base address.
func (a *Accounting) Address() uint64 {
	if a == nil || a.region == nil {
		return 0
	}
	return a.region.Address()
}

// RKey returns the region's remote access key.
func (a *Accounting) RKey() uint64 {
	if a == nil || a.region == nil {
		return 0
	}
	return a.region.Key()
}

// HotPollingNS reads the executor-reported hot-polling duration with an
// acquire load, ensuring a preceding remote RDMA write is observed in full.
func (a *Accounting) HotPollingNS() uint64 {
	return a.loadUint64(0)
}

// ExecutionNS reads the executor-reported execution duration with an
// acquire load.
func (a *Accounting) ExecutionNS() uint64 {
	return a.loadUint64(8)
}

func (a *Accounting) loadUint64(offset int) uint64 {
	if a == nil || a.region == nil {
		return 0
	}
	buf := a.region.Bytes()
	if len(buf) < offset+8 {
		return 0
	}
	// RDMA writes from the executor are not synchronized with the local CPU
	// by any Go primitive; atomic.LoadUint64 is used here purely as an
	// acquire-fenced read of memory this process did not itself just write,
	// matching the spec's "acquire fence before reading" requirement as
	// closely as the platform allows from Go.
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&buf[offset])))
}

// Close deregisters the accounting region.
func (a *Accounting) Close() error {
	if a == nil || a.region == nil {
		return nil
	}
	return a.region.Close()
}
