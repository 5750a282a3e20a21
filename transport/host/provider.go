// Package host implements the host (message-channel) transport (spec §4.6,
// component C6): per-rank memory-region and channel tables, retry-with-
// reconnect one-sided operations, and explicit completion-counter streams.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package host

import (
	"sync"
	"unsafe"

	"github.com/hybridmem/core/transport"
)

// Provider is the out-of-scope RPC service collaborator the spec names for
// C6 (spec §1 "the concrete RDMA library providing ... one-sided verbs";
// §4.6 "Initialize the RPC service with busy-polling workers ... Register
// four event handlers"). A real provider wraps a vendor RPC/RDMA library;
// Loopback below is the self-contained reference used by this repo's tests.
type Provider interface {
	// RegisterMemoryRegion asks the service for an MR over [addr, addr+size)
	// and returns the provider's local key words (packed into transport.MemoryKey
	// words 1..15 by the caller) plus an opaque provider handle.
	RegisterMemoryRegion(addr uintptr, size uint64) (keyWords [15]uint32, handle uintptr, err error)
	UnregisterMemoryRegion(handle uintptr) error

	// OpenChannel establishes a message channel to remoteNIC carrying payload
	// (the local rank-id, per spec §4.6 "so the server side recognizes broken
	// peers by id"). onBroken fires exactly once if the channel tears down.
	OpenChannel(remoteNIC string, payload uint32, onBroken func(payload uint32)) (Channel, error)
}

// Channel is one open message channel to a peer (spec §3 ChannelConnection,
// reduced to the host transport's needs).
type Channel interface {
	// SubmitOneSided issues a one-sided op and returns the provider's result
	// code: 0 on success, non-zero otherwise (spec §4.6 "submit to the
	// channel, wait via the provider's completion").
	SubmitOneSided(write bool, localAddr, remoteAddr uintptr, lKey, rKey [15]uint32, size uint64) int
	// SubmitAsync is the async counterpart; done is invoked from a provider
	// goroutine exactly once per call, with the same result semantics.
	SubmitAsync(write bool, localAddr, remoteAddr uintptr, lKey, rKey [15]uint32, size uint64, done func(result int))
	Close() error
}

var _ Provider = (*LoopbackProvider)(nil)

// LoopbackProvider is a single-process reference Provider: RegisterMemoryRegion
// records addr+size under a handle, and a channel's SubmitOneSided/SubmitAsync
// reconstruct byte-slice views of the local and remote addresses it is given
// and copy between them directly, exactly as a real one-sided RDMA write
// would move bytes on the wire. This only works because the addresses a
// caller registers are real Go-allocated memory (memsys/simdevice hands out
// real addresses for this reason); it is not a general-purpose arbitrary
// memory reader.
type LoopbackProvider struct {
	mu    sync.Mutex
	nextH uintptr
}

func NewLoopbackProvider() *LoopbackProvider {
	return &LoopbackProvider{}
}

func (p *LoopbackProvider) RegisterMemoryRegion(addr uintptr, size uint64) ([15]uint32, uintptr, error) {
	p.mu.Lock()
	p.nextH++
	h := p.nextH
	p.mu.Unlock()
	var key [15]uint32
	key[0] = uint32(addr)
	key[1] = uint32(addr >> 32)
	key[2] = uint32(size)
	key[3] = uint32(size >> 32)
	return key, h, nil
}

func (p *LoopbackProvider) UnregisterMemoryRegion(uintptr) error { return nil }

func (p *LoopbackProvider) OpenChannel(_ string, _ uint32, _ func(uint32)) (Channel, error) {
	return &loopbackChannel{}, nil
}

type loopbackChannel struct{ closed bool }

// loopbackView reconstructs a byte-slice window over a real address
// previously handed out by a DeviceAllocator such as memsys/simdevice.
func loopbackView(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func (c *loopbackChannel) SubmitOneSided(write bool, localAddr, remoteAddr uintptr, _, _ [15]uint32, size uint64) int {
	if c.closed {
		return 1
	}
	local := loopbackView(localAddr, size)
	remote := loopbackView(remoteAddr, size)
	if write {
		copy(remote, local)
	} else {
		copy(local, remote)
	}
	return 0
}

func (c *loopbackChannel) SubmitAsync(write bool, l, r uintptr, lk, rk [15]uint32, size uint64, done func(int)) {
	done(c.SubmitOneSided(write, l, r, lk, rk, size))
}

func (c *loopbackChannel) Close() error {
	c.closed = true
	return nil
}

var _ transport.Manager = (*Transport)(nil)
