// Package simdevice is the self-contained reference memsys.DeviceAllocator
// (spec §1 names the real device memory allocator and mmap primitives as an
// out-of-scope collaborator). Reserve/Alloc back every window with a real Go
// byte slice and hand the caller its genuine process address, so the bytes
// at that address are addressable by whatever registers it with a transport
// manager later (spec §4.5's RegisterMR takes a real virtual address on real
// hardware; this allocator keeps that contract true in tests too, instead of
// minting an opaque address that only this package understands).
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package simdevice

import (
	"sync"
	"unsafe"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/cos"
)

type region struct {
	buf  []byte // full allocation, keeps the window alive
	base int    // offset of the large-page-aligned window within buf
	size uint64
}

// Allocator is a process-local device address space: every reserved window
// is backed by a real Go byte slice kept alive in regions, so the uintptr
// Reserve/Alloc hand back stays valid (and dereferenceable via unsafe by a
// transport provider's loopback fake) for the allocator's lifetime.
type Allocator struct {
	mu      sync.Mutex
	regions map[uintptr]*region
}

func New() *Allocator {
	return &Allocator{regions: make(map[uintptr]*region)}
}

// Reserve allocates a large-page-aligned, real-backed window of size bytes
// and returns its base address (spec §4.10 "Register local memory" assumes
// RegisterLocalMemory's caller only has to truncate/round relative to an
// already-aligned window base).
func (a *Allocator) Reserve(size uint64) (uintptr, error) {
	if size == 0 {
		return 0, cmn.NewErrInvalidParam("reserve: size must be > 0")
	}
	aligned := cos.AlignUp(size, cos.DeviceLargePageSize)
	// Go's allocator gives no large-page alignment guarantee; over-allocate
	// by one large page and place the window at the first aligned address
	// inside the buffer, so align-down arithmetic on the base stays inside
	// the window.
	buf := make([]byte, aligned+cos.DeviceLargePageSize)
	raw := uintptr(unsafe.Pointer(&buf[0]))
	addr := uintptr(cos.AlignUp(uint64(raw), cos.DeviceLargePageSize))
	a.mu.Lock()
	a.regions[addr] = &region{buf: buf, base: int(addr - raw), size: aligned}
	a.mu.Unlock()
	return addr, nil
}

// Alloc returns the backing view of [base+offset, base+offset+size) for a
// previously reserved window.
func (a *Allocator) Alloc(base uintptr, offset, size uint64) ([]byte, error) {
	a.mu.Lock()
	r, ok := a.regions[base]
	a.mu.Unlock()
	if !ok {
		return nil, cmn.NewErrNotExist("device region at given address")
	}
	if offset+size > r.size {
		return nil, cmn.NewErrInvalidParam("alloc range exceeds reserved window")
	}
	start := uint64(r.base) + offset
	return r.buf[start : start+size], nil
}

func (a *Allocator) Free(addr uintptr, _ uint64) error {
	a.mu.Lock()
	delete(a.regions, addr)
	a.mu.Unlock()
	return nil
}
