// Package memsys implements MemEntity / MemSlice (spec §3, §4.10's
// memory-side collaborator of the Transfer Entity): a reserved VA window and
// the per-slice bookkeeping enforcing invariant I1. Moving bytes to or from
// a peer is the Transport Manager's job (spec §2 data flow, component C5-C8)
// once a slice is registered with it; MemEntity only owns the local window.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package memsys

import (
	"sync"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/cos"
	"github.com/hybridmem/core/cmn/debug"
)

// BMType mirrors smem_trans_config's bm-type field (spec §3 MemEntity
// "bm-type"); HBMHostInitiate is the only variant this spec's TE uses
// (spec §4.10 step 4).
type BMType int32

const BMTypeHBMHostInitiate BMType = 1

// Scope mirrors MemEntity's "scope" attribute.
type Scope int32

const ScopeCrossNode Scope = 1

// RankType mirrors MemEntity's "rank-type" attribute.
type RankType int32

const RankTypeStatic RankType = 1

// Options mirrors the MemEntity-creation options spec §3 and §4.10 step 4
// name: "{id, options (bm-type, data-op-type, scope, rank-type, rank-count,
// rank-id, VA-space, preferred-GVA)}".
type Options struct {
	BMType       BMType
	DataOpType   cmn.DataOpType
	Scope        Scope
	RankType     RankType
	RankCount    uint32
	RankID       uint32
	PreferredGVA uintptr
}

// SliceKind distinguishes a device-backed slice from a host-backed one
// (spec §3 MemSlice "(device/host)").
type SliceKind int32

const (
	SliceDevice SliceKind = iota + 1
	SliceHost
)

// MemSlice is one contiguous range inside an Entity's reserved window
// (spec §3 MemSlice).
type MemSlice struct {
	Index  int
	Kind   SliceKind
	Offset uint64
	Size   uint64
}

// DeviceAllocator is the out-of-scope collaborator spec.md §1 names: "the
// underlying device memory allocator and mmap primitives (reserve / alloc /
// ... / free)". A real implementation talks to a vendor driver; memsys/
// simdevice is the self-contained reference used by this repo's tests,
// following the same Provider/VerbsProvider loopback idiom as
// transport/host and transport/device -- the difference being that here the
// allocator only ever needs to hand back a real, locally-addressable
// window; cross-process descriptor exchange belongs to transport.Manager.
type DeviceAllocator interface {
	// Reserve carves out size bytes of device VA space and returns its base
	// address, committing real backing storage (spec §3 MemEntity "a
	// reserved address window").
	Reserve(size uint64) (base uintptr, err error)
	// Alloc returns the backing view of [base+offset, base+offset+size)
	// within a previously reserved window.
	Alloc(base uintptr, offset, size uint64) (buf []byte, err error)
	Free(addr uintptr, size uint64) error
}

// Entity is MemEntity (spec §3): owns a reserved window and its local
// slices (I1).
type Entity struct {
	mu     sync.RWMutex
	id     string
	opts   Options
	alloc  DeviceAllocator
	base   uintptr
	window []byte
	slices []MemSlice
}

// CreateEntity reserves and commits a windowSize-byte window for id (spec
// §4.10 step 4: "Create MemEntity ... rank-type=static, rank-count=1,
// rank-id=0 ..."). windowSize is rounded up to the device large-page size.
func CreateEntity(id string, opts Options, alloc DeviceAllocator, windowSize uint64) (*Entity, error) {
	windowSize = cos.AlignUp(windowSize, cos.DeviceLargePageSize)
	base, err := alloc.Reserve(windowSize)
	if err != nil {
		return nil, cmn.NewErrNewObjectFailed("mem entity window reservation", err)
	}
	buf, err := alloc.Alloc(base, 0, windowSize)
	if err != nil {
		return nil, cmn.NewErrNewObjectFailed("mem entity window backing store", err)
	}
	return &Entity{id: id, opts: opts, alloc: alloc, base: base, window: buf}, nil
}

func (e *Entity) ID() string    { return e.id }
func (e *Entity) Base() uintptr { return e.base }
func (e *Entity) WindowSize() uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return uint64(len(e.window))
}
func (e *Entity) Options() Options { return e.opts }

// RegisterLocalMemory registers [addr, addr+size) -- already large-page
// aligned by the caller (spec §4.10 "Register local memory: Align address
// and size ... Call MemEntity.RegisterLocalMemory") -- as a new MemSlice,
// enforcing I1: every slice lies wholly within the entity's reserved
// window.
func (e *Entity) RegisterLocalMemory(addr uintptr, size uint64) (MemSlice, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if addr < e.base || uint64(addr-e.base)+size > uint64(len(e.window)) {
		return MemSlice{}, cmn.NewErrInvalidParam(
			"address range [%#x, %#x) escapes entity %s's reserved window [%#x, %#x)",
			addr, addr+uintptr(size), e.id, e.base, e.base+uintptr(len(e.window)))
	}
	slice := MemSlice{
		Index:  len(e.slices),
		Kind:   SliceDevice,
		Offset: uint64(addr - e.base),
		Size:   size,
	}
	// I1: every slice's range lies wholly inside the entity's reserved window.
	debug.Assert(slice.Offset+slice.Size <= uint64(len(e.window)), "slice", slice, "window", len(e.window))
	e.slices = append(e.slices, slice)
	return slice, nil
}

// RemoveLocalMemory drops the bookkeeping for the slice registered at addr
// (spec §6 smem_trans_deregister_mem); the backing window storage itself
// is released only when the whole entity is destroyed.
func (e *Entity) RemoveLocalMemory(addr uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	offset := uint64(addr - e.base)
	for i, s := range e.slices {
		if s.Offset == offset {
			e.slices = append(e.slices[:i], e.slices[i+1:]...)
			return nil
		}
	}
	return cmn.NewErrNotExist("local slice at given address")
}

func (e *Entity) Slices() []MemSlice {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]MemSlice, len(e.slices))
	copy(out, e.slices)
	return out
}

// UnInitialize releases the entity's reserved window (spec §3 MemEntity
// "Destroyed when: free-local-memory or UnInitialize").
func (e *Entity) UnInitialize() error {
	e.mu.RLock()
	base, size := e.base, uint64(len(e.window))
	e.mu.RUnlock()
	return e.alloc.Free(base, size)
}
