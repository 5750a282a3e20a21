// Package registry implements the entity registry (spec §4.11, component
// C11): the process-wide named table of TransferEntity instances plus the
// reverse opaque-handle lookup the C ABI facade needs.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package registry

import (
	"encoding/binary"
	"sync"

	"github.com/google/uuid"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/transfer"
)

// Handle is the opaque value returned to C callers in place of a raw
// pointer (spec §4.11 "raw-pointer → name").
type Handle uint64

// Registry is the singleton spec §4.11 describes: "Instance() returns a
// process-global singleton". All access is serialized by a single mutex;
// operations never hold it across I/O (creation/destruction of the
// underlying *transfer.Entity happens outside the lock).
type Registry struct {
	mu       sync.Mutex
	byName   map[string]Handle
	byHandle map[Handle]entry
}

type entry struct {
	name   string
	entity *transfer.Entity
}

var (
	instance     *Registry
	instanceOnce sync.Once
)

// Instance returns the process-global registry (spec §4.11).
func Instance() *Registry {
	instanceOnce.Do(func() {
		instance = New()
	})
	return instance
}

// New constructs an independent registry; production code uses Instance(),
// tests use New() to avoid cross-test state.
func New() *Registry {
	return &Registry{
		byName:   make(map[string]Handle),
		byHandle: make(map[Handle]entry),
	}
}

func newHandle() Handle {
	id := uuid.New()
	return Handle(binary.LittleEndian.Uint64(id[:8]))
}

// Create dedupes by name (spec §4.11 "name → TransferEntity (deduplicates
// creation by name)"): if name is already registered its existing handle
// is returned instead of constructing a second entity.
func (r *Registry) Create(name string, construct func() (*transfer.Entity, error)) (Handle, error) {
	r.mu.Lock()
	if h, ok := r.byName[name]; ok {
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	e, err := construct()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byName[name]; ok {
		// Lost a race with a concurrent Create(name, ...); keep the
		// winner's entity and tear down ours.
		go e.Destroy()
		return h, nil
	}
	var h Handle
	for {
		h = newHandle()
		if _, taken := r.byHandle[h]; !taken {
			break
		}
	}
	r.byName[name] = h
	r.byHandle[h] = entry{name: name, entity: e}
	return h, nil
}

// Lookup resolves a handle back to its TransferEntity (spec §4.11 reverse
// lookup from the opaque handle returned to C callers).
func (r *Registry) Lookup(h Handle) (*transfer.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byHandle[h]
	if !ok {
		return nil, cmn.NewErrObjectNotExists(h)
	}
	return e.entity, nil
}

// Destroy removes h from both maps and destroys its entity (spec §4.11,
// spec §4.10 "Shutdown... remove entry from registry").
func (r *Registry) Destroy(h Handle) error {
	r.mu.Lock()
	e, ok := r.byHandle[h]
	if !ok {
		r.mu.Unlock()
		return cmn.NewErrObjectNotExists(h)
	}
	delete(r.byHandle, h)
	delete(r.byName, e.name)
	r.mu.Unlock()

	return e.entity.Destroy()
}

// Len reports the number of live entities, used by tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byHandle)
}
