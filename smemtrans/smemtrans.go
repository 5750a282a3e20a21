// Package smemtrans is a pure-Go facade mirroring the stable C ABI (spec
// §6): the cgo/C shim itself is an out-of-scope collaborator (spec §1), so
// this package exposes the same functions by name operating on a Go
// *Handle in place of a raw pointer. It wires registry, transfer and
// memsys/simdevice together into the one entry point a binding layer would
// call through cgo.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package smemtrans

import (
	"sync"
	"time"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/cos"
	"github.com/hybridmem/core/memsys/simdevice"
	"github.com/hybridmem/core/registry"
	"github.com/hybridmem/core/transfer"
)

// Handle is smem_trans_create's return value (spec §6).
type Handle = registry.Handle

// Config mirrors smem_trans_config_t's fields (spec §6: "role, initTimeout,
// deviceId, flags, dataOpType, startConfigServer").
type Config struct {
	Role              cmn.Role
	InitTimeout       time.Duration
	DeviceID          int32
	Flags             uint32
	DataOpType        cmn.DataOpType
	StartConfigServer bool
}

// ConfigInit is smem_trans_config_init's Go body: returns a Config
// pre-filled with this library's defaults.
func ConfigInit() *Config {
	d := cmn.DefaultConfig()
	return &Config{
		Role:              d.Role,
		InitTimeout:       d.InitTimeout,
		DataOpType:        d.DataOpType,
		StartConfigServer: d.StartConfigSvr,
	}
}

func (c *Config) toInternal() *cmn.Config {
	ic := cmn.DefaultConfig()
	ic.Role = c.Role
	ic.InitTimeout = c.InitTimeout
	ic.DeviceID = c.DeviceID
	ic.DataOpType = c.DataOpType
	ic.StartConfigSvr = c.StartConfigServer
	return ic
}

// defaultAllocator stands in for the vendor device allocator the real C
// ABI shim would inject (spec §1 names it an out-of-scope collaborator);
// every entity created through this facade in one process shares it, so
// transfers between two locally-created entities actually move bytes in
// tests and examples, mirroring memsys_test.go's use of the same type.
var defaultAllocator = simdevice.New()

// defaultWindowSize bounds the reserved device window smem_trans_create
// gives each entity. The C ABI has no window-size parameter -- real
// device allocators reserve a large VA range lazily -- but this reference
// DeviceAllocator backs every reserved byte with real memory, so the
// facade picks a modest fixed size instead.
const defaultWindowSize = 64 * cos.MiB

var (
	initMu sync.Mutex
	inited bool
)

// Init is smem_trans_init's Go body (spec §6, §5 "exactly one
// smem_trans_init/uninit pair per process").
func Init(_ *Config) int32 {
	initMu.Lock()
	defer initMu.Unlock()
	inited = true
	return 0
}

// Uninit is smem_trans_uninit's Go body.
func Uninit(_ int32) {
	initMu.Lock()
	defer initMu.Unlock()
	inited = false
}

func checkInited() error {
	initMu.Lock()
	ok := inited
	initMu.Unlock()
	if !ok {
		return cmn.NewErrNotInitialized()
	}
	return nil
}

func lookup(h Handle) (*transfer.Entity, error) {
	return registry.Instance().Lookup(h)
}

// Create is smem_trans_create's Go body.
func Create(storeURL, uniqueID string, cfg *Config) (Handle, int32) {
	if err := checkInited(); err != nil {
		return 0, errCode(err)
	}
	internal := cfg.toInternal()
	h, err := registry.Instance().Create(uniqueID, func() (*transfer.Entity, error) {
		return transfer.Create(uniqueID, storeURL, internal, defaultAllocator, defaultWindowSize)
	})
	if err != nil {
		return 0, errCode(err)
	}
	return h, 0
}

// Destroy is smem_trans_destroy's Go body.
func Destroy(h Handle, _ int32) int32 {
	if err := checkInited(); err != nil {
		return errCode(err)
	}
	return errCode(registry.Instance().Destroy(h))
}

// RegisterMem is smem_trans_register_mem's Go body.
func RegisterMem(h Handle, addr uintptr, size uint64, _ int32) int32 {
	if err := checkInited(); err != nil {
		return errCode(err)
	}
	e, err := lookup(h)
	if err != nil {
		return errCode(err)
	}
	return errCode(e.RegisterLocalMemory(addr, size))
}

// BatchRegisterMem is smem_trans_batch_register_mem's Go body.
func BatchRegisterMem(h Handle, addrs []uintptr, sizes []uint64, flags int32) int32 {
	if len(addrs) != len(sizes) {
		return errCode(cmn.NewErrInvalidParam("batch_register_mem: %d addrs vs %d sizes", len(addrs), len(sizes)))
	}
	for i := range addrs {
		if rc := RegisterMem(h, addrs[i], sizes[i], flags); rc != 0 {
			return rc
		}
	}
	return 0
}

// DeregisterMem is smem_trans_deregister_mem's Go body.
func DeregisterMem(h Handle, addr uintptr) int32 {
	if err := checkInited(); err != nil {
		return errCode(err)
	}
	e, err := lookup(h)
	if err != nil {
		return errCode(err)
	}
	return errCode(e.DeregisterLocalMemory(addr))
}

// Write is smem_trans_write's Go body.
func Write(h Handle, local uintptr, remoteUniqueID string, remote uint64, size uint64, _ int32) int32 {
	return batchOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: []uintptr{local}, Remote: []uint64{remote}, Size: []uint64{size}}, true)
}

// Read is smem_trans_read's Go body.
func Read(h Handle, local uintptr, remoteUniqueID string, remote uint64, size uint64, _ int32) int32 {
	return batchOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: []uintptr{local}, Remote: []uint64{remote}, Size: []uint64{size}}, false)
}

// BatchWrite is smem_trans_batch_write's Go body.
func BatchWrite(h Handle, locals []uintptr, remoteUniqueID string, remotes []uint64, sizes []uint64, _ int32) int32 {
	return batchOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: locals, Remote: remotes, Size: sizes}, true)
}

// BatchRead is smem_trans_batch_read's Go body.
func BatchRead(h Handle, locals []uintptr, remoteUniqueID string, remotes []uint64, sizes []uint64, _ int32) int32 {
	return batchOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: locals, Remote: remotes, Size: sizes}, false)
}

func batchOp(h Handle, op transfer.Op, write bool) int32 {
	if err := checkInited(); err != nil {
		return errCode(err)
	}
	e, err := lookup(h)
	if err != nil {
		return errCode(err)
	}
	if write {
		return errCode(e.SyncWrite(op))
	}
	return errCode(e.SyncRead(op))
}

// WriteSubmit is smem_trans_write_submit's Go body: queues the write on
// stream and returns immediately.
func WriteSubmit(h Handle, local uintptr, remoteUniqueID string, remote uint64, size uint64, stream *Stream, _ int32) int32 {
	return submitOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: []uintptr{local}, Remote: []uint64{remote}, Size: []uint64{size}}, true, stream)
}

// ReadSubmit is smem_trans_read_submit's Go body.
func ReadSubmit(h Handle, local uintptr, remoteUniqueID string, remote uint64, size uint64, stream *Stream, _ int32) int32 {
	return submitOp(h, transfer.Op{RemoteName: remoteUniqueID, Local: []uintptr{local}, Remote: []uint64{remote}, Size: []uint64{size}}, false, stream)
}

func submitOp(h Handle, op transfer.Op, write bool, stream *Stream) int32 {
	if err := checkInited(); err != nil {
		return errCode(err)
	}
	e, err := lookup(h)
	if err != nil {
		return errCode(err)
	}
	stream.submit(func() error {
		if write {
			return e.SyncWrite(op)
		}
		return e.SyncRead(op)
	})
	return 0
}
