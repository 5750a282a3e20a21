// Package compose implements the composite transport (spec §4.8,
// component C8): an optional host manager and an optional device manager
// behind one transport.Manager, routing register_mr by flag bit and
// one-sided ops by address-range lookup.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package compose

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/transport"
)

type addrRange struct {
	addr, end uintptr
	typ       transport.Type
}

// Transport composes an optional host and an optional device manager behind
// transport.Manager (spec §4.8: "Holds optional inner host and device
// managers").
type Transport struct {
	host, device transport.Manager

	mu     sync.Mutex
	ranges []addrRange
}

func New(host, device transport.Manager) *Transport {
	return &Transport{host: host, device: device}
}

func (t *Transport) inner(typ transport.Type) (transport.Manager, error) {
	switch typ {
	case transport.TypeHost:
		if t.host == nil {
			return nil, cmn.NewErrNotSupported("composite transport has no host manager")
		}
		return t.host, nil
	case transport.TypeDevice:
		if t.device == nil {
			return nil, cmn.NewErrNotSupported("composite transport has no device manager")
		}
		return t.device, nil
	default:
		return nil, cmn.NewErrInvalidParam("unknown transport type %d", typ)
	}
}

// Open splits opts.NIC on the host#/device# convention (spec §4.8) and
// opens whichever inner managers are present with their own slice of it.
func (t *Transport) Open(opts transport.OpenOptions) error {
	hostNIC, deviceNIC := splitNIC(opts.NIC)
	if t.host != nil {
		hostOpts := opts
		hostOpts.NIC = hostNIC
		if err := t.host.Open(hostOpts); err != nil {
			return err
		}
	}
	if t.device != nil {
		deviceOpts := opts
		deviceOpts.NIC = deviceNIC
		if err := t.device.Open(deviceOpts); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) Close() error {
	var firstErr error
	if t.host != nil {
		if err := t.host.Close(); err != nil {
			firstErr = err
		}
	}
	if t.device != nil {
		if err := t.device.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RegisterMR picks the transport by the flags bits (spec §4.8:
// "REG_MR_FLAG_DRAM→host, REG_MR_FLAG_HBM→device") and remembers
// {addr, size, transport-type} in the address→type index.
func (t *Transport) RegisterMR(addr uintptr, size uint64, flags transport.RegMRFlags) (transport.MemoryKey, error) {
	var mgr transport.Manager
	var typ transport.Type
	switch {
	case flags&transport.RegMRFlagHBM != 0:
		mgr, typ = t.device, transport.TypeDevice
	case flags&transport.RegMRFlagDRAM != 0:
		mgr, typ = t.host, transport.TypeHost
	default:
		return transport.MemoryKey{}, cmn.NewErrInvalidParam("register_mr flags carry neither DRAM nor HBM bit")
	}
	if mgr == nil {
		return transport.MemoryKey{}, cmn.NewErrNotSupported("composite transport has no manager for requested flag")
	}
	key, err := mgr.RegisterMR(addr, size, flags)
	if err != nil {
		return transport.MemoryKey{}, err
	}
	t.mu.Lock()
	t.ranges = append(t.ranges, addrRange{addr: addr, end: addr + uintptr(size), typ: typ})
	t.mu.Unlock()
	return key, nil
}

func (t *Transport) rangeFor(addr uintptr) (transport.Type, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range t.ranges {
		if addr >= r.addr && addr < r.end {
			return r.typ, true
		}
	}
	return 0, false
}

func (t *Transport) UnregisterMR(addr uintptr) error {
	typ, ok := t.rangeFor(addr)
	if !ok {
		return cmn.NewErrNotExist("address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return err
	}
	if err := mgr.UnregisterMR(addr); err != nil {
		return err
	}
	t.mu.Lock()
	for i, r := range t.ranges {
		if r.addr == addr {
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			break
		}
	}
	t.mu.Unlock()
	return nil
}

func (t *Transport) QueryRegistered(addr uintptr, size uint64) bool {
	typ, ok := t.rangeFor(addr)
	if !ok {
		return false
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return false
	}
	return mgr.QueryRegistered(addr, size)
}

func (t *Transport) QueryMemoryKey(addr uintptr) (transport.MemoryKey, error) {
	typ, ok := t.rangeFor(addr)
	if !ok {
		return transport.MemoryKey{}, cmn.NewErrNotExist("address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return transport.MemoryKey{}, err
	}
	return mgr.QueryMemoryKey(addr)
}

// ParseMemoryKey dispatches on the key's first word (spec §4.8:
// "parse_memory_key dispatches on the key's first word").
func (t *Transport) ParseMemoryKey(key transport.MemoryKey) (uintptr, uint64, error) {
	mgr, err := t.inner(key.Type())
	if err != nil {
		return 0, 0, err
	}
	return mgr.ParseMemoryKey(key)
}

// splitNIC parses a semicolon-separated nic list where each entry is
// prefixed host# or device# (spec §4.8) and returns the per-transport nic
// string (with the prefix stripped) if present.
func splitNIC(nic string) (hostNIC, deviceNIC string) {
	for _, part := range strings.Split(nic, ";") {
		switch {
		case strings.HasPrefix(part, "host#"):
			hostNIC = strings.TrimPrefix(part, "host#")
		case strings.HasPrefix(part, "device#"):
			deviceNIC = strings.TrimPrefix(part, "device#")
		}
	}
	return hostNIC, deviceNIC
}

func splitMemKeys(keys []transport.MemoryKey) (hostKeys, deviceKeys []transport.MemoryKey) {
	for _, k := range keys {
		switch k.Type() {
		case transport.TypeHost:
			hostKeys = append(hostKeys, k)
		case transport.TypeDevice:
			deviceKeys = append(deviceKeys, k)
		}
	}
	return hostKeys, deviceKeys
}

func (t *Transport) splitRanks(ranks []transport.RankOptions) (hostRanks, deviceRanks []transport.RankOptions) {
	for _, r := range ranks {
		hostNIC, deviceNIC := splitNIC(r.NIC)
		hostKeys, deviceKeys := splitMemKeys(r.MemKeys)
		if t.host != nil && hostNIC != "" {
			hostRanks = append(hostRanks, transport.RankOptions{RankID: r.RankID, NIC: hostNIC, MemKeys: hostKeys})
		}
		if t.device != nil && deviceNIC != "" {
			deviceRanks = append(deviceRanks, transport.RankOptions{RankID: r.RankID, NIC: deviceNIC, MemKeys: deviceKeys})
		}
	}
	return hostRanks, deviceRanks
}

func (t *Transport) Prepare(ranks []transport.RankOptions) error {
	hostRanks, deviceRanks := t.splitRanks(ranks)
	if len(hostRanks) > 0 {
		if err := t.host.Prepare(hostRanks); err != nil {
			return err
		}
	}
	if len(deviceRanks) > 0 {
		if err := t.device.Prepare(deviceRanks); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) UpdateRankOptions(ranks []transport.RankOptions) error {
	hostRanks, deviceRanks := t.splitRanks(ranks)
	if len(hostRanks) > 0 {
		if err := t.host.UpdateRankOptions(hostRanks); err != nil {
			return err
		}
	}
	if len(deviceRanks) > 0 {
		if err := t.device.UpdateRankOptions(deviceRanks); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) RemoveRanks(rankIDs []uint32) error {
	var firstErr error
	if t.host != nil {
		if err := t.host.RemoveRanks(rankIDs); err != nil {
			firstErr = err
		}
	}
	if t.device != nil {
		if err := t.device.RemoveRanks(rankIDs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Connect(ctx context.Context) error {
	if t.host != nil {
		if err := t.host.Connect(ctx); err != nil {
			return err
		}
	}
	if t.device != nil {
		if err := t.device.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) AsyncConnect() error {
	if t.host != nil {
		if err := t.host.AsyncConnect(); err != nil {
			return err
		}
	}
	if t.device != nil {
		if err := t.device.AsyncConnect(); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) WaitForConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if t.host != nil {
		if err := t.host.WaitForConnected(timeout); err != nil {
			return err
		}
	}
	if t.device != nil {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if err := t.device.WaitForConnected(remaining); err != nil {
			return err
		}
	}
	return nil
}

// ReadRemote resolves the transport by localAddr's address-range lookup
// (spec §4.8).
func (t *Transport) ReadRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	typ, ok := t.rangeFor(localAddr)
	if !ok {
		return cmn.NewErrInvalidParam("local address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return err
	}
	return mgr.ReadRemote(rank, localAddr, remoteAddr, size)
}

func (t *Transport) WriteRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	typ, ok := t.rangeFor(localAddr)
	if !ok {
		return cmn.NewErrInvalidParam("local address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return err
	}
	return mgr.WriteRemote(rank, localAddr, remoteAddr, size)
}

func (t *Transport) ReadRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	typ, ok := t.rangeFor(localAddr)
	if !ok {
		return cmn.NewErrInvalidParam("local address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return err
	}
	return mgr.ReadRemoteAsync(rank, localAddr, remoteAddr, size)
}

func (t *Transport) WriteRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	typ, ok := t.rangeFor(localAddr)
	if !ok {
		return cmn.NewErrInvalidParam("local address not registered with composite transport")
	}
	mgr, err := t.inner(typ)
	if err != nil {
		return err
	}
	return mgr.WriteRemoteAsync(rank, localAddr, remoteAddr, size)
}

// Synchronize fans out to every inner manager since a composite stream may
// carry completions from both (spec §4.5 stream sync, §4.8 composite).
func (t *Transport) Synchronize(rank uint32) error {
	if t.host != nil {
		if err := t.host.Synchronize(rank); err != nil {
			return err
		}
	}
	if t.device != nil {
		if err := t.device.Synchronize(rank); err != nil && !cmn.IsNotSupported(err) {
			return err
		}
	}
	return nil
}

func (t *Transport) GetNIC() string {
	hostNIC, deviceNIC := "", ""
	if t.host != nil {
		hostNIC = t.host.GetNIC()
	}
	if t.device != nil {
		deviceNIC = t.device.GetNIC()
	}
	switch {
	case hostNIC != "" && deviceNIC != "":
		return "host#" + hostNIC + ";device#" + deviceNIC
	case hostNIC != "":
		return "host#" + hostNIC
	case deviceNIC != "":
		return "device#" + deviceNIC
	default:
		return ""
	}
}

var _ transport.Manager = (*Transport)(nil)
