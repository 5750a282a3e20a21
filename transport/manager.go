// Package transport defines the uniform contract every transport
// implementation satisfies (spec §4.5, component C5): register/query/parse
// memory keys, prepare per-rank peer state, connect, and issue one-sided
// read/write operations, synchronously or via a per-thread completion
// stream.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package transport

import (
	"context"
	"time"
)

// Type discriminates the transport that produced a MemoryKey -- the key's
// first word (spec §4.5 "the first word is the TransportType").
type Type uint32

const (
	TypeHost Type = iota + 1
	TypeDevice
)

// MemoryKey packs a transport's memory-region descriptor into 16 u32 words;
// word 0 is always the Type discriminator so a composite transport can
// dispatch parse_memory_key without asking either inner manager (spec
// §4.5, §4.8).
type MemoryKey [16]uint32

func (k MemoryKey) Type() Type { return Type(k[0]) }

// RegMRFlags carries the register_mr flag bits (spec §4.5, §4.8:
// REG_MR_FLAG_DRAM routes to the host transport, REG_MR_FLAG_HBM to device).
type RegMRFlags uint32

const (
	RegMRFlagDRAM RegMRFlags = 1 << 0
	RegMRFlagHBM  RegMRFlags = 1 << 1
	RegMRFlagSelf RegMRFlags = 1 << 2 // spec §4.6: "SELF flag unset" publishes VA mapping
)

// OpenOptions is passed to Open (spec §4.5 open(options{...})).
type OpenOptions struct {
	RankID    uint32
	RankCount uint32
	Protocol  string
	NIC       string
	TLS       bool
}

// RankOptions is one peer's published nic + memory keys, used by Prepare
// and UpdateRankOptions (spec §4.5, §4.6 "Prepare").
type RankOptions struct {
	RankID  uint32
	NIC     string
	MemKeys []MemoryKey
}

// Manager is the transport contract every concrete transport (host, device,
// composite) implements (spec §4.5).
type Manager interface {
	Open(opts OpenOptions) error
	Close() error

	RegisterMR(addr uintptr, size uint64, flags RegMRFlags) (MemoryKey, error)
	UnregisterMR(addr uintptr) error
	QueryRegistered(addr uintptr, size uint64) bool
	QueryMemoryKey(addr uintptr) (MemoryKey, error)
	ParseMemoryKey(key MemoryKey) (addr uintptr, size uint64, err error)

	Prepare(ranks []RankOptions) error
	RemoveRanks(rankIDs []uint32) error

	Connect(ctx context.Context) error
	AsyncConnect() error
	WaitForConnected(timeout time.Duration) error
	UpdateRankOptions(ranks []RankOptions) error

	ReadRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error
	WriteRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error
	ReadRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error
	WriteRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error
	Synchronize(rank uint32) error

	GetNIC() string
}
