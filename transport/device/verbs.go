// Package device implements the device (RDMA) transport (spec §4.7,
// component C7): socket-based out-of-band bring-up to a peer whitelist,
// followed by queue-pair establishment through a VerbsProvider collaborator.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package device

import (
	"unsafe"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/transport"
)

// QPAttrs are the fixed queue-pair attributes every connection uses (spec
// §4.7: "fixed attributes {send_wr=128, recv_wr=128, recv_sge=1,
// sq_depth=32768, dq_depth=128, qp_type=RC}").
var QPAttrs = QueuePairAttrs{
	SendWR: 128, RecvWR: 128, RecvSGE: 1,
	SQDepth: 32768, DQDepth: 128, QPType: QPTypeRC,
}

type QPType int

const QPTypeRC QPType = 1

type QueuePairAttrs struct {
	SendWR, RecvWR, RecvSGE int
	SQDepth, DQDepth        int
	QPType                  QPType
}

// QPStatus mirrors the spec's "status==1 means ready" polling contract.
type QPStatus int

const (
	QPStatusConnecting QPStatus = 0
	QPStatusReady      QPStatus = 1
	QPStatusFailed     QPStatus = 2
)

// VerbsProvider is the out-of-scope collaborator supplying queue-pair
// setup and one-sided verbs (spec §1 "the concrete RDMA library providing
// queue-pair setup and one-sided verbs"). LoopbackVerbsProvider below is
// the self-contained reference used by this repo's tests.
type VerbsProvider interface {
	OpenDevice() error
	// RegisterMemory returns (lkey, rkey, handle) per spec §4.7 "RegMemToDevice".
	RegisterMemory(addr uintptr, size uint64) (lkey, rkey uint32, handle uintptr, err error)
	// CreateQueuePair starts async QP bring-up to peerIP with attrs and
	// returns a handle whose status Poll reports.
	CreateQueuePair(peerIP string, attrs QueuePairAttrs) (QueuePair, error)
}

// QueuePair is one RDMA queue pair under bring-up or ready for one-sided
// ops (spec §3 ChannelConnection's device-side analogue).
type QueuePair interface {
	Poll() QPStatus
	ReadRemote(localAddr, remoteAddr uintptr, lkey, rkey uint32, size uint64) error
	WriteRemote(localAddr, remoteAddr uintptr, lkey, rkey uint32, size uint64) error
	Close() error
}

var _ VerbsProvider = (*LoopbackVerbsProvider)(nil)

// LoopbackVerbsProvider is an in-process reference VerbsProvider: queue
// pairs report READY immediately and one-sided ops copy bytes directly
// between the real addresses a caller registered (the same loopback idiom
// transport/host.LoopbackProvider and memsys/simdevice use).
type LoopbackVerbsProvider struct{ nextHandle uintptr }

// loopbackView reconstructs a byte-slice window over a real address
// previously handed out by a DeviceAllocator such as memsys/simdevice.
func loopbackView(addr uintptr, size uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func (p *LoopbackVerbsProvider) OpenDevice() error { return nil }

func (p *LoopbackVerbsProvider) RegisterMemory(addr uintptr, _ uint64) (uint32, uint32, uintptr, error) {
	p.nextHandle++
	return uint32(addr), uint32(addr), p.nextHandle, nil
}

func (p *LoopbackVerbsProvider) CreateQueuePair(string, QueuePairAttrs) (QueuePair, error) {
	return &loopbackQP{}, nil
}

type loopbackQP struct{ closed bool }

func (q *loopbackQP) Poll() QPStatus {
	if q.closed {
		return QPStatusFailed
	}
	return QPStatusReady
}

func (q *loopbackQP) ReadRemote(localAddr, remoteAddr uintptr, _, _ uint32, size uint64) error {
	if q.closed {
		return cmn.NewErrIoError(nil)
	}
	copy(loopbackView(localAddr, size), loopbackView(remoteAddr, size))
	return nil
}

func (q *loopbackQP) WriteRemote(localAddr, remoteAddr uintptr, _, _ uint32, size uint64) error {
	if q.closed {
		return cmn.NewErrIoError(nil)
	}
	copy(loopbackView(remoteAddr, size), loopbackView(localAddr, size))
	return nil
}

func (q *loopbackQP) Close() error { q.closed = true; return nil }

var _ transport.Manager = (*Transport)(nil)
