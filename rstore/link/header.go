// Package link implements the framed TCP connection shared by the
// rendezvous store client and server (spec §4.2, component C2).
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package link

import (
	"encoding/binary"

	"github.com/hybridmem/core/cmn"
)

// HeaderLen is the 16-byte link header: {magic, seq, opcode, result, len}.
const HeaderLen = 4 + 4 + 2 + 2 + 4

const Magic uint32 = 0x534d454d // "SMEM"

// Header is the per-request framing the link puts around a codec.Message
// payload (spec §4.2).
type Header struct {
	Magic  uint32
	Seq    uint32
	Opcode uint16
	Result int16
	Len    uint32
}

func EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(b[0:4], h.Magic)
	binary.LittleEndian.PutUint32(b[4:8], h.Seq)
	binary.LittleEndian.PutUint16(b[8:10], h.Opcode)
	binary.LittleEndian.PutUint16(b[10:12], uint16(h.Result))
	binary.LittleEndian.PutUint32(b[12:16], h.Len)
	return b
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderLen {
		return Header{}, cmn.NewErrInvalidMessage("link header needs %d bytes, got %d", HeaderLen, len(b))
	}
	h := Header{
		Magic:  binary.LittleEndian.Uint32(b[0:4]),
		Seq:    binary.LittleEndian.Uint32(b[4:8]),
		Opcode: binary.LittleEndian.Uint16(b[8:10]),
		Result: int16(binary.LittleEndian.Uint16(b[10:12])),
		Len:    binary.LittleEndian.Uint32(b[12:16]),
	}
	if h.Magic != Magic {
		return Header{}, cmn.NewErrInvalidMessage("bad magic %x", h.Magic)
	}
	return h, nil
}

// Result codes placed in the header, distinct from the codec's msg_type
// (spec §4.1 "reply frame additionally carries ... result").
type Result int16

const (
	ResultSuccess Result = iota
	ResultNotExist
	ResultTimeout
	ResultRestore
	ResultError
	ResultIoError
)

// ConnReq is the client's initial rank announcement (spec §4.2).
type ConnReq struct {
	WorldSize uint32
	RankID    uint32
}

const AutoAssignRank = ^uint32(0)

func (c ConnReq) Pack() uint64 {
	return uint64(c.WorldSize)<<32 | uint64(c.RankID)
}

func UnpackConnReq(v uint64) ConnReq {
	return ConnReq{WorldSize: uint32(v >> 32), RankID: uint32(v)}
}
