// Package codec implements the rendezvous-store wire frame from spec §4.1:
// a length-prefixed, self-describing encoding of opcode, user-tag, and
// lists of keys/values.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package codec

import (
	"encoding/binary"

	"github.com/hybridmem/core/cmn"
)

// Opcode is the codec's msg_type field (spec §4.1).
type Opcode int16

const (
	OpInvalid Opcode = iota
	OpSet
	OpGet
	OpAdd
	OpRemove
	OpAppend
	OpCas
	OpWrite
	OpWatchRankState
	OpHeartbeat
	OpConnect
)

func (o Opcode) String() string {
	switch o {
	case OpSet:
		return "SET"
	case OpGet:
		return "GET"
	case OpAdd:
		return "ADD"
	case OpRemove:
		return "REMOVE"
	case OpAppend:
		return "APPEND"
	case OpCas:
		return "CAS"
	case OpWrite:
		return "WRITE"
	case OpWatchRankState:
		return "WATCH_RANK_STATE"
	case OpHeartbeat:
		return "HEARTBEAT"
	case OpConnect:
		return "CONNECT"
	default:
		return "INVALID"
	}
}

// fixedHeaderLen = total_size(u64) + user_tag(i64) + msg_type(i16) + key_count(u64) + value_count(u64)
// laid out as they appear on the wire, i.e. the minimum any frame can be.
const fixedHeaderLen = 8 + 8 + 2 + 8 + 8

// Message is the decoded form of one codec frame.
type Message struct {
	UserTag int64
	Type    Opcode
	Keys    [][]byte
	Values  [][]byte
}

// Clone deep-copies a Message so callers can mutate the original safely
// after a Decode (Decode's keys and values alias the input buffer).
func (m *Message) Clone() *Message {
	c := &Message{UserTag: m.UserTag, Type: m.Type}
	c.Keys = make([][]byte, len(m.Keys))
	for i, k := range m.Keys {
		c.Keys[i] = append([]byte(nil), k...)
	}
	c.Values = make([][]byte, len(m.Values))
	for i, v := range m.Values {
		c.Values[i] = append([]byte(nil), v...)
	}
	return c
}

// EstimateSize returns the exact number of bytes Encode will produce,
// letting the link size its write buffer in one pass (SPEC_FULL §4).
func (m *Message) EstimateSize() int {
	n := fixedHeaderLen
	for _, k := range m.Keys {
		n += 8 + len(k)
	}
	for _, v := range m.Values {
		n += 8 + len(v)
	}
	return n
}

// validate enforces the bound checks from spec §4.1 that apply to both
// encode and decode.
func validate(m *Message) error {
	if len(m.Keys) > cmn.MaxKeyCount {
		return cmn.NewErrInvalidMessage("key_count %d exceeds max %d", len(m.Keys), cmn.MaxKeyCount)
	}
	if len(m.Values) > cmn.MaxValCount {
		return cmn.NewErrInvalidMessage("value_count %d exceeds max %d", len(m.Values), cmn.MaxValCount)
	}
	for _, k := range m.Keys {
		if len(k) > cmn.MaxKeyLen {
			return cmn.NewErrInvalidMessage("key length %d exceeds max %d", len(k), cmn.MaxKeyLen)
		}
	}
	for _, v := range m.Values {
		if len(v) > cmn.MaxValueLen {
			return cmn.NewErrInvalidMessage("value length %d exceeds max %d", len(v), cmn.MaxValueLen)
		}
	}
	return nil
}

// Encode serializes m per spec §4.1. Returns InvalidMessage if any bound is
// violated.
func Encode(m *Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	total := uint64(m.EstimateSize())
	buf := make([]byte, 0, total)
	buf = appendU64(buf, total)
	buf = appendI64(buf, m.UserTag)
	buf = appendI16(buf, int16(m.Type))
	buf = appendU64(buf, uint64(len(m.Keys)))
	for _, k := range m.Keys {
		buf = appendU64(buf, uint64(len(k)))
		buf = append(buf, k...)
	}
	buf = appendU64(buf, uint64(len(m.Values)))
	for _, v := range m.Values {
		buf = appendU64(buf, uint64(len(v)))
		buf = append(buf, v...)
	}
	return buf, nil
}

// Full reports whether buf contains at least one complete frame, per the
// partial-read rule in spec §4.1.
func Full(buf []byte) bool {
	if len(buf) < fixedHeaderLen {
		return false
	}
	total := binary.LittleEndian.Uint64(buf[0:8])
	return uint64(len(buf)) >= total
}

// Decode parses exactly one frame from the front of buf, returning the
// message, the number of bytes consumed, and an error. On a truncated
// input it returns (nil, 0, nil) -- "not enough data yet", distinct from a
// malformed frame which returns cmn.KindInvalidMessage and consumes 0
// bytes, per spec §8's round-trip property.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < fixedHeaderLen {
		return nil, 0, nil
	}
	total := binary.LittleEndian.Uint64(buf[0:8])
	if uint64(len(buf)) < total {
		return nil, 0, nil
	}
	if total < fixedHeaderLen {
		return nil, 0, cmn.NewErrInvalidMessage("total_size %d smaller than fixed header", total)
	}
	frame := buf[:total]
	off := 8
	userTag := int64(binary.LittleEndian.Uint64(frame[off : off+8]))
	off += 8
	msgType := int16(binary.LittleEndian.Uint16(frame[off : off+2]))
	off += 2

	keyCount := binary.LittleEndian.Uint64(frame[off : off+8])
	off += 8
	if keyCount > cmn.MaxKeyCount {
		return nil, 0, cmn.NewErrInvalidMessage("key_count %d exceeds max %d", keyCount, cmn.MaxKeyCount)
	}
	keys := make([][]byte, 0, keyCount)
	for i := uint64(0); i < keyCount; i++ {
		if off+8 > len(frame) {
			return nil, 0, cmn.NewErrInvalidMessage("truncated key length field")
		}
		klen := binary.LittleEndian.Uint64(frame[off : off+8])
		off += 8
		if klen > cmn.MaxKeyLen {
			return nil, 0, cmn.NewErrInvalidMessage("key length %d exceeds max %d", klen, cmn.MaxKeyLen)
		}
		if off+int(klen) > len(frame) {
			return nil, 0, cmn.NewErrInvalidMessage("truncated key bytes")
		}
		keys = append(keys, frame[off:off+int(klen)])
		off += int(klen)
	}

	if off+8 > len(frame) {
		return nil, 0, cmn.NewErrInvalidMessage("truncated value_count field")
	}
	valCount := binary.LittleEndian.Uint64(frame[off : off+8])
	off += 8
	if valCount > cmn.MaxValCount {
		return nil, 0, cmn.NewErrInvalidMessage("value_count %d exceeds max %d", valCount, cmn.MaxValCount)
	}
	values := make([][]byte, 0, valCount)
	for i := uint64(0); i < valCount; i++ {
		if off+8 > len(frame) {
			return nil, 0, cmn.NewErrInvalidMessage("truncated value length field")
		}
		vlen := binary.LittleEndian.Uint64(frame[off : off+8])
		off += 8
		if vlen > cmn.MaxValueLen {
			return nil, 0, cmn.NewErrInvalidMessage("value length %d exceeds max %d", vlen, cmn.MaxValueLen)
		}
		if off+int(vlen) > len(frame) {
			return nil, 0, cmn.NewErrInvalidMessage("truncated value bytes")
		}
		values = append(values, frame[off:off+int(vlen)])
		off += int(vlen)
	}

	msg := &Message{UserTag: userTag, Type: Opcode(msgType), Keys: keys, Values: values}
	return msg, int(total), nil
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendI64(b []byte, v int64) []byte { return appendU64(b, uint64(v)) }

func appendI16(b []byte, v int16) []byte {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], uint16(v))
	return append(b, tmp[:]...)
}
