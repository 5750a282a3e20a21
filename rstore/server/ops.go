package server

import (
	"bytes"
	"strconv"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/hybridmem/core/codec"
	"github.com/hybridmem/core/rstore/link"
)

// Handle dispatches one incoming request frame to its opcode handler and
// returns the link-level result code plus optional reply payload (spec
// §4.3). linkID identifies the owning connection for rank-lease and
// fault-recovery bookkeeping.
func (s *Store) Handle(linkID uint64, hdr link.Header, msg *codec.Message) (link.Result, *codec.Message) {
	op := codec.Opcode(hdr.Opcode)
	s.metrics.Ops.WithLabelValues(op.String()).Inc()
	switch op {
	case codec.OpSet:
		return s.handleSet(linkID, msg)
	case codec.OpGet:
		return s.handleGet(msg)
	case codec.OpAdd:
		return s.handleAdd(msg)
	case codec.OpRemove:
		return s.handleRemove(msg)
	case codec.OpAppend:
		return s.handleAppend(linkID, msg)
	case codec.OpCas:
		return s.handleCas(msg)
	case codec.OpWrite:
		return s.handleWrite(linkID, msg)
	case codec.OpWatchRankState:
		return s.handleWatchRankState(linkID)
	case codec.OpHeartbeat:
		return link.ResultSuccess, nil
	case codec.OpConnect:
		return s.handleConnect(linkID, msg)
	default:
		return link.ResultError, nil
	}
}

func keyOf(msg *codec.Message) (string, bool) {
	if msg == nil || len(msg.Keys) == 0 {
		return "", false
	}
	return string(msg.Keys[0]), true
}

func valOf(msg *codec.Message, i int) []byte {
	if msg == nil || i >= len(msg.Values) {
		return nil
	}
	return msg.Values[i]
}

// wakeKeyWaiters satisfies every waiter blocked on key with result, once
// each (spec I5). Called only on insertion, never on replacement or plain
// increment (SPEC_FULL §9 design note: "wakes ... only on insertion").
func (s *Store) wakeKeyWaiters(key string, result waiterResult) {
	s.waitersMu.Lock()
	lst := s.byKey[key]
	delete(s.byKey, key)
	for _, w := range lst {
		delete(s.byID, w.id)
	}
	s.waitersMu.Unlock()
	for _, w := range lst {
		select {
		case w.reply <- result:
		default:
		}
	}
}

func (s *Store) handleSet(linkID uint64, msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	val := valOf(msg, 0)
	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	_, existed, _ := rawGet(s.db, key)
	_ = rawSet(s.db, key, string(val))
	sh.mu.Unlock()
	s.recordSet(linkID, key, val)
	if !existed {
		s.wakeKeyWaiters(key, waiterResult{value: val, found: true})
	}
	return link.ResultSuccess, nil
}

func (s *Store) handleGet(msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}

	if payload, had := s.popPendingRestoration(key); had {
		s.metrics.Restores.Inc()
		return link.ResultRestore, &codec.Message{Values: [][]byte{payload.Encode()}}
	}

	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	val, found, _ := rawGet(s.db, key)
	sh.mu.Unlock()
	if found {
		return link.ResultSuccess, &codec.Message{Values: [][]byte{[]byte(val)}}
	}

	if msg.UserTag == 0 {
		return link.ResultNotExist, nil
	}

	w := &waiter{key: key, reply: make(chan waiterResult, 1)}
	if msg.UserTag > 0 {
		w.deadline = time.Now().Add(time.Duration(msg.UserTag) * time.Millisecond)
	}
	s.waitersMu.Lock()
	s.waiterID++
	w.id = s.waiterID
	s.byID[w.id] = w
	s.byKey[key] = append(s.byKey[key], w)
	s.waitersMu.Unlock()
	s.metrics.Waiters.Inc()
	defer s.metrics.Waiters.Dec()

	res := <-w.reply
	if !res.found {
		s.metrics.Timeouts.Inc()
		return link.ResultTimeout, nil
	}
	return link.ResultSuccess, &codec.Message{Values: [][]byte{res.value}}
}

func (s *Store) handleAdd(msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	delta, err := strconv.ParseInt(string(valOf(msg, 0)), 10, 64)
	if err != nil {
		return link.ResultError, nil
	}
	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	cur, existed, _ := rawGet(s.db, key)
	var base int64
	if existed {
		base, _ = strconv.ParseInt(cur, 10, 64)
	}
	newVal := base + delta
	_ = rawSet(s.db, key, strconv.FormatInt(newVal, 10))
	sh.mu.Unlock()
	reply := &codec.Message{Values: [][]byte{[]byte(strconv.FormatInt(newVal, 10))}}
	if !existed {
		s.wakeKeyWaiters(key, waiterResult{value: reply.Values[0], found: true})
	}
	return link.ResultSuccess, reply
}

func (s *Store) handleRemove(msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, existed, _ := rawGet(s.db, key)
	if !existed {
		return link.ResultNotExist, nil
	}
	_ = s.deleteKey(key)
	return link.ResultSuccess, nil
}

func (s *Store) handleAppend(linkID uint64, msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	extra := valOf(msg, 0)
	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	cur, existed, _ := rawGet(s.db, key)
	newVal := cur + string(extra)
	_ = rawSet(s.db, key, newVal)
	sh.mu.Unlock()
	s.recordAppend(linkID, key, len(extra), len(newVal))
	reply := &codec.Message{Values: [][]byte{[]byte(strconv.Itoa(len(newVal)))}}
	if !existed {
		s.wakeKeyWaiters(key, waiterResult{value: []byte(newVal), found: true})
	}
	return link.ResultSuccess, reply
}

// handleCas implements compare-and-swap. By convention (private to this
// client/server pair, not a separate opcode): UserTag == 1 means "expect
// absent" -- the caller is asking to create the key only if it does not
// yet exist (spec §8's CAS round-trip scenario starts from
// cas(k, absent, v)). Values are [expect, newVal]; on a mismatch no
// mutation happens and the reply's Values[0] carries the current stored
// value ("existing").
func (s *Store) handleCas(msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	expectAbsent := msg.UserTag == 1
	expect := valOf(msg, 0)
	newVal := valOf(msg, 1)

	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	cur, existed, _ := rawGet(s.db, key)

	if !existed {
		if expectAbsent {
			_ = rawSet(s.db, key, string(newVal))
			sh.mu.Unlock()
			s.wakeKeyWaiters(key, waiterResult{value: newVal, found: true})
			return link.ResultSuccess, &codec.Message{Values: [][]byte{nil}}
		}
		sh.mu.Unlock()
		return link.ResultError, &codec.Message{Values: [][]byte{nil}}
	}
	defer sh.mu.Unlock()
	if !expectAbsent && bytes.Equal([]byte(cur), expect) {
		_ = rawSet(s.db, key, string(newVal))
		return link.ResultSuccess, &codec.Message{Values: [][]byte{[]byte(cur)}}
	}
	return link.ResultError, &codec.Message{Values: [][]byte{[]byte(cur)}}
}

// handleWrite writes in place at an offset, zero-padding on grow (spec
// §4.3 WRITE), used for slot-in-place recovery updates (C9 preferred slot).
func (s *Store) handleWrite(linkID uint64, msg *codec.Message) (link.Result, *codec.Message) {
	key, ok := keyOf(msg)
	if !ok || key == "" {
		return link.ResultError, nil
	}
	payload := valOf(msg, 0)
	if len(payload) < 4 {
		return link.ResultError, nil
	}
	offset := int(uint32(payload[0]) | uint32(payload[1])<<8 | uint32(payload[2])<<16 | uint32(payload[3])<<24)
	data := payload[4:]

	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, _, _ := rawGet(s.db, key)
	buf := []byte(cur)
	need := offset + len(data)
	if need > len(buf) {
		grown := make([]byte, need)
		copy(grown, buf)
		buf = grown
	}
	copy(buf[offset:], data)
	_ = rawSet(s.db, key, string(buf))
	s.recordWrite(linkID, key, offset, len(data))
	return link.ResultSuccess, nil
}

func (s *Store) handleWatchRankState(linkID uint64) (link.Result, *codec.Message) {
	s.watchMu.Lock()
	if _, ok := s.watchers[linkID]; !ok {
		s.watchers[linkID] = nil
	}
	s.watchMu.Unlock()
	return link.ResultSuccess, nil
}

// handleConnect assigns (or adopts) the rank-id for this link under the
// peer-supplied name, the link-level counterpart to the rendezvous KV's
// auto_ranking_key mechanism (spec §4.2 handshake, §4.3 "Assigned ranks").
// Values[0], if 4 bytes, is a little-endian rank-id request;
// link.AutoAssignRank (all-ones) or an absent value asks for the smallest
// free rank-id.
func (s *Store) handleConnect(linkID uint64, msg *codec.Message) (link.Result, *codec.Message) {
	name, ok := keyOf(msg)
	if !ok || name == "" {
		return link.ResultError, nil
	}
	worldSize := uint32(msg.UserTag)
	requested := link.AutoAssignRank
	if v := valOf(msg, 0); len(v) == 4 {
		requested = uint32(v[0]) | uint32(v[1])<<8 | uint32(v[2])<<16 | uint32(v[3])<<24
	}

	var rankID uint16
	if requested != link.AutoAssignRank {
		rankID = uint16(requested)
		s.ranks.Adopt(name, rankID, linkID)
	} else {
		rankID = s.ranks.Assign(name, linkID, worldSize)
	}
	return link.ResultSuccess, &codec.Message{Values: [][]byte{{byte(rankID), byte(rankID >> 8)}}}
}

func (s *Store) deleteKey(key string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}
