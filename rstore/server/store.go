// Package server implements the rendezvous store server (spec §4.3,
// component C3): the shared key-value map, blocking-get waiter queue with
// timed expiry, rank-id lease, and fault-recovery handling.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package server

import (
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/tidwall/buntdb"

	"github.com/hybridmem/core/cmn"
)

const numShards = 32

// shard holds one slice of the key space behind its own mutex, placed by
// xxhash(key) (SPEC_FULL §2: "sharded waiter-table/key-space hashing").
type shard struct {
	mu sync.Mutex
	// keyWaiters is allocated but never populated: blocked GETs are indexed
	// in Store.byID / Store.byKey (spec I5).
	keyWaiters map[string]map[uint64]struct{}
}

func shardFor(shards []*shard, key string) *shard {
	h := xxhash.ChecksumString64(key)
	return shards[h%uint64(numShards)]
}

// waiter is a StoreWaiter (spec §3): a blocked GET awaiting SET/APPEND/ADD/
// CAS on its key, or a timer expiry.
type waiter struct {
	id       uint64
	key      string
	deadline time.Time // zero means "wait forever"
	reply    chan waiterResult
}

type waiterResult struct {
	value []byte
	found bool
}

// Store is the rendezvous KV server. The KV itself lives in a buntdb
// in-memory (or optionally file-backed) database -- the spec's "optional
// back-end" (spec §6 "no durable storage ... beyond what the store's
// optional back-end implements").
type Store struct {
	db *buntdb.DB

	shards [numShards]*shard

	waitersMu sync.Mutex
	waiterID  uint64
	byID      map[uint64]*waiter   // spec I5: {timed-waiters} index
	byKey     map[string][]*waiter // spec I5: {key-waiters} index

	ranks *rankTable

	recoveryMu sync.Mutex
	recovery   []RecoveryHook
	pendingMu  sync.Mutex
	pending    map[string]PendingRestoration // auto_ranking_key -> restoration, consumed by next GET

	ownMu sync.Mutex
	owned map[uint64]*ownership // link-id -> entries this connection published

	watchMu  sync.Mutex
	watchers map[uint64]RankWatcher

	timerStop chan struct{}
	timerDone chan struct{}

	metrics *Metrics
}

// RecoveryHook is an externally registered fault-recovery handler run on
// every link-broken event after the built-in ownership recovery (fault.go's
// recoverOwned, which marks the link's slots ABNORMAL and decrements their
// counts). When ok is true, the returned payload is queued under name and
// served to the next GET on that key (spec §4.3 item 2). No hook is
// registered by default.
type RecoveryHook func(s *Store, linkID uint64) (name string, payload cmn.RestorePayload, ok bool)

// PendingRestoration is pushed onto the per-key slot on link-broken and
// consumed by the next GET on that rank's auto_ranking key (spec §4.3 item 3).
type PendingRestoration struct {
	LinkID  uint64
	Payload cmn.RestorePayload
}

// RankWatcher receives WATCH_RANK_STATE notifications (spec §4.3 item 4).
type RankWatcher func(rankID uint16)

// Backend selects where buntdb persists; ":memory:" is the default.
type Backend string

const InMemory Backend = ":memory:"

func New(backend Backend) (*Store, error) {
	path := string(backend)
	if path == "" {
		path = string(InMemory)
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.NewErrNewObjectFailed("buntdb", err)
	}
	s := &Store{
		db:        db,
		byID:      make(map[uint64]*waiter),
		byKey:     make(map[string][]*waiter),
		ranks:     newRankTable(),
		pending:   make(map[string]PendingRestoration),
		owned:     make(map[uint64]*ownership),
		watchers:  make(map[uint64]RankWatcher),
		timerStop: make(chan struct{}),
		timerDone: make(chan struct{}),
		metrics:   NewMetrics(),
	}
	for i := range s.shards {
		s.shards[i] = &shard{keyWaiters: make(map[string]map[uint64]struct{})}
	}
	go s.timerLoop()
	return s, nil
}

// RegisterRecoveryHook installs a fault-recovery handler, invoked in
// registration order on every link-broken event (spec §4.3, SPEC_FULL §4 C3).
func (s *Store) RegisterRecoveryHook(hook RecoveryHook) {
	s.recoveryMu.Lock()
	defer s.recoveryMu.Unlock()
	s.recovery = append(s.recovery, hook)
}

// timerLoop wakes every 1ms and expires timed-out waiters (spec §5).
func (s *Store) timerLoop() {
	defer close(s.timerDone)
	t := time.NewTicker(1 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.expireTimedOut()
		case <-s.timerStop:
			return
		}
	}
}

func (s *Store) expireTimedOut() {
	now := time.Now()
	var expired []*waiter
	s.waitersMu.Lock()
	for id, w := range s.byID {
		if !w.deadline.IsZero() && now.After(w.deadline) {
			expired = append(expired, w)
			delete(s.byID, id)
			lst := s.byKey[w.key]
			for i, ww := range lst {
				if ww.id == id {
					s.byKey[w.key] = append(lst[:i], lst[i+1:]...)
					break
				}
			}
			if len(s.byKey[w.key]) == 0 {
				delete(s.byKey, w.key)
			}
		}
	}
	s.waitersMu.Unlock()
	for _, w := range expired {
		select {
		case w.reply <- waiterResult{}:
		default:
		}
	}
}

// Shutdown stops the timer thread; refuses new work after return (spec §4.3).
func (s *Store) Shutdown() {
	close(s.timerStop)
	<-s.timerDone
	_ = s.db.Close()
}

func rawGet(db *buntdb.DB, key string) (string, bool, error) {
	var val string
	var found bool
	err := db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

func rawSet(db *buntdb.DB, key, val string) error {
	return db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, val, nil)
		return err
	})
}
