package server

import (
	"strconv"
	"strings"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/nlog"
)

// slotRef is one fixed-size record a connection appended (or re-claimed via
// WRITE) inside a *_devices_info / *_slices_info blob.
type slotRef struct {
	key    string
	index  int
	recLen int
}

// ownership is the server's record of everything one connection published,
// so a dead peer's slots can be reclaimed (spec §1 "records per-connection
// ownership of entries", §4.3 link-broken items 1-3, invariant I3).
type ownership struct {
	rankKey string // the auto_ranking_key_<name> this link SET
	rankVal []byte
	devices []slotRef
	slices  []slotRef
}

func (s *Store) ownedFor(linkID uint64) *ownership {
	o, ok := s.owned[linkID]
	if !ok {
		o = &ownership{}
		s.owned[linkID] = o
	}
	return o
}

// recordSet notes an auto_ranking_key lease written by linkID.
func (s *Store) recordSet(linkID uint64, key string, val []byte) {
	if !strings.Contains(key, "auto_ranking_key_") {
		return
	}
	s.ownMu.Lock()
	o := s.ownedFor(linkID)
	o.rankKey = key
	o.rankVal = append([]byte(nil), val...)
	s.ownMu.Unlock()
}

// recordAppend notes a device/slice slot appended by linkID. newTotal is the
// blob size after the append; the record length is the appended extent, so
// the slot index is newTotal/len-1.
func (s *Store) recordAppend(linkID uint64, key string, recLen, newTotal int) {
	if recLen <= 0 {
		return
	}
	ref := slotRef{key: key, index: newTotal/recLen - 1, recLen: recLen}
	s.ownMu.Lock()
	o := s.ownedFor(linkID)
	switch {
	case strings.HasSuffix(key, "_devices_info"):
		o.devices = append(o.devices, ref)
	case strings.HasSuffix(key, "_slices_info"):
		o.slices = append(o.slices, ref)
	}
	s.ownMu.Unlock()
}

// recordWrite notes a preferred-slot re-claim: a restoring peer WRITEs its
// record back in place (spec §4.9), which transfers the slot's ownership to
// the new connection.
func (s *Store) recordWrite(linkID uint64, key string, offset, recLen int) {
	if recLen <= 0 || offset%recLen != 0 {
		return
	}
	s.recordAppend(linkID, key, recLen, offset+recLen)
}

// popPendingRestoration consumes the restoration payload queued for key, if
// any (spec §4.3 item 3: the next GET on that rank's auto_ranking key gets
// back a Restore result instead of NotExist/blocking).
func (s *Store) popPendingRestoration(key string) (cmn.RestorePayload, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	p, ok := s.pending[key]
	if !ok {
		return cmn.RestorePayload{}, false
	}
	delete(s.pending, key)
	return p.Payload, true
}

// OnLinkBroken runs the full server-side fault-recovery sequence for a
// connection observed as closed (spec §4.3 items 1-4): release its rank-id
// lease, mark every slot it owned ABNORMAL and decrement the matching
// counts, queue the restoration payload for the next matching GET, run any
// externally registered recovery hooks, and notify subscribed watchers of
// the freed rank-id.
func (s *Store) OnLinkBroken(linkID uint64) {
	s.metrics.LinkBroken.Inc()

	rankID, hadRank := s.ranks.Release(linkID)

	s.recoverOwned(linkID)

	s.recoveryMu.Lock()
	hooks := append([]RecoveryHook(nil), s.recovery...)
	s.recoveryMu.Unlock()

	for _, hook := range hooks {
		name, payload, ok := hook(s, linkID)
		if !ok {
			continue
		}
		s.pendingMu.Lock()
		s.pending[name] = PendingRestoration{LinkID: linkID, Payload: payload}
		s.pendingMu.Unlock()
	}

	if hadRank {
		s.notifyRankBroken(rankID)
	}
}

func (s *Store) recoverOwned(linkID uint64) {
	s.ownMu.Lock()
	o := s.owned[linkID]
	delete(s.owned, linkID)
	s.ownMu.Unlock()
	if o == nil {
		return
	}

	for _, ref := range o.devices {
		s.markSlotAbnormal(ref)
		s.decrementCount(strings.TrimSuffix(ref.key, "_devices_info") + "_count")
	}
	for _, ref := range o.slices {
		s.markSlotAbnormal(ref)
		s.decrementCount(strings.TrimSuffix(ref.key, "_slices_info") + "_slices_count")
	}

	if o.rankKey == "" || len(o.rankVal) < 2 {
		return
	}
	// Release the lease key so the rank can be re-leased (item 1), and queue
	// the preferred slots for whoever asks next (item 3).
	_ = s.deleteKey(o.rankKey)
	payload := cmn.RestorePayload{RankID: uint16(o.rankVal[0]) | uint16(o.rankVal[1])<<8}
	if len(o.devices) > 0 {
		payload.DeviceInfoID = uint16(o.devices[0].index)
	}
	for _, ref := range o.slices {
		payload.SliceIDs = append(payload.SliceIDs, uint16(ref.index))
	}
	s.pendingMu.Lock()
	s.pending[o.rankKey] = PendingRestoration{LinkID: linkID, Payload: payload}
	s.pendingMu.Unlock()
	nlog.Infof("rstore: queued restoration for %s (rank %d, %d slice slots)",
		o.rankKey, payload.RankID, len(payload.SliceIDs))
}

// markSlotAbnormal flips the slot's status byte to ABNORMAL in place
// (spec I3: "every slot owned by that link transitions its status-byte to
// ABNORMAL").
func (s *Store) markSlotAbnormal(ref slotRef) {
	sh := shardFor(s.shards[:], ref.key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, found, _ := rawGet(s.db, ref.key)
	offset := ref.index * ref.recLen
	if !found || offset >= len(cur) {
		return
	}
	buf := []byte(cur)
	buf[offset] = byte(cmn.StatusAbnormal)
	_ = rawSet(s.db, ref.key, string(buf))
}

func (s *Store) decrementCount(key string) {
	sh := shardFor(s.shards[:], key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	cur, found, _ := rawGet(s.db, key)
	if !found {
		return
	}
	n, err := strconv.ParseInt(cur, 10, 64)
	if err != nil {
		return
	}
	_ = rawSet(s.db, key, strconv.FormatInt(n-1, 10))
}

// notifyRankBroken pushes a WATCH_RANK_STATE reply to every watcher
// currently subscribed (spec §4.3 item 4).
func (s *Store) notifyRankBroken(rankID uint16) {
	s.watchMu.Lock()
	cbs := make([]RankWatcher, 0, len(s.watchers))
	for _, cb := range s.watchers {
		if cb != nil {
			cbs = append(cbs, cb)
		}
	}
	s.watchMu.Unlock()
	for _, cb := range cbs {
		cb(rankID)
	}
}

// SetRankWatcher attaches the push callback for linkID, replacing any nil
// placeholder handleWatchRankState recorded. serveOne calls it before the
// request reaches Handle, so handleWatchRankState then finds the entry
// present and leaves it as is.
func (s *Store) SetRankWatcher(linkID uint64, cb RankWatcher) {
	s.watchMu.Lock()
	s.watchers[linkID] = cb
	s.watchMu.Unlock()
}

// ForgetLink drops linkID's watcher registration on disconnect.
func (s *Store) ForgetLink(linkID uint64) {
	s.watchMu.Lock()
	delete(s.watchers, linkID)
	s.watchMu.Unlock()
}
