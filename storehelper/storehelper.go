// Package storehelper implements the store helper (spec §4.9, component
// C9): a thin, idempotent-under-restart layer over the rendezvous store
// client owning the per-entity key conventions -- rank-id lease,
// device/slice publication with preferred-slot restore, and diff-based
// discovery of peer devices and slices.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package storehelper

import (
	"bytes"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hybridmem/core/cmn"
)

// Store is the subset of rstore/client.Client the helper needs; defined
// here so tests can supply an in-memory fake without a real TCP link.
type Store interface {
	Get(key string, timeout time.Duration) ([]byte, error)
	Set(key string, value []byte) error
	Add(key string, delta int64) (int64, error)
	Append(key string, extra []byte) (int, error)
	Write(key string, offset uint32, data []byte) error
	Cas(key string, expect, newVal []byte) ([]byte, bool, error)
}

// clusterRankRecordSize is the fixed per-rank config record size appended
// to `cluster_ranks_info` (spec §3 "byte array of fixed-size per-rank
// config records").
const clusterRankRecordSize = 64

// Helper owns the per-entity key conventions for one TransferEntity (spec
// §4.9). The keys it issues are relative; the caller supplies a store
// already scoped to `/trans/<entity-id>/` -- typically an rstore/client
// Prefix view (spec §4.4, §4.10 step 3).
type Helper struct {
	store         Store
	deviceDescLen int
	sliceDescLen  int

	mu           sync.Mutex
	devState     map[cmn.Side][]cmn.DeviceRecord
	sliceState   map[cmn.Side][]cmn.SliceRecord
	ownDeviceIdx map[cmn.Side]int
}

// New constructs a Helper over an entity-scoped store. deviceDescLen/
// sliceDescLen are the fixed opaque descriptor lengths this entity's
// DeviceAllocator produces, needed to parse the fixed-record
// `*_devices_info`/`*_slices_info` blobs.
func New(store Store, deviceDescLen, sliceDescLen int) *Helper {
	return &Helper{
		store:         store,
		deviceDescLen: deviceDescLen,
		sliceDescLen:  sliceDescLen,
		devState:      make(map[cmn.Side][]cmn.DeviceRecord),
		sliceState:    make(map[cmn.Side][]cmn.SliceRecord),
		ownDeviceIdx:  make(map[cmn.Side]int),
	}
}

func clusterRankRecord(name string) []byte {
	b := make([]byte, clusterRankRecordSize)
	n := copy(b, name)
	_ = n
	return b
}

// GenerateRankID leases this entity's stable rank-id for name (spec §4.9
// "Rank-id lease"). On Restore it returns the preferred-slot payload the
// caller must re-claim (spec §8 scenario 3).
func (h *Helper) GenerateRankID(name string) (uint16, *cmn.RestorePayload, error) {
	key := cmn.RelAutoRankingKey(name)
	val, err := h.store.Get(key, 0)

	var re *cmn.RestoreError
	switch {
	case err == nil:
		if len(val) < 2 {
			return 0, nil, cmn.NewErrInvalidMessage("auto ranking key %q: value too short", key)
		}
		return uint16(val[0]) | uint16(val[1])<<8, nil, nil

	case errors.As(err, &re):
		// Re-claim the lease: the server dropped the key when it queued the
		// restoration, so write the rank back before returning it.
		rid := re.Payload.RankID
		if serr := h.store.Set(key, []byte{byte(rid), byte(rid >> 8)}); serr != nil {
			return 0, nil, serr
		}
		return rid, &re.Payload, nil

	case cmn.IsKind(err, cmn.KindNotExist):
		n, aerr := h.store.Append(cmn.RelClusterRanksInfo, clusterRankRecord(name))
		if aerr != nil {
			return 0, nil, aerr
		}
		rankID := uint16(n/clusterRankRecordSize - 1)
		rb := []byte{byte(rankID), byte(rankID >> 8)}
		if serr := h.store.Set(key, rb); serr != nil {
			return 0, nil, serr
		}
		return rankID, nil, nil

	default:
		return 0, nil, err
	}
}

// PublishDeviceInfo appends desc under side's devices_info directory and
// bumps the side's count (spec §4.9 "Publish device info", I4). When
// preferredIdx is non-nil (recovery), it WRITEs in place at that slot
// instead (spec §4.9 "On Restore, instead WRITE at the preferred slot").
func (h *Helper) PublishDeviceInfo(side cmn.Side, desc []byte, preferredIdx *uint16) (int, error) {
	rec := cmn.DeviceRecord{Status: cmn.StatusNormal, Desc: desc}
	encoded := rec.Encode()

	if preferredIdx != nil {
		offset := uint32(*preferredIdx) * uint32(len(encoded))
		if err := h.store.Write(cmn.RelDevicesInfoKey(side), offset, encoded); err != nil {
			return 0, err
		}
		idx := int(*preferredIdx)
		h.mu.Lock()
		h.ownDeviceIdx[side] = idx
		h.mu.Unlock()
		return idx, nil
	}

	n, err := h.store.Append(cmn.RelDevicesInfoKey(side), encoded)
	if err != nil {
		return 0, err
	}
	idx := n/len(encoded) - 1
	if _, err := h.store.Add(cmn.RelCountKey(side), 1); err != nil {
		return 0, err
	}
	h.mu.Lock()
	h.ownDeviceIdx[side] = idx
	h.mu.Unlock()
	return idx, nil
}

// PublishSliceInfo appends info+desc under side's slices_info directory
// and bumps the side's slice count (spec §4.9 "Publish slice info").
func (h *Helper) PublishSliceInfo(side cmn.Side, info cmn.StoredSliceInfo, desc []byte, preferredID *uint16) (int, error) {
	rec := cmn.SliceRecord{Status: cmn.StatusNormal, Info: info, Desc: desc}
	encoded := rec.Encode()

	if preferredID != nil {
		offset := uint32(*preferredID) * uint32(len(encoded))
		if err := h.store.Write(cmn.RelSlicesInfoKey(side), offset, encoded); err != nil {
			return 0, err
		}
		return int(*preferredID), nil
	}

	n, err := h.store.Append(cmn.RelSlicesInfoKey(side), encoded)
	if err != nil {
		return 0, err
	}
	idx := n/len(encoded) - 1
	if _, err := h.store.Add(cmn.RelSlicesCountKey(side), 1); err != nil {
		return 0, err
	}
	return idx, nil
}

func (h *Helper) sliceRecordLen() int {
	return 1 /*status*/ + 8 + 8 + 8 + 2 /*StoredSliceInfo*/ + h.sliceDescLen
}

func (h *Helper) deviceRecordLen() int {
	return 1 + h.deviceDescLen
}

func decodeDeviceRecords(blob []byte, recLen int) ([]cmn.DeviceRecord, error) {
	if recLen <= 0 || len(blob)%recLen != 0 {
		return nil, cmn.NewErrInvalidMessage("devices_info blob length %d not a multiple of record length %d", len(blob), recLen)
	}
	n := len(blob) / recLen
	out := make([]cmn.DeviceRecord, n)
	for i := 0; i < n; i++ {
		rec, err := cmn.DecodeDeviceRecord(blob[i*recLen : (i+1)*recLen])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func decodeSliceRecords(blob []byte, recLen int) ([]cmn.SliceRecord, error) {
	if recLen <= 0 || len(blob)%recLen != 0 {
		return nil, cmn.NewErrInvalidMessage("slices_info blob length %d not a multiple of record length %d", len(blob), recLen)
	}
	n := len(blob) / recLen
	out := make([]cmn.SliceRecord, n)
	for i := 0; i < n; i++ {
		rec, err := cmn.DecodeSliceRecord(blob[i*recLen : (i+1)*recLen])
		if err != nil {
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

// DiscoverDevices diffs side's devices_info blob against the last-seen
// state (spec §4.9 "Discover remote ranks"). onImport fires for slots that
// are new-and-NORMAL, changed-while-NORMAL, or transitioned
// ABNORMAL->NORMAL; onRemove fires for NORMAL->ABNORMAL transitions. The
// local cache never shrinks even if the store returns a smaller blob
// (e.g. after a server restart).
func (h *Helper) DiscoverDevices(side cmn.Side, onImport func(idx int, desc []byte), onRemove func(idx int)) error {
	blob, err := h.store.Get(cmn.RelDevicesInfoKey(side), 0)
	if err != nil {
		if cmn.IsKind(err, cmn.KindNotExist) {
			return nil
		}
		return err
	}
	recs, err := decodeDeviceRecords(blob, h.deviceRecordLen())
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.devState[side]
	minCount := len(prev)
	if len(recs) < minCount {
		minCount = len(recs)
	}
	for i := 0; i < minCount; i++ {
		was, now := prev[i], recs[i]
		switch {
		case was.Status == cmn.StatusNormal && now.Status == cmn.StatusNormal && !bytes.Equal(was.Desc, now.Desc):
			onImport(i, now.Desc)
		case was.Status == cmn.StatusNormal && now.Status == cmn.StatusAbnormal:
			onRemove(i)
		case was.Status == cmn.StatusAbnormal && now.Status == cmn.StatusNormal:
			onImport(i, now.Desc)
		}
	}
	for i := minCount; i < len(recs); i++ {
		if recs[i].Status == cmn.StatusNormal {
			onImport(i, recs[i].Desc)
		}
	}
	if len(recs) > len(prev) {
		h.devState[side] = recs
	} else {
		copy(prev[:minCount], recs[:minCount])
		h.devState[side] = prev
	}
	return nil
}

// DiscoverSlices is DiscoverDevices's analogue over `*_slices_info` (spec
// §4.9 "Discover remote slices"). onImport/onRemove receive the decoded
// StoredSliceInfo alongside the opaque descriptor / index.
func (h *Helper) DiscoverSlices(side cmn.Side, onImport func(idx int, info cmn.StoredSliceInfo, desc []byte), onRemove func(idx int, info cmn.StoredSliceInfo)) error {
	blob, err := h.store.Get(cmn.RelSlicesInfoKey(side), 0)
	if err != nil {
		if cmn.IsKind(err, cmn.KindNotExist) {
			return nil
		}
		return err
	}
	recs, err := decodeSliceRecords(blob, h.sliceRecordLen())
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sliceState[side]
	minCount := len(prev)
	if len(recs) < minCount {
		minCount = len(recs)
	}
	for i := 0; i < minCount; i++ {
		was, now := prev[i], recs[i]
		switch {
		case was.Status == cmn.StatusNormal && now.Status == cmn.StatusNormal && !bytes.Equal(was.Desc, now.Desc):
			onImport(i, now.Info, now.Desc)
		case was.Status == cmn.StatusNormal && now.Status == cmn.StatusAbnormal:
			onRemove(i, was.Info)
		case was.Status == cmn.StatusAbnormal && now.Status == cmn.StatusNormal:
			onImport(i, now.Info, now.Desc)
		}
	}
	for i := minCount; i < len(recs); i++ {
		if recs[i].Status == cmn.StatusNormal {
			onImport(i, recs[i].Info, recs[i].Desc)
		}
	}
	if len(recs) > len(prev) {
		h.sliceState[side] = recs
	} else {
		copy(prev[:minCount], recs[:minCount])
		h.sliceState[side] = prev
	}
	return nil
}
