package storehelper_test

import (
	"sync"
	"testing"
	"time"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/storehelper"
)

// fakeStore is a tiny in-process stand-in for rstore/client.Client, enough
// to exercise storehelper's key conventions without a real TCP link.
type fakeStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	restore map[string]cmn.RestorePayload
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string][]byte), restore: make(map[string]cmn.RestorePayload)}
}

func (f *fakeStore) Get(key string, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.restore[key]; ok {
		delete(f.restore, key)
		return nil, &cmn.RestoreError{Payload: p}
	}
	v, ok := f.values[key]
	if !ok {
		return nil, cmn.NewErrNotExist(key)
	}
	return v, nil
}

func (f *fakeStore) Set(key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeStore) Add(key string, delta int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := int64(0)
	if cur, ok := f.values[key]; ok {
		for i, b := range cur {
			if i < 8 {
				v |= int64(b) << (8 * i)
			}
		}
	}
	v += delta
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	f.values[key] = b
	return v, nil
}

func (f *fakeStore) Append(key string, extra []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append(f.values[key], extra...)
	return len(f.values[key]), nil
}

func (f *fakeStore) Write(key string, offset uint32, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.values[key]
	end := int(offset) + len(data)
	if end > len(cur) {
		grown := make([]byte, end)
		copy(grown, cur)
		cur = grown
	}
	copy(cur[offset:], data)
	f.values[key] = cur
	return nil
}

func (f *fakeStore) Cas(key string, expect, newVal []byte) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.values[key]
	if string(cur) != string(expect) {
		return cur, false, nil
	}
	f.values[key] = append([]byte(nil), newVal...)
	return newVal, true, nil
}

func TestGenerateRankIDFirstComeIsSequential(t *testing.T) {
	store := newFakeStore()
	h := storehelper.New(store, 16, 16)

	r0, restore, err := h.GenerateRankID("peer-a")
	if err != nil || restore != nil {
		t.Fatalf("GenerateRankID peer-a = (%d, %v, %v)", r0, restore, err)
	}
	r1, restore, err := h.GenerateRankID("peer-b")
	if err != nil || restore != nil {
		t.Fatalf("GenerateRankID peer-b = (%d, %v, %v)", r1, restore, err)
	}
	if r0 != 0 || r1 != 1 {
		t.Fatalf("ranks = %d, %d; want 0, 1", r0, r1)
	}

	again, restore, err := h.GenerateRankID("peer-a")
	if err != nil || restore != nil || again != r0 {
		t.Fatalf("GenerateRankID peer-a repeat = (%d, %v, %v), want %d", again, restore, err, r0)
	}
}

func TestGenerateRankIDSurfacesRestorePayload(t *testing.T) {
	store := newFakeStore()
	h := storehelper.New(store, 16, 16)
	store.restore[cmn.RelAutoRankingKey("peer-a")] = cmn.RestorePayload{RankID: 4, DeviceInfoID: 2, SliceIDs: []uint16{7}}

	rank, restore, err := h.GenerateRankID("peer-a")
	if err != nil {
		t.Fatalf("GenerateRankID: %v", err)
	}
	if restore == nil || rank != 4 || restore.DeviceInfoID != 2 {
		t.Fatalf("GenerateRankID restore = rank %d, payload %+v", rank, restore)
	}
}

func TestPublishDeviceInfoAppendsAndCounts(t *testing.T) {
	store := newFakeStore()
	h := storehelper.New(store, 4, 4)

	idx0, err := h.PublishDeviceInfo(cmn.SideSenders, []byte{1, 2, 3, 4}, nil)
	if err != nil || idx0 != 0 {
		t.Fatalf("PublishDeviceInfo first = (%d, %v)", idx0, err)
	}
	idx1, err := h.PublishDeviceInfo(cmn.SideSenders, []byte{5, 6, 7, 8}, nil)
	if err != nil || idx1 != 1 {
		t.Fatalf("PublishDeviceInfo second = (%d, %v)", idx1, err)
	}

	count, err := store.Get(cmn.RelCountKey(cmn.SideSenders), 0)
	if err != nil || len(count) < 8 {
		t.Fatalf("senders_count get: %v, %v", count, err)
	}
}

func TestPublishDeviceInfoPreferredSlotWrites(t *testing.T) {
	store := newFakeStore()
	h := storehelper.New(store, 4, 4)
	if _, err := h.PublishDeviceInfo(cmn.SideSenders, []byte{1, 2, 3, 4}, nil); err != nil {
		t.Fatalf("seed publish: %v", err)
	}

	preferred := uint16(0)
	idx, err := h.PublishDeviceInfo(cmn.SideSenders, []byte{9, 9, 9, 9}, &preferred)
	if err != nil || idx != 0 {
		t.Fatalf("PublishDeviceInfo preferred = (%d, %v)", idx, err)
	}

	var onImportCalls []int
	err = h.DiscoverDevices(cmn.SideSenders, func(i int, desc []byte) {
		onImportCalls = append(onImportCalls, i)
		if i == 0 && (len(desc) != 4 || desc[0] != 9) {
			t.Fatalf("slot 0 desc = %v, want rewritten", desc)
		}
	}, func(int) {})
	if err != nil {
		t.Fatalf("DiscoverDevices: %v", err)
	}
}

func TestDiscoverDevicesDiffsAgainstPriorState(t *testing.T) {
	store := newFakeStore()
	pub := storehelper.New(store, 4, 4)
	sub := storehelper.New(store, 4, 4)

	if _, err := pub.PublishDeviceInfo(cmn.SideSenders, []byte{1, 1, 1, 1}, nil); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var imported []int
	err := sub.DiscoverDevices(cmn.SideSenders, func(i int, _ []byte) { imported = append(imported, i) }, func(int) {})
	if err != nil || len(imported) != 1 || imported[0] != 0 {
		t.Fatalf("first discover = %v, %v", imported, err)
	}

	// Re-running with no change must not re-fire onImport.
	imported = nil
	if err := sub.DiscoverDevices(cmn.SideSenders, func(i int, _ []byte) { imported = append(imported, i) }, func(int) {}); err != nil {
		t.Fatalf("second discover: %v", err)
	}
	if len(imported) != 0 {
		t.Fatalf("second discover re-fired onImport for unchanged slots: %v", imported)
	}

	if _, err := pub.PublishDeviceInfo(cmn.SideSenders, []byte{2, 2, 2, 2}, nil); err != nil {
		t.Fatalf("publish second: %v", err)
	}
	imported = nil
	if err := sub.DiscoverDevices(cmn.SideSenders, func(i int, _ []byte) { imported = append(imported, i) }, func(int) {}); err != nil {
		t.Fatalf("third discover: %v", err)
	}
	if len(imported) != 1 || imported[0] != 1 {
		t.Fatalf("third discover = %v, want [1]", imported)
	}
}

func TestDiscoverDevicesNeverShrinksLocalCache(t *testing.T) {
	store := newFakeStore()
	pub := storehelper.New(store, 4, 4)
	sub := storehelper.New(store, 4, 4)

	for i := 0; i < 3; i++ {
		if _, err := pub.PublishDeviceInfo(cmn.SideSenders, []byte{byte(i), byte(i), byte(i), byte(i)}, nil); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	if err := sub.DiscoverDevices(cmn.SideSenders, func(int, []byte) {}, func(int) {}); err != nil {
		t.Fatalf("discover: %v", err)
	}

	// Simulate a server restart returning a shorter blob (fewer records);
	// the helper must not forget slots it already learned about.
	store.mu.Lock()
	store.values[cmn.RelDevicesInfoKey(cmn.SideSenders)] = store.values[cmn.RelDevicesInfoKey(cmn.SideSenders)][:5]
	store.mu.Unlock()

	var removed []int
	if err := sub.DiscoverDevices(cmn.SideSenders, func(int, []byte) {}, func(i int) { removed = append(removed, i) }); err != nil {
		t.Fatalf("discover after shrink: %v", err)
	}
	if len(removed) != 0 {
		t.Fatalf("shrink falsely reported removals: %v", removed)
	}
}

func TestPublishAndDiscoverSliceInfo(t *testing.T) {
	store := newFakeStore()
	pub := storehelper.New(store, 0, 4)
	sub := storehelper.New(store, 0, 4)

	sess, err := cmn.ParseUniqueID("10.0.0.1:9000")
	if err != nil {
		t.Fatalf("ParseUniqueID: %v", err)
	}
	info := cmn.StoredSliceInfo{Session: sess, Address: 0x1000, Size: 256, Rank: 0}
	if _, err := pub.PublishSliceInfo(cmn.SideReceivers, info, []byte{9, 9, 9, 9}, nil); err != nil {
		t.Fatalf("PublishSliceInfo: %v", err)
	}

	var gotInfo cmn.StoredSliceInfo
	var gotDesc []byte
	err = sub.DiscoverSlices(cmn.SideReceivers, func(_ int, si cmn.StoredSliceInfo, desc []byte) {
		gotInfo, gotDesc = si, desc
	}, func(int, cmn.StoredSliceInfo) {})
	if err != nil {
		t.Fatalf("DiscoverSlices: %v", err)
	}
	if gotInfo.Address != info.Address || gotInfo.Size != info.Size || len(gotDesc) != 4 {
		t.Fatalf("discovered slice = %+v, desc %v", gotInfo, gotDesc)
	}
}
