package transfer_test

import (
	"net"
	"testing"
	"time"
	"unsafe"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/memsys"
	"github.com/hybridmem/core/memsys/simdevice"
	"github.com/hybridmem/core/rstore/server"
	"github.com/hybridmem/core/transfer"
)

// newAllocator gives each entity its own simdevice.Allocator; the windows
// it hands out are real process addresses (see memsys/simdevice), so a
// one-sided op between two entities in this same test binary moves bytes
// exactly as it would between two processes, regardless of which allocator
// reserved either side's window.
func newAllocator() memsys.DeviceAllocator { return simdevice.New() }

func startTestServer(t *testing.T) (addr string, stop func()) {
	t.Helper()
	s, err := server.New(server.InMemory)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(ln)
	return ln.Addr().String(), func() {
		_ = ln.Close()
		s.Shutdown()
	}
}

func testConfig(role cmn.Role) *cmn.Config {
	c := cmn.DefaultConfig()
	c.Role = role
	c.InitTimeout = 2 * time.Second
	c.HeartbeatInterval = 50 * time.Millisecond
	c.ReconnectRetryTimes = 5
	c.WatcherInterval = 20 * time.Millisecond
	return c
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// view reconstructs a byte slice directly over an entity's registered
// window, standing in for the caller having already mapped its own buffer
// before calling write/read (this reference build's device windows are
// backed by real Go memory -- see memsys/simdevice -- so the same address a
// transport one-sided op targets is directly readable/writable here too).
func view(base uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
}

// TestTwoPeersSingleWrite mirrors spec §8 scenario 1: sender A writes into
// receiver B's registered buffer once both watchers have run.
func TestTwoPeersSingleWrite(t *testing.T) {
	storeAddr, stop := startTestServer(t)
	defer stop()
	storeURL := "tcp://" + storeAddr

	a, err := transfer.Create("127.0.0.1:5321", storeURL, testConfig(cmn.RoleSender), newAllocator(), 8192)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	defer a.Destroy()

	b, err := transfer.Create("127.0.0.1:5322", storeURL, testConfig(cmn.RoleReceiver), newAllocator(), 8192)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	defer b.Destroy()

	const size = 2000
	if err := a.RegisterLocalMemory(a.Base(), size); err != nil {
		t.Fatalf("A register: %v", err)
	}
	bAddr := b.Base()
	if err := b.RegisterLocalMemory(bAddr, size); err != nil {
		t.Fatalf("B register: %v", err)
	}

	// Seed A's local buffer directly, standing in for the caller having
	// already filled it before calling write.
	aView := view(a.Base(), size)
	for i := range aView {
		aView[i] = byte(i % 251)
	}

	waitUntil(t, 2*time.Second, func() bool { return a.Stats().ActiveImports >= 1 })

	err = a.SyncWrite(transfer.Op{
		RemoteName: "127.0.0.1:5322",
		Local:      []uintptr{a.Base()},
		Remote:     []uint64{uint64(bAddr)},
		Size:       []uint64{size},
	})
	if err != nil {
		t.Fatalf("SyncWrite: %v", err)
	}

	bView := view(bAddr, size)
	for i := range bView {
		if bView[i] != byte(i%251) {
			t.Fatalf("byte %d = %d, want %d", i, bView[i], byte(i%251))
		}
	}
}

// TestBatchReadMirrorsWrittenBuffer mirrors spec §8 scenario 2: a batch
// read of B's slice lands in A's own buffer.
func TestBatchReadMirrorsWrittenBuffer(t *testing.T) {
	storeAddr, stop := startTestServer(t)
	defer stop()
	storeURL := "tcp://" + storeAddr

	a, err := transfer.Create("127.0.0.1:6321", storeURL, testConfig(cmn.RoleBoth), newAllocator(), 8192)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	defer a.Destroy()

	b, err := transfer.Create("127.0.0.1:6322", storeURL, testConfig(cmn.RoleBoth), newAllocator(), 8192)
	if err != nil {
		t.Fatalf("create B: %v", err)
	}
	defer b.Destroy()

	const size = 2000
	aAddr := a.Base()
	bAddr := b.Base()
	if err := a.RegisterLocalMemory(aAddr, size); err != nil {
		t.Fatalf("A register: %v", err)
	}
	if err := b.RegisterLocalMemory(bAddr, size); err != nil {
		t.Fatalf("B register: %v", err)
	}

	bView := view(bAddr, size)
	for i := range bView {
		bView[i] = byte((i + 7) % 251)
	}

	waitUntil(t, 2*time.Second, func() bool { return a.Stats().ActiveImports >= 1 })

	err = a.SyncRead(transfer.Op{
		RemoteName: "127.0.0.1:6322",
		Local:      []uintptr{aAddr},
		Remote:     []uint64{uint64(bAddr)},
		Size:       []uint64{size},
	})
	if err != nil {
		t.Fatalf("SyncRead: %v", err)
	}

	aView := view(aAddr, size)
	for i := range aView {
		if aView[i] != byte((i+7)%251) {
			t.Fatalf("byte %d = %d, want %d", i, aView[i], byte((i+7)%251))
		}
	}
}

func TestSyncWriteUnknownPeerIsInvalidParam(t *testing.T) {
	storeAddr, stop := startTestServer(t)
	defer stop()
	storeURL := "tcp://" + storeAddr

	a, err := transfer.Create("127.0.0.1:7321", storeURL, testConfig(cmn.RoleSender), newAllocator(), 8192)
	if err != nil {
		t.Fatalf("create A: %v", err)
	}
	defer a.Destroy()

	if err := a.RegisterLocalMemory(a.Base(), 64); err != nil {
		t.Fatalf("register: %v", err)
	}

	err = a.SyncWrite(transfer.Op{
		RemoteName: "10.0.0.9:1",
		Local:      []uintptr{a.Base()},
		Remote:     []uint64{0},
		Size:       []uint64{64},
	})
	if !cmn.IsKind(err, cmn.KindInvalidParam) {
		t.Fatalf("SyncWrite to unknown peer = %v, want InvalidParam", err)
	}
}
