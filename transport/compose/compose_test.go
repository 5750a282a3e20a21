package compose_test

import (
	"context"
	"testing"
	"time"
	"unsafe"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/transport"
	"github.com/hybridmem/core/transport/compose"
	"github.com/hybridmem/core/transport/device"
	"github.com/hybridmem/core/transport/host"
)

func view(addr uintptr, size int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}

func newBuf(size int) ([]byte, uintptr) {
	b := make([]byte, size)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

func newComposite(t *testing.T, rank, rankCount uint32, deviceNIC string) *compose.Transport {
	t.Helper()
	ct := compose.New(host.New(host.NewLoopbackProvider()), device.New(&device.LoopbackVerbsProvider{}))
	err := ct.Open(transport.OpenOptions{
		RankID:    rank,
		RankCount: rankCount,
		NIC:       "host#tcp://127.0.0.1:" + itoa(20100+int(rank)) + ";" + deviceNIC,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return ct
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// TestRegisterMRDispatchesByFlag mirrors the original compose transport
// manager test's register_mr routing: DRAM goes to the host inner manager,
// HBM to the device inner manager (spec §4.8).
func TestRegisterMRDispatchesByFlag(t *testing.T) {
	ct := newComposite(t, 0, 2, "device#127.0.0.1:0")
	defer ct.Close()

	dramBuf, dramAddr := newBuf(64)
	_ = dramBuf
	dramKey, err := ct.RegisterMR(dramAddr, 64, transport.RegMRFlagDRAM)
	if err != nil {
		t.Fatalf("RegisterMR dram: %v", err)
	}
	if dramKey.Type() != transport.TypeHost {
		t.Fatalf("dram key type = %v, want TypeHost", dramKey.Type())
	}

	hbmBuf, hbmAddr := newBuf(64)
	_ = hbmBuf
	hbmKey, err := ct.RegisterMR(hbmAddr, 64, transport.RegMRFlagHBM)
	if err != nil {
		t.Fatalf("RegisterMR hbm: %v", err)
	}
	if hbmKey.Type() != transport.TypeDevice {
		t.Fatalf("hbm key type = %v, want TypeDevice", hbmKey.Type())
	}

	if !ct.QueryRegistered(dramAddr, 64) {
		t.Fatal("dram range not reported registered")
	}
	if !ct.QueryRegistered(hbmAddr, 64) {
		t.Fatal("hbm range not reported registered")
	}
}

func TestRegisterMRRejectsUnflaggedRequest(t *testing.T) {
	ct := newComposite(t, 0, 1, "device#127.0.0.1:0")
	defer ct.Close()
	_, addr := newBuf(16)
	_, err := ct.RegisterMR(addr, 16, 0)
	if !cmn.IsKind(err, cmn.KindInvalidParam) {
		t.Fatalf("RegisterMR with no flag = %v, want InvalidParam", err)
	}
}

// TestParseMemoryKeyDispatchesByWord0 mirrors spec §4.8 "parse_memory_key
// dispatches on the key's first word".
func TestParseMemoryKeyDispatchesByWord0(t *testing.T) {
	ct := newComposite(t, 0, 1, "device#127.0.0.1:0")
	defer ct.Close()

	_, addr := newBuf(32)
	key, err := ct.RegisterMR(addr, 32, transport.RegMRFlagDRAM)
	if err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	gotAddr, gotSize, err := ct.ParseMemoryKey(key)
	if err != nil {
		t.Fatalf("ParseMemoryKey: %v", err)
	}
	if gotAddr != addr || gotSize != 32 {
		t.Fatalf("ParseMemoryKey = (%#x, %d), want (%#x, 32)", gotAddr, gotSize, addr)
	}
}

// TestGetNICComposesBothInnerNICs mirrors spec §4.8's "host#...;device#..."
// NIC string convention.
func TestGetNICComposesBothInnerNICs(t *testing.T) {
	ct := newComposite(t, 3, 4, "device#127.0.0.1:0")
	defer ct.Close()
	nic := ct.GetNIC()
	if !contains(nic, "host#") || !contains(nic, ";device#") {
		t.Fatalf("GetNIC() = %q, want both host# and device# segments", nic)
	}
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

// TestOneSidedWriteDispatchesToHostManager exercises the end-to-end
// one-sided path through the composite transport for a DRAM-registered
// range, using the host transport's loopback provider (spec §4.8's
// address-range dispatch feeding into §4.6's one-sided ops).
func TestOneSidedWriteDispatchesToHostManager(t *testing.T) {
	a := newComposite(t, 0, 2, "device#127.0.0.1:0")
	defer a.Close()
	b := newComposite(t, 1, 2, "device#127.0.0.1:0")
	defer b.Close()

	localBuf, localAddr := newBuf(128)
	_, remoteAddr := newBuf(128)
	for i := range localBuf {
		localBuf[i] = byte(i)
	}

	if _, err := a.RegisterMR(localAddr, 128, transport.RegMRFlagDRAM); err != nil {
		t.Fatalf("RegisterMR local: %v", err)
	}
	remoteKey, err := b.RegisterMR(remoteAddr, 128, transport.RegMRFlagDRAM)
	if err != nil {
		t.Fatalf("RegisterMR remote: %v", err)
	}

	if err := a.Prepare([]transport.RankOptions{{RankID: 1, NIC: "host#tcp://127.0.0.1:20101", MemKeys: []transport.MemoryKey{remoteKey}}}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.WaitForConnected(2 * time.Second); err != nil {
		t.Fatalf("WaitForConnected: %v", err)
	}

	if err := a.WriteRemote(1, localAddr, remoteAddr, 128); err != nil {
		t.Fatalf("WriteRemote: %v", err)
	}
	got := view(remoteAddr, 128)
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, got[i], byte(i))
		}
	}
}

func TestWriteRemoteOnUnregisteredAddressIsInvalidParam(t *testing.T) {
	ct := newComposite(t, 0, 1, "device#127.0.0.1:0")
	defer ct.Close()
	_, addr := newBuf(16)
	err := ct.WriteRemote(0, addr, 0, 16)
	if !cmn.IsKind(err, cmn.KindInvalidParam) {
		t.Fatalf("WriteRemote on unregistered local addr = %v, want InvalidParam", err)
	}
}
