package host_test

import (
	"testing"
	"unsafe"

	"github.com/hybridmem/core/transport"
	"github.com/hybridmem/core/transport/host"
)

func newBuf(size int) ([]byte, uintptr) {
	b := make([]byte, size)
	return b, uintptr(unsafe.Pointer(&b[0]))
}

func TestRegisterAndParseMemoryKey(t *testing.T) {
	tr := host.New(host.NewLoopbackProvider())
	if err := tr.Open(transport.OpenOptions{RankID: 0, RankCount: 2, NIC: "tcp://127.0.0.1:9000"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	const addr = uintptr(0x1000)
	key, err := tr.RegisterMR(addr, 4096, transport.RegMRFlagDRAM)
	if err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	if key.Type() != transport.TypeHost {
		t.Fatalf("key type = %v, want TypeHost", key.Type())
	}
	gotAddr, gotSize, err := tr.ParseMemoryKey(key)
	if err != nil {
		t.Fatalf("ParseMemoryKey: %v", err)
	}
	if gotAddr != addr || gotSize != 4096 {
		t.Fatalf("ParseMemoryKey = (%v, %v), want (%v, 4096)", gotAddr, gotSize, addr)
	}
	if !tr.QueryRegistered(addr, 4096) {
		t.Fatal("QueryRegistered = false, want true")
	}
}

func TestOneSidedWriteAutoConnectsThroughPreparedRank(t *testing.T) {
	tr := host.New(host.NewLoopbackProvider())
	_ = tr.Open(transport.OpenOptions{RankID: 0, NIC: "tcp://127.0.0.1:9000"})
	local, laddr := newBuf(4096)
	remote, raddr := newBuf(4096)
	for i := range local[:128] {
		local[i] = byte(i + 1)
	}
	if _, err := tr.RegisterMR(laddr, 4096, transport.RegMRFlagDRAM); err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	if err := tr.Prepare([]transport.RankOptions{{RankID: 1, NIC: "tcp://127.0.0.1:9001"}}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	// No explicit Connect: the one-sided path must bring the channel up
	// itself via the force-reconnect branch.
	if err := tr.WriteRemote(1, laddr, raddr, 128); err != nil {
		t.Fatalf("WriteRemote: %v", err)
	}
	for i := 0; i < 128; i++ {
		if remote[i] != byte(i+1) {
			t.Fatalf("byte %d = %d, want %d", i, remote[i], byte(i+1))
		}
	}
}

func TestDeregisterThenReregisterRestoresState(t *testing.T) {
	tr := host.New(host.NewLoopbackProvider())
	_ = tr.Open(transport.OpenOptions{RankID: 0, NIC: "tcp://127.0.0.1:9000"})
	_, addr := newBuf(4096)
	if _, err := tr.RegisterMR(addr, 4096, transport.RegMRFlagDRAM); err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	if err := tr.UnregisterMR(addr); err != nil {
		t.Fatalf("UnregisterMR: %v", err)
	}
	if tr.QueryRegistered(addr, 4096) {
		t.Fatal("QueryRegistered true after deregister")
	}
	if _, err := tr.RegisterMR(addr, 4096, transport.RegMRFlagDRAM); err != nil {
		t.Fatalf("re-RegisterMR: %v", err)
	}
	if !tr.QueryRegistered(addr, 4096) {
		t.Fatal("QueryRegistered false after re-register")
	}
}
