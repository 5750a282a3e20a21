package device_test

import (
	"context"
	"testing"
	"time"

	"github.com/hybridmem/core/transport"
	"github.com/hybridmem/core/transport/device"
)

func TestRegisterAndParseMemoryKey(t *testing.T) {
	tr := device.New(&device.LoopbackVerbsProvider{})
	if err := tr.Open(transport.OpenOptions{RankID: 0, NIC: "127.0.0.1:0"}); err != nil {
		t.Fatalf("Open: %v", err)
	}
	const addr = uintptr(0x4000)
	key, err := tr.RegisterMR(addr, 4096, transport.RegMRFlagHBM)
	if err != nil {
		t.Fatalf("RegisterMR: %v", err)
	}
	if key.Type() != transport.TypeDevice {
		t.Fatalf("key type = %v, want TypeDevice", key.Type())
	}
	gotAddr, gotSize, err := tr.ParseMemoryKey(key)
	if err != nil {
		t.Fatalf("ParseMemoryKey: %v", err)
	}
	if gotAddr != addr || gotSize != 4096 {
		t.Fatalf("ParseMemoryKey = (%v, %v), want (%v, 4096)", gotAddr, gotSize, addr)
	}
}

func TestConnectBringsPeerToReady(t *testing.T) {
	client := device.New(&device.LoopbackVerbsProvider{})
	server := device.New(&device.LoopbackVerbsProvider{})

	if err := server.Open(transport.OpenOptions{RankID: 1, NIC: "127.0.0.1:0"}); err != nil {
		t.Fatalf("server Open: %v", err)
	}
	if err := server.Prepare([]transport.RankOptions{{RankID: 0, NIC: "127.0.0.1:0"}}); err != nil {
		t.Fatalf("server Prepare: %v", err)
	}

	if err := client.Open(transport.OpenOptions{RankID: 0, NIC: "127.0.0.1:0"}); err != nil {
		t.Fatalf("client Open: %v", err)
	}
	if err := client.Prepare([]transport.RankOptions{{RankID: 1, NIC: server.GetNIC()}}); err != nil {
		t.Fatalf("client Prepare: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
}

func TestReadRemoteAsyncNotSupported(t *testing.T) {
	tr := device.New(&device.LoopbackVerbsProvider{})
	_ = tr.Open(transport.OpenOptions{RankID: 0, NIC: "127.0.0.1:0"})
	if err := tr.ReadRemoteAsync(0, 0, 0, 0); err == nil {
		t.Fatal("ReadRemoteAsync = nil error, want not-supported")
	}
	if err := tr.Synchronize(0); err == nil {
		t.Fatal("Synchronize = nil error, want not-supported")
	}
}
