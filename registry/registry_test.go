package registry_test

import (
	"net"
	"testing"
	"time"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/memsys/simdevice"
	"github.com/hybridmem/core/registry"
	"github.com/hybridmem/core/rstore/server"
	"github.com/hybridmem/core/transfer"
)

func startTestServer(t *testing.T) (storeURL string, stop func()) {
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
	return "tcp://" + ln.Addr().String(), func() {
		_ = ln.Close()
		s.Shutdown()
	}
}

func testConfig() *cmn.Config {
	c := cmn.DefaultConfig()
	c.Role = cmn.RoleBoth
	c.InitTimeout = 2 * time.Second
	c.HeartbeatInterval = 50 * time.Millisecond
	c.ReconnectRetryTimes = 5
	c.WatcherInterval = 50 * time.Millisecond
	return c
}

func TestCreateDedupesByName(t *testing.T) {
	storeURL, stop := startTestServer(t)
	defer stop()
	alloc := simdevice.New()

	reg := registry.New()
	calls := 0
	newEntity := func() (*transfer.Entity, error) {
		calls++
		return transfer.Create("127.0.0.1:8321", storeURL, testConfig(), alloc, 8192)
	}

	h1, err := reg.Create("worker-1", newEntity)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	h2, err := reg.Create("worker-1", newEntity)
	if err != nil {
		t.Fatalf("Create again: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("handles differ across dedup: %v != %v", h1, h2)
	}
	if calls != 1 {
		t.Fatalf("construct called %d times, want 1", calls)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}

func TestLookupAndDestroy(t *testing.T) {
	storeURL, stop := startTestServer(t)
	defer stop()
	alloc := simdevice.New()

	reg := registry.New()
	h, err := reg.Create("worker-2", func() (*transfer.Entity, error) {
		return transfer.Create("127.0.0.1:8322", storeURL, testConfig(), alloc, 8192)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	e, err := reg.Lookup(h)
	if err != nil || e == nil {
		t.Fatalf("Lookup: %v, %v", e, err)
	}

	if err := reg.Destroy(h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len after destroy = %d, want 0", reg.Len())
	}
	if _, err := reg.Lookup(h); !cmn.IsKind(err, cmn.KindObjectNotExists) {
		t.Fatalf("Lookup after destroy = %v, want ObjectNotExists", err)
	}
	if !cmn.IsKind(reg.Destroy(h), cmn.KindObjectNotExists) {
		t.Fatalf("double Destroy did not report ObjectNotExists")
	}
}

func TestCreateDestroyCreateYieldsFreshEntity(t *testing.T) {
	storeURL, stop := startTestServer(t)
	defer stop()
	alloc := simdevice.New()

	reg := registry.New()
	ctor := func() (*transfer.Entity, error) {
		return transfer.Create("127.0.0.1:8323", storeURL, testConfig(), alloc, 8192)
	}

	h1, err := reg.Create("worker-3", ctor)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := reg.Destroy(h1); err != nil {
		t.Fatalf("Destroy: %v", err)
	}

	h2, err := reg.Create("worker-3", ctor)
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if h1 == h2 {
		t.Fatalf("recreated entity reused the old handle")
	}
	if reg.Len() != 1 {
		t.Fatalf("Len = %d, want 1", reg.Len())
	}
}
