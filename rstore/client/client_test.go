package client_test

import (
	"net"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/rstore/client"
	"github.com/hybridmem/core/rstore/server"
)

func startTestServer(t *testing.T) (addr string, store *server.Store, stop func()) {
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
	return ln.Addr().String(), s, func() {
		_ = ln.Close()
		s.Shutdown()
	}
}

func testConfig() *cmn.Config {
	c := cmn.DefaultConfig()
	c.InitTimeout = 2 * time.Second
	c.HeartbeatInterval = 50 * time.Millisecond
	c.ReconnectRetryTimes = 5
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	c, err := client.Dial(addr, "peerA", 2, 0, testConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Set("/trans/t1/foo", []byte("bar")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get("/trans/t1/foo", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "bar" {
		t.Fatalf("Get = %q, want bar", got)
	}
}

func TestBlockingGetUnblocksOnSet(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	c, err := client.Dial(addr, "peerA", 1, 0, testConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	done := make(chan []byte, 1)
	errCh := make(chan error, 1)
	go func() {
		v, err := c.Get("/trans/t1/slow", -1)
		if err != nil {
			errCh <- err
			return
		}
		done <- v
	}()

	time.Sleep(30 * time.Millisecond)
	if err := c.Set("/trans/t1/slow", []byte("v1")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	select {
	case v := <-done:
		if string(v) != "v1" {
			t.Fatalf("Get = %q, want v1", v)
		}
	case err := <-errCh:
		t.Fatalf("Get: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("blocking Get never unblocked")
	}
}

func TestCasRoundTrip(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	c, err := client.Dial(addr, "peerA", 1, 0, testConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	_, ok, err := c.Cas("/trans/t1/cas", nil, []byte("v1"))
	if err != nil || !ok {
		t.Fatalf("create cas: ok=%v err=%v", ok, err)
	}
	existing, ok, err := c.Cas("/trans/t1/cas", []byte("wrong"), []byte("v2"))
	if err != nil {
		t.Fatalf("mismatch cas: %v", err)
	}
	if ok || string(existing) != "v1" {
		t.Fatalf("mismatch cas: ok=%v existing=%q", ok, existing)
	}
	_, ok, err = c.Cas("/trans/t1/cas", []byte("v1"), []byte("v2"))
	if err != nil || !ok {
		t.Fatalf("match cas: ok=%v err=%v", ok, err)
	}
}

func TestDistinctAutoAssignedRanks(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	cfg := testConfig()
	c1, err := client.Dial(addr, "peerA", 2, ^uint32(0), cfg)
	if err != nil {
		t.Fatalf("Dial c1: %v", err)
	}
	defer c1.Close()
	c2, err := client.Dial(addr, "peerB", 2, ^uint32(0), cfg)
	if err != nil {
		t.Fatalf("Dial c2: %v", err)
	}
	defer c2.Close()

	if c1.RankID() == c2.RankID() {
		t.Fatalf("expected distinct ranks, got %d and %d", c1.RankID(), c2.RankID())
	}
}

func TestPrefixStoreComposes(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	c, err := client.Dial(addr, "peerP", 1, 0, testConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	outer := client.NewPrefix(c, "/trans/e9/")
	inner := client.NewPrefix(outer, "nested/")
	if err := inner.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set through nested prefix: %v", err)
	}

	got, err := c.Get("/trans/e9/nested/k", 0)
	if err != nil || string(got) != "v" {
		t.Fatalf("base Get = %q, %v; want v", got, err)
	}
	got, err = outer.Get("nested/k", 0)
	if err != nil || string(got) != "v" {
		t.Fatalf("outer Get = %q, %v; want v", got, err)
	}
	if _, err := inner.Get("missing", 0); !cmn.IsKind(err, cmn.KindNotExist) {
		t.Fatalf("prefixed Get of missing key = %v, want NotExist", err)
	}
}

// TestLinkBrokenQueuesRestoreForRankKey drives the server's fault-recovery
// sequence end to end: a peer leases a rank key and publishes one device
// and one slice slot, its connection dies, and the next GET on its rank key
// returns the Restore payload naming the freed slots while the slots
// themselves have flipped to ABNORMAL and the counts have been decremented.
func TestLinkBrokenQueuesRestoreForRankKey(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()
	cfg := testConfig()

	c1, err := client.Dial(addr, "w1", 3, ^uint32(0), cfg)
	if err != nil {
		t.Fatalf("Dial c1: %v", err)
	}
	pre := client.NewPrefix(c1, "/trans/e1/")
	if err := pre.Set("auto_ranking_key_w1", []byte{0, 0}); err != nil {
		t.Fatalf("Set rank key: %v", err)
	}
	if _, err := pre.Append("senders_devices_info", []byte{1, 0xAA, 0xBB, 0xCC, 0xDD}); err != nil {
		t.Fatalf("Append devices_info: %v", err)
	}
	if _, err := pre.Add("senders_count", 1); err != nil {
		t.Fatalf("Add senders_count: %v", err)
	}
	slice := make([]byte, 1+26+4)
	slice[0] = 1
	if _, err := pre.Append("senders_slices_info", slice); err != nil {
		t.Fatalf("Append slices_info: %v", err)
	}
	if _, err := pre.Add("senders_slices_count", 1); err != nil {
		t.Fatalf("Add senders_slices_count: %v", err)
	}
	_ = c1.Close()

	c3, err := client.Dial(addr, "w3", 3, ^uint32(0), cfg)
	if err != nil {
		t.Fatalf("Dial c3: %v", err)
	}
	defer c3.Close()

	var payload cmn.RestorePayload
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, gerr := c3.Get("/trans/e1/auto_ranking_key_w1", 0)
		var re *cmn.RestoreError
		if errors.As(gerr, &re) {
			payload = re.Payload
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never observed Restore; last Get err = %v", gerr)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if payload.RankID != 0 || payload.DeviceInfoID != 0 {
		t.Fatalf("restore payload = %+v, want rank 0 device 0", payload)
	}
	if len(payload.SliceIDs) != 1 || payload.SliceIDs[0] != 0 {
		t.Fatalf("restore slice ids = %v, want [0]", payload.SliceIDs)
	}

	blob, err := c3.Get("/trans/e1/senders_devices_info", 0)
	if err != nil || len(blob) == 0 {
		t.Fatalf("devices_info after break: %v, %v", blob, err)
	}
	if blob[0] != 0 {
		t.Fatalf("device slot status = %d, want ABNORMAL(0)", blob[0])
	}
	count, err := c3.Get("/trans/e1/senders_count", 0)
	if err != nil || string(count) != "0" {
		t.Fatalf("senders_count after break = %q, %v; want 0", count, err)
	}
}

// TestConcurrentAddIsAtomic drives ten concurrent Add("x", 1) calls; every
// reply must be a distinct value in 1..10 (no lost updates).
func TestConcurrentAddIsAtomic(t *testing.T) {
	addr, _, stop := startTestServer(t)
	defer stop()

	c, err := client.Dial(addr, "peerAdd", 1, 0, testConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	const n = 10
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := c.Add("/trans/t1/x", 1)
			if err != nil {
				results <- -1
				return
			}
			results <- v
		}()
	}
	seen := make(map[int64]bool, n)
	for i := 0; i < n; i++ {
		v := <-results
		if v < 1 || v > n {
			t.Fatalf("Add reply %d out of range", v)
		}
		if seen[v] {
			t.Fatalf("Add reply %d repeated", v)
		}
		seen[v] = true
	}
}
