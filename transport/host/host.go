package host

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/cos"
	"github.com/hybridmem/core/cmn/nlog"
	"github.com/hybridmem/core/transport"
)

// region is one registered memory region (spec §3 HcomMemoryRegion).
type region struct {
	addr     uintptr
	size     uint64
	keyWords [15]uint32
	handle   uintptr
}

// peerChannel is one rank's open channel plus its last-published nic and
// remote memory keys (spec §4.6 "per-rank vectors ... channels, nic-strings").
type peerChannel struct {
	mu     sync.Mutex
	nic    string
	ch     Channel
	remote []transport.MemoryKey
	broken bool
}

// Stream is an explicit completion-counter handle for async one-sided ops
// (spec §4.6 "thread-local CompletionCounter stream", modeled here as a
// value the caller creates and passes explicitly -- Go has no implicit
// thread-local storage, and an explicit handle composes better with
// goroutines than a global per-goroutine map keyed by goroutine id).
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	failed  bool
}

func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) inc() {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()
}

func (s *Stream) complete(ok bool) {
	s.mu.Lock()
	s.pending--
	if !ok {
		s.failed = true
	}
	if s.pending == 0 {
		s.cond.Broadcast()
	}
	s.mu.Unlock()
}

// Synchronize blocks until every async op submitted against this stream has
// completed, then resets it (spec §4.6 "Synchronize(rank) blocks ... then
// resets it").
func (s *Stream) Synchronize() error {
	s.mu.Lock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	failed := s.failed
	s.failed = false
	s.mu.Unlock()
	if failed {
		return cmn.NewErrIoError(nil)
	}
	return nil
}

// retrySchedule is the fixed host one-sided retry backoff (spec §5: "fixed
// schedule 0s, 1s, 2s x 3 attempts").
var retrySchedule = []time.Duration{0, 1 * time.Second, 2 * time.Second}

// Transport implements transport.Manager over a Provider (spec §4.6).
// One instance is meant to live per process (spec: "One global instance
// per process (singleton; justified because the underlying service is
// process-wide)"); this repo leaves singleton lifetime to its caller
// (smemtrans) rather than baking a package-level global into this type,
// since tests need independent instances.
type Transport struct {
	provider Provider

	rankID    uint32
	rankCount uint32
	localNIC  cos.NIC
	localIP   net.IP

	mrMu sync.Mutex
	mrs  []region
	// addrIndex speeds QueryRegistered/QueryMemoryKey/UnregisterMR lookups.
	addrIndex map[uintptr]int
	stream    *Stream

	peersMu sync.Mutex
	peers   map[uint32]*peerChannel

	retries     prometheus.Counter
	readWriteOK prometheus.Counter
}

func New(provider Provider) *Transport {
	return &Transport{
		provider:  provider,
		addrIndex: make(map[uintptr]int),
		peers:     make(map[uint32]*peerChannel),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem", Subsystem: "transport_host", Name: "retries_total",
			Help: "One-sided operations that required a retry.",
		}),
		readWriteOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hybridmem", Subsystem: "transport_host", Name: "ops_total",
			Help: "One-sided operations that completed successfully.",
		}),
	}
}

// Open parses nic, computes local_nic = proto+ip+":"+(base_port+rank_id),
// and records rank identity (spec §4.6 Open).
func (t *Transport) Open(opts transport.OpenOptions) error {
	nic, err := cos.ParseNIC(opts.NIC)
	if err != nil {
		return cmn.NewErrInvalidParam("host transport nic: %v", err)
	}
	ip, err := cos.ResolveLocalIP(nic)
	if err != nil {
		return cmn.NewErrInvalidParam("host transport nic: %v", err)
	}
	t.rankID = opts.RankID
	t.rankCount = opts.RankCount
	nic.Port += int(opts.RankID)
	t.localNIC = nic
	t.localIP = ip
	nlog.Infof("host transport: opened on %s", t.GetNIC())
	return nil
}

func (t *Transport) GetNIC() string {
	return t.localNIC.String(t.localIP)
}

func (t *Transport) Close() error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for rank, p := range t.peers {
		p.mu.Lock()
		if p.ch != nil {
			_ = p.ch.Close()
		}
		p.mu.Unlock()
		delete(t.peers, rank)
	}
	return nil
}

// RegisterMR asks the provider for a region and copies its local keys into
// a transport.MemoryKey with word 0 set to the TypeHost discriminator
// (spec §4.6 "Register MR").
func (t *Transport) RegisterMR(addr uintptr, size uint64, _ transport.RegMRFlags) (transport.MemoryKey, error) {
	keyWords, handle, err := t.provider.RegisterMemoryRegion(addr, size)
	if err != nil {
		return transport.MemoryKey{}, cmn.NewErrNewObjectFailed("host MR", err)
	}
	t.mrMu.Lock()
	t.addrIndex[addr] = len(t.mrs)
	t.mrs = append(t.mrs, region{addr: addr, size: size, keyWords: keyWords, handle: handle})
	t.mrMu.Unlock()

	var mk transport.MemoryKey
	mk[0] = uint32(transport.TypeHost)
	copy(mk[1:], keyWords[:])
	return mk, nil
}

func (t *Transport) UnregisterMR(addr uintptr) error {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	i, ok := t.addrIndex[addr]
	if !ok {
		return cmn.NewErrNotExist("mr at given address")
	}
	h := t.mrs[i].handle
	delete(t.addrIndex, addr)
	return t.provider.UnregisterMemoryRegion(h)
}

// QueryRegistered walks the live registrations only (addrIndex), so a
// deregistered region stops answering immediately (spec I2).
func (t *Transport) QueryRegistered(addr uintptr, size uint64) bool {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	for _, i := range t.addrIndex {
		r := t.mrs[i]
		if addr >= r.addr && addr+uintptr(size) <= r.addr+uintptr(r.size) {
			return true
		}
	}
	return false
}

func (t *Transport) QueryMemoryKey(addr uintptr) (transport.MemoryKey, error) {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	i, ok := t.addrIndex[addr]
	if !ok {
		return transport.MemoryKey{}, cmn.NewErrNotExist("mr at given address")
	}
	var mk transport.MemoryKey
	mk[0] = uint32(transport.TypeHost)
	copy(mk[1:], t.mrs[i].keyWords[:])
	return mk, nil
}

// ParseMemoryKey is the left inverse of QueryMemoryKey on this transport
// (spec §4.5): it recovers {addr, size} from the packed key words, looking
// the matching registration up by its leading address words.
func (t *Transport) ParseMemoryKey(key transport.MemoryKey) (uintptr, uint64, error) {
	if key.Type() != transport.TypeHost {
		return 0, 0, cmn.NewErrInvalidParam("memory key is not a host-transport key")
	}
	addr := uintptr(key[1]) | uintptr(key[2])<<32
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	if i, ok := t.addrIndex[addr]; ok {
		return t.mrs[i].addr, t.mrs[i].size, nil
	}
	return addr, 0, cmn.NewErrNotExist("mr for parsed address")
}

// Prepare stores each remote rank's nic and memory keys (spec §4.6 Prepare).
func (t *Transport) Prepare(ranks []transport.RankOptions) error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, r := range ranks {
		p, ok := t.peers[r.RankID]
		if !ok {
			p = &peerChannel{}
			t.peers[r.RankID] = p
		}
		p.mu.Lock()
		p.nic = r.NIC
		p.remote = r.MemKeys
		p.mu.Unlock()
	}
	return nil
}

func (t *Transport) UpdateRankOptions(ranks []transport.RankOptions) error { return t.Prepare(ranks) }

func (t *Transport) RemoveRanks(rankIDs []uint32) error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, rid := range rankIDs {
		if p, ok := t.peers[rid]; ok {
			p.mu.Lock()
			if p.ch != nil {
				_ = p.ch.Close()
			}
			p.mu.Unlock()
			delete(t.peers, rid)
		}
	}
	return nil
}

// Connect opens a channel to every remote rank with a published nic (spec
// §4.6 Connect), fanned out concurrently.
func (t *Transport) Connect(ctx context.Context) error {
	t.peersMu.Lock()
	targets := make(map[uint32]*peerChannel, len(t.peers))
	for rid, p := range t.peers {
		targets[rid] = p
	}
	t.peersMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for rid, p := range targets {
		rid, p := rid, p
		g.Go(func() error { return t.connectOne(rid, p) })
	}
	return g.Wait()
}

func (t *Transport) connectOne(rid uint32, p *peerChannel) error {
	p.mu.Lock()
	nic := p.nic
	p.mu.Unlock()
	if nic == "" {
		return nil
	}
	ch, err := t.provider.OpenChannel(nic, t.rankID, func(payload uint32) {
		t.onEndpointBroken(payload)
	})
	if err != nil {
		return cmn.NewErrNewObjectFailed("channel to rank", err)
	}
	p.mu.Lock()
	p.ch = ch
	p.broken = false
	p.mu.Unlock()
	_ = rid
	return nil
}

func (t *Transport) onEndpointBroken(payload uint32) {
	nlog.Warningf("host transport: endpoint for rank %d broken", payload)
	t.peersMu.Lock()
	p, ok := t.peers[payload]
	t.peersMu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	p.broken = true
	p.mu.Unlock()
}

func (t *Transport) AsyncConnect() error {
	go func() { _ = t.Connect(context.Background()) }()
	return nil
}

func (t *Transport) WaitForConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		t.peersMu.Lock()
		allReady := true
		for _, p := range t.peers {
			p.mu.Lock()
			if p.nic != "" && (p.ch == nil || p.broken) {
				allReady = false
			}
			p.mu.Unlock()
		}
		t.peersMu.Unlock()
		if allReady {
			return nil
		}
		if time.Now().After(deadline) {
			return cmn.NewErrTimeout("host transport wait-for-connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (t *Transport) lookupKeys(rank uint32, localAddr uintptr) ([15]uint32, [15]uint32, *peerChannel, error) {
	t.mrMu.Lock()
	var lKey [15]uint32
	i, ok := t.addrIndex[localAddr]
	if ok {
		lKey = t.mrs[i].keyWords
	}
	t.mrMu.Unlock()
	if !ok {
		return [15]uint32{}, [15]uint32{}, nil, cmn.NewErrInvalidParam("local address not registered")
	}

	t.peersMu.Lock()
	p, ok := t.peers[rank]
	t.peersMu.Unlock()
	if !ok {
		return [15]uint32{}, [15]uint32{}, nil, cmn.NewErrInvalidParam("unknown rank %d", rank)
	}
	p.mu.Lock()
	var rKey [15]uint32
	if len(p.remote) > 0 {
		copy(rKey[:], p.remote[0][1:])
	}
	p.mu.Unlock()
	return lKey, rKey, p, nil
}

// oneSided implements the synchronous read/write path with the fixed
// retry-with-force-reconnect schedule (spec §4.6 "One-sided ops").
func (t *Transport) oneSided(write bool, rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	lKey, rKey, p, err := t.lookupKeys(rank, localAddr)
	if err != nil {
		return err
	}

	var lastRet int
	for attempt, backoff := range retrySchedule {
		if attempt > 0 {
			t.retries.Inc()
			time.Sleep(backoff)
		}
		p.mu.Lock()
		broken := p.broken || p.ch == nil
		ch := p.ch
		p.mu.Unlock()
		if broken {
			if rerr := t.connectOne(rank, p); rerr != nil {
				lastRet = 1
				continue
			}
			p.mu.Lock()
			ch = p.ch
			p.mu.Unlock()
		}
		lastRet = ch.SubmitOneSided(write, localAddr, remoteAddr, lKey, rKey, size)
		if lastRet == 0 {
			t.readWriteOK.Inc()
			return nil
		}
		if lastRet > 0 {
			p.mu.Lock()
			p.broken = true
			p.mu.Unlock()
		}
	}
	return cmn.NewErrIoError(nil)
}

func (t *Transport) ReadRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	return t.oneSided(false, rank, localAddr, remoteAddr, size)
}

func (t *Transport) WriteRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	return t.oneSided(true, rank, localAddr, remoteAddr, size)
}

// asyncOneSided fans the op through the provider's callback, tracked by the
// caller-supplied Stream (spec §4.6 "Async variants").
func (t *Transport) asyncOneSided(write bool, rank uint32, localAddr, remoteAddr uintptr, size uint64, s *Stream) error {
	lKey, rKey, p, err := t.lookupKeys(rank, localAddr)
	if err != nil {
		return err
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return cmn.NewErrIoError(nil)
	}
	s.inc()
	ch.SubmitAsync(write, localAddr, remoteAddr, lKey, rKey, size, func(result int) {
		s.complete(result == 0)
	})
	return nil
}

// ReadRemoteAsync and WriteRemoteAsync satisfy transport.Manager with the
// transport's single default stream; no exported variant takes a caller's
// own Stream.
func (t *Transport) ReadRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	return t.asyncOneSided(false, rank, localAddr, remoteAddr, size, t.defaultStream())
}

func (t *Transport) WriteRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	return t.asyncOneSided(true, rank, localAddr, remoteAddr, size, t.defaultStream())
}

func (t *Transport) Synchronize(_ uint32) error {
	return t.defaultStream().Synchronize()
}

func (t *Transport) defaultStream() *Stream {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	if t.stream == nil {
		t.stream = NewStream()
	}
	return t.stream
}
