package device

import (
	"context"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/nlog"
	"github.com/hybridmem/core/transport"
)

// State is this side's position in the per-spec connection state machine
// (spec §4.7): client IDLE→INIT→SOCKET_CONNECTING→SOCKET_CONNECTED→
// QP_CONNECTING→READY→EXITING; server swaps the CONNECTING/CONNECTED pair
// for SOCKET_LISTENING→SOCKET_ACCEPTING.
type State int

const (
	StateIdle State = iota
	StateInit
	StateSocketConnecting
	StateSocketListening
	StateSocketAccepting
	StateSocketConnected
	StateQPConnecting
	StateReady
	StateExiting
)

const bringUpTimeout = 60 * time.Second

type peer struct {
	mu    sync.Mutex
	ip    string
	state State
	qp    QueuePair
}

type mrEntry struct {
	addr       uintptr
	size       uint64
	lkey, rkey uint32
	handle     uintptr
}

// Transport implements transport.Manager over a VerbsProvider (spec §4.7).
type Transport struct {
	verbs VerbsProvider

	rankID uint32
	nic    string
	ln     net.Listener

	mrMu      sync.Mutex
	mrs       []mrEntry
	addrIndex map[uintptr]int

	peersMu sync.Mutex
	peers   map[uint32]*peer
}

func New(verbs VerbsProvider) *Transport {
	return &Transport{
		verbs:     verbs,
		addrIndex: make(map[uintptr]int),
		peers:     make(map[uint32]*peer),
	}
}

// Open does TsdOpen → RaInit → pick device IP → RaRdevInitV2 (spec §4.7
// "OpenDevice"), reduced here to the VerbsProvider's device-open call plus
// recording this side's out-of-band socket NIC.
func (t *Transport) Open(opts transport.OpenOptions) error {
	if err := t.verbs.OpenDevice(); err != nil {
		return cmn.NewErrNewObjectFailed("rdma device", err)
	}
	t.rankID = opts.RankID
	t.nic = opts.NIC
	return nil
}

func (t *Transport) Close() error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, p := range t.peers {
		p.mu.Lock()
		if p.qp != nil {
			_ = p.qp.Close()
		}
		p.state = StateExiting
		p.mu.Unlock()
	}
	if t.ln != nil {
		return t.ln.Close()
	}
	return nil
}

func (t *Transport) RegisterMR(addr uintptr, size uint64, _ transport.RegMRFlags) (transport.MemoryKey, error) {
	lkey, rkey, handle, err := t.verbs.RegisterMemory(addr, size)
	if err != nil {
		return transport.MemoryKey{}, cmn.NewErrNewObjectFailed("device MR", err)
	}
	t.mrMu.Lock()
	t.addrIndex[addr] = len(t.mrs)
	t.mrs = append(t.mrs, mrEntry{addr: addr, size: size, lkey: lkey, rkey: rkey, handle: handle})
	t.mrMu.Unlock()

	var mk transport.MemoryKey
	mk[0] = uint32(transport.TypeDevice)
	mk[1] = uint32(addr)
	mk[2] = uint32(addr >> 32)
	mk[3] = rkey
	return mk, nil
}

func (t *Transport) UnregisterMR(addr uintptr) error {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	if _, ok := t.addrIndex[addr]; !ok {
		return cmn.NewErrNotExist("device mr at given address")
	}
	delete(t.addrIndex, addr)
	return nil
}

func (t *Transport) QueryRegistered(addr uintptr, size uint64) bool {
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	for _, i := range t.addrIndex {
		m := t.mrs[i]
		if addr >= m.addr && addr+uintptr(size) <= m.addr+uintptr(m.size) {
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
		return transport.MemoryKey{}, cmn.NewErrNotExist("device mr at given address")
	}
	m := t.mrs[i]
	var mk transport.MemoryKey
	mk[0] = uint32(transport.TypeDevice)
	mk[1] = uint32(m.addr)
	mk[2] = uint32(m.addr >> 32)
	mk[3] = m.rkey
	return mk, nil
}

func (t *Transport) ParseMemoryKey(key transport.MemoryKey) (uintptr, uint64, error) {
	if key.Type() != transport.TypeDevice {
		return 0, 0, cmn.NewErrInvalidParam("memory key is not a device-transport key")
	}
	addr := uintptr(key[1]) | uintptr(key[2])<<32
	t.mrMu.Lock()
	defer t.mrMu.Unlock()
	if i, ok := t.addrIndex[addr]; ok {
		return t.mrs[i].addr, t.mrs[i].size, nil
	}
	return addr, 0, cmn.NewErrNotExist("device mr for parsed address")
}

// Prepare builds the socket whitelist from peer ips and starts listening
// (spec §4.7 "PrepareDataConn").
func (t *Transport) Prepare(ranks []transport.RankOptions) error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, r := range ranks {
		t.peers[r.RankID] = &peer{ip: r.NIC, state: StateInit}
	}
	ln, err := net.Listen("tcp", t.nic)
	if err != nil {
		return cmn.NewErrNewObjectFailed("device socket listener", err)
	}
	t.ln = ln
	t.nic = ln.Addr().String()
	for _, p := range t.peers {
		p.state = StateSocketListening
	}
	go t.acceptLoop(ln)
	return nil
}

func (t *Transport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go t.handleAccepted(conn)
	}
}

func (t *Transport) handleAccepted(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	host, _, _ := net.SplitHostPort(remote)

	t.peersMu.Lock()
	var p *peer
	for _, cand := range t.peers {
		ip, _, _ := net.SplitHostPort(cand.ip)
		if ip == host {
			p = cand
			break
		}
	}
	t.peersMu.Unlock()
	if p == nil {
		return
	}
	p.mu.Lock()
	p.state = StateSocketAccepting
	p.mu.Unlock()
	t.bringUpQP(p, host)
}

func (t *Transport) bringUpQP(p *peer, peerIP string) {
	p.mu.Lock()
	p.state = StateSocketConnected
	p.mu.Unlock()

	qp, err := t.verbs.CreateQueuePair(peerIP, QPAttrs)
	if err != nil {
		p.mu.Lock()
		p.state = StateExiting
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	p.qp = qp
	p.state = StateQPConnecting
	p.mu.Unlock()

	deadline := time.Now().Add(bringUpTimeout)
	for {
		if qp.Poll() == QPStatusReady {
			p.mu.Lock()
			p.state = StateReady
			p.mu.Unlock()
			return
		}
		if qp.Poll() == QPStatusFailed || time.Now().After(deadline) {
			p.mu.Lock()
			p.state = StateExiting
			p.mu.Unlock()
			nlog.Warningf("device transport: QP bring-up to %s timed out or failed", peerIP)
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Connect initiates sockets to every whitelisted peer (spec §4.7
// "CreateDataConn"): it dials all peers concurrently, starts each peer's
// QP bring-up as soon as its socket connects, then waits until every peer
// reports READY.
func (t *Transport) Connect(ctx context.Context) error {
	t.peersMu.Lock()
	targets := make(map[uint32]*peer, len(t.peers))
	for rid, p := range t.peers {
		targets[rid] = p
	}
	t.peersMu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, p := range targets {
		p := p
		g.Go(func() error {
			conn, err := net.DialTimeout("tcp", p.ip, bringUpTimeout)
			if err != nil {
				return cmn.NewErrIoError(err)
			}
			host, _, _ := net.SplitHostPort(p.ip)
			p.mu.Lock()
			p.state = StateSocketConnecting
			p.mu.Unlock()
			go func() {
				defer conn.Close()
				t.bringUpQP(p, host)
			}()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return t.WaitForConnected(bringUpTimeout)
}

func (t *Transport) AsyncConnect() error {
	go func() { _ = t.Connect(context.Background()) }()
	return nil
}

// WaitForConnected blocks until every peer reports READY or the timeout
// elapses (spec §5: "WaitingReady(timeout_ns) blocks on a condvar").
func (t *Transport) WaitForConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		t.peersMu.Lock()
		allReady := true
		for _, p := range t.peers {
			p.mu.Lock()
			ready := p.state == StateReady
			p.mu.Unlock()
			if !ready {
				allReady = false
			}
		}
		t.peersMu.Unlock()
		if allReady {
			return nil
		}
		if time.Now().After(deadline) {
			return cmn.NewErrTimeout("device transport wait-for-connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (t *Transport) UpdateRankOptions(ranks []transport.RankOptions) error { return t.Prepare(ranks) }

func (t *Transport) RemoveRanks(rankIDs []uint32) error {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	for _, rid := range rankIDs {
		if p, ok := t.peers[rid]; ok {
			p.mu.Lock()
			if p.qp != nil {
				_ = p.qp.Close()
			}
			p.mu.Unlock()
			delete(t.peers, rid)
		}
	}
	return nil
}

func (t *Transport) keysFor(rank uint32, localAddr uintptr) (uint32, uint32, QueuePair, error) {
	t.mrMu.Lock()
	var lkey uint32
	i, ok := t.addrIndex[localAddr]
	if ok {
		lkey = t.mrs[i].lkey
	}
	t.mrMu.Unlock()
	if !ok {
		return 0, 0, nil, cmn.NewErrInvalidParam("local address not registered")
	}
	t.peersMu.Lock()
	p, ok := t.peers[rank]
	t.peersMu.Unlock()
	if !ok {
		return 0, 0, nil, cmn.NewErrInvalidParam("unknown rank %d", rank)
	}
	p.mu.Lock()
	qp := p.qp
	rkey := uint32(0)
	if i, ok := t.addrIndex[localAddr]; ok {
		rkey = t.mrs[i].rkey
	}
	p.mu.Unlock()
	if qp == nil {
		return 0, 0, nil, cmn.NewErrIoError(nil)
	}
	return lkey, rkey, qp, nil
}

func (t *Transport) ReadRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	lkey, rkey, qp, err := t.keysFor(rank, localAddr)
	if err != nil {
		return err
	}
	return qp.ReadRemote(localAddr, remoteAddr, lkey, rkey, size)
}

func (t *Transport) WriteRemote(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	lkey, rkey, qp, err := t.keysFor(rank, localAddr)
	if err != nil {
		return err
	}
	return qp.WriteRemote(localAddr, remoteAddr, lkey, rkey, size)
}

// ReadRemoteAsync and Synchronize are not implemented by the device
// transport (spec §4.7: "callers targeting device-owned addresses go
// through synchronous verbs or the composite routes them back to the host
// transport").
func (t *Transport) ReadRemoteAsync(uint32, uintptr, uintptr, uint64) error {
	return cmn.NewErrNotSupported("device_transport.read_remote_async")
}

func (t *Transport) WriteRemoteAsync(rank uint32, localAddr, remoteAddr uintptr, size uint64) error {
	return t.WriteRemote(rank, localAddr, remoteAddr, size)
}

func (t *Transport) Synchronize(uint32) error {
	return cmn.NewErrNotSupported("device_transport.synchronize")
}

func (t *Transport) GetNIC() string { return t.nic }
