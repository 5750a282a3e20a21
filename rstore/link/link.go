package link

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pierrec/lz4/v3"
	"golang.org/x/sys/unix"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/nlog"
	"github.com/hybridmem/core/codec"
)

// Reply is what a waiter receives: either a genuine reply frame, or a
// terminal Err when the link breaks or is shut down (spec §4.2).
type Reply struct {
	Header Header
	Msg    *codec.Message
	Err    error
}

type waiterKind int

const (
	kindBlocking waiterKind = iota
	kindWatch
	kindFireAndForget
)

type waiterEntry struct {
	kind waiterKind
	ch   chan Reply  // blocking
	cb   func(Reply) // watch
}

// RequestHandler is invoked by a server-mode Link for every incoming
// request frame; it returns the result code and optional reply payload.
// Client-mode Links leave this nil: every incoming frame is a reply to an
// outstanding waiter (spec §4.2 "the table is consulted").
type RequestHandler func(hdr Header, msg *codec.Message) (Result, *codec.Message)

// Link is one framed TCP connection, playing either the client or server
// role depending on whether a RequestHandler is installed.
type Link struct {
	conn    net.Conn
	bw      *bufio.Writer
	writeMu sync.Mutex

	waitersMu sync.Mutex
	waiters   map[uint32]*waiterEntry
	nextSeq   uint32

	handler  RequestHandler
	onBroken func(error)

	closed      bool
	closeMu     sync.Mutex
	compressMin int

	doneCh chan struct{}
}

// New wraps conn in a Link. When handler is non-nil the link operates in
// server mode (dispatches incoming requests to handler and writes replies);
// otherwise it operates in client mode (incoming frames satisfy waiters
// registered via Submit/Watch).
func New(conn net.Conn, handler RequestHandler, onBroken func(error)) *Link {
	tuneSocket(conn)
	l := &Link{
		conn:        conn,
		bw:          bufio.NewWriterSize(conn, 64*1024),
		waiters:     make(map[uint32]*waiterEntry),
		handler:     handler,
		onBroken:    onBroken,
		compressMin: 64 * 1024,
		doneCh:      make(chan struct{}),
	}
	go l.readLoop()
	return l
}

func tuneSocket(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetNoDelay(true)
	_ = tc.SetKeepAlive(true)
	_ = tc.SetKeepAlivePeriod(30 * time.Second)
	raw, err := tc.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	})
}

func (l *Link) nextSeqNum() uint32 {
	l.nextSeq++
	return l.nextSeq
}

// writeFrame serializes hdr+msg under the single writer mutex (one physical
// socket, multiple logical streams -- SPEC_FULL §4 C2).
func (l *Link) writeFrame(hdr Header, msg *codec.Message) error {
	var payload []byte
	var err error
	if msg != nil {
		payload, err = codec.Encode(msg)
		if err != nil {
			return err
		}
		if l.compressMin > 0 && len(payload) >= l.compressMin {
			compressed := make([]byte, lz4.CompressBlockBound(len(payload)))
			n, cerr := lz4.CompressBlock(payload, compressed, nil)
			if cerr == nil && n > 0 && n < len(payload) {
				payload = compressed[:n]
				hdr.Result |= compressedFlag
			}
		}
	}
	hdr.Magic = Magic
	hdr.Len = uint32(len(payload))

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := l.bw.Write(EncodeHeader(hdr)); err != nil {
		return cmn.NewErrIoError(err)
	}
	if len(payload) > 0 {
		if _, err := l.bw.Write(payload); err != nil {
			return cmn.NewErrIoError(err)
		}
	}
	if err := l.bw.Flush(); err != nil {
		return cmn.NewErrIoError(err)
	}
	return nil
}

// compressedFlag is stashed in the otherwise-unused bit 14 of Result on
// the wire; it never collides with the small positive/negative Result
// catalog used in practice.
const compressedFlag int16 = 1 << 14

func (l *Link) readLoop() {
	defer close(l.doneCh)
	br := bufio.NewReaderSize(l.conn, 64*1024)
	hdrBuf := make([]byte, HeaderLen)
	for {
		if _, err := io.ReadFull(br, hdrBuf); err != nil {
			l.breakLink(err)
			return
		}
		hdr, err := DecodeHeader(hdrBuf)
		if err != nil {
			l.breakLink(err)
			return
		}
		var payload []byte
		if hdr.Len > 0 {
			payload = make([]byte, hdr.Len)
			if _, err := io.ReadFull(br, payload); err != nil {
				l.breakLink(err)
				return
			}
		}
		var msg *codec.Message
		if len(payload) > 0 {
			if hdr.Result&compressedFlag != 0 {
				hdr.Result &^= compressedFlag
				decompressed := make([]byte, 8*len(payload)+64)
				for {
					n, derr := lz4.UncompressBlock(payload, decompressed)
					if derr == nil {
						decompressed = decompressed[:n]
						break
					}
					decompressed = make([]byte, len(decompressed)*2)
				}
				payload = decompressed
			}
			m, n, derr := codec.Decode(payload)
			if derr != nil {
				nlog.Errorf("link: decode error: %v", derr)
				continue
			}
			if m == nil || n != len(payload) {
				nlog.Errorf("link: short/partial frame payload")
				continue
			}
			msg = m.Clone()
		}
		l.dispatch(hdr, msg)
	}
}

func (l *Link) dispatch(hdr Header, msg *codec.Message) {
	if l.handler != nil {
		// Handlers may block (a GET waiting on a key); run each request on
		// its own goroutine so one blocked request cannot stall the read
		// loop for the rest of the connection. Replies carry the request's
		// seq, so out-of-order completion is fine.
		go func() {
			result, reply := l.handler(hdr, msg)
			replyHdr := Header{Seq: hdr.Seq, Opcode: hdr.Opcode, Result: int16(result)}
			if err := l.writeFrame(replyHdr, reply); err != nil {
				nlog.Errorf("link: write reply: %v", err)
			}
		}()
		return
	}

	l.waitersMu.Lock()
	w, ok := l.waiters[hdr.Seq]
	if ok && w.kind == kindBlocking {
		delete(l.waiters, hdr.Seq)
	}
	l.waitersMu.Unlock()
	if !ok {
		return
	}
	reply := Reply{Header: hdr, Msg: msg}
	switch w.kind {
	case kindBlocking:
		select {
		case w.ch <- reply:
		default:
		}
	case kindWatch:
		w.cb(reply)
	}
}

func (l *Link) breakLink(err error) {
	l.closeMu.Lock()
	already := l.closed
	l.closed = true
	l.closeMu.Unlock()

	l.waitersMu.Lock()
	waiters := l.waiters
	l.waiters = make(map[uint32]*waiterEntry)
	l.waitersMu.Unlock()

	for _, w := range waiters {
		if w.kind == kindBlocking {
			select {
			case w.ch <- Reply{Err: cmn.NewErrIoError(err)}:
			default:
			}
		}
	}
	if !already && l.onBroken != nil {
		l.onBroken(err)
	}
}

// Submit sends a blocking request and waits for its single reply, or for
// the link to break (spec §4.2).
func (l *Link) Submit(opcode uint16, msg *codec.Message, timeout time.Duration) (Header, *codec.Message, error) {
	ch := make(chan Reply, 1)
	l.waitersMu.Lock()
	seq := l.nextSeqNum()
	l.waiters[seq] = &waiterEntry{kind: kindBlocking, ch: ch}
	l.waitersMu.Unlock()

	if err := l.writeFrame(Header{Seq: seq, Opcode: opcode}, msg); err != nil {
		l.waitersMu.Lock()
		delete(l.waiters, seq)
		l.waitersMu.Unlock()
		return Header{}, nil, err
	}

	if timeout <= 0 {
		r := <-ch
		return r.Header, r.Msg, r.Err
	}
	select {
	case r := <-ch:
		return r.Header, r.Msg, r.Err
	case <-time.After(timeout):
		l.waitersMu.Lock()
		delete(l.waiters, seq)
		l.waitersMu.Unlock()
		return Header{}, nil, cmn.NewErrTimeout("link submit")
	}
}

// Watch installs a callback invoked for every reply carrying this seq
// until Unwatch is called (spec §4.2).
func (l *Link) Watch(opcode uint16, msg *codec.Message, cb func(Reply)) (uint32, error) {
	l.waitersMu.Lock()
	seq := l.nextSeqNum()
	l.waiters[seq] = &waiterEntry{kind: kindWatch, cb: cb}
	l.waitersMu.Unlock()

	if err := l.writeFrame(Header{Seq: seq, Opcode: opcode}, msg); err != nil {
		l.waitersMu.Lock()
		delete(l.waiters, seq)
		l.waitersMu.Unlock()
		return 0, err
	}
	return seq, nil
}

func (l *Link) Unwatch(seq uint32) {
	l.waitersMu.Lock()
	delete(l.waiters, seq)
	l.waitersMu.Unlock()
}

// FireAndForget sends a request expecting no reply (heartbeats, spec §4.2).
func (l *Link) FireAndForget(opcode uint16, msg *codec.Message) error {
	return l.writeFrame(Header{Seq: 0, Opcode: opcode}, msg)
}

// PushReply lets a server-mode Link proactively send a reply-shaped frame
// to a previously-registered client watch (used for WATCH_RANK_STATE
// notifications, spec §4.3 item 4).
func (l *Link) PushReply(seq uint32, opcode uint16, result Result, msg *codec.Message) error {
	return l.writeFrame(Header{Seq: seq, Opcode: opcode, Result: int16(result)}, msg)
}

func (l *Link) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()
	err := l.conn.Close()
	<-l.doneCh
	return err
}

func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// StartHeartbeat launches the client-side keepalive goroutine (spec §4.2):
// sends a HEARTBEAT codec frame every interval while the link is open.
func (l *Link) StartHeartbeat(interval time.Duration, opcode uint16) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				if err := l.FireAndForget(opcode, &codec.Message{Type: codec.Opcode(opcode)}); err != nil {
					return
				}
			case <-stopCh:
				return
			case <-l.doneCh:
				return
			}
		}
	}()
	return func() { close(stopCh) }
}
