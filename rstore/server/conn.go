package server

import (
	"net"
	"sync/atomic"

	"github.com/hybridmem/core/cmn/nlog"
	"github.com/hybridmem/core/codec"
	"github.com/hybridmem/core/rstore/link"
)

// Serve accepts connections on ln until it returns an error (typically from
// a closed listener), wiring each one to the store's opcode dispatcher and
// fault-recovery path (spec §4.2 "server loop", §4.3 items 1-4).
func (s *Store) Serve(ln net.Listener) error {
	var nextLinkID uint64
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		linkID := atomic.AddUint64(&nextLinkID, 1)
		s.serveOne(conn, linkID)
	}
}

func (s *Store) serveOne(conn net.Conn, linkID uint64) {
	var (
		l     *link.Link
		ready = make(chan struct{})
	)
	handler := func(hdr link.Header, msg *codec.Message) (link.Result, *codec.Message) {
		<-ready // l is assigned once link.New returns
		if codec.Opcode(hdr.Opcode) == codec.OpWatchRankState {
			seq := hdr.Seq
			s.SetRankWatcher(linkID, func(rankID uint16) {
				payload := []byte{byte(rankID), byte(rankID >> 8)}
				if err := l.PushReply(seq, uint16(codec.OpWatchRankState), link.ResultSuccess, &codec.Message{Values: [][]byte{payload}}); err != nil {
					nlog.Errorf("rstore: push rank-state to link %d: %v", linkID, err)
				}
			})
		}
		return s.Handle(linkID, hdr, msg)
	}
	l = link.New(conn, handler, func(err error) {
		nlog.Infof("rstore: link %d broken: %v", linkID, err)
		s.ForgetLink(linkID)
		s.OnLinkBroken(linkID)
	})
	close(ready)
}
