package smemtrans

import (
	"sync"

	"github.com/hybridmem/core/cmn"
)

// Stream is the opaque device-stream handle smem_trans_{read,write}_submit
// take (spec §6). It follows the same explicit completion-counter idiom as
// transport/host.Stream -- Go has no thread-local storage to hang an
// implicit current-stream on -- but is a separate type since its
// completions come from transfer.Entity.SyncWrite/SyncRead goroutines
// rather than a host-transport provider callback.
type Stream struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending int
	failed  bool
}

// NewStream constructs an idle Stream.
func NewStream() *Stream {
	s := &Stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Stream) submit(fn func() error) {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	go func() {
		err := fn()
		s.mu.Lock()
		s.pending--
		if err != nil {
			s.failed = true
		}
		if s.pending == 0 {
			s.cond.Broadcast()
		}
		s.mu.Unlock()
	}()
}

// Synchronize blocks until every op submitted against s has completed,
// then resets its failure flag (mirrors transport/host.Stream.Synchronize).
func (s *Stream) Synchronize() int32 {
	s.mu.Lock()
	for s.pending > 0 {
		s.cond.Wait()
	}
	failed := s.failed
	s.failed = false
	s.mu.Unlock()
	if failed {
		return kindCodes[cmn.KindIoError]
	}
	return 0
}
