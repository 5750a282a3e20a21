package server_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/codec"
	"github.com/hybridmem/core/rstore/link"
	"github.com/hybridmem/core/rstore/server"
)

func getReq(key string, userTag int64) (link.Header, *codec.Message) {
	return link.Header{Opcode: uint16(codec.OpGet)},
		&codec.Message{UserTag: userTag, Type: codec.OpGet, Keys: [][]byte{[]byte(key)}}
}

var _ = Describe("rendezvous store waiter semantics", func() {
	var s *server.Store

	BeforeEach(func() {
		var err error
		s, err = server.New(server.InMemory)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		s.Shutdown()
	})

	It("wakes a blocked GET once the key is SET", func() {
		done := make(chan link.Result, 1)
		var reply *codec.Message
		go func() {
			hdr, msg := getReq("/trans/t1/foo", -1)
			res, r := s.Handle(1, hdr, msg)
			reply = r
			done <- res
		}()

		Consistently(done, 30*time.Millisecond).ShouldNot(Receive())

		_, _ = s.Handle(2, link.Header{Opcode: uint16(codec.OpSet)},
			&codec.Message{Type: codec.OpSet, Keys: [][]byte{[]byte("/trans/t1/foo")}, Values: [][]byte{[]byte("bar")}})

		Eventually(done).Should(Receive(Equal(link.ResultSuccess)))
		Expect(reply.Values[0]).To(Equal([]byte("bar")))
	})

	It("expires a blocked GET after its deadline", func() {
		hdr, msg := getReq("/trans/t1/never", 5)
		res, _ := s.Handle(1, hdr, msg)
		Expect(res).To(Equal(link.ResultTimeout))
	})

	It("only wakes waiters blocked on the key actually inserted", func() {
		_, _ = s.Handle(1, link.Header{Opcode: uint16(codec.OpSet)},
			&codec.Message{Type: codec.OpSet, Keys: [][]byte{[]byte("/trans/t1/counter")}, Values: [][]byte{[]byte("1")}})

		done := make(chan link.Result, 1)
		go func() {
			hdr, msg := getReq("/trans/t1/counter", -1)
			res, _ := s.Handle(2, hdr, msg)
			done <- res
		}()
		Eventually(done).Should(Receive(Equal(link.ResultSuccess)))

		// A second blocking GET on a *different*, not-yet-created key must
		// still be woken only by insertion, not by this increment.
		insertDone := make(chan link.Result, 1)
		go func() {
			hdr, msg := getReq("/trans/t1/other", -1)
			res, _ := s.Handle(3, hdr, msg)
			insertDone <- res
		}()
		Consistently(insertDone, 20*time.Millisecond).ShouldNot(Receive())

		_, _ = s.Handle(1, link.Header{Opcode: uint16(codec.OpAdd)},
			&codec.Message{Type: codec.OpAdd, Keys: [][]byte{[]byte("/trans/t1/counter")}, Values: [][]byte{[]byte("1")}})
		Consistently(insertDone, 20*time.Millisecond).ShouldNot(Receive())
	})

	It("round-trips compare-and-swap: create, mismatch, match", func() {
		key := []byte("/trans/t1/cas")
		res, reply := s.Handle(1, link.Header{Opcode: uint16(codec.OpCas)},
			&codec.Message{Type: codec.OpCas, UserTag: 1, Keys: [][]byte{key}, Values: [][]byte{nil, []byte("v1")}})
		Expect(res).To(Equal(link.ResultSuccess))
		_ = reply

		res, reply = s.Handle(1, link.Header{Opcode: uint16(codec.OpCas)},
			&codec.Message{Type: codec.OpCas, Keys: [][]byte{key}, Values: [][]byte{[]byte("wrong"), []byte("v2")}})
		Expect(res).To(Equal(link.ResultError))
		Expect(reply.Values[0]).To(Equal([]byte("v1")))

		res, reply = s.Handle(1, link.Header{Opcode: uint16(codec.OpCas)},
			&codec.Message{Type: codec.OpCas, Keys: [][]byte{key}, Values: [][]byte{[]byte("v1"), []byte("v2")}})
		Expect(res).To(Equal(link.ResultSuccess))
		Expect(reply.Values[0]).To(Equal([]byte("v1")))
	})

	It("answers GET with Restore once a recovery hook queues a payload for that key", func() {
		key := "/trans/t1/auto_ranking_key_peerA"
		s.RegisterRecoveryHook(func(st *server.Store, linkID uint64) (string, cmn.RestorePayload, bool) {
			if linkID != 7 {
				return "", cmn.RestorePayload{}, false
			}
			return key, cmn.RestorePayload{RankID: 3, DeviceInfoID: 1, SliceIDs: []uint16{10, 11}}, true
		})
		s.OnLinkBroken(7)

		hdr, msg := getReq(key, 0)
		res, reply := s.Handle(9, hdr, msg)
		Expect(res).To(Equal(link.ResultRestore))
		payload, err := cmn.DecodeRestorePayload(reply.Values[0])
		Expect(err).NotTo(HaveOccurred())
		Expect(payload.SliceIDs).To(Equal([]uint16{10, 11}))

		// consumed: a second GET sees NotExist, not another Restore.
		res, _ = s.Handle(9, hdr, msg)
		Expect(res).To(Equal(link.ResultNotExist))
	})
})
