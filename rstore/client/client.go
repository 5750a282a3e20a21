// Package client implements the rendezvous store client (spec §4.2,
// component C4): connect/handshake, blocking and watch request helpers,
// heartbeat, and a reconnect-after-broken policy.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package client

import (
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hybridmem/core/cmn"
	"github.com/hybridmem/core/cmn/nlog"
	"github.com/hybridmem/core/codec"
	"github.com/hybridmem/core/rstore/link"
)

// Client owns one rendezvous-store connection, reconnecting on breakage per
// cfg.ReconnectRetryTimes (spec §4.2 "client ... reconnects on broken link").
type Client struct {
	addr string
	name string
	cfg  *cmn.Config

	mu        sync.RWMutex
	link      *link.Link
	rankID    uint32
	worldSize uint32
	stopHB    func()
	closed    bool
	brokenCB  func(error)

	sf singleflight.Group // dedupe concurrent rank-state watch installs
}

// Dial connects to addr, announces name (the auto-ranking identity this
// connection registers under) with the requested rank-id -- or
// link.AutoAssignRank to let the server pick -- and starts the heartbeat
// goroutine (spec §4.2).
func Dial(addr, name string, worldSize, rankID uint32, cfg *cmn.Config) (*Client, error) {
	c := &Client{addr: addr, name: name, cfg: cfg, worldSize: worldSize, rankID: rankID}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

// TLSConfigProvider is the link-layer TLS handshake hook (spec §4.2):
// certificate loading itself is an out-of-scope collaborator, so the
// process installs a loader here and the client consults it only when
// cfg.TLSEnabled is set (MEMFABRIC_HYBRID_TLS_ENABLE=1).
var TLSConfigProvider func() (*tls.Config, error)

func (c *Client) connect() error {
	conn, err := net.DialTimeout("tcp", c.addr, c.cfg.InitTimeout)
	if err != nil {
		return errors.Wrapf(cmn.NewErrIoError(err), "dial rendezvous store %s", c.addr)
	}
	if c.cfg.TLSEnabled && TLSConfigProvider != nil {
		tcfg, terr := TLSConfigProvider()
		if terr != nil {
			_ = conn.Close()
			return errors.Wrap(terr, "load tls config")
		}
		conn = tls.Client(conn, tcfg)
	}

	l := link.New(conn, nil, c.onBroken)

	req := make([]byte, 4)
	req[0], req[1], req[2], req[3] = byte(c.rankID), byte(c.rankID>>8), byte(c.rankID>>16), byte(c.rankID>>24)
	connectMsg := &codec.Message{
		Type:    codec.OpConnect,
		UserTag: int64(c.worldSize),
		Keys:    [][]byte{[]byte(c.name)},
		Values:  [][]byte{req},
	}
	_, reply, err := l.Submit(uint16(codec.OpConnect), connectMsg, c.cfg.InitTimeout)
	if err != nil {
		_ = l.Close()
		return errors.Wrap(err, "rendezvous store handshake")
	}
	v := valueOrNil(reply)
	if len(v) < 2 {
		_ = l.Close()
		return cmn.NewErrInvalidMessage("rendezvous store handshake: short rank-id reply")
	}
	assignedRank := uint32(v[0]) | uint32(v[1])<<8

	c.mu.Lock()
	c.link = l
	c.rankID = assignedRank
	c.stopHB = l.StartHeartbeat(c.cfg.HeartbeatInterval, uint16(codec.OpHeartbeat))
	c.mu.Unlock()
	return nil
}

// SetBrokenHandler installs the user's client-broken handler (spec §4.4
// "invokes the user-registered client-broken handler"). The handler owns
// recovery: it typically calls ReConnectAfterBroken and then re-publishes
// whatever the process needs. Without a handler the client falls back to
// reconnecting on its own.
func (c *Client) SetBrokenHandler(cb func(error)) {
	c.mu.Lock()
	c.brokenCB = cb
	c.mu.Unlock()
}

func (c *Client) onBroken(err error) {
	nlog.Warningf("rstore client: link to %s broken: %v", c.addr, err)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.link = nil
	cb := c.brokenCB
	c.mu.Unlock()
	if cb != nil {
		go cb(err)
		return
	}
	go func() { _ = c.ReConnectAfterBroken(c.cfg.ReconnectRetryTimes) }()
}

// Connected reports whether a live link is up.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed && c.link != nil
}

// ReConnectAfterBroken retries the dial-plus-handshake with a capped linear
// backoff, up to retries attempts (spec §4.4 "Subsequent calls require
// ReConnectAfterBroken(retries) to succeed"; §6 "reconnectRetryTimes"). The
// caller must then re-publish what it needs.
func (c *Client) ReConnectAfterBroken(retries int) error {
	for attempt := 1; attempt <= retries; attempt++ {
		c.mu.RLock()
		closed := c.closed
		c.mu.RUnlock()
		if closed {
			return cmn.NewErrIoError(errors.New("client closed"))
		}
		if err := c.connect(); err == nil {
			nlog.Infof("rstore client: reconnected to %s after %d attempt(s)", c.addr, attempt)
			return nil
		}
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	nlog.Errorf("rstore client: giving up reconnecting to %s after %d attempts", c.addr, retries)
	return cmn.NewErrIoError(errors.Errorf("reconnect to %s failed after %d attempts", c.addr, retries))
}

func (c *Client) activeLink() (*link.Link, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.link == nil {
		return nil, cmn.NewErrIoError(errors.New("no active link"))
	}
	return c.link, nil
}

func (c *Client) submit(op codec.Opcode, key string, values [][]byte, userTag int64, timeout time.Duration) (link.Result, *codec.Message, error) {
	l, err := c.activeLink()
	if err != nil {
		return 0, nil, err
	}
	msg := &codec.Message{Type: op, UserTag: userTag, Values: values}
	if key != "" {
		msg.Keys = [][]byte{[]byte(key)}
	}
	hdr, reply, err := l.Submit(uint16(op), msg, timeout)
	if err != nil {
		return 0, nil, err
	}
	return link.Result(hdr.Result), reply, nil
}

// Set stores value at key, unconditionally (spec §4.3 SET).
func (c *Client) Set(key string, value []byte) error {
	_, _, err := c.submit(codec.OpSet, key, [][]byte{value}, 0, c.cfg.InitTimeout)
	return err
}

// Get reads key. timeout==0 returns NotExist immediately if absent;
// timeout<0 blocks forever; timeout>0 blocks up to that duration before
// returning KindTimeout (spec §4.3 GET, §5).
func (c *Client) Get(key string, timeout time.Duration) ([]byte, error) {
	userTag := encodeGetTimeout(timeout)
	submitTimeout := c.cfg.InitTimeout
	if timeout > 0 {
		submitTimeout = timeout + c.cfg.InitTimeout
	} else if timeout < 0 {
		submitTimeout = 0
	}
	res, reply, err := c.submit(codec.OpGet, key, nil, userTag, submitTimeout)
	if err != nil {
		return nil, err
	}
	switch res {
	case link.ResultSuccess:
		return valueOrNil(reply), nil
	case link.ResultNotExist:
		return nil, cmn.NewErrNotExist(key)
	case link.ResultTimeout:
		return nil, cmn.NewErrTimeout("get " + key)
	case link.ResultRestore:
		payload, derr := cmn.DecodeRestorePayload(valueOrNil(reply))
		if derr != nil {
			return nil, derr
		}
		return nil, &cmn.RestoreError{Payload: payload}
	default:
		return nil, cmn.NewErrInvalidMessage("get %s: unexpected result %d", key, res)
	}
}

func encodeGetTimeout(timeout time.Duration) int64 {
	switch {
	case timeout == 0:
		return 0
	case timeout < 0:
		return -1
	default:
		return timeout.Milliseconds()
	}
}

func valueOrNil(msg *codec.Message) []byte {
	if msg == nil || len(msg.Values) == 0 {
		return nil
	}
	return msg.Values[0]
}

// Add atomically adds delta to the integer stored at key (creating it at
// delta if absent) and returns the new value (spec §4.3 ADD).
func (c *Client) Add(key string, delta int64) (int64, error) {
	_, reply, err := c.submit(codec.OpAdd, key, [][]byte{[]byte(itoa(delta))}, 0, c.cfg.InitTimeout)
	if err != nil {
		return 0, err
	}
	return atoi(valueOrNil(reply)), nil
}

// Remove deletes key (spec §4.3 REMOVE).
func (c *Client) Remove(key string) error {
	res, _, err := c.submit(codec.OpRemove, key, nil, 0, c.cfg.InitTimeout)
	if err != nil {
		return err
	}
	if res == link.ResultNotExist {
		return cmn.NewErrNotExist(key)
	}
	return nil
}

// Append concatenates extra onto the bytes stored at key and returns the
// new length (spec §4.3 APPEND).
func (c *Client) Append(key string, extra []byte) (int, error) {
	_, reply, err := c.submit(codec.OpAppend, key, [][]byte{extra}, 0, c.cfg.InitTimeout)
	if err != nil {
		return 0, err
	}
	return int(atoi(valueOrNil(reply))), nil
}

// Cas implements compare-and-swap. expect == nil means "key must not yet
// exist" (spec §4.3 CAS, §8 scenario 3). Returns the value observed at
// key before the attempt plus whether the swap happened.
func (c *Client) Cas(key string, expect, newVal []byte) ([]byte, bool, error) {
	userTag := int64(0)
	values := [][]byte{expect, newVal}
	if expect == nil {
		userTag = 1
	}
	res, reply, err := c.submit(codec.OpCas, key, values, userTag, c.cfg.InitTimeout)
	if err != nil {
		return nil, false, err
	}
	existing := valueOrNil(reply)
	return existing, res == link.ResultSuccess, nil
}

// Write patches key in place at offset, growing and zero-padding as needed
// (spec §4.3 WRITE).
func (c *Client) Write(key string, offset uint32, data []byte) error {
	payload := make([]byte, 4+len(data))
	payload[0] = byte(offset)
	payload[1] = byte(offset >> 8)
	payload[2] = byte(offset >> 16)
	payload[3] = byte(offset >> 24)
	copy(payload[4:], data)
	_, _, err := c.submit(codec.OpWrite, key, [][]byte{payload}, 0, c.cfg.InitTimeout)
	return err
}

// WatchRankState installs cb to be invoked whenever the store notifies this
// connection of a rank becoming free (spec §4.3 item 4). singleflight
// collapses concurrent callers into a single install.
func (c *Client) WatchRankState(cb func(rankID uint16)) error {
	_, err, _ := c.sf.Do("watch", func() (any, error) {
		l, lerr := c.activeLink()
		if lerr != nil {
			return nil, lerr
		}
		_, werr := l.Watch(uint16(codec.OpWatchRankState), &codec.Message{Type: codec.OpWatchRankState}, func(r link.Reply) {
			if r.Err != nil || r.Msg == nil || len(r.Msg.Values) == 0 || len(r.Msg.Values[0]) < 2 {
				return
			}
			v := r.Msg.Values[0]
			cb(uint16(v[0]) | uint16(v[1])<<8)
		})
		return nil, werr
	})
	return err
}

// RankID returns this client's assigned rank-id.
func (c *Client) RankID() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rankID
}

// Close shuts down the heartbeat goroutine and the underlying link,
// suppressing any further reconnect attempts.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	l := c.link
	stop := c.stopHB
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	if l != nil {
		return l.Close()
	}
	return nil
}

func itoa(v int64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func atoi(b []byte) int64 {
	var v int64
	neg := false
	for i, ch := range b {
		if i == 0 && ch == '-' {
			neg = true
			continue
		}
		if ch < '0' || ch > '9' {
			break
		}
		v = v*10 + int64(ch-'0')
	}
	if neg {
		v = -v
	}
	return v
}
