package client

import "time"

// Store is the key-value method set a Prefix forwards. *Client and *Prefix
// both satisfy it, so prefixes compose: wrapping a Prefix in another Prefix
// concatenates the two (spec §4.4 "composable (nested prefixes
// concatenate)").
type Store interface {
	Get(key string, timeout time.Duration) ([]byte, error)
	Set(key string, value []byte) error
	Add(key string, delta int64) (int64, error)
	Remove(key string) error
	Append(key string, extra []byte) (int, error)
	Cas(key string, expect, newVal []byte) ([]byte, bool, error)
	Write(key string, offset uint32, data []byte) error
}

// Prefix is the thin façade spec §4.4 describes: it prepends a fixed prefix
// to every key and forwards to the base store. The rank-state watch carries
// no key, so there is nothing to translate back for callbacks; key-bearing
// errors surface the full (prefixed) key, which is also what the server logs.
type Prefix struct {
	base   Store
	prefix string
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*Prefix)(nil)
)

// NewPrefix wraps base under prefix, flattening nested Prefix wrappers so a
// chain of views costs one indirection regardless of depth.
func NewPrefix(base Store, prefix string) *Prefix {
	if p, ok := base.(*Prefix); ok {
		return &Prefix{base: p.base, prefix: p.prefix + prefix}
	}
	return &Prefix{base: base, prefix: prefix}
}

func (p *Prefix) Get(key string, timeout time.Duration) ([]byte, error) {
	return p.base.Get(p.prefix+key, timeout)
}

func (p *Prefix) Set(key string, value []byte) error {
	return p.base.Set(p.prefix+key, value)
}

func (p *Prefix) Add(key string, delta int64) (int64, error) {
	return p.base.Add(p.prefix+key, delta)
}

func (p *Prefix) Remove(key string) error {
	return p.base.Remove(p.prefix + key)
}

func (p *Prefix) Append(key string, extra []byte) (int, error) {
	return p.base.Append(p.prefix+key, extra)
}

func (p *Prefix) Cas(key string, expect, newVal []byte) ([]byte, bool, error) {
	return p.base.Cas(p.prefix+key, expect, newVal)
}

func (p *Prefix) Write(key string, offset uint32, data []byte) error {
	return p.base.Write(p.prefix+key, offset, data)
}
