// Package atomic provides small typed wrappers over sync/atomic, used
// wherever a struct field must be safely shared across the watcher thread,
// completion callbacks, and caller goroutines.
/*
 * Copyright (c) 2024, Hybrid Memory Fabric Authors. All rights reserved.
 */
package atomic

import "sync/atomic"

type Int64 struct{ v int64 }

func (i *Int64) Load() int64       { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(n int64)     { atomic.StoreInt64(&i.v, n) }
func (i *Int64) Add(n int64) int64 { return atomic.AddInt64(&i.v, n) }
func (i *Int64) Inc() int64        { return i.Add(1) }
func (i *Int64) Dec() int64        { return i.Add(-1) }
func (i *Int64) CAS(old, n int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, n)
}

type Int32 struct{ v int32 }

func (i *Int32) Load() int32       { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(n int32)     { atomic.StoreInt32(&i.v, n) }
func (i *Int32) Add(n int32) int32 { return atomic.AddInt32(&i.v, n) }
func (i *Int32) Inc() int32        { return i.Add(1) }
func (i *Int32) Dec() int32        { return i.Add(-1) }

type Bool struct{ v int32 }

func (b *Bool) Load() bool {
	return atomic.LoadInt32(&b.v) != 0
}

func (b *Bool) Store(val bool) {
	var n int32
	if val {
		n = 1
	}
	atomic.StoreInt32(&b.v, n)
}

// CAS compares-and-swaps the boolean, returning whether the swap happened.
func (b *Bool) CAS(old, n bool) bool {
	var o, nn int32
	if old {
		o = 1
	}
	if n {
		nn = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, nn)
}
