// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package epoch

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

const inactive = ^uint64(0)

// Counter is a global epoch counter with a set of registered readers.
// Readers bracket short read-side critical sections with Enter and Exit.
// Synchronize advances the epoch and waits until every reader that might
// have observed state from before the advance has left its critical
// section. Memory popped from a shared structure inside a critical section
// must not be recycled until a later Synchronize completes.
type Counter struct {
	global atomic.Uint64

	mu      sync.Mutex
	readers []*Reader
}

// Reader is one participant's epoch slot. Enter and Exit may only be
// called by the owning participant. The slot is padded so that the
// frequent Enter/Exit stores don't contend with neighboring slots.
type Reader struct {
	_     cpu.CacheLinePad
	c     *Counter
	state atomic.Uint64
	_     cpu.CacheLinePad
}

func NewCounter() *Counter {
	return new(Counter)
}

func (c *Counter) Register() *Reader {
	r := &Reader{c: c}
	r.state.Store(inactive)
	c.mu.Lock()
	c.readers = append(c.readers, r)
	c.mu.Unlock()
	return r
}

// Unregister removes r from the counter. The reader must not be inside a
// critical section.
func (r *Reader) Unregister() {
	r.state.Store(inactive)
	c := r.c
	c.mu.Lock()
	for i, rd := range c.readers {
		if rd == r {
			c.readers[i] = c.readers[len(c.readers)-1]
			c.readers = c.readers[:len(c.readers)-1]
			break
		}
	}
	c.mu.Unlock()
}

func (r *Reader) Enter() {
	for {
		g := r.c.global.Load()
		r.state.Store(g)
		// The published state must be ordered before any read of the
		// protected structure. If the global moved meanwhile, republish
		// under the new epoch.
		if r.c.global.Load() == g {
			return
		}
	}
}

func (r *Reader) Exit() {
	r.state.Store(inactive)
}

// Synchronize advances the global epoch and waits for all readers that
// entered under an earlier epoch to exit.
func (c *Counter) Synchronize() {
	target := c.global.Add(1)

	c.mu.Lock()
	readers := make([]*Reader, len(c.readers))
	copy(readers, c.readers)
	c.mu.Unlock()

	for _, r := range readers {
		for {
			s := r.state.Load()
			if s == inactive || s >= target {
				break
			}
			runtime.Gosched()
		}
	}
}
