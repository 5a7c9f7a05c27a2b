// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import (
	"sync/atomic"

	"github.com/mknyszek/refine-eval/epoch"
)

// Released nodes park on a pending list and only move to the free list
// once no thread can still be reading them off a stack. Batching the moves
// amortizes the epoch synchronization.
const pendingTransferThreshold = 10

// Allocator pools fixed-capacity nodes. A released node stays on the
// pending list until an epoch synchronization proves no in-flight pop can
// still observe it; only then may it be handed out again. Reusing a node
// sooner would let a stack's compare-and-swap succeed against a stale
// head.
type Allocator struct {
	capacity int
	epochs   *epoch.Counter

	free      nodeStack
	freeCount atomic.Int64

	pending      nodeStack
	pendingCount atomic.Int64
	transferring atomic.Bool
}

func NewAllocator(epochs *epoch.Counter, capacity int) *Allocator {
	if capacity <= 0 {
		panic("node capacity must be positive")
	}
	return &Allocator{capacity: capacity, epochs: epochs}
}

func (a *Allocator) Capacity() int { return a.capacity }

// FreeCount is the number of nodes on the free list, for monitoring. It
// does not include pending nodes.
func (a *Allocator) FreeCount() int { return int(a.freeCount.Load()) }

// Allocate returns an empty node. The reader identifies the calling
// participant for the free-list pop.
func (a *Allocator) Allocate(r *epoch.Reader) *Node {
	r.Enter()
	n := a.free.Pop()
	r.Exit()
	if n == nil {
		n = &Node{slots: make([]uintptr, a.capacity)}
	} else {
		a.freeCount.Add(-1)
	}
	n.index = a.capacity
	return n
}

// Release returns a node to the pool. The caller must not touch the node
// afterwards.
func (a *Allocator) Release(n *Node) {
	n.next.Store(nil)
	a.pending.Push(n)
	if a.pendingCount.Add(1) > pendingTransferThreshold {
		a.tryTransferPending()
	}
}

// tryTransferPending moves the pending nodes to the free list after an
// epoch synchronization. Only one transfer runs at a time; losers leave
// their nodes for the winner or a later attempt.
func (a *Allocator) tryTransferPending() {
	if !a.transferring.CompareAndSwap(false, true) {
		return
	}
	defer a.transferring.Store(false)

	first := a.pending.PopAll()
	if first == nil {
		return
	}
	count := 1
	last := first
	for next := last.next.Load(); next != nil; next = last.next.Load() {
		last = next
		count++
	}
	a.pendingCount.Add(-int64(count))

	a.epochs.Synchronize()

	a.free.PushAll(first, last)
	a.freeCount.Add(int64(count))
}
