// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/mknyszek/refine-eval/cardtable"
	"github.com/mknyszek/refine-eval/epoch"
)

// DirtyQueue collects dirty-card indexes for one thread. The card table
// entry for every enqueued card was transitioned clean->dirty by the
// enqueuer. The buffer fills from the top down; a queue with no buffer
// has index zero so the first enqueue installs one.
type DirtyQueue struct {
	reader *epoch.Reader

	index int
	node  *Node
}

func (q *DirtyQueue) buffer() []uintptr {
	if q.node == nil {
		return nil
	}
	return q.node.slots
}

func (q *DirtyQueue) Size() int {
	if q.node == nil {
		return 0
	}
	return q.node.Capacity() - q.index
}

func (q *DirtyQueue) IsEmpty() bool { return q.Size() == 0 }

// DirtyQueueSet is the shared side of dirty-card queueing: completed
// buffers awaiting refinement, and the refinement operation itself.
type DirtyQueueSet struct {
	alloc      *Allocator
	ct         *cardtable.Table
	refineCard func(cardtable.Index)

	numCards  atomic.Int64
	_         cpu.CacheLinePad
	completed nodeStack
	_         cpu.CacheLinePad

	// mutatorRefinementThreshold is the number of pending cards above
	// which a mutator that just flushed a written buffer also refines a
	// completed buffer. MaxInt64 disables mutator refinement.
	mutatorRefinementThreshold atomic.Int64

	detachedMu    sync.Mutex
	detachedStats RefineStats
}

// NewDirtyQueueSet creates a set whose refinement invokes refineCard for
// each card transitioned dirty->clean. refineCard may be nil, meaning
// refinement only resets card table entries.
func NewDirtyQueueSet(alloc *Allocator, ct *cardtable.Table, refineCard func(cardtable.Index)) *DirtyQueueSet {
	s := &DirtyQueueSet{alloc: alloc, ct: ct, refineCard: refineCard}
	s.mutatorRefinementThreshold.Store(math.MaxInt64)
	return s
}

// NewQueue creates an empty queue for one thread.
func (s *DirtyQueueSet) NewQueue(r *epoch.Reader) *DirtyQueue {
	return &DirtyQueue{reader: r}
}

// NumCards is the number of cards in completed buffers. Concurrent
// callers may observe a momentary overcount, never an undercount.
func (s *DirtyQueueSet) NumCards() int64 {
	return s.numCards.Load()
}

func (s *DirtyQueueSet) MutatorRefinementThreshold() int64 {
	return s.mutatorRefinementThreshold.Load()
}

func (s *DirtyQueueSet) SetMutatorRefinementThreshold(v int64) {
	s.mutatorRefinementThreshold.Store(v)
}

// Enqueue appends one card index to q, completing q's buffer into the set
// and installing a fresh one if it is full. Reports whether a buffer was
// completed.
func (s *DirtyQueueSet) Enqueue(q *DirtyQueue, v uintptr) bool {
	completed := false
	if q.index == 0 {
		if q.node != nil {
			q.node.SetIndex(0)
			s.enqueueCompletedBuffer(q.node)
			completed = true
		}
		q.node = s.alloc.Allocate(q.reader)
		q.index = q.node.Capacity()
	}
	q.index--
	q.node.slots[q.index] = v
	return completed
}

// FlushQueue completes q's buffer into the set, even partially filled,
// and leaves q with no buffer. An untouched buffer goes back to the
// allocator instead.
func (s *DirtyQueueSet) FlushQueue(q *DirtyQueue) {
	if q.node == nil {
		return
	}
	if q.index == q.node.Capacity() {
		s.alloc.Release(q.node)
	} else {
		q.node.SetIndex(q.index)
		s.enqueueCompletedBuffer(q.node)
	}
	q.node = nil
	q.index = 0
}

// ResetQueue discards q's buffered cards without refining them.
func (s *DirtyQueueSet) ResetQueue(q *DirtyQueue) {
	if q.node != nil {
		s.alloc.Release(q.node)
		q.node = nil
	}
	q.index = 0
}

func (s *DirtyQueueSet) enqueueCompletedBuffer(n *Node) {
	s.numCards.Add(int64(n.Size()))
	s.completed.Push(n)
}

func (s *DirtyQueueSet) takeCompletedBuffer(r *epoch.Reader) *Node {
	r.Enter()
	n := s.completed.Pop()
	r.Exit()
	if n != nil {
		s.numCards.Add(-int64(n.Size()))
	}
	return n
}

// MutatorRefineCompletedBuffer refines one completed buffer if the number
// of pending cards exceeds the mutator refinement threshold. Called by
// mutators that just converted a written buffer, to keep them from
// outrunning the refinement workers.
func (s *DirtyQueueSet) MutatorRefineCompletedBuffer(r *epoch.Reader, stats *RefineStats) {
	if s.NumCards() <= s.mutatorRefinementThreshold.Load() {
		return
	}
	s.Refine(r, stats)
}

// Refine takes one completed buffer and refines its cards: each card
// still dirty is reset to clean and passed to the refinement callback.
// Cards no longer dirty were claimed by a concurrent young collection or
// re-examined already, and are skipped. Reports whether a buffer was
// processed.
func (s *DirtyQueueSet) Refine(r *epoch.Reader, stats *RefineStats) bool {
	n := s.takeCompletedBuffer(r)
	if n == nil {
		return false
	}
	start := time.Now()
	refined, precleaned := 0, 0
	for _, c := range n.slots[n.index:] {
		ci := cardtable.Index(c)
		// Claim the card with a single transition so a concurrent young
		// marking or a racing refiner can't be overwritten.
		if !s.ct.TryTransition(ci, cardtable.DirtyCard, cardtable.CleanCard) {
			precleaned++
			continue
		}
		if s.refineCard != nil {
			s.refineCard(ci)
		}
		refined++
	}
	s.alloc.Release(n)
	stats.RefinedCards += refined
	stats.PrecleanedCards += precleaned
	stats.RefinementTime += time.Since(start)
	return true
}

// AbandonCompletedBuffers discards all completed buffers and the detached
// stats. It must only run while every thread that could touch the set is
// stopped.
func (s *DirtyQueueSet) AbandonCompletedBuffers() {
	for n := s.completed.PopAll(); n != nil; {
		next := n.next.Load()
		s.alloc.Release(n)
		n = next
	}
	s.numCards.Store(0)
	s.detachedMu.Lock()
	s.detachedStats.Reset()
	s.detachedMu.Unlock()
}

// RecordDetachedStats folds the stats of a detaching thread into the
// set's holding area, to be collected at the next safepoint flush.
func (s *DirtyQueueSet) RecordDetachedStats(stats RefineStats) {
	s.detachedMu.Lock()
	s.detachedStats.Add(stats)
	s.detachedMu.Unlock()
}

// TakeDetachedStats returns and clears the stats of threads that detached
// since the last call.
func (s *DirtyQueueSet) TakeDetachedStats() RefineStats {
	s.detachedMu.Lock()
	st := s.detachedStats
	s.detachedStats.Reset()
	s.detachedMu.Unlock()
	return st
}
