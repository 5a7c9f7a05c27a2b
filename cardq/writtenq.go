// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import (
	"sync/atomic"

	"golang.org/x/sys/cpu"

	"github.com/mknyszek/refine-eval/cardtable"
	"github.com/mknyszek/refine-eval/epoch"
)

const (
	inlineSlots  = 36
	initialSlots = 2
)

// noMatchingCard doesn't match any valid card index. Under FilterPrevious
// it occupies the reserved last slot of a fresh buffer.
const noMatchingCard = ^uintptr(0)

// WrittenQueue collects written-card entries for one mutator thread. What
// an entry holds depends on the configured filter mode:
//
// FilterNone: the written address, with no filtering by the caller.
//
// FilterYoung: the card index for the written address; the caller filtered
// out writes to the young generation.
//
// FilterPrevious: the card index for the written address; the caller
// filtered out sequential writes to the same card. The buffer reserves one
// slot past the usable capacity holding the last recorded card index.
//
// The queue fills from the top down: index starts at the usable capacity,
// meaning empty, and moves toward zero.
type WrittenQueue struct {
	set    *WrittenQueueSet
	reader *epoch.Reader

	index   int
	inline  [inlineSlots]uintptr
	initial [initialSlots]uintptr
	node    *Node
}

func (q *WrittenQueue) rawBuffer() []uintptr {
	if q.set.cfg.Storage == StorageInline {
		return q.inline[:]
	}
	if q.node != nil {
		return q.node.slots
	}
	return q.initial[:]
}

func (q *WrittenQueue) currentCapacity() int {
	return len(q.rawBuffer()) - q.set.cfg.sizeAdjust()
}

func (q *WrittenQueue) Size() int     { return q.currentCapacity() - q.index }
func (q *WrittenQueue) IsEmpty() bool { return q.index == q.currentCapacity() }

// Reset discards the queue's contents without processing them. The last
// recorded card under FilterPrevious is kept as is.
func (q *WrittenQueue) Reset() {
	q.index = q.currentCapacity()
}

// LastCard returns the slot holding the last recorded card index. Only
// valid under FilterPrevious. The returned pointer goes stale when the
// queue's buffer is replaced, so callers must not hold it across Record.
func (q *WrittenQueue) LastCard() *uintptr {
	if q.set.cfg.Filter != FilterPrevious {
		panic("no last card slot without previous filtering")
	}
	raw := q.rawBuffer()
	return &raw[len(raw)-1]
}

// Record stores one entry, handling a full buffer first if necessary.
// Depending on configuration, full-buffer handling either converts the
// queue's entries to dirty cards through dcq or hands the buffer off to
// the queue set.
func (q *WrittenQueue) Record(dcq *DirtyQueue, stats *RefineStats, v uintptr) {
	for {
		if q.index > 0 {
			q.index--
			q.rawBuffer()[q.index] = v
			return
		}
		q.set.handleFullBuffer(q, dcq, stats)
	}
}

// MarkCardsDirty drains the queue's entries, converting them to dirty
// cards through dcq. Reports whether dcq flushed a completed buffer to its
// queue set as a side effect.
func (q *WrittenQueue) MarkCardsDirty(dcq *DirtyQueue, stats *RefineStats) bool {
	s := q.set
	raw := q.rawBuffer()
	idx := q.index
	if idx >= len(raw) {
		return false
	}
	written := raw[idx:]
	if s.cfg.Filter == FilterPrevious {
		// The last entry of the run is the reserved last-card slot.
		q.index = len(raw) - 1
		written = written[:len(written)-1]
	} else {
		q.index = len(raw)
	}
	return s.markCardsDirty(written, dcq, stats)
}

// Discard releases any pooled buffer and returns the queue to its initial
// empty state. The queue must be empty.
func (q *WrittenQueue) Discard() {
	if !q.IsEmpty() {
		panic("discarding non-empty written card queue")
	}
	if q.node != nil {
		q.set.alloc.Release(q.node)
		q.node = nil
	}
	q.init()
}

func (q *WrittenQueue) init() {
	cap := q.currentCapacity()
	q.index = cap
	if q.set.cfg.Filter == FilterPrevious {
		q.rawBuffer()[cap] = noMatchingCard
	}
}

// WrittenQueueSet is the shared side of written-card queueing: the pool of
// completed buffers awaiting deferred processing, and the conversion logic
// that turns written entries into dirty cards.
type WrittenQueueSet struct {
	cfg   Config
	alloc *Allocator
	ct    *cardtable.Table
	dcqs  *DirtyQueueSet

	mutatorShouldMarkCardsDirty atomic.Bool // No padding - rarely written.
	_                           cpu.CacheLinePad
	numCards                    atomic.Int64
	_                           cpu.CacheLinePad
	completed                   nodeStack
	_                           cpu.CacheLinePad
}

func NewWrittenQueueSet(cfg Config, alloc *Allocator, ct *cardtable.Table, dcqs *DirtyQueueSet) *WrittenQueueSet {
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return &WrittenQueueSet{cfg: cfg, alloc: alloc, ct: ct, dcqs: dcqs}
}

func (s *WrittenQueueSet) Config() Config { return s.cfg }

// NewQueue creates an empty queue for one thread. The reader identifies
// that thread to the epoch machinery guarding buffer reuse.
func (s *WrittenQueueSet) NewQueue(r *epoch.Reader) *WrittenQueue {
	q := &WrittenQueue{set: s, reader: r}
	q.init()
	return q
}

// NumCards is the number of card entries in completed buffers. Concurrent
// callers may observe a momentary overcount, never an undercount.
func (s *WrittenQueueSet) NumCards() int64 {
	return s.numCards.Load()
}

func (s *WrittenQueueSet) MutatorShouldMarkCardsDirty() bool {
	return s.mutatorShouldMarkCardsDirty.Load()
}

// SetMutatorShouldMarkCardsDirty switches full deferred-mode buffers
// between background hand-off and synchronous processing in the mutator.
// It is a hint, not a gate: in-flight hand-offs may still complete.
func (s *WrittenQueueSet) SetMutatorShouldMarkCardsDirty(v bool) {
	s.mutatorShouldMarkCardsDirty.Store(v)
}

func (s *WrittenQueueSet) enqueueCompletedBuffer(n *Node) {
	// Increment the count before pushing, so the count is always at least
	// actual and the decrement during take never underflows.
	s.numCards.Add(int64(n.Size()))
	s.completed.Push(n)
}

func (s *WrittenQueueSet) takeCompletedBuffer(r *epoch.Reader) *Node {
	r.Enter()
	n := s.completed.Pop()
	r.Exit()
	if n != nil {
		s.numCards.Add(-int64(n.Size()))
	}
	return n
}

// MarkCardsDirty takes one completed buffer from the set and converts its
// entries to dirty cards through dcq. Reports whether a buffer was
// processed.
func (s *WrittenQueueSet) MarkCardsDirty(r *epoch.Reader, dcq *DirtyQueue, stats *RefineStats) bool {
	n := s.takeCompletedBuffer(r)
	if n == nil {
		return false
	}
	if n.Empty() {
		panic("empty completed written buffer")
	}
	written := n.slots[n.index:]
	if s.cfg.Filter == FilterPrevious {
		written = written[:len(written)-1]
	}
	s.markCardsDirty(written, dcq, stats)
	s.alloc.Release(n)
	return true
}

// AbandonCompletedBuffers discards all completed buffers. It must only run
// while every thread that could touch the set is stopped.
func (s *WrittenQueueSet) AbandonCompletedBuffers() {
	for n := s.completed.PopAll(); n != nil; {
		next := n.next.Load()
		s.alloc.Release(n)
		n = next
	}
	s.numCards.Store(0)
}

// markCardsDirty applies the filter transform to a run of written entries
// and enqueues the clean->dirty transitions into dcq. Entries recorded
// under FilterYoung and FilterPrevious are already card indexes; only
// FilterNone entries need transforming here.
func (s *WrittenQueueSet) markCardsDirty(written []uintptr, dcq *DirtyQueue, stats *RefineStats) bool {
	if s.cfg.Filter == FilterNone {
		written = collapseWrittenAddrs(written, stats)
	}
	if len(written) == 0 {
		return false
	}
	return s.enqueueCleanCards(written, dcq, stats)
}

// collapseWrittenAddrs transforms written addresses into card indexes in
// place, dropping sequential runs of the same card.
func collapseWrittenAddrs(written []uintptr, stats *RefineStats) []uintptr {
	previous := noMatchingCard
	kept := 0
	for _, a := range written {
		card := a >> cardtable.CardShift
		if card == previous {
			continue
		}
		previous = card
		written[kept] = card
		kept++
	}
	stats.WrittenCardsFiltered += len(written) - kept
	return written[:kept]
}

// enqueueCleanCards marks each clean card dirty and appends it to dcq,
// bulk-appending while dcq has room and falling back to the generic
// enqueue when it fills. Reports whether dcq flushed a completed buffer.
func (s *WrittenQueueSet) enqueueCleanCards(cards []uintptr, dcq *DirtyQueue, stats *RefineStats) bool {
	flushed := false
	dirtied, filtered := 0, 0
	buf, idx := dcq.buffer(), dcq.index
	for _, c := range cards {
		ci := cardtable.Index(c)
		// Claim the card with a single transition; a card that stopped
		// being clean since it was recorded stays whatever it is now.
		if !s.ct.TryTransition(ci, cardtable.CleanCard, cardtable.DirtyCard) {
			filtered++
			continue
		}
		dirtied++
		if idx > 0 {
			// Bulk append with the index update deferred. This knows the
			// dirty queue's layout; the generic enqueue is the slow path.
			idx--
			buf[idx] = c
		} else {
			dcq.index = idx
			if s.dcqs.Enqueue(dcq, c) {
				flushed = true
			}
			buf, idx = dcq.buffer(), dcq.index
		}
	}
	stats.WrittenCardsDirtied += dirtied
	stats.WrittenCardsFiltered += filtered
	// Finish recent bulk appends.
	dcq.index = idx
	return flushed
}

// handleFullBuffer makes room in a full queue. Inline storage and
// non-deferred indirect storage convert the buffer's entries to dirty
// cards on the spot. Deferred indirect storage hands the buffer wholesale
// to the set and installs a fresh one, unless mutators are currently
// required to dirty cards themselves.
func (s *WrittenQueueSet) handleFullBuffer(q *WrittenQueue, dcq *DirtyQueue, stats *RefineStats) {
	if q.index != 0 {
		panic("written card queue not full")
	}
	switch {
	case s.cfg.Storage == StorageInline:
		s.handleFullImmediate(q, q.inline[:], dcq, stats)
	case s.cfg.DeferDirtying:
		s.handleFullDeferred(q, dcq, stats)
	default:
		s.handleFullIndirect(q, dcq, stats)
	}
}

func (s *WrittenQueueSet) handleFullIndirect(q *WrittenQueue, dcq *DirtyQueue, stats *RefineStats) {
	if s.upgradeInitialBuffer(q) {
		return
	}
	s.handleFullImmediate(q, q.node.slots, dcq, stats)
}

func (s *WrittenQueueSet) handleFullImmediate(q *WrittenQueue, raw []uintptr, dcq *DirtyQueue, stats *RefineStats) {
	bufsize := len(raw) - s.cfg.sizeAdjust()
	stats.WrittenCards += bufsize
	q.index = bufsize
	// The stores being tracked must happen-before the conditional dirty
	// marking; the card table's atomics order them.
	if s.markCardsDirty(raw[:bufsize], dcq, stats) {
		s.dcqs.MutatorRefineCompletedBuffer(q.reader, stats)
	}
}

func (s *WrittenQueueSet) handleFullDeferred(q *WrittenQueue, dcq *DirtyQueue, stats *RefineStats) {
	if s.MutatorShouldMarkCardsDirty() {
		s.handleFullIndirect(q, dcq, stats)
		return
	}
	if s.upgradeInitialBuffer(q) {
		return
	}
	newNode := s.alloc.Allocate(q.reader)
	bufsize := newNode.Capacity() - s.cfg.sizeAdjust()
	old := q.node
	old.SetIndex(0)
	stats.WrittenCards += old.Size()
	s.enqueueCompletedBuffer(old)
	q.node = newNode
	q.index = bufsize
	if s.cfg.Filter == FilterPrevious {
		newNode.slots[bufsize] = noMatchingCard
	}
}

// upgradeInitialBuffer moves an indirect queue off its initial array and
// onto a pooled buffer, preserving the array's contents at the tail. Under
// FilterPrevious that lands the last-card slot in the new buffer's
// reserved position. Reports whether an upgrade happened.
func (s *WrittenQueueSet) upgradeInitialBuffer(q *WrittenQueue) bool {
	if q.node != nil {
		return false
	}
	n := s.alloc.Allocate(q.reader)
	idx := n.Capacity() - initialSlots
	copy(n.slots[idx:], q.initial[:])
	q.node = n
	q.index = idx
	return true
}
