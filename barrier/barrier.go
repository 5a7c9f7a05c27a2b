// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package barrier implements a generational post-write barrier over a
// card table, with per-thread card queues feeding a concurrent
// refinement pipeline.
//
// Each mutator thread attaches to a Set and calls WriteRef on its
// Thread for every reference store into the old generation. The barrier
// filters stores according to the configured cardq.FilterMode, records
// surviving cards in the thread's written-card queue, and relies on the
// cardq machinery to dirty cards and hand completed buffers to the
// refinement threads. With queueing disabled the barrier falls back to
// dirtying cards synchronously.
package barrier

import (
	"fmt"
	"sync"

	"github.com/mknyszek/refine-eval/cardq"
	"github.com/mknyszek/refine-eval/cardtable"
	"github.com/mknyszek/refine-eval/epoch"
)

// Config describes a barrier Set.
type Config struct {
	// HeapBytes is the size of the simulated heap backing the card
	// table. Must be a positive multiple of cardtable.RegionBytes.
	HeapBytes uintptr

	// Queues configures written-card queueing for attached threads.
	// If Queues.Enabled is false, WriteRef dirties cards synchronously
	// and no written-card queues exist.
	Queues cardq.Config

	// DirtyBufferCards is the capacity of pooled dirty-card buffers.
	DirtyBufferCards int

	// RefineCard is invoked for every card refined from dirty back to
	// clean, standing in for remembered set maintenance. May be nil.
	RefineCard func(cardtable.Index)
}

// Validate checks cfg for consistency.
func (cfg Config) Validate() error {
	if cfg.HeapBytes == 0 || cfg.HeapBytes%cardtable.RegionBytes != 0 {
		return fmt.Errorf("heap size %d must be a positive multiple of the region size", cfg.HeapBytes)
	}
	if cfg.Queues.Enabled {
		if err := cfg.Queues.Validate(); err != nil {
			return fmt.Errorf("written card queues: %w", err)
		}
	}
	if cfg.DirtyBufferCards <= 0 {
		return fmt.Errorf("dirty buffer capacity %d must be positive", cfg.DirtyBufferCards)
	}
	return nil
}

// Set is the shared barrier state: the card table, the queue sets, and
// the registry of attached threads.
type Set struct {
	ct     *cardtable.Table
	epochs *epoch.Counter
	wcqs   *cardq.WrittenQueueSet // nil when queueing is disabled
	dcqs   *cardq.DirtyQueueSet

	mu      sync.Mutex
	threads []*Thread
}

// NewSet creates a barrier Set from cfg.
func NewSet(cfg Config) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	epochs := epoch.NewCounter()
	ct := cardtable.NewTable(cfg.HeapBytes)
	s := &Set{
		ct:     ct,
		epochs: epochs,
		dcqs:   cardq.NewDirtyQueueSet(cardq.NewAllocator(epochs, cfg.DirtyBufferCards), ct, cfg.RefineCard),
	}
	if cfg.Queues.Enabled {
		alloc := cardq.NewAllocator(epochs, cfg.Queues.BufferCards)
		s.wcqs = cardq.NewWrittenQueueSet(cfg.Queues, alloc, ct, s.dcqs)
	}
	return s, nil
}

// Table returns the card table.
func (s *Set) Table() *cardtable.Table { return s.ct }

// Epochs returns the epoch counter protecting pooled buffers.
func (s *Set) Epochs() *epoch.Counter { return s.epochs }

// WrittenQueues returns the written-card queue set, or nil when
// queueing is disabled.
func (s *Set) WrittenQueues() *cardq.WrittenQueueSet { return s.wcqs }

// DirtyQueues returns the dirty-card queue set.
func (s *Set) DirtyQueues() *cardq.DirtyQueueSet { return s.dcqs }

// Thread is the per-mutator barrier state. A Thread is not safe for
// concurrent use; each mutator owns exactly one.
type Thread struct {
	set    *Set
	reader *epoch.Reader
	filter cardq.FilterMode
	wcq    *cardq.WrittenQueue // nil when queueing is disabled
	dcq    *cardq.DirtyQueue
	stats  cardq.RefineStats
}

// AttachThread registers a new mutator thread with s.
func (s *Set) AttachThread() *Thread {
	r := s.epochs.Register()
	t := &Thread{set: s, reader: r, dcq: s.dcqs.NewQueue(r)}
	if s.wcqs != nil {
		t.filter = s.wcqs.Config().Filter
		t.wcq = s.wcqs.NewQueue(r)
	}
	s.mu.Lock()
	s.threads = append(s.threads, t)
	s.mu.Unlock()
	return t
}

// DetachThread drains t's queues, folds its stats into the set's
// detached totals, and unregisters it. t must not be used afterwards.
func (s *Set) DetachThread(t *Thread) {
	if t.wcq != nil {
		t.wcq.MarkCardsDirty(t.dcq, &t.stats)
		t.wcq.Discard()
	}
	s.dcqs.FlushQueue(t.dcq)
	s.dcqs.RecordDetachedStats(t.stats)
	t.stats.Reset()

	s.mu.Lock()
	for i, u := range s.threads {
		if u == t {
			s.threads[i] = s.threads[len(s.threads)-1]
			s.threads[len(s.threads)-1] = nil
			s.threads = s.threads[:len(s.threads)-1]
			break
		}
	}
	s.mu.Unlock()
	t.reader.Unregister()
}

// Stats returns a snapshot of t's accumulated barrier stats.
func (t *Thread) Stats() cardq.RefineStats { return t.stats }

// WriteRef is the post-write barrier for a reference store to addr.
func (t *Thread) WriteRef(addr uintptr) {
	switch {
	case t.wcq == nil:
		t.dirtyCard(addr)
	case t.filter == cardq.FilterNone:
		// Unfiltered queues record raw addresses; cards are resolved
		// when the buffer is processed.
		t.wcq.Record(t.dcq, &t.stats, addr)
	case t.filter == cardq.FilterYoung:
		ci := t.set.ct.IndexFor(addr)
		if t.set.ct.Load(ci) == cardtable.YoungCard {
			return
		}
		t.wcq.Record(t.dcq, &t.stats, uintptr(ci))
	default: // cardq.FilterPrevious
		ci := uintptr(t.set.ct.IndexFor(addr))
		last := t.wcq.LastCard()
		if *last == ci {
			return
		}
		*last = ci
		t.wcq.Record(t.dcq, &t.stats, ci)
	}
}

// dirtyCard is the synchronous barrier path: skip young and
// already-dirty cards, otherwise dirty the card and enqueue it for
// refinement.
func (t *Thread) dirtyCard(addr uintptr) {
	s := t.set
	ci := s.ct.IndexFor(addr)
	v := s.ct.Load(ci)
	if v == cardtable.YoungCard {
		return
	}
	if v != cardtable.DirtyCard {
		s.ct.Set(ci, cardtable.DirtyCard)
		t.stats.DirtiedCards++
		if s.dcqs.Enqueue(t.dcq, uintptr(ci)) {
			s.dcqs.MutatorRefineCompletedBuffer(t.reader, &t.stats)
		}
	}
}

// Invalidate dirties every card covering [start, end) directly,
// bypassing the written-card queue. It serves bulk updates such as
// array copies. A range whose first card is young must lie entirely in
// the young generation and is skipped.
func (t *Thread) Invalidate(start, end uintptr) {
	if start >= end {
		return
	}
	s := t.set
	first := s.ct.IndexFor(start)
	last := s.ct.IndexFor(end - 1)
	if s.ct.Load(first) == cardtable.YoungCard {
		return
	}
	for ci := first; ci <= last; ci++ {
		v := s.ct.Load(ci)
		if v == cardtable.YoungCard {
			panic("young card in invalidated range")
		}
		if v != cardtable.DirtyCard {
			s.ct.Set(ci, cardtable.DirtyCard)
			t.stats.DirtiedCards++
			if s.dcqs.Enqueue(t.dcq, uintptr(ci)) {
				s.dcqs.MutatorRefineCompletedBuffer(t.reader, &t.stats)
			}
		}
	}
}
