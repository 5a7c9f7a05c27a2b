// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq_test

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mknyszek/refine-eval/cardq"
	"github.com/mknyszek/refine-eval/cardtable"
	"github.com/mknyszek/refine-eval/epoch"
)

type qworld struct {
	epochs *epoch.Counter
	table  *cardtable.Table
	wcqs   *cardq.WrittenQueueSet
	dcqs   *cardq.DirtyQueueSet
}

func newQworld(cfg cardq.Config, heapBytes uintptr, refineCard func(cardtable.Index)) *qworld {
	epochs := epoch.NewCounter()
	table := cardtable.NewTable(heapBytes)
	dcqs := cardq.NewDirtyQueueSet(cardq.NewAllocator(epochs, 64), table, refineCard)
	wcqs := cardq.NewWrittenQueueSet(cfg, cardq.NewAllocator(epochs, cfg.BufferCards), table, dcqs)
	return &qworld{epochs, table, wcqs, dcqs}
}

func TestRecordInlineOverflow(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	if !q.IsEmpty() {
		t.Fatalf("fresh queue not empty: size %d", q.Size())
	}

	// Record distinct cards until the buffer overflows and converts.
	n := 0
	for stats.WrittenCards == 0 {
		q.Record(dcq, &stats, uintptr(n)*cardtable.CardBytes)
		n++
	}
	if n != 37 {
		t.Errorf("inline capacity: got %d, want 36", n-1)
	}
	// The overflow converted everything but the entry just recorded.
	if got := q.Size(); got != 1 {
		t.Errorf("size after overflow: got %d, want 1", got)
	}
	if got := stats.WrittenCards; got != n-1 {
		t.Errorf("written cards: got %d, want %d", got, n-1)
	}
	if got := stats.WrittenCardsDirtied; got != n-1 {
		t.Errorf("dirtied: got %d, want %d", got, n-1)
	}
	if got := stats.WrittenCardsFiltered; got != 0 {
		t.Errorf("filtered: got %d, want 0", got)
	}
	for i := 0; i < n-1; i++ {
		if got := w.table.Load(cardtable.Index(i)); got != cardtable.DirtyCard {
			t.Errorf("card %d: got %v, want dirty", i, got)
		}
	}
	// The last entry is still queued.
	if got := w.table.Load(cardtable.Index(n - 1)); got != cardtable.CleanCard {
		t.Errorf("card %d: got %v, want clean", n-1, got)
	}
	if got := dcq.Size(); got != n-1 {
		t.Errorf("dirty queue size: got %d, want %d", got, n-1)
	}
}

func TestRecordCollapsesSameCard(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	// 36 writes, all landing in card 5.
	for i := 0; i < 36; i++ {
		q.Record(dcq, &stats, 5*cardtable.CardBytes+uintptr(i))
	}
	q.Record(dcq, &stats, 6*cardtable.CardBytes)

	if got := stats.WrittenCards; got != 36 {
		t.Errorf("written cards: got %d, want 36", got)
	}
	if got := stats.WrittenCardsDirtied; got != 1 {
		t.Errorf("dirtied: got %d, want 1", got)
	}
	if got := stats.WrittenCardsFiltered; got != 35 {
		t.Errorf("filtered: got %d, want 35", got)
	}
	if got := w.table.Load(5); got != cardtable.DirtyCard {
		t.Errorf("card 5: got %v, want dirty", got)
	}
	if got := w.table.Load(6); got != cardtable.CleanCard {
		t.Errorf("card 6: got %v, want clean", got)
	}
}

func TestRecordSkipsNonCleanCards(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	w.table.Set(3, cardtable.DirtyCard)
	w.table.Set(7, cardtable.YoungCard)

	// Under young filtering the queue holds card indexes directly.
	for i := 0; i < 36; i++ {
		q.Record(dcq, &stats, uintptr(i))
	}
	q.Record(dcq, &stats, 100)

	if got := stats.WrittenCardsDirtied; got != 34 {
		t.Errorf("dirtied: got %d, want 34", got)
	}
	if got := stats.WrittenCardsFiltered; got != 2 {
		t.Errorf("filtered: got %d, want 2", got)
	}
	if got := w.table.Load(7); got != cardtable.YoungCard {
		t.Errorf("card 7: got %v, want young", got)
	}
}

func TestPreviousLastCardSurvivesRefill(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterPrevious, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	if got := *q.LastCard(); got != ^uintptr(0) {
		t.Fatalf("fresh last card: got %#x, want no-match", got)
	}

	// One slot is reserved for the last card, leaving 35 usable.
	for i := 0; i < 35; i++ {
		*q.LastCard() = uintptr(i)
		q.Record(dcq, &stats, uintptr(i))
	}
	if got := q.Size(); got != 35 {
		t.Fatalf("size when full: got %d, want 35", got)
	}
	*q.LastCard() = 100
	q.Record(dcq, &stats, 100)

	if got := stats.WrittenCards; got != 35 {
		t.Errorf("written cards: got %d, want 35", got)
	}
	if got := stats.WrittenCardsDirtied; got != 35 {
		t.Errorf("dirtied: got %d, want 35", got)
	}
	if got := q.Size(); got != 1 {
		t.Errorf("size after refill: got %d, want 1", got)
	}
	if got := *q.LastCard(); got != 100 {
		t.Errorf("last card lost across refill: got %d, want 100", got)
	}
}

func TestLastCardPanicsWithoutPreviousFilter(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)

	defer func() {
		if recover() == nil {
			t.Errorf("no panic for LastCard without previous filtering")
		}
	}()
	q.LastCard()
}

func TestIndirectUpgrade(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageIndirect, BufferCards: 8}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	// The initial buffer holds 2 entries; the third triggers an upgrade
	// to a pooled buffer, converting nothing.
	for i := 0; i < 3; i++ {
		q.Record(dcq, &stats, uintptr(i)*cardtable.CardBytes)
	}
	if got := q.Size(); got != 3 {
		t.Fatalf("size after upgrade: got %d, want 3", got)
	}
	if stats.WrittenCards != 0 {
		t.Errorf("upgrade converted entries: written cards %d", stats.WrittenCards)
	}

	// Fill the pooled buffer and overflow it.
	for i := 3; i < 8; i++ {
		q.Record(dcq, &stats, uintptr(i)*cardtable.CardBytes)
	}
	q.Record(dcq, &stats, 8*cardtable.CardBytes)
	if got := stats.WrittenCards; got != 8 {
		t.Errorf("written cards: got %d, want 8", got)
	}
	if got := stats.WrittenCardsDirtied; got != 8 {
		t.Errorf("dirtied: got %d, want 8", got)
	}
	if got := q.Size(); got != 1 {
		t.Errorf("size after overflow: got %d, want 1", got)
	}
}

func TestPreviousUpgradeKeepsLastCard(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterPrevious, Storage: cardq.StorageIndirect, BufferCards: 8}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	// The initial buffer holds a single entry beside the last-card slot.
	*q.LastCard() = 5
	q.Record(dcq, &stats, 5)
	if got := q.Size(); got != 1 {
		t.Fatalf("size: got %d, want 1", got)
	}
	*q.LastCard() = 6
	q.Record(dcq, &stats, 6)

	if got := q.Size(); got != 2 {
		t.Errorf("size after upgrade: got %d, want 2", got)
	}
	if got := *q.LastCard(); got != 6 {
		t.Errorf("last card lost across upgrade: got %d, want 6", got)
	}
	if stats.WrittenCards != 0 {
		t.Errorf("upgrade converted entries: written cards %d", stats.WrittenCards)
	}
}

func TestDeferredHandOff(t *testing.T) {
	cfg := cardq.Config{
		Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageIndirect,
		DeferDirtying: true, BufferCards: 8,
	}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	for i := 0; i < 8; i++ {
		q.Record(dcq, &stats, uintptr(i)*cardtable.CardBytes)
	}
	if got := w.wcqs.NumCards(); got != 0 {
		t.Fatalf("completed cards before overflow: got %d, want 0", got)
	}
	q.Record(dcq, &stats, 8*cardtable.CardBytes)

	if got := w.wcqs.NumCards(); got != 8 {
		t.Fatalf("completed cards: got %d, want 8", got)
	}
	if got := stats.WrittenCards; got != 8 {
		t.Errorf("written cards: got %d, want 8", got)
	}
	if stats.WrittenCardsDirtied != 0 {
		t.Errorf("deferred hand-off dirtied %d cards", stats.WrittenCardsDirtied)
	}
	for i := 0; i < 9; i++ {
		if got := w.table.Load(cardtable.Index(i)); got != cardtable.CleanCard {
			t.Errorf("card %d before conversion: got %v, want clean", i, got)
		}
	}

	// Background conversion of the handed-off buffer.
	var bg cardq.RefineStats
	if !w.wcqs.MarkCardsDirty(r, dcq, &bg) {
		t.Fatalf("no completed buffer to process")
	}
	if got := w.wcqs.NumCards(); got != 0 {
		t.Errorf("completed cards after conversion: got %d, want 0", got)
	}
	if got := bg.WrittenCardsDirtied; got != 8 {
		t.Errorf("background dirtied: got %d, want 8", got)
	}
	for i := 0; i < 8; i++ {
		if got := w.table.Load(cardtable.Index(i)); got != cardtable.DirtyCard {
			t.Errorf("card %d after conversion: got %v, want dirty", i, got)
		}
	}
	if w.wcqs.MarkCardsDirty(r, dcq, &bg) {
		t.Errorf("processed a buffer that should not exist")
	}
}

func TestDeferredMutatorOverride(t *testing.T) {
	cfg := cardq.Config{
		Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageIndirect,
		DeferDirtying: true, BufferCards: 8,
	}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	w.wcqs.SetMutatorShouldMarkCardsDirty(true)
	for i := 0; i < 9; i++ {
		q.Record(dcq, &stats, uintptr(i)*cardtable.CardBytes)
	}

	// With the override set, the full buffer converts in place instead of
	// handing off.
	if got := w.wcqs.NumCards(); got != 0 {
		t.Errorf("completed cards: got %d, want 0", got)
	}
	if got := stats.WrittenCardsDirtied; got != 8 {
		t.Errorf("dirtied: got %d, want 8", got)
	}
}

func TestDeferredHandOffResetsLastCard(t *testing.T) {
	cfg := cardq.Config{
		Enabled: true, Filter: cardq.FilterPrevious, Storage: cardq.StorageIndirect,
		DeferDirtying: true, BufferCards: 8,
	}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	for c := uintptr(1); c <= 7; c++ {
		*q.LastCard() = c
		q.Record(dcq, &stats, c)
	}
	*q.LastCard() = 9
	q.Record(dcq, &stats, 9)

	// The hand-off swapped in a fresh buffer, so the last card is gone
	// and a repeated write to card 9 would be recorded again.
	if got := *q.LastCard(); got != ^uintptr(0) {
		t.Errorf("last card after hand-off: got %#x, want no-match", got)
	}
	// The reserved slot rides along in the handed-off buffer's count.
	if got := stats.WrittenCards; got != 8 {
		t.Errorf("written cards: got %d, want 8", got)
	}
	if got := w.wcqs.NumCards(); got != 8 {
		t.Errorf("completed cards: got %d, want 8", got)
	}

	var bg cardq.RefineStats
	if !w.wcqs.MarkCardsDirty(r, dcq, &bg) {
		t.Fatalf("no completed buffer to process")
	}
	if got := bg.WrittenCardsDirtied; got != 7 {
		t.Errorf("background dirtied: got %d, want 7", got)
	}
	if got := w.wcqs.NumCards(); got != 0 {
		t.Errorf("completed cards after conversion: got %d, want 0", got)
	}
	if got := w.table.Load(9); got != cardtable.CleanCard {
		t.Errorf("card 9: got %v, want clean", got)
	}
}

func TestQueueDrainResetDiscard(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageIndirect, BufferCards: 8}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	for c := uintptr(1); c <= 3; c++ {
		q.Record(dcq, &stats, c)
	}
	if q.MarkCardsDirty(dcq, &stats) {
		t.Errorf("drain reported a dirty queue flush")
	}
	if !q.IsEmpty() {
		t.Errorf("queue not empty after drain: size %d", q.Size())
	}
	if got := stats.WrittenCardsDirtied; got != 3 {
		t.Errorf("dirtied: got %d, want 3", got)
	}
	if q.MarkCardsDirty(dcq, &stats) {
		t.Errorf("drained an empty queue")
	}

	// Reset throws queued entries away.
	q.Record(dcq, &stats, 10)
	q.Record(dcq, &stats, 11)
	q.Reset()
	if !q.IsEmpty() {
		t.Errorf("queue not empty after reset: size %d", q.Size())
	}
	if got := w.table.Load(10); got != cardtable.CleanCard {
		t.Errorf("card 10 dirtied by reset: got %v", got)
	}

	// Discard drops the pooled buffer and the queue keeps working.
	q.Discard()
	q.Record(dcq, &stats, 12)
	if got := q.Size(); got != 1 {
		t.Errorf("size after discard and record: got %d, want 1", got)
	}
}

func TestDiscardNonEmptyPanics(t *testing.T) {
	cfg := cardq.Config{Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageInline, BufferCards: 64}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats
	q.Record(dcq, &stats, 1)

	defer func() {
		if recover() == nil {
			t.Errorf("no panic discarding a non-empty queue")
		}
	}()
	q.Discard()
}

func TestAbandonCompletedBuffers(t *testing.T) {
	cfg := cardq.Config{
		Enabled: true, Filter: cardq.FilterNone, Storage: cardq.StorageIndirect,
		DeferDirtying: true, BufferCards: 8,
	}
	w := newQworld(cfg, cardtable.RegionBytes, nil)
	r := w.epochs.Register()
	defer r.Unregister()
	q := w.wcqs.NewQueue(r)
	dcq := w.dcqs.NewQueue(r)
	var stats cardq.RefineStats

	for i := 0; i < 20; i++ {
		q.Record(dcq, &stats, uintptr(i)*cardtable.CardBytes)
	}
	if got := w.wcqs.NumCards(); got == 0 {
		t.Fatalf("no completed buffers to abandon")
	}
	w.wcqs.AbandonCompletedBuffers()
	if got := w.wcqs.NumCards(); got != 0 {
		t.Errorf("completed cards after abandon: got %d, want 0", got)
	}
	if w.wcqs.MarkCardsDirty(r, dcq, &stats) {
		t.Errorf("processed an abandoned buffer")
	}
}

func TestConcurrentHandOffRoundTrip(t *testing.T) {
	const (
		producers   = 4
		perProducer = 4096
		consumers   = 2
		total       = producers * perProducer
	)
	cfg := cardq.Config{
		Enabled: true, Filter: cardq.FilterYoung, Storage: cardq.StorageIndirect,
		DeferDirtying: true, BufferCards: 16,
	}
	var refined atomic.Int64
	w := newQworld(cfg, 8*cardtable.RegionBytes, func(cardtable.Index) { refined.Add(1) })
	if got := w.table.NumCards(); got != total {
		t.Fatalf("table cards: got %d, want %d", got, total)
	}

	readers := make([]*epoch.Reader, producers)
	queues := make([]*cardq.WrittenQueue, producers)
	prodDcqs := make([]*cardq.DirtyQueue, producers)
	prodStats := make([]cardq.RefineStats, producers)
	for i := range queues {
		readers[i] = w.epochs.Register()
		queues[i] = w.wcqs.NewQueue(readers[i])
		prodDcqs[i] = w.dcqs.NewQueue(readers[i])
	}
	defer func() {
		for _, r := range readers {
			r.Unregister()
		}
	}()

	// The completed-card count must never dip below zero, even
	// transiently.
	var negSeen atomic.Bool
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			if w.wcqs.NumCards() < 0 || w.dcqs.NumCards() < 0 {
				negSeen.Store(true)
				return
			}
			runtime.Gosched()
		}
	}()

	var wg sync.WaitGroup
	done := make(chan struct{})
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Distinct cards per producer, so every record dirties.
			base := uintptr(i * perProducer)
			for j := 0; j < perProducer; j++ {
				queues[i].Record(prodDcqs[i], &prodStats[i], base+uintptr(j))
			}
		}(i)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	consStats := make(chan cardq.RefineStats, consumers)
	consDcqs := make([]*cardq.DirtyQueue, consumers)
	consReaders := make([]*epoch.Reader, consumers)
	for i := range consDcqs {
		consReaders[i] = w.epochs.Register()
		consDcqs[i] = w.dcqs.NewQueue(consReaders[i])
	}
	defer func() {
		for _, r := range consReaders {
			r.Unregister()
		}
	}()
	for i := 0; i < consumers; i++ {
		go func(i int) {
			var stats cardq.RefineStats
			for {
				if w.wcqs.MarkCardsDirty(consReaders[i], consDcqs[i], &stats) {
					continue
				}
				select {
				case <-done:
					// Sweep anything published before done.
					for w.wcqs.MarkCardsDirty(consReaders[i], consDcqs[i], &stats) {
					}
					consStats <- stats
					return
				default:
					runtime.Gosched()
				}
			}
		}(i)
	}

	var all cardq.RefineStats
	for i := 0; i < consumers; i++ {
		all.Add(<-consStats)
	}
	close(stop)
	if negSeen.Load() {
		t.Errorf("card count went negative")
	}
	for i := range prodStats {
		all.Add(prodStats[i])
	}

	// Drain what never left the per-thread queues.
	mainR := w.epochs.Register()
	defer mainR.Unregister()
	mainDcq := w.dcqs.NewQueue(mainR)
	for _, q := range queues {
		q.MarkCardsDirty(mainDcq, &all)
	}
	if got := w.wcqs.NumCards(); got != 0 {
		t.Errorf("completed written cards left over: %d", got)
	}
	if got := all.WrittenCardsProcessed(); got != total {
		t.Errorf("processed: got %d, want %d", got, total)
	}
	if got := all.WrittenCardsFiltered; got != 0 {
		t.Errorf("filtered: got %d, want 0", got)
	}
	if got := all.WrittenCardsDirtied; got != total {
		t.Errorf("dirtied: got %d, want %d", got, total)
	}

	// Every dirtied card is sitting in some dirty queue or buffer.
	// Refining them all must visit each exactly once.
	for _, dcq := range prodDcqs {
		w.dcqs.FlushQueue(dcq)
	}
	for _, dcq := range consDcqs {
		w.dcqs.FlushQueue(dcq)
	}
	w.dcqs.FlushQueue(mainDcq)
	if got := w.dcqs.NumCards(); got != total {
		t.Errorf("pending dirty cards: got %d, want %d", got, total)
	}
	var refStats cardq.RefineStats
	for w.dcqs.Refine(mainR, &refStats) {
	}
	if got := refStats.RefinedCards; got != total {
		t.Errorf("refined: got %d, want %d", got, total)
	}
	if got := refStats.PrecleanedCards; got != 0 {
		t.Errorf("precleaned: got %d, want 0", got)
	}
	if got := refined.Load(); got != total {
		t.Errorf("refinement callbacks: got %d, want %d", got, total)
	}
	for _, i := range []cardtable.Index{0, 1, cardtable.Index(total / 2), cardtable.Index(total - 1)} {
		if got := w.table.Load(i); got != cardtable.CleanCard {
			t.Errorf("card %d after refinement: got %v, want clean", i, got)
		}
	}
}
