// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import "time"

// RefineStats counts refinement processing for one thread, or sums of it
// across threads. It is a plain value: add and subtract are field-wise.
type RefineStats struct {
	// RefinementTime is time spent refining dirty cards.
	RefinementTime time.Duration

	// RefinedCards counts cards scanned by refinement.
	RefinedCards int

	// PrecleanedCards counts cards skipped by refinement because some
	// other thread already processed them.
	PrecleanedCards int

	// DirtiedCards counts cards marked dirty outside the written-card
	// pipeline, by the synchronous barrier or by range invalidation.
	DirtiedCards int

	// WrittenCardsTime is time spent converting written cards to dirty
	// cards in background threads.
	WrittenCardsTime time.Duration

	// WrittenCardsDirtied counts written cards whose card was clean and
	// became dirty.
	WrittenCardsDirtied int

	// WrittenCardsFiltered counts written cards dropped by filtering,
	// either as duplicates or because the card was not clean.
	WrittenCardsFiltered int

	// WrittenCards counts entries recorded into written-card queues, as
	// observed when their buffers were handed off or drained.
	WrittenCards int
}

func (s *RefineStats) Add(o RefineStats) {
	s.RefinementTime += o.RefinementTime
	s.RefinedCards += o.RefinedCards
	s.PrecleanedCards += o.PrecleanedCards
	s.DirtiedCards += o.DirtiedCards
	s.WrittenCardsTime += o.WrittenCardsTime
	s.WrittenCardsDirtied += o.WrittenCardsDirtied
	s.WrittenCardsFiltered += o.WrittenCardsFiltered
	s.WrittenCards += o.WrittenCards
}

func (s *RefineStats) Sub(o RefineStats) {
	s.RefinementTime -= o.RefinementTime
	s.RefinedCards -= o.RefinedCards
	s.PrecleanedCards -= o.PrecleanedCards
	s.DirtiedCards -= o.DirtiedCards
	s.WrittenCardsTime -= o.WrittenCardsTime
	s.WrittenCardsDirtied -= o.WrittenCardsDirtied
	s.WrittenCardsFiltered -= o.WrittenCardsFiltered
	s.WrittenCards -= o.WrittenCards
}

func (s *RefineStats) Reset() {
	*s = RefineStats{}
}

// WrittenCardsProcessed is the number of written cards that completed
// processing, whether dirtied or filtered.
func (s RefineStats) WrittenCardsProcessed() int {
	return s.WrittenCardsDirtied + s.WrittenCardsFiltered
}

// RefinementRate is refined cards per millisecond, or 0 with no time data.
func (s RefineStats) RefinementRate() float64 {
	ms := float64(s.RefinementTime) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return float64(s.RefinedCards) / ms
}

// WrittenCardsRate is processed written cards per millisecond, or 0 with
// no time data.
func (s RefineStats) WrittenCardsRate() float64 {
	ms := float64(s.WrittenCardsTime) / float64(time.Millisecond)
	if ms <= 0 {
		return 0
	}
	return float64(s.WrittenCardsProcessed()) / ms
}
