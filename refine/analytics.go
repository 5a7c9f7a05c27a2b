// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package refine

import "sync"

// historyWeight is how much of the previous decaying average survives a
// new sample.
const historyWeight = 0.7

type seq struct {
	davg float64
	n    int
}

func (s *seq) add(v float64) {
	if s.n == 0 {
		s.davg = v
	} else {
		s.davg = (1-historyWeight)*v + historyWeight*s.davg
	}
	s.n++
}

// predict returns the decaying average, or 0 with no samples. Callers
// treat 0 as "no data yet".
func (s *seq) predict() float64 {
	return s.davg
}

// Analytics tracks decaying averages of the rates the refinement
// estimator works from. Samples arrive from collection pauses and from
// refinement workers; predictions are read by the estimator. All rates
// are per millisecond.
type Analytics struct {
	mu sync.Mutex

	allocRate        seq // regions allocated
	writtenCardsRate seq // cards recorded by mutators
	dirtiedCardsRate seq // cards dirtied
	dirtyingRate     seq // written cards converted, per worker
	refineRate       seq // cards refined, per worker
}

func NewAnalytics() *Analytics {
	return &Analytics{}
}

func (a *Analytics) ReportAllocRate(v float64) {
	a.mu.Lock()
	a.allocRate.add(v)
	a.mu.Unlock()
}

func (a *Analytics) PredictAllocRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocRate.predict()
}

func (a *Analytics) ReportWrittenCardsRate(v float64) {
	a.mu.Lock()
	a.writtenCardsRate.add(v)
	a.mu.Unlock()
}

func (a *Analytics) PredictWrittenCardsRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writtenCardsRate.predict()
}

func (a *Analytics) ReportDirtiedCardsRate(v float64) {
	a.mu.Lock()
	a.dirtiedCardsRate.add(v)
	a.mu.Unlock()
}

func (a *Analytics) PredictDirtiedCardsRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirtiedCardsRate.predict()
}

func (a *Analytics) ReportConcurrentDirtyingRate(v float64) {
	a.mu.Lock()
	a.dirtyingRate.add(v)
	a.mu.Unlock()
}

func (a *Analytics) PredictConcurrentDirtyingRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirtyingRate.predict()
}

func (a *Analytics) ReportConcurrentRefineRate(v float64) {
	a.mu.Lock()
	a.refineRate.add(v)
	a.mu.Unlock()
}

func (a *Analytics) PredictConcurrentRefineRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refineRate.predict()
}
