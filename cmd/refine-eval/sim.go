// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mknyszek/refine-eval/barrier"
	"github.com/mknyszek/refine-eval/cardq"
	"github.com/mknyszek/refine-eval/cardtable"
	"github.com/mknyszek/refine-eval/refine"
)

// simResult aggregates the stats of one scenario run, bucketed by who
// did the work.
type simResult struct {
	Mutator    cardq.RefineStats // collected from the mutator threads at each collection
	FlushLogs  cardq.RefineStats // safepoint queue flushing
	Concurrent cardq.RefineStats // background refinement workers
	Collection cardq.RefineStats // dirty cards drained by the collections themselves
	MaxBacklog int64             // written-card backlog high-water mark, sampled at collections
	Threads    int               // the estimator's final worker count
}

func (r simResult) written() int {
	return r.Mutator.WrittenCards + r.FlushLogs.WrittenCards
}

func (r simResult) mutatorDirtied() int {
	return r.Mutator.DirtiedCards + r.Mutator.WrittenCardsDirtied
}

func (r simResult) concurrentDirtied() int {
	return r.Concurrent.WrittenCardsDirtied
}

func (r simResult) flushDirtied() int {
	return r.FlushLogs.WrittenCardsDirtied
}

func (r simResult) filtered() int {
	return r.Mutator.WrittenCardsFiltered + r.FlushLogs.WrittenCardsFiltered + r.Concurrent.WrittenCardsFiltered
}

func (r simResult) precleaned() int {
	return r.Mutator.PrecleanedCards + r.Concurrent.PrecleanedCards + r.Collection.PrecleanedCards
}

// runScenario simulates sc against setup: mutator goroutines hammer the
// write barrier while collections run on a fixed cadence, flushing the
// queues and rotating the young window. Concurrent refinement is paced
// by the threads-needed estimator throughout.
func runScenario(setup Setup, sc Scenario) (simResult, error) {
	s, err := barrier.NewSet(barrier.Config{
		HeapBytes:        uintptr(sc.HeapRegions) * cardtable.RegionBytes,
		Queues:           setup.Queues,
		DirtyBufferCards: 256,
		RefineCard:       func(cardtable.Index) {},
	})
	if err != nil {
		return simResult{}, err
	}

	period := time.Duration(sc.CollectionPeriodMS) * time.Millisecond
	windowBytes := uintptr(sc.YoungRegions) * cardtable.RegionBytes

	// The allocation headroom drains linearly over each collection cycle.
	var cycleStart atomic.Int64
	cycleStart.Store(time.Now().UnixNano())
	availableBytes := func() uintptr {
		frac := 1 - float64(time.Since(time.Unix(0, cycleStart.Load())))/float64(period)
		if frac < 0 {
			frac = 0
		}
		return uintptr(frac * float64(windowBytes))
	}

	an := refine.NewAnalytics()
	an.ReportAllocRate(float64(sc.YoungRegions) / float64(sc.CollectionPeriodMS))

	ctl, err := refine.Start(refine.Config{
		UpdatePeriod:     time.Duration(sc.UpdatePeriodMS) * time.Millisecond,
		MaxWorkers:       sc.MaxWorkers,
		TargetDirtyCards: sc.TargetDirtyCards,
		AvailableBytes:   availableBytes,
	}, s.Epochs(), s.WrittenQueues(), s.DirtyQueues(), an)
	if err != nil {
		return simResult{}, err
	}

	// The young window starts at region zero and rotates at every
	// collection. Mutators reread it each batch.
	var youngStart atomic.Int64
	for r := 0; r < sc.YoungRegions; r++ {
		s.Table().MarkRegionYoung(r)
	}

	// Mutators take the gate shared for every write batch; collections
	// take it exclusively.
	var (
		gate sync.RWMutex
		stop atomic.Bool
		g    errgroup.Group
	)
	for m := 0; m < sc.Mutators; m++ {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(uint64(m), uint64(m)))
			thr := s.AttachThread()
			var lastAddr uintptr
			batches := 0
			for !stop.Load() {
				gate.RLock()
				w := int(youngStart.Load())
				for i := 0; i < sc.WriteBatch; i++ {
					var addr uintptr
					switch {
					case lastAddr != 0 && rng.Float64() < sc.Locality:
						addr = lastAddr
					case rng.Float64() < sc.YoungFrac:
						r := w + rng.IntN(sc.YoungRegions)
						addr = uintptr(r)*cardtable.RegionBytes + uintptr(rng.IntN(cardtable.RegionBytes))
					default:
						r := rng.IntN(sc.HeapRegions - sc.YoungRegions)
						if r >= w {
							r += sc.YoungRegions
						}
						addr = uintptr(r)*cardtable.RegionBytes + uintptr(rng.IntN(cardtable.RegionBytes))
					}
					thr.WriteRef(addr)
					lastAddr = addr
				}
				batches++
				if sc.InvalidateEvery > 0 && batches%sc.InvalidateEvery == 0 {
					// A bulk update of up to 32 cards in one old region.
					r := rng.IntN(sc.HeapRegions - sc.YoungRegions)
					if r >= w {
						r += sc.YoungRegions
					}
					start := uintptr(r)*cardtable.RegionBytes + uintptr(rng.IntN(cardtable.RegionBytes/2))
					end := start + uintptr(1+rng.IntN(32))*cardtable.CardBytes
					thr.Invalidate(start, end)
				}
				gate.RUnlock()
			}
			gate.RLock()
			s.DetachThread(thr)
			gate.RUnlock()
			return nil
		})
	}

	var result simResult
	rd := s.Epochs().Register()
	defer rd.Unregister()

	lastGC := time.Now()
	for c := 0; c < sc.Collections; c++ {
		time.Sleep(period)
		gate.Lock()
		now := time.Now()
		cycleMS := float64(now.Sub(lastGC)) / float64(time.Millisecond)
		lastGC = now

		if wcqs := s.WrittenQueues(); wcqs != nil {
			if n := wcqs.NumCards(); n > result.MaxBacklog {
				result.MaxBacklog = n
			}
		}

		mut, fl := s.FlushAllLogs(sc.MaxWorkers)
		result.Mutator.Add(mut)
		result.FlushLogs.Add(fl)

		// Drain the remaining dirty cards, standing in for the
		// collection merging its heap roots.
		for s.DirtyQueues().Refine(rd, &result.Collection) {
		}

		// Report the cycle's incoming rates and collect the young
		// window: collected regions come back clean, and the next
		// window goes young.
		an.ReportWrittenCardsRate(float64(mut.WrittenCards+fl.WrittenCards) / cycleMS)
		an.ReportDirtiedCardsRate(float64(mut.DirtiedCards+mut.WrittenCardsDirtied+fl.WrittenCardsDirtied) / cycleMS)
		an.ReportAllocRate(float64(sc.YoungRegions) / cycleMS)

		w := int(youngStart.Load())
		for r := 0; r < sc.YoungRegions; r++ {
			s.Table().ClearRegion(w + r)
		}
		w = (w + sc.YoungRegions) % sc.HeapRegions
		for r := 0; r < sc.YoungRegions; r++ {
			s.Table().MarkRegionYoung(w + r)
		}
		youngStart.Store(int64(w))
		cycleStart.Store(now.UnixNano())
		gate.Unlock()
	}

	stop.Store(true)
	if err := g.Wait(); err != nil {
		return simResult{}, err
	}
	result.Threads = ctl.Threads()
	result.Concurrent = ctl.Stop()

	// Flush and refine whatever the run left behind.
	mut, fl := s.FlushAllLogs(sc.MaxWorkers)
	result.Mutator.Add(mut)
	result.FlushLogs.Add(fl)
	for s.DirtyQueues().Refine(rd, &result.Collection) {
	}
	return result, nil
}
