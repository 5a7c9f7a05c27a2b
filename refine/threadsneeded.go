// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package refine

import (
	"math"
	"time"

	"github.com/mknyszek/refine-eval/cardtable"
)

// ThreadsNeeded estimates how many refinement workers must run to reach
// the target number of pending dirty cards by the next collection, while
// running as few workers as possible, avoiding activation churn, and
// delaying refinement work. Delay is useful: a card that stays dirty
// absorbs further writes for free.
//
// Only the updating goroutine may call Update and the accessors.
type ThreadsNeeded struct {
	an            *Analytics
	updatePeriod  float64 // ms
	deferDirtying bool

	timeUntilGC           float64 // ms
	writtenCardsAtGC      int64
	dirtyCardsAtGC        int64
	deactivationThreshold int64
	threads               int
}

func NewThreadsNeeded(an *Analytics, updatePeriod time.Duration, deferDirtying bool) *ThreadsNeeded {
	return &ThreadsNeeded{
		an:            an,
		updatePeriod:  float64(updatePeriod) / float64(time.Millisecond),
		deferDirtying: deferDirtying,
	}
}

// Update recomputes the estimate. activeThreads is how many workers are
// running right now, availableBytes is the allocation headroom until the
// next collection, numWrittenCards and numDirtyCards are the pending
// backlogs, and targetDirtyCards is how many dirty cards may remain at
// the collection.
func (tn *ThreadsNeeded) Update(activeThreads int, availableBytes uintptr, numWrittenCards, numDirtyCards, targetDirtyCards int64) {
	// Predict the time until the next collection from the allocation
	// rate. No rate data means no idea; use zero. A huge heap with a
	// trickle of allocation predicts times large enough to break the
	// arithmetic below, so cap the prediction at an hour.
	allocBytesRate := tn.an.PredictAllocRate() * cardtable.RegionBytes
	if allocBytesRate == 0 {
		tn.timeUntilGC = 0
	} else {
		const oneHourMS = 60 * 60 * 1000
		tn.timeUntilGC = math.Min(float64(availableBytes)/allocBytesRate, oneHourMS)
	}

	// Cards at the next collection if no processing happens at all.
	incomingWrittenRate := tn.an.PredictWrittenCardsRate()
	totalWrittenCards := tn.predictCardsAtNextGC(numWrittenCards, incomingWrittenRate)
	tn.writtenCardsAtGC = totalWrittenCards

	incomingDirtyRate := tn.an.PredictDirtiedCardsRate()
	totalDirtyCards := tn.predictCardsAtNextGC(numDirtyCards, incomingDirtyRate)
	tn.dirtyCardsAtGC = totalDirtyCards

	// Until there is data for a better value, never deactivate while any
	// written cards are pending.
	tn.deactivationThreshold = 0

	// The estimate is unstable when little time remains, and can demand
	// lots of threads for little profit. In the last update period just
	// keep what is running, counting the updating thread as running.
	// Mutator dirtying and refinement will be activated, so the backlogs
	// stop growing from mutators.
	if tn.timeUntilGC <= tn.updatePeriod {
		tn.threads = max(activeThreads, 1)
		return
	}

	// Per-thread processing rates. With no estimates at all, request a
	// single thread; running it is what produces the estimates.
	dirtyingRate := tn.an.PredictConcurrentDirtyingRate()
	refineRate := tn.an.PredictConcurrentRefineRate()
	if dirtyingRate == 0 && refineRate == 0 {
		tn.threads = 1
		return
	}

	nthreads := 0.0

	var cardsToRefine int64
	if totalDirtyCards > targetDirtyCards {
		cardsToRefine = totalDirtyCards - targetDirtyCards
	}
	if cardsToRefine > 0 {
		if refineRate == 0 {
			nthreads += 1
		} else {
			nthreads += tn.estimateThreadsNeeded(cardsToRefine, refineRate)
		}
	}

	if tn.deferDirtying {
		// Deactivate once one thread can clear the written backlog in
		// half an update period. While the backlog is large, keep
		// threads running to drive it down: written cards are cheap to
		// convert, and a small backlog makes the dirty-card estimates
		// above trustworthy.
		tn.deactivationThreshold = int64(dirtyingRate * (tn.updatePeriod / 2))
		if dirtyingRate == 0 {
			nthreads += 1
		} else {
			// Minimum continuously running threads that convert all
			// written cards before the collection.
			minimum := tn.estimateThreadsNeeded(totalWrittenCards, dirtyingRate)

			// Threads that drive the pending written cards to near zero
			// within one update period.
			periodCapacity := dirtyingRate * tn.updatePeriod
			periodIncoming := incomingDirtyRate * tn.updatePeriod
			periodTarget := float64(numWrittenCards) + periodIncoming
			periodThreads := periodTarget / periodCapacity

			// Converting faster is better for the estimates, but each
			// running worker interferes with mutators, so take the
			// cheapest candidate.
			nthreads += min(minimum+1, 2*minimum, periodThreads)
		}
	}

	// Rounding up always is contrary to delaying work, so usually round
	// to nearest, but near the collection drive toward the target and
	// round up. At least one thread: the updating thread is already
	// running and deactivates itself if there is nothing to do.
	switch {
	case nthreads <= 1:
		nthreads = 1
	case tn.timeUntilGC <= tn.updatePeriod*5:
		nthreads = math.Ceil(nthreads)
	default:
		nthreads = math.Round(nthreads)
	}
	tn.threads = int(math.Min(nthreads, math.MaxInt32))
}

func (tn *ThreadsNeeded) predictCardsAtNextGC(numCards int64, incomingRate float64) int64 {
	return numCards + int64(incomingRate*tn.timeUntilGC)
}

func (tn *ThreadsNeeded) estimateThreadsNeeded(numCards int64, processingRate float64) float64 {
	threadCapacity := processingRate * tn.timeUntilGC
	return float64(numCards) / threadCapacity
}

// Threads is the estimated number of workers to run.
func (tn *ThreadsNeeded) Threads() int { return tn.threads }

// PredictedTimeUntilNextGC is the predicted time to the next collection
// as of the last Update.
func (tn *ThreadsNeeded) PredictedTimeUntilNextGC() time.Duration {
	return time.Duration(tn.timeUntilGC * float64(time.Millisecond))
}

// PredictedWrittenCardsAtNextGC is the written-card backlog expected at
// the next collection if no conversion runs.
func (tn *ThreadsNeeded) PredictedWrittenCardsAtNextGC() int64 { return tn.writtenCardsAtGC }

// PredictedDirtyCardsAtNextGC is the dirty-card backlog expected at the
// next collection if no refinement runs.
func (tn *ThreadsNeeded) PredictedDirtyCardsAtNextGC() int64 { return tn.dirtyCardsAtGC }

// WrittenCardsDeactivationThreshold is the written-card backlog below
// which a worker with no other work may deactivate.
func (tn *ThreadsNeeded) WrittenCardsDeactivationThreshold() int64 {
	return tn.deactivationThreshold
}
