// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package barrier

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/mknyszek/refine-eval/cardq"
)

// threadsPerWorker is the claim batch size for FlushAllLogs. The work
// per thread is small, so workers claim threads in large chunks.
const threadsPerWorker = 250

// FlushAllLogs flushes every attached thread's queues ahead of a
// collection: written-card queues are converted to dirty cards, partial
// dirty-card buffers are handed to the queue set, and per-thread stats
// are collected and reset. Under deferred dirtying it also drains any
// completed written buffers still waiting for background conversion.
// Mutator assistance is switched off; the refinement controller enables
// it again when it next adjusts.
//
// All mutator threads must be stopped. Refinement workers may keep
// running; the shared queue sets tolerate concurrent draining. The
// returned mutator stats aggregate the per-thread totals, including
// those of threads that detached since the last flush; flushLogs holds
// the stats of the flushing itself.
func (s *Set) FlushAllLogs(workers int) (mutator, flushLogs cardq.RefineStats) {
	if workers < 1 {
		workers = 1
	}
	if s.wcqs != nil {
		s.wcqs.SetMutatorShouldMarkCardsDirty(false)
	}
	s.dcqs.SetMutatorRefinementThreshold(math.MaxInt64)

	s.mu.Lock()
	threads := make([]*Thread, len(s.threads))
	copy(threads, s.threads)
	s.mu.Unlock()

	deferred := s.wcqs != nil && s.wcqs.Config().DeferDirtying

	var (
		next atomic.Int64
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var mut, flush cardq.RefineStats
			for {
				begin := int(next.Add(threadsPerWorker)) - threadsPerWorker
				if begin >= len(threads) {
					break
				}
				for _, t := range threads[begin:min(begin+threadsPerWorker, len(threads))] {
					if t.wcq != nil {
						// Cards still sitting in the partial buffer were
						// never counted at a hand-off.
						flush.WrittenCards += t.wcq.Size()
						t.wcq.MarkCardsDirty(t.dcq, &flush)
					}
					s.dcqs.FlushQueue(t.dcq)
					mut.Add(t.stats)
					t.stats.Reset()
				}
			}
			if deferred {
				r := s.epochs.Register()
				dcq := s.dcqs.NewQueue(r)
				for s.wcqs.MarkCardsDirty(r, dcq, &flush) {
				}
				s.dcqs.FlushQueue(dcq)
				r.Unregister()
			}
			mu.Lock()
			mutator.Add(mut)
			flushLogs.Add(flush)
			mu.Unlock()
		}()
	}
	wg.Wait()

	mutator.Add(s.dcqs.TakeDetachedStats())
	return mutator, flushLogs
}

// AbandonLogsAndStats discards all queued cards and accumulated stats,
// both per-thread and in the shared queue sets. Used when a full
// collection makes the pending refinement work moot. All mutator and
// refinement threads must be stopped.
func (s *Set) AbandonLogsAndStats() {
	s.mu.Lock()
	threads := make([]*Thread, len(s.threads))
	copy(threads, s.threads)
	s.mu.Unlock()

	for _, t := range threads {
		if t.wcq != nil {
			t.wcq.Reset()
		}
		s.dcqs.ResetQueue(t.dcq)
		t.stats.Reset()
	}
	if s.wcqs != nil {
		s.wcqs.AbandonCompletedBuffers()
	}
	s.dcqs.AbandonCompletedBuffers()
}
