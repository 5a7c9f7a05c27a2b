// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package refine runs concurrent refinement: background workers that
// convert written cards to dirty cards and refine dirty cards, paced by
// an estimator that predicts how many workers the mutator load requires.
package refine

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mknyszek/refine-eval/cardq"
	"github.com/mknyszek/refine-eval/epoch"
)

// Config carries the controller tunables.
type Config struct {
	// UpdatePeriod is how often the estimator reruns and the worker
	// count is adjusted.
	UpdatePeriod time.Duration

	// MaxWorkers bounds the worker goroutines, the primary included.
	MaxWorkers int

	// TargetDirtyCards is the pending dirty-card count to aim for at
	// the next collection.
	TargetDirtyCards int64

	// MutatorMarkFactor scales the written-card deactivation threshold
	// into the backlog above which mutators convert their full buffers
	// in place instead of handing them off. Zero means 8.
	MutatorMarkFactor int64

	// AvailableBytes reports the allocation headroom until the next
	// collection. Called from the controller goroutine.
	AvailableBytes func() uintptr
}

func (c Config) Validate() error {
	if c.UpdatePeriod <= 0 {
		return fmt.Errorf("update period %v must be positive", c.UpdatePeriod)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max workers %d must be at least 1", c.MaxWorkers)
	}
	if c.TargetDirtyCards < 0 {
		return fmt.Errorf("target dirty cards %d must not be negative", c.TargetDirtyCards)
	}
	if c.MutatorMarkFactor < 0 {
		return fmt.Errorf("mutator mark factor %d must not be negative", c.MutatorMarkFactor)
	}
	if c.AvailableBytes == nil {
		return fmt.Errorf("available bytes callback is required")
	}
	return nil
}

// Controller owns the refinement workers. The primary worker reruns the
// estimator every update period and activates or deactivates the others;
// all workers convert deferred written buffers while the backlog exceeds
// the deactivation threshold, then refine dirty buffers, and deactivate
// when out of work.
type Controller struct {
	cfg    Config
	epochs *epoch.Counter
	wcqs   *cardq.WrittenQueueSet
	dcqs   *cardq.DirtyQueueSet
	an     *Analytics
	tn     *ThreadsNeeded

	wanted       atomic.Int32
	active       atomic.Int32
	deactivation atomic.Int64
	lastThreads  atomic.Int32

	wake []chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	stats cardq.RefineStats
}

// Start launches the controller and its workers. wcqs may be nil when
// written-card queueing is disabled; the workers then only refine.
func Start(cfg Config, epochs *epoch.Counter, wcqs *cardq.WrittenQueueSet, dcqs *cardq.DirtyQueueSet, an *Analytics) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MutatorMarkFactor == 0 {
		cfg.MutatorMarkFactor = 8
	}
	deferDirtying := false
	if wcqs != nil {
		deferDirtying = wcqs.Config().DeferDirtying
	}
	c := &Controller{
		cfg:    cfg,
		epochs: epochs,
		wcqs:   wcqs,
		dcqs:   dcqs,
		an:     an,
		tn:     NewThreadsNeeded(an, cfg.UpdatePeriod, deferDirtying),
		wake:   make([]chan struct{}, cfg.MaxWorkers),
		done:   make(chan struct{}),
	}
	for i := 1; i < cfg.MaxWorkers; i++ {
		c.wake[i] = make(chan struct{}, 1)
		c.wg.Add(1)
		go c.worker(i)
	}
	c.wg.Add(1)
	go c.primary()
	return c, nil
}

// Stop halts refinement and returns the summed worker stats. Mutator
// threads must already be quiet, or the workers may never run out of
// work to finish their final bursts.
func (c *Controller) Stop() cardq.RefineStats {
	close(c.done)
	c.wg.Wait()
	return c.stats
}

// Threads is the worker count the estimator most recently asked for,
// before clamping to MaxWorkers.
func (c *Controller) Threads() int { return int(c.lastThreads.Load()) }

func (c *Controller) primary() {
	defer c.wg.Done()
	r := c.epochs.Register()
	defer r.Unregister()
	dcq := c.dcqs.NewQueue(r)
	var stats, reported cardq.RefineStats

	// Rule once up front so the mutator controls start in a sane state.
	c.adjust()

	ticker := time.NewTicker(c.cfg.UpdatePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			c.dcqs.FlushQueue(dcq)
			c.mu.Lock()
			c.stats.Add(stats)
			c.mu.Unlock()
			return
		case <-ticker.C:
		}
		c.adjust()

		// The primary is worker zero. Work at most one period, then
		// let the estimator rule again.
		c.active.Add(1)
		start := time.Now()
		for c.wanted.Load() >= 1 && time.Since(start) < c.cfg.UpdatePeriod {
			if !c.doWork(r, dcq, &stats) {
				break
			}
		}
		c.reportRates(&stats, &reported)
		c.dcqs.FlushQueue(dcq)
		c.active.Add(-1)
	}
}

func (c *Controller) worker(i int) {
	defer c.wg.Done()
	r := c.epochs.Register()
	defer r.Unregister()
	dcq := c.dcqs.NewQueue(r)
	var stats, reported cardq.RefineStats

	for {
		select {
		case <-c.done:
			c.dcqs.FlushQueue(dcq)
			c.mu.Lock()
			c.stats.Add(stats)
			c.mu.Unlock()
			return
		case <-c.wake[i]:
		}
		c.active.Add(1)
		for int32(i) < c.wanted.Load() && c.doWork(r, dcq, &stats) {
		}
		c.reportRates(&stats, &reported)
		c.dcqs.FlushQueue(dcq)
		c.active.Add(-1)
	}
}

// adjust reruns the estimator and applies its verdict: worker wakeups,
// the deactivation threshold, and the mutator assistance controls.
func (c *Controller) adjust() {
	var written int64
	if c.wcqs != nil {
		written = c.wcqs.NumCards()
	}
	c.tn.Update(
		int(c.active.Load()),
		c.cfg.AvailableBytes(),
		written,
		c.dcqs.NumCards(),
		c.cfg.TargetDirtyCards,
	)
	needed := c.tn.Threads()
	c.lastThreads.Store(int32(needed))
	c.deactivation.Store(c.tn.WrittenCardsDeactivationThreshold())
	wanted := min(needed, c.cfg.MaxWorkers)
	c.wanted.Store(int32(wanted))

	// When the workers alone cannot reach the target, mutators refine
	// behind their own completed buffers.
	if needed > c.cfg.MaxWorkers {
		c.dcqs.SetMutatorRefinementThreshold(c.cfg.TargetDirtyCards)
	} else {
		c.dcqs.SetMutatorRefinementThreshold(math.MaxInt64)
	}

	// Deferred dirtying is a hint. If the backlog runs far past the
	// deactivation threshold, make mutators convert in place until the
	// workers catch up.
	if c.wcqs != nil {
		markDirty := false
		if thr := c.deactivation.Load(); thr > 0 {
			markDirty = written > c.cfg.MutatorMarkFactor*thr
		}
		c.wcqs.SetMutatorShouldMarkCardsDirty(markDirty)
	}

	for i := 1; i < wanted; i++ {
		select {
		case c.wake[i] <- struct{}{}:
		default:
		}
	}
}

// doWork performs one unit: converting a deferred written buffer while
// the backlog exceeds the deactivation threshold, otherwise refining one
// dirty buffer. Reports whether anything was processed.
func (c *Controller) doWork(r *epoch.Reader, dcq *cardq.DirtyQueue, stats *cardq.RefineStats) bool {
	if c.wcqs != nil && c.wcqs.NumCards() > c.deactivation.Load() {
		start := time.Now()
		if c.wcqs.MarkCardsDirty(r, dcq, stats) {
			stats.WrittenCardsTime += time.Since(start)
			return true
		}
	}
	return c.dcqs.Refine(r, stats)
}

// reportRates feeds the estimator's analytics with this worker's
// processing rates since the last report.
func (c *Controller) reportRates(stats, reported *cardq.RefineStats) {
	delta := *stats
	delta.Sub(*reported)
	*reported = *stats
	if rate := delta.WrittenCardsRate(); rate > 0 {
		c.an.ReportConcurrentDirtyingRate(rate)
	}
	if rate := delta.RefinementRate(); rate > 0 {
		c.an.ReportConcurrentRefineRate(rate)
	}
}
