// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var Scenarios = []Scenario{
	{
		Name:               "SteadyMix",
		Mutators:           4,
		WriteBatch:         512,
		YoungFrac:          0.3,
		Locality:           0.5,
		HeapRegions:        64,
		YoungRegions:       8,
		Collections:        8,
		CollectionPeriodMS: 25,
		UpdatePeriodMS:     5,
		MaxWorkers:         4,
		TargetDirtyCards:   2048,
	},
	{
		Name:               "YoungHeavy",
		Mutators:           4,
		WriteBatch:         512,
		YoungFrac:          0.9,
		Locality:           0.3,
		HeapRegions:        64,
		YoungRegions:       16,
		Collections:        8,
		CollectionPeriodMS: 25,
		UpdatePeriodMS:     5,
		MaxWorkers:         4,
		TargetDirtyCards:   2048,
	},
	{
		Name:               "OldScatter",
		Mutators:           4,
		WriteBatch:         512,
		YoungFrac:          0.05,
		Locality:           0.05,
		HeapRegions:        64,
		YoungRegions:       8,
		Collections:        8,
		CollectionPeriodMS: 25,
		UpdatePeriodMS:     5,
		MaxWorkers:         4,
		TargetDirtyCards:   2048,
	},
	{
		Name:               "BulkWrites",
		Mutators:           4,
		WriteBatch:         512,
		YoungFrac:          0.2,
		Locality:           0.9,
		InvalidateEvery:    64,
		HeapRegions:        64,
		YoungRegions:       8,
		Collections:        8,
		CollectionPeriodMS: 25,
		UpdatePeriodMS:     5,
		MaxWorkers:         4,
		TargetDirtyCards:   2048,
	},
}

// A Scenario shapes the simulated mutator load and collection cadence.
type Scenario struct {
	Name string `yaml:"name"`

	Mutators        int     `yaml:"mutators"`         // concurrent writer goroutines
	WriteBatch      int     `yaml:"write_batch"`      // writes between safepoint checks
	YoungFrac       float64 `yaml:"young_frac"`       // fraction of fresh writes into the young window
	Locality        float64 `yaml:"locality"`         // chance a write repeats the previous address
	InvalidateEvery int     `yaml:"invalidate_every"` // bulk-invalidate a range every n batches, 0 disables

	HeapRegions  int `yaml:"heap_regions"`
	YoungRegions int `yaml:"young_regions"` // regions in the young window, rotated each collection

	Collections        int   `yaml:"collections"`
	CollectionPeriodMS int   `yaml:"collection_period_ms"`
	UpdatePeriodMS     int   `yaml:"update_period_ms"`
	MaxWorkers         int   `yaml:"max_workers"`
	TargetDirtyCards   int64 `yaml:"target_dirty_cards"`
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if s.Mutators < 1 {
		return fmt.Errorf("mutators %d must be at least 1", s.Mutators)
	}
	if s.WriteBatch < 1 {
		return fmt.Errorf("write batch %d must be at least 1", s.WriteBatch)
	}
	if s.YoungFrac < 0 || s.YoungFrac > 1 {
		return fmt.Errorf("young fraction %v out of range [0, 1]", s.YoungFrac)
	}
	if s.Locality < 0 || s.Locality > 1 {
		return fmt.Errorf("locality %v out of range [0, 1]", s.Locality)
	}
	if s.InvalidateEvery < 0 {
		return fmt.Errorf("invalidate every %d must not be negative", s.InvalidateEvery)
	}
	if s.YoungRegions < 1 || s.YoungRegions >= s.HeapRegions {
		return fmt.Errorf("young window of %d regions must fit a %d region heap", s.YoungRegions, s.HeapRegions)
	}
	if s.HeapRegions%s.YoungRegions != 0 {
		return fmt.Errorf("heap of %d regions must be a multiple of the %d region young window", s.HeapRegions, s.YoungRegions)
	}
	if s.Collections < 1 {
		return fmt.Errorf("collections %d must be at least 1", s.Collections)
	}
	if s.CollectionPeriodMS < 1 {
		return fmt.Errorf("collection period %dms must be at least 1ms", s.CollectionPeriodMS)
	}
	if s.UpdatePeriodMS < 1 {
		return fmt.Errorf("update period %dms must be at least 1ms", s.UpdatePeriodMS)
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("max workers %d must be at least 1", s.MaxWorkers)
	}
	if s.TargetDirtyCards < 0 {
		return fmt.Errorf("target dirty cards %d must not be negative", s.TargetDirtyCards)
	}
	return nil
}

// loadScenarios reads a YAML list of scenarios to run alongside the
// builtin set.
func loadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenarios: %w", err)
	}
	var scenarios []Scenario
	if err := yaml.Unmarshal(data, &scenarios); err != nil {
		return nil, fmt.Errorf("parsing scenarios: %w", err)
	}
	if len(scenarios) == 0 {
		return nil, fmt.Errorf("no scenarios in %s", path)
	}
	for i := range scenarios {
		if err := scenarios[i].validate(); err != nil {
			return nil, fmt.Errorf("scenario %d: %w", i, err)
		}
	}
	return scenarios, nil
}
