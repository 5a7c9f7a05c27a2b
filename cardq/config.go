// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import "fmt"

// FilterMode selects what a mutator records into its written-card queue.
type FilterMode uint8

const (
	// FilterNone records the raw written address. Sequential runs of the
	// same card collapse later, when the queue is processed.
	FilterNone FilterMode = iota

	// FilterYoung records the card index, and the mutator skips writes
	// whose card is young.
	FilterYoung

	// FilterPrevious records the card index, and the mutator skips writes
	// matching the last recorded card. The last card lives in a reserved
	// slot of the queue's buffer, so it persists across refills.
	FilterPrevious
)

func (m FilterMode) String() string {
	switch m {
	case FilterNone:
		return "none"
	case FilterYoung:
		return "young"
	case FilterPrevious:
		return "previous"
	}
	return fmt.Sprintf("FilterMode(%d)", uint8(m))
}

// StorageMode selects where a written-card queue keeps its entries.
type StorageMode uint8

const (
	// StorageInline keeps entries in a fixed array inside the queue.
	StorageInline StorageMode = iota

	// StorageIndirect starts with a tiny array inside the queue and
	// upgrades to a pooled buffer the first time it fills.
	StorageIndirect
)

func (m StorageMode) String() string {
	switch m {
	case StorageInline:
		return "inline"
	case StorageIndirect:
		return "indirect"
	}
	return fmt.Sprintf("StorageMode(%d)", uint8(m))
}

// Config carries the written-card queue tunables. It is immutable after
// the queue set is constructed.
type Config struct {
	// Enabled runs reference writes through written-card queues. When
	// false, the barrier dirties cards synchronously on every write.
	Enabled bool

	Filter  FilterMode
	Storage StorageMode

	// DeferDirtying hands full buffers to the queue set for background
	// processing instead of dirtying cards in the mutator. Requires
	// StorageIndirect.
	DeferDirtying bool

	// BufferCards is the capacity, in entries, of pooled buffers.
	BufferCards int
}

func (c Config) Validate() error {
	switch c.Filter {
	case FilterNone, FilterYoung, FilterPrevious:
	default:
		return fmt.Errorf("unknown filter mode %d", c.Filter)
	}
	switch c.Storage {
	case StorageInline, StorageIndirect:
	default:
		return fmt.Errorf("unknown storage mode %d", c.Storage)
	}
	if c.DeferDirtying && c.Storage != StorageIndirect {
		return fmt.Errorf("deferred dirtying requires indirect buffer storage")
	}
	if c.BufferCards < initialSlots+2 {
		return fmt.Errorf("buffer capacity %d too small, need at least %d", c.BufferCards, initialSlots+2)
	}
	return nil
}

func (c Config) sizeAdjust() int {
	if c.Filter == FilterPrevious {
		return 1
	}
	return 0
}
