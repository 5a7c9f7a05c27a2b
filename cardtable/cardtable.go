package cardtable

import (
	"fmt"
	"sync/atomic"
)

const (
	CardShift = 9
	CardBytes = 1 << CardShift

	RegionBytes    = 1 << 20
	CardsPerRegion = RegionBytes / CardBytes
)

type CardValue uint8

const (
	CleanCard CardValue = 0
	DirtyCard CardValue = 1
	YoungCard CardValue = 2
)

func (v CardValue) String() string {
	switch v {
	case CleanCard:
		return "clean"
	case DirtyCard:
		return "dirty"
	case YoungCard:
		return "young"
	}
	return fmt.Sprintf("CardValue(%d)", uint8(v))
}

// Index identifies a card: the covered address right-shifted by CardShift.
type Index uintptr

// Table holds one byte of state per card of a heap spanning [0, heapBytes).
// The bytes are packed four to a word so that individual cards can be read
// and written atomically. A dirty mark is published with sequentially
// consistent ordering; a reader that observes DirtyCard also observes every
// store that preceded the mark.
type Table struct {
	words    []atomic.Uint32
	numCards int
}

func NewTable(heapBytes uintptr) *Table {
	if heapBytes == 0 || heapBytes%RegionBytes != 0 {
		panic("heap size must be a positive multiple of the region size")
	}
	n := int(heapBytes >> CardShift)
	return &Table{
		words:    make([]atomic.Uint32, (n+3)/4),
		numCards: n,
	}
}

func (t *Table) NumCards() int   { return t.numCards }
func (t *Table) NumRegions() int { return t.numCards / CardsPerRegion }

func (t *Table) IndexFor(addr uintptr) Index {
	return Index(addr >> CardShift)
}

func (t *Table) AddrFor(i Index) uintptr {
	return uintptr(i) << CardShift
}

func (t *Table) Load(i Index) CardValue {
	w := t.words[i/4].Load()
	return CardValue(w >> ((i % 4) * 8))
}

func (t *Table) Set(i Index, v CardValue) {
	w := &t.words[i/4]
	shift := (i % 4) * 8
	for {
		old := w.Load()
		new := old&^(0xff<<shift) | uint32(v)<<shift
		if w.CompareAndSwap(old, new) {
			return
		}
	}
}

// TryTransition sets card i to new only if it currently holds old.
func (t *Table) TryTransition(i Index, old, new CardValue) bool {
	w := &t.words[i/4]
	shift := (i % 4) * 8
	for {
		ow := w.Load()
		if CardValue(ow>>shift) != old {
			return false
		}
		nw := ow&^(0xff<<shift) | uint32(new)<<shift
		if w.CompareAndSwap(ow, nw) {
			return true
		}
	}
}

// MarkRegionYoung sets every card of region r to YoungCard. Regions are
// marked young at allocation time, while no mutator writes to them are
// being tracked yet.
func (t *Table) MarkRegionYoung(r int) {
	t.setRegion(r, YoungCard)
}

// ClearRegion resets every card of region r to CleanCard.
func (t *Table) ClearRegion(r int) {
	t.setRegion(r, CleanCard)
}

func (t *Table) setRegion(r int, v CardValue) {
	if r < 0 || r >= t.NumRegions() {
		panic("region out of range")
	}
	lo := Index(r * CardsPerRegion)
	for i := lo; i < lo+CardsPerRegion; i++ {
		t.Set(i, v)
	}
}
