// Copyright 2026 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cardq

import "sync/atomic"

// Node is a pooled, fixed-capacity buffer of card entries. The slots fill
// from the top down: index is the position of the most recently added
// entry, and the live entries are slots[index:]. An empty node has
// index == capacity.
type Node struct {
	next  atomic.Pointer[Node]
	index int
	slots []uintptr
}

func (n *Node) Capacity() int    { return len(n.slots) }
func (n *Node) Index() int       { return n.index }
func (n *Node) Size() int        { return len(n.slots) - n.index }
func (n *Node) Empty() bool      { return n.index == len(n.slots) }
func (n *Node) Slots() []uintptr { return n.slots }

func (n *Node) SetIndex(i int) {
	if i < 0 || i > len(n.slots) {
		panic("node index out of range")
	}
	n.index = i
}

// nodeStack is a lock-free stack of nodes. Push is safe anywhere. Pop and
// the traversal it implies may read a node that a concurrent pop already
// removed, so pops must run inside an epoch critical section whenever
// popped nodes can be recycled; see Allocator.
type nodeStack struct {
	top atomic.Pointer[Node]
}

func (s *nodeStack) Push(n *Node) {
	for {
		t := s.top.Load()
		n.next.Store(t)
		if s.top.CompareAndSwap(t, n) {
			return
		}
	}
}

// PushAll pushes a chain of nodes already linked from first to last.
func (s *nodeStack) PushAll(first, last *Node) {
	for {
		t := s.top.Load()
		last.next.Store(t)
		if s.top.CompareAndSwap(t, first) {
			return
		}
	}
}

func (s *nodeStack) Pop() *Node {
	for {
		t := s.top.Load()
		if t == nil {
			return nil
		}
		next := t.next.Load()
		if s.top.CompareAndSwap(t, next) {
			t.next.Store(nil)
			return t
		}
	}
}

// PopAll detaches and returns the whole stack as a chain linked through
// next pointers.
func (s *nodeStack) PopAll() *Node {
	return s.top.Swap(nil)
}
