// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package fcache

// fifoNode is one entry in a Fifo: either a live fragment (frag != nil)
// or an empty-slot placeholder. Unlike the source, which embeds
// next/prev fields directly in the fragment and empty-slot structs,
// the list owns its own node objects and indexes live fragments by a
// map for O(1) remove(f) - Fragment is an external, translator-owned
// interface and shouldn't carry cache-private linkage.
type fifoNode struct {
	frag       Fragment
	unit       *Unit
	off, size  int
	next, prev *fifoNode
}

func (n *fifoNode) isEmpty() bool { return n.frag == nil }

// Fifo is the ordered list of live fragments and empty slots backing
// one private cache (spec.md §4.5). Empty slots are kept at the front,
// live fragments follow in insertion order, so eviction always starts
// scanning from the oldest live fragment (immediately after the last
// empty node).
type Fifo struct {
	head, tail *fifoNode
	index      map[Fragment]*fifoNode
}

// append adds a newly placed live fragment to the tail.
func (l *Fifo) append(f Fragment, u *Unit, off, size int) {
	n := &fifoNode{frag: f, unit: u, off: off, size: size}
	n.prev = l.tail
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
	if l.index == nil {
		l.index = make(map[Fragment]*fifoNode)
	}
	l.index[f] = n
}

// remove unlinks a live fragment from the list, e.g. when it is
// deleted outright without becoming an empty placeholder.
func (l *Fifo) remove(f Fragment) {
	n, ok := l.index[f]
	if !ok {
		return
	}
	l.unlink(n)
	delete(l.index, f)
}

func (l *Fifo) unlink(n *fifoNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.next, n.prev = nil, nil
}

// prependEmpty inserts an empty-slot placeholder at the front,
// merging with the current front entry when it is already an empty
// slot physically adjacent in the same unit (spec.md §4.5).
func (l *Fifo) prependEmpty(u *Unit, off, size int) {
	if l.head != nil && l.head.isEmpty() && l.head.unit == u && l.head.off == off+size {
		l.head.off = off
		l.head.size += size
		writeHeader(u.region.Reserved, off, slotEmpty, uint32(l.head.size))
		return
	}
	writeHeader(u.region.Reserved, off, slotEmpty, uint32(size))
	n := &fifoNode{unit: u, off: off, size: size}
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
}

// removeEmptyAt unlinks the empty-slot node at (u, off), if one exists.
// Empty nodes are always kept at the Fifo's front (spec.md §4.5), so
// the scan stops at the first live node; used by Placer.replaceRun
// when a replace run physically consumes an empty placeholder's
// header, to keep the node list in sync with the unit's memory.
func (l *Fifo) removeEmptyAt(u *Unit, off int) {
	for n := l.head; n != nil && n.isEmpty(); n = n.next {
		if n.unit == u && n.off == off {
			l.unlink(n)
			return
		}
	}
}
