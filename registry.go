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

import (
	"sync"

	"golang.org/x/exp/slices"
)

// interval is one non-overlapping [start, end) range in the registry's
// address-ordered index.
type interval struct {
	start, end uintptr
	unit       *Unit
}

// UnitRegistry is the one process-wide owner of unit identity: which
// address ranges are claimed, which units are live, dead (kept for
// reuse), retired-awaiting-quiesce, or retired-awaiting-drain.
//
// Lock discipline (spec.md §5): the interval map has its own
// independent-rank RWMutex, never held while attempting to acquire
// any other lock below. allMu (the allunits_lock) is mid-rank.
// flushMu (the unit_flush_lock) is lowest-rank: a per-Cache lock may
// be held while acquiring allMu or flushMu, but never the reverse.
type UnitRegistry struct {
	mapMu     sync.RWMutex
	intervals []interval // sorted by start

	allMu          sync.Mutex
	allHead, allTail *Unit
	dead           []*Unit // sorted ascending by ReservedSize

	flushMu  sync.Mutex
	toFlush  []*Unit
	toFree   []*Unit // sorted ascending by flushtime, append-only at tail

	// threadCount feeds the dead-list heuristic
	// (dead_count <= max(5, threadCount/4), spec.md §4.2).
	threadCount int
}

// NewUnitRegistry constructs an empty registry. threadCount feeds the
// park_dead heuristic; 1 is a reasonable default for a single-threaded
// harness.
func NewUnitRegistry(threadCount int) *UnitRegistry {
	if threadCount < 1 {
		threadCount = 1
	}
	return &UnitRegistry{threadCount: threadCount}
}

// lookup resolves pc to its owning Unit in O(log n).
func (r *UnitRegistry) lookup(pc uintptr) (*Unit, bool) {
	r.mapMu.RLock()
	defer r.mapMu.RUnlock()
	i, found := slices.BinarySearchFunc(r.intervals, pc, func(iv interval, pc uintptr) int {
		switch {
		case pc < iv.start:
			return 1
		case pc >= iv.end:
			return -1
		default:
			return 0
		}
	})
	if !found {
		return nil, false
	}
	return r.intervals[i].unit, true
}

// register inserts u's reservation into the interval map and appends
// u to the all-units list.
func (r *UnitRegistry) register(u *Unit) {
	r.mapMu.Lock()
	iv := interval{start: u.StartPC(), end: u.ReservedEndPC(), unit: u}
	i, _ := slices.BinarySearchFunc(r.intervals, iv.start, func(e interval, s uintptr) int {
		switch {
		case e.start < s:
			return -1
		case e.start > s:
			return 1
		default:
			return 0
		}
	})
	r.intervals = slices.Insert(r.intervals, i, iv)
	r.mapMu.Unlock()

	r.allMu.Lock()
	u.allPrev = r.allTail
	u.allNext = nil
	if r.allTail != nil {
		r.allTail.allNext = u
	} else {
		r.allHead = u
	}
	r.allTail = u
	r.allMu.Unlock()
}

// unregister removes u from the interval map and the all-units list.
func (r *UnitRegistry) unregister(u *Unit) {
	r.mapMu.Lock()
	i, found := slices.BinarySearchFunc(r.intervals, u.StartPC(), func(e interval, s uintptr) int {
		switch {
		case e.start < s:
			return -1
		case e.start > s:
			return 1
		default:
			return 0
		}
	})
	if found {
		r.intervals = slices.Delete(r.intervals, i, i+1)
	}
	r.mapMu.Unlock()

	r.allMu.Lock()
	if u.allPrev != nil {
		u.allPrev.allNext = u.allNext
	} else {
		r.allHead = u.allNext
	}
	if u.allNext != nil {
		u.allNext.allPrev = u.allPrev
	} else {
		r.allTail = u.allPrev
	}
	u.allNext, u.allPrev = nil, nil
	r.allMu.Unlock()
}

// takeDead returns the smallest dead unit whose reservation is >=
// minSize and which would not push a cache already at size already
// past maxSize (maxSize == 0 means no cap), or false if none fits.
func (r *UnitRegistry) takeDead(minSize, already, maxSize int) (*Unit, bool) {
	r.allMu.Lock()
	defer r.allMu.Unlock()
	for i, u := range r.dead {
		if u.ReservedSize() < minSize {
			continue
		}
		if maxSize != 0 && already+u.ReservedSize() > maxSize {
			continue
		}
		r.dead = slices.Delete(r.dead, i, i+1)
		return u, true
	}
	return nil, false
}

// parkDead returns u to the dead list in ascending-size position, or
// unmaps it outright if the dead list is already at its heuristic cap.
func (r *UnitRegistry) parkDead(mp MemoryProvider, u *Unit) error {
	unitLeakCheckClear(u)
	r.allMu.Lock()
	cap := r.threadCount / 4
	if cap < 5 {
		cap = 5
	}
	if len(r.dead) >= cap {
		r.allMu.Unlock()
		return mp.Unmap(u.region)
	}
	i, _ := slices.BinarySearchFunc(r.dead, u.ReservedSize(), func(e *Unit, s int) int {
		return e.ReservedSize() - s
	})
	r.dead = slices.Insert(r.dead, i, u)
	r.allMu.Unlock()
	return nil
}

// stealToFlush atomically takes ownership of the to-flush list,
// leaving it empty, the first step of FlushEngine.flushPending.
func (r *UnitRegistry) stealToFlush() []*Unit {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	stolen := r.toFlush
	r.toFlush = nil
	return stolen
}

// markForFlush moves u from wherever it lives onto the to-flush list.
func (r *UnitRegistry) markForFlush(u *Unit) {
	r.flushMu.Lock()
	r.toFlush = append(r.toFlush, u)
	r.flushMu.Unlock()
}

// appendToFree appends chain, all stamped with flushtime, to the tail
// of the to-free list. The chain must already be in ascending
// flushtime order relative to the current tail (callers only ever
// stamp one flushtime per flush_pending call, so this holds trivially
// here).
func (r *UnitRegistry) appendToFree(chain []*Unit, flushtime uint32) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	if len(r.toFree) > 0 && r.toFree[len(r.toFree)-1].flushtime > flushtime {
		panic("fcache: appendToFree: flushtime ordering violated")
	}
	for _, u := range chain {
		u.flushtime = flushtime
	}
	r.toFree = append(r.toFree, chain...)
}

// reapFree removes and returns, from the head, every unit whose
// flushtime <= uptoFlushtime, stopping at the first one above (the
// list is sorted, spec.md §8 invariant 6).
func (r *UnitRegistry) reapFree(uptoFlushtime uint32) []*Unit {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()
	n := 0
	for n < len(r.toFree) && r.toFree[n].flushtime <= uptoFlushtime {
		n++
	}
	reaped := r.toFree[:n:n]
	r.toFree = r.toFree[n:]
	return reaped
}

// allUnits returns a snapshot of the live all-units list, for
// diagnostics and proactive reset.
func (r *UnitRegistry) allUnits() []*Unit {
	r.allMu.Lock()
	defer r.allMu.Unlock()
	var out []*Unit
	for u := r.allHead; u != nil; u = u.allNext {
		out = append(out, u)
	}
	return out
}
