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
	"fmt"

	"github.com/SnellerInc/fcache/internal/atomicext"
)

// FlushClock is the one process-wide monotonic, nonzero flushtime
// counter (spec.md §3's "Global state"). It starts at 1 so a zero
// flushtime unambiguously means "not retired" (spec.md §8 invariant 5).
type FlushClock struct {
	v int64
}

// NewFlushClock returns a clock whose first Next() call yields 1.
func NewFlushClock() *FlushClock { return &FlushClock{} }

func (f *FlushClock) Next() uint32 {
	return uint32(atomicext.NextMonotonic(&f.v))
}

// FlushEngine implements the unit-flush protocol (spec.md §4.6): the
// only way to reclaim shared-cache memory, since shared caches cannot
// evict individual fragments. All of mark/flush/reap operate against
// one UnitRegistry shared by every Cache.
type FlushEngine struct {
	registry *UnitRegistry
	linker   Linker
	quiescer Quiescer
	clock    *FlushClock
}

func NewFlushEngine(registry *UnitRegistry, linker Linker, quiescer Quiescer, clock *FlushClock) *FlushEngine {
	return &FlushEngine{registry: registry, linker: linker, quiescer: quiescer, clock: clock}
}

// MarkForFlush transitions u from Live to PendingFlush, staging it on
// the to-flush list. The caller (typically Cache, via dropUnit) is
// responsible for removing u from its own local unit list first.
func (e *FlushEngine) MarkForFlush(u *Unit) {
	e.registry.markForFlush(u)
}

// FlushPending runs the full retire protocol over every unit currently
// on the to-flush list (spec.md §4.6 steps 1-6).
func (e *FlushEngine) FlushPending() error {
	if e.quiescer != nil && e.quiescer.IsSelfCouldBeLinking() {
		return fmt.Errorf("fcache: flush_pending: %w: calling thread may itself be linking", ErrQuiesceFailure)
	}
	stolen := e.registry.stealToFlush()
	if len(stolen) == 0 {
		return nil
	}
	if err := e.quiescer.SynchAllThreads("fcache: flush_pending"); err != nil {
		return fmt.Errorf("fcache: flush_pending: %w: %w", ErrQuiesceFailure, err)
	}
	defer e.quiescer.EndSynch()

	var chain []Fragment
	for _, u := range stolen {
		u.pendingFree = true
		u.walk(func(off int, kind slotKind, size uint32) bool {
			switch kind {
			case slotFree:
				if fe, ok := u.freeByOffset[off]; ok {
					delete(u.freeByOffset, off)
					_ = fe
				}
			case slotLive:
				if f, ok := u.liveByOffset[off]; ok {
					chain = append(chain, f)
				}
			}
			return true
		})
	}
	if e.linker != nil && len(chain) > 0 {
		e.linker.UnlinkAndStageForDeletion(chain)
	}
	ft := e.clock.Next()
	e.registry.appendToFree(stolen, ft)
	return nil
}

// Reap reclaims, from the to-free list, every unit whose flushtime is
// <= flushtimeDrained — the signal that every pending-deletion
// fragment entry at or below that flushtime has actually been freed
// by the host (spec.md §4.6, FlushEngine::reap).
func (e *FlushEngine) Reap(flushtimeDrained uint32, mp MemoryProvider) {
	for _, u := range e.registry.reapFree(flushtimeDrained) {
		e.registry.unregister(u)
		u.pendingFree = false
		u.flushtime = 0
		if err := e.registry.parkDead(mp, u); err != nil {
			errorf("fcache: reap: park_dead(%s): %v", u.ID, err)
		}
	}
}
