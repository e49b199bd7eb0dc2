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

// Package fcachesim provides fake external collaborators (Linker,
// FragmentTable, Quiescer, Fragment) sufficient to drive fcache.Cache
// end-to-end without a real JIT backend, for use in tests and by
// cmd/fcachectl's synthetic workload.
package fcachesim

import (
	"fmt"
	"sync"

	"github.com/SnellerInc/fcache"
)

// Fragment is a minimal fcache.Fragment implementation: a fixed-size
// body tagged by guest pc, with no actual machine code.
type Fragment struct {
	tag       uintptr
	size      int
	flags     fcache.FragFlag
	startPC   uintptr
	slotExtra int

	shifts int // number of times Shift was called, for test assertions
}

func NewFragment(tag uintptr, size int, flags fcache.FragFlag) *Fragment {
	return &Fragment{tag: tag, size: size, flags: flags}
}

func (f *Fragment) Tag() uintptr             { return f.tag }
func (f *Fragment) Flags() fcache.FragFlag   { return f.flags }
func (f *Fragment) SetFlags(v fcache.FragFlag) { f.flags = v }
func (f *Fragment) Size() int                { return f.size }
func (f *Fragment) StartPC() uintptr         { return f.startPC }
func (f *Fragment) SetStartPC(pc uintptr)    { f.startPC = pc }
func (f *Fragment) SlotExtra() int           { return f.slotExtra }
func (f *Fragment) SetSlotExtra(n int)       { f.slotExtra = n }

func (f *Fragment) Shift(delta uintptr, oldStart, oldEnd uintptr, oldSize int) {
	f.shifts++
}

func (f *Fragment) Shifts() int { return f.shifts }

// Linker records unlink/link/stage calls without doing any actual
// instruction patching.
type Linker struct {
	mu        sync.Mutex
	Unlinked  []fcache.Fragment
	Relinked  []fcache.Fragment
	Staged    [][]fcache.Fragment
}

func (l *Linker) UnlinkIncoming(f fcache.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Unlinked = append(l.Unlinked, f)
}

func (l *Linker) LinkIncoming(f, target fcache.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Relinked = append(l.Relinked, f)
}

func (l *Linker) UnlinkAndStageForDeletion(chain []fcache.Fragment) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := make([]fcache.Fragment, len(chain))
	copy(cp, chain)
	l.Staged = append(l.Staged, cp)
}

// deletedEntry backs FragmentTable's lookup_deleted.
type deletedEntry struct {
	wasDeleted bool
}

func (d *deletedEntry) WasDeleted() bool    { return d.wasDeleted }
func (d *deletedEntry) ClearWasDeleted()    { d.wasDeleted = false }

// FragmentTable is a fake pclookup_htable / coarse_pclookup /
// lookup_deleted collaborator, backed by plain maps.
type FragmentTable struct {
	mu      sync.Mutex
	byPC    map[uintptr]fcache.Fragment
	deleted map[uintptr]*deletedEntry
}

func NewFragmentTable() *FragmentTable {
	return &FragmentTable{
		byPC:    make(map[uintptr]fcache.Fragment),
		deleted: make(map[uintptr]*deletedEntry),
	}
}

func (t *FragmentTable) Index(f fcache.Fragment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byPC[f.StartPC()] = f
}

func (t *FragmentTable) MarkDeleted(tag uintptr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleted[tag] = &deletedEntry{wasDeleted: true}
}

func (t *FragmentTable) PclookupHtable(pc uintptr) (fcache.Fragment, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	f, ok := t.byPC[pc]
	return f, ok
}

func (t *FragmentTable) CoarsePclookup(info any, pc uintptr) (uintptr, uintptr, bool) {
	return 0, pc, true
}

func (t *FragmentTable) LookupDeleted(tag uintptr) (fcache.DeletedEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.deleted[tag]
	if !ok {
		return nil, false
	}
	return e, true
}

// Quiescer models "no thread holds a pointer into cache memory" with
// a condvar-guarded active-reader counter, the same wait-for-drain
// shape as a refcounted cache entry: SynchAllThreads blocks until the
// inflight count drops to zero, the way callers of a busy cache entry
// park on a condition variable until it's safe to proceed.
type Quiescer struct {
	mu       sync.Mutex
	cond     *sync.Cond
	inflight int
	synching bool
}

func NewQuiescer() *Quiescer {
	q := &Quiescer{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enter/Exit bracket a reader's access to cache memory (e.g. a
// concurrent Pclookup walker), standing in for the real runtime's
// dispatch-loop safe points.
func (q *Quiescer) Enter() {
	q.mu.Lock()
	for q.synching {
		q.cond.Wait()
	}
	q.inflight++
	q.mu.Unlock()
}

func (q *Quiescer) Exit() {
	q.mu.Lock()
	q.inflight--
	if q.inflight == 0 {
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

func (q *Quiescer) SynchAllThreads(reason string) error {
	q.mu.Lock()
	q.synching = true
	for q.inflight > 0 {
		q.cond.Wait()
	}
	q.mu.Unlock()
	return nil
}

func (q *Quiescer) EndSynch() {
	q.mu.Lock()
	q.synching = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *Quiescer) IsSelfCouldBeLinking() bool  { return false }
func (q *Quiescer) SafeToAllocateMemory() bool { return true }

// FailingQuiescer always refuses to synch, for exercising
// fcache.ErrQuiesceFailure.
type FailingQuiescer struct{ Quiescer }

func (f *FailingQuiescer) SynchAllThreads(reason string) error {
	return fmt.Errorf("fcachesim: quiesce refused: %s", reason)
}
