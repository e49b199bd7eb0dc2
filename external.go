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

import "github.com/SnellerInc/fcache/internal/arena"

// MemoryProvider is the abstract reserve/extend-commitment/unmap/
// set-protection collaborator (spec.md §6). The default
// implementation, arenaProvider, delegates to internal/arena; tests
// may substitute a fake that tracks calls without mapping real memory.
type MemoryProvider interface {
	Reserve(reservedSize, initialCommit int) (*arena.Region, error)
	ExtendCommit(r *arena.Region, delta int) error
	// SetProtection flips the region's committed prefix between RX
	// (writable=false) and RWX (writable=true).
	SetProtection(r *arena.Region, writable bool) error
	Unmap(r *arena.Region) error
}

type arenaProvider struct{}

func (arenaProvider) Reserve(reservedSize, initialCommit int) (*arena.Region, error) {
	return arena.Reserve(reservedSize, initialCommit)
}

func (arenaProvider) ExtendCommit(r *arena.Region, delta int) error {
	return arena.ExtendCommit(r, delta)
}

func (arenaProvider) SetProtection(r *arena.Region, writable bool) error {
	if writable {
		return arena.SetProtection(r, arena.ProtReadWriteExec)
	}
	return arena.SetProtection(r, arena.ProtReadExec)
}

func (arenaProvider) Unmap(r *arena.Region) error {
	arena.Hint(r.Mem())
	return arena.Release(r)
}

// DefaultMemoryProvider is the real OS-backed MemoryProvider, used
// whenever CacheConfig.MemoryProvider is nil.
var DefaultMemoryProvider MemoryProvider = arenaProvider{}

// Linker patches direct/indirect control transfers between fragments.
// The core calls it on shift (resize) and on flush; it never inspects
// link targets itself.
type Linker interface {
	UnlinkIncoming(f Fragment)
	LinkIncoming(f, target Fragment)
	// UnlinkAndStageForDeletion is called at most once per
	// FlushEngine.FlushPending call, under quiesce, with one chain
	// holding the live fragments of every unit that call stole; it is
	// not called when that chain is empty.
	UnlinkAndStageForDeletion(chain []Fragment)
}

// DeletedEntry is the external record of a logically-deleted fragment
// awaiting its pending flushtime to drain.
type DeletedEntry interface {
	WasDeleted() bool
	ClearWasDeleted()
}

// FragmentTable is the external pc-lookup / coarse-lookup / deleted-
// fragment collaborator.
type FragmentTable interface {
	// PclookupHtable is the consistency fallback used while a cache's
	// Placer has cleared consistent (mid-resize).
	PclookupHtable(pc uintptr) (Fragment, bool)
	// CoarsePclookup resolves a pc within a coarse cache's units,
	// which carry no in-cache headers.
	CoarsePclookup(info any, pc uintptr) (tag uintptr, bodyPC uintptr, ok bool)
	// LookupDeleted drives the working-set regeneration accounting
	// (spec.md §4.3.4): a present entry whose WasDeleted() is true
	// indicates this placement is a regeneration of a prior fragment.
	LookupDeleted(tag uintptr) (DeletedEntry, bool)
}

// Quiescer brings every other worker thread to a safe point outside
// the cache so FlushEngine can retire units without racing a
// concurrent walker.
type Quiescer interface {
	SynchAllThreads(reason string) error
	EndSynch()
	IsSelfCouldBeLinking() bool
	SafeToAllocateMemory() bool
}
