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
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/SnellerInc/fcache/internal/arena"
)

// slotKind tags the 8-byte header written at the start of every slot
// in a non-coarse unit. This is the reimplementation of the source's
// flag-bit-at-matching-struct-offset trick (spec.md §9): a single
// 4-byte read classifies the slot, and the actual fragment/free-entry
// object is found through a side table (liveByOffset/freeByOffset)
// rather than by reinterpreting a raw backpointer written into
// untyped memory.
type slotKind uint32

const (
	slotLive slotKind = iota + 1
	slotEmpty
	slotFree
)

// headerSize is the physical size, in bytes, of the tag+size header
// written at every slot's start. footerSize is the size of the
// size-only trailer written at the end of free-list slots, used for
// backward coalescing (spec.md §4.4).
const (
	headerSize = 8
	footerSize = 4
)

func readHeader(mem []byte, off int) (slotKind, uint32) {
	return slotKind(binary.LittleEndian.Uint32(mem[off:])), binary.LittleEndian.Uint32(mem[off+4:])
}

func writeHeader(mem []byte, off int, kind slotKind, size uint32) {
	binary.LittleEndian.PutUint32(mem[off:], uint32(kind))
	binary.LittleEndian.PutUint32(mem[off+4:], size)
}

func readFooter(mem []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(mem[off:])
}

func writeFooter(mem []byte, off int, size uint32) {
	binary.LittleEndian.PutUint32(mem[off:], size)
}

// emptySlot describes a placeholder slot by offset and size; nothing
// uses it (Fifo placeholders are fifoNode entries with no fragment).
type emptySlot struct {
	off, size int
}

// Unit owns one contiguous executable memory range, bump-allocated
// from the front. Mutated only by the owning Cache while holding the
// Cache lock (shared caches) or by the owning thread (private),
// mirroring vm/slab.go's single-owner pageref discipline.
type Unit struct {
	ID uuid.UUID

	region *arena.Region

	curOff int // bump pointer, offset within region.Reserved
	endOff int // committed extent, offset within region.Reserved

	full        bool
	writable    bool
	pendingFree bool
	flushtime   uint32

	cache *Cache

	allNext, allPrev *Unit // UnitRegistry all-units list

	// liveByOffset/freeByOffset index the slots physically present in
	// this unit's memory by their header offset, so a contiguous walk
	// can resolve a header to its Go-level object without storing a
	// Go pointer inside non-GC-managed mmap'd memory.
	liveByOffset map[int]Fragment
	freeByOffset map[int]*freeEntry

	alignment int
}

// StartPC is the absolute address of the unit's first byte.
func (u *Unit) StartPC() uintptr {
	return uintptr(unsafeBase(u.region))
}

// EndPC is the absolute address of the end of the committed extent.
func (u *Unit) EndPC() uintptr { return u.StartPC() + uintptr(u.endOff) }

// ReservedEndPC is the absolute address of the end of the full
// reservation (committed or not).
func (u *Unit) ReservedEndPC() uintptr { return u.StartPC() + uintptr(len(u.region.Reserved)) }

// CurPC is the current bump pointer, as an absolute address.
func (u *Unit) CurPC() uintptr { return u.StartPC() + uintptr(u.curOff) }

// Size is the committed size in bytes.
func (u *Unit) Size() int { return u.endOff }

// ReservedSize is the full reservation size in bytes.
func (u *Unit) ReservedSize() int { return len(u.region.Reserved) }

func (u *Unit) Full() bool        { return u.full }
func (u *Unit) Writable() bool    { return u.writable }
func (u *Unit) PendingFree() bool { return u.pendingFree }
func (u *Unit) Flushtime() uint32 { return u.flushtime }

// createUnit reserves reservedSize bytes of executable memory, commits
// the first initialCommitSize bytes RWX, and returns a new Unit.
// Matches spec.md §4.1's Unit::create: cur_pc = start_pc, full=false,
// writable=true. Registration in the UnitRegistry is the caller's
// responsibility (Cache.newUnit does both).
func createUnit(mp MemoryProvider, reservedSize, initialCommitSize, alignment int) (*Unit, error) {
	r, err := mp.Reserve(reservedSize, initialCommitSize)
	if err != nil {
		return nil, fmt.Errorf("fcache: create unit: %w", ErrOutOfReservation)
	}
	u := &Unit{
		ID:           uuid.New(),
		region:       r,
		endOff:       initialCommitSize,
		writable:     true,
		alignment:    alignment,
		liveByOffset: make(map[int]Fragment),
		freeByOffset: make(map[int]*freeEntry),
	}
	unitLeakCheck(u)
	return u, nil
}

// extendCommit grows end_pc by delta, a multiple of the cache's
// configured commit increment, keeping reserved_end_pc fixed. Fails
// when the extension would cross the reservation boundary.
func (u *Unit) extendCommit(mp MemoryProvider, delta int) error {
	if u.endOff+delta > len(u.region.Reserved) {
		return fmt.Errorf("fcache: extend_commit: %w", ErrOutOfReservation)
	}
	if err := mp.ExtendCommit(u.region, delta); err != nil {
		return fmt.Errorf("fcache: extend_commit: %w", err)
	}
	u.endOff += delta
	return nil
}

// minTailHole and minEmptyHole are derived per Cache (traces use a
// larger constant than basic blocks, spec.md §4.1); minEmptyHole takes
// the per-kind constant as perKindMin, with minCommonSlotSize as the
// process-wide floor.
const minCommonSlotSize = headerSize + footerSize

func minEmptyHole(perKindMin int) int {
	if perKindMin > minCommonSlotSize {
		return perKindMin
	}
	return minCommonSlotSize
}

func minTailHole(perKindMin int) int { return 2 * minEmptyHole(perKindMin) }

// bump returns the current bump pointer offset and advances it by n,
// valid only when cur + n <= end. If the remaining tail after the bump
// is smaller than minTailHole, the unit is marked full and the tail is
// absorbed as overhead unless restEmpty requests it become a single
// empty/free slot instead, in which case tailSize reports its size (0
// when there is nothing to absorb) and the caller is responsible for
// registering [off+n, off+n+tailSize) as that slot.
func (u *Unit) bump(n, perKindMinEmptyHole int, restEmpty bool) (off int, ok bool, tailSize int) {
	if u.curOff+n > u.endOff {
		return 0, false, 0
	}
	off = u.curOff
	u.curOff += n
	tail := u.endOff - u.curOff
	if tail < minTailHole(perKindMinEmptyHole) {
		if restEmpty && tail >= minEmptyHole(perKindMinEmptyHole) {
			u.curOff = u.endOff
			u.full = true
			return off, true, tail
		}
		u.full = true
	}
	return off, true, 0
}

// setWritable transitions page protection between RX and RWX across
// the committed extent. Idempotent: a repeated call with the same
// value is a no-op, satisfying the round-trip law of spec.md §8.
func (u *Unit) setWritable(mp MemoryProvider, writable bool) error {
	if u.writable == writable {
		return nil
	}
	if err := mp.SetProtection(u.region, writable); err != nil {
		return fmt.Errorf("fcache: set_writable(%v): %w", writable, err)
	}
	u.writable = writable
	return nil
}

// walk invokes fn for every slot header in [start_pc, cur_pc) in
// physical order, stopping early if fn returns false. This is the
// contiguous walk of spec.md §3 invariant 1/2, the basis for
// pclookup, resize fixup and flush chaining.
func (u *Unit) walk(fn func(off int, kind slotKind, size uint32) bool) {
	mem := u.region.Reserved
	off := 0
	for off < u.curOff {
		kind, size := readHeader(mem, off)
		if !fn(off, kind, size) {
			return
		}
		off += int(size)
	}
}
