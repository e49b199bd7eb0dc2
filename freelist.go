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

// maxFreeEntrySize mirrors the source's choice (spec.md §9 Open
// Questions): entries larger than this are leaked rather than tracked,
// since the accounting complexity isn't worth it for the rare
// oversized free.
const maxFreeEntrySize = 1<<32 - 1

// freeListSizes calibrates the bucket boundaries; bucket i holds
// entries of size in [freeListSizes[i], freeListSizes[i+1]), and the
// last bucket is unbounded above.
var freeListSizes = [numFreeBuckets]int{0, 44, 52, 56, 64, 72, 80, 112, 172}

const numFreeBuckets = 9

func bucketOf(size int) int {
	b := 0
	for i, s := range freeListSizes {
		if size >= s {
			b = i
		} else {
			break
		}
	}
	return b
}

// freeEntry is the Go-level object backing one free-list slot. Its
// next/prev are the bucket's own doubly-linked list; the slot's
// physical header/footer in unit memory carry only {kind, size} (see
// unit.go), not these pointers, since storing live Go pointers inside
// non-GC-managed mmap'd bytes would be unsafe.
type freeEntry struct {
	unit       *Unit
	off        int
	size       int
	bucket     int
	next, prev *freeEntry
}

// FreeList is the size-bucketed free-slot list backing shared
// non-coarse caches (spec.md §4.4). All mutation requires the owning
// Cache's lock.
type FreeList struct {
	buckets [numFreeBuckets]*freeEntry
	charge  int // sum of all live entry sizes (spec.md §8 invariant 2)
}

func (fl *FreeList) push(e *freeEntry) {
	e.bucket = bucketOf(e.size)
	e.next = fl.buckets[e.bucket]
	e.prev = nil
	if e.next != nil {
		e.next.prev = e
	}
	fl.buckets[e.bucket] = e
	fl.charge += e.size
}

func (fl *FreeList) unlink(e *freeEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		fl.buckets[e.bucket] = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	e.next, e.prev = nil, nil
	fl.charge -= e.size
	delete(e.unit.freeByOffset, e.off)
}

func writeFreeEntry(u *Unit, off, size int) *freeEntry {
	mem := u.region.Reserved
	writeHeader(mem, off, slotFree, uint32(size))
	writeFooter(mem, off+size-footerSize, uint32(size))
	e := &freeEntry{unit: u, off: off, size: size}
	u.freeByOffset[off] = e
	return e
}

// slotAt classifies the slot whose header starts at off in u, if off
// is below cur_pc.
func (u *Unit) slotAt(off int) (kind slotKind, size uint32, ok bool) {
	if off >= u.curOff {
		return 0, 0, false
	}
	k, s := readHeader(u.region.Reserved, off)
	return k, s, true
}

// add returns a freed slot [pc, pc+size) in unit u to the free list,
// coalescing with physically adjacent free neighbors (spec.md §4.4).
// f is the fragment that previously occupied the slot, used to test
// FOLLOWS_FREE_ENTRY for backward coalescing; it may be nil when add
// is called on a slot that was never a live fragment (e.g. splitting
// leftover space in find_fit).
func (fl *FreeList) add(u *Unit, f Fragment, pc, size int) {
	if size > maxFreeEntrySize {
		errorf("fcache: free entry of size %d exceeds MAX_FREE_ENTRY_SIZE, leaking", size)
		return
	}

	// forward coalesce
	if kind, nsize, ok := u.slotAt(pc + size); ok {
		if kind == slotFree {
			next := u.freeByOffset[pc+size]
			fl.unlink(next)
			size += next.size
		} else if kind == slotLive {
			if nf, ok := u.liveByOffset[pc+size]; ok {
				nf.SetFlags(nf.Flags() | FlagFollowsFreeEntry)
			}
		}
		_ = nsize
	}

	// backward coalesce
	if f != nil && f.Flags().Has(FlagFollowsFreeEntry) {
		footerOff := pc - footerSize
		if footerOff >= 0 {
			priorSize := int(readFooter(u.region.Reserved, footerOff))
			priorOff := pc - priorSize
			if prior, ok := u.freeByOffset[priorOff]; ok {
				fl.unlink(prior)
				pc = priorOff
				size += priorSize
			}
		}
	}

	// return-to-tail
	if u == u.cache.headUnit() && pc+size == u.curOff {
		u.curOff = pc
		u.full = false
		return
	}

	e := writeFreeEntry(u, pc, size)
	fl.push(e)
}

// findFit returns the first entry, scanning buckets upward from
// bucketOf(size), whose size >= size, splitting off any leftover
// larger than minEmptyHole and otherwise absorbing it as padding
// (spec.md §4.4 find_fit).
func (fl *FreeList) findFit(size, perKindMinEmptyHole int) (pc int, actualSize int, unit *Unit, ok bool) {
	for b := bucketOf(size); b < len(fl.buckets); b++ {
		for e := fl.buckets[b]; e != nil; e = e.next {
			if e.size < size {
				continue
			}
			fl.unlink(e)
			u := e.unit
			leftover := e.size - size
			if leftover > minEmptyHole(perKindMinEmptyHole) {
				tailOff := e.off + size
				fl.add(u, nil, tailOff, leftover)
				return e.off, size, u, true
			}
			// whole entry consumed: clear FOLLOWS_FREE_ENTRY on any
			// following live fragment, since the free predecessor is
			// gone now (it became part of the placed fragment's slot).
			if nf, ok := u.liveByOffset[e.off+e.size]; ok {
				nf.SetFlags(nf.Flags() &^ FlagFollowsFreeEntry)
			}
			return e.off, e.size, u, true
		}
	}
	return 0, 0, nil, false
}
