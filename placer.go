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
	"errors"
	"fmt"

	"github.com/SnellerInc/fcache/internal/ints"
)

// Placer is the policy layer that finds or makes a slot for a
// fragment, given its slot size (spec.md §4.3.2-3.5). It is a thin
// wrapper around the Cache it places into; all of its state lives on
// the Cache.
type Placer struct {
	c *Cache
}

const maxPlaceAttempts = 64

// place runs the seven-step algorithm of spec.md §4.3.2 and returns
// the absolute address of the fragment's body.
func (p Placer) place(f Fragment, slotSize int) (uintptr, error) {
	c := p.c
	for attempt := 0; attempt < maxPlaceAttempts; attempt++ {
		// 1. free-list fit (shared non-coarse only)
		if c.free != nil {
			if off, actual, u, ok := c.free.findFit(slotSize, c.minEmptyHole); ok {
				return p.commit(u, f, off, actual), nil
			}
		}

		// 2. FIFO empty-slot fit (private caches)
		if c.fifo != nil {
			if pc, ok, err := p.emptySlotFit(f, slotSize); err != nil {
				return 0, err
			} else if ok {
				return pc, nil
			}
		}

		// 3. bump-allocate at head unit, reclaiming a too-small-to-grow
		// tail as a reusable empty/free slot instead of wasting it
		// whenever the cache tracks one of those pools.
		if u := c.headUnit(); u != nil {
			restEmpty := c.fifo != nil || c.free != nil
			if off, ok, tailSize := u.bump(slotSize, c.minEmptyHole, restEmpty); ok {
				pc := p.commit(u, f, off, slotSize)
				if tailSize > 0 {
					tailOff := off + slotSize
					if c.free != nil {
						c.free.add(u, nil, tailOff, tailSize)
					} else {
						c.fifo.prependEmpty(u, tailOff, tailSize)
					}
				}
				return pc, nil
			}
		}

		// 4. grow, then restart from step 1
		if c.permitGrowth(slotSize) {
			if err := p.grow(slotSize); err != nil {
				if errors.Is(err, ErrOutOfReservation) || errors.Is(err, ErrUnsafeToAllocate) {
					errorf("fcache: grow failed, falling back to eviction: %v", err)
				} else {
					return 0, err
				}
			} else {
				continue
			}
		}

		// 5. FIFO victim eviction (private only): walk the FIFO
		// starting from the first live fragment, trying each as a
		// replace anchor in turn. A pinned (CANNOT_DELETE) fragment or
		// an anchor with too little trailing room doesn't abort the
		// search — it's step 6's "in-progress trace, skip and retry"
		// applied to the next live node.
		if c.fifo != nil {
			for n := c.fifo.head; n != nil; n = n.next {
				if n.isEmpty() {
					continue
				}
				pc, ok, err := p.replaceRun(f, slotSize, n.unit, n.off)
				if err != nil {
					if errors.Is(err, ErrNoEvictionPossible) {
						continue
					}
					return 0, err
				}
				if ok {
					return pc, nil
				}
			}
		}

		// 7. fail
		return 0, fmt.Errorf("fcache: place: %w", ErrNoEvictionPossible)
	}
	return 0, fmt.Errorf("fcache: place: exceeded retry budget")
}

// emptySlotFit walks the front of the FIFO while it holds empty-slot
// entries, attempting a contiguous replace run anchored at each one
// (spec.md §4.3.2 step 2).
func (p Placer) emptySlotFit(f Fragment, slotSize int) (uintptr, bool, error) {
	c := p.c
	for n := c.fifo.head; n != nil && n.isEmpty(); n = n.next {
		if n.unit.endOff-n.off < slotSize {
			continue
		}
		pc, ok, err := p.replaceRun(f, slotSize, n.unit, n.off)
		if err != nil {
			if errors.Is(err, ErrNoEvictionPossible) {
				continue
			}
			return 0, false, err
		}
		if ok {
			return pc, true, nil
		}
	}
	return 0, false, nil
}

// commit writes the live-fragment header at off in u, indexes it, and
// records its placement, returning the absolute body address.
func (p Placer) commit(u *Unit, f Fragment, off, size int) uintptr {
	writeHeader(u.region.Reserved, off, slotLive, uint32(size))
	u.liveByOffset[off] = f
	p.c.placements[f] = slotPlacement{unit: u, off: off, size: size}
	if p.c.fifo != nil {
		p.c.fifo.append(f, u, off, size)
	}
	return u.StartPC() + uintptr(off) + headerSize
}

// replaceRun implements Placer::replace (spec.md §4.3.3): a contiguous
// eviction run starting at (u, startOff).
func (p Placer) replaceRun(f Fragment, slotSize int, u *Unit, startOff int) (uintptr, bool, error) {
	c := p.c

	// pass 1: dry run
	type runSlot struct {
		off  int
		kind slotKind
		size int
		frag Fragment
	}
	var run []runSlot
	cum := 0
	off := startOff
	for cum < slotSize && off < u.curOff {
		kind, size := readHeader(u.region.Reserved, off)
		var frag Fragment
		if kind == slotLive {
			frag = u.liveByOffset[off]
			if frag != nil && frag.Flags().Has(FlagCannotDelete) {
				return 0, false, ErrNoEvictionPossible
			}
		}
		run = append(run, runSlot{off: off, kind: kind, size: int(size), frag: frag})
		cum += int(size)
		off += int(size)
	}

	deficit := 0
	if cum < slotSize && off >= u.curOff {
		deficit = slotSize - cum
		if u.endOff-u.curOff < deficit {
			return 0, false, nil // not enough committed tail either; caller tries elsewhere
		}
	}

	// pass 2: evict
	for _, s := range run {
		switch s.kind {
		case slotLive:
			if s.frag == nil {
				continue
			}
			c.fifo.remove(s.frag)
			delete(u.liveByOffset, s.off)
			delete(c.placements, s.frag)
			if c.linker != nil {
				c.linker.UnlinkIncoming(s.frag)
			}
			c.evictCount++
			if c.opts.Finite && c.opts.Replace > 0 {
				c.numReplaced++
			}
		case slotFree:
			if fe, ok := u.freeByOffset[s.off]; ok {
				delete(u.freeByOffset, s.off)
				_ = fe
			}
		case slotEmpty:
			c.fifo.removeEmptyAt(u, s.off)
		}
	}

	if deficit > 0 {
		if _, ok, _ := u.bump(deficit, c.minEmptyHole, false); !ok {
			return 0, false, fmt.Errorf("fcache: replace: deficit bump failed")
		}
		cum += deficit
	}

	finalSize := slotSize
	leftover := cum - slotSize
	if leftover > minEmptyHole(c.minEmptyHole) {
		tailOff := startOff + slotSize
		if c.free != nil {
			c.free.add(u, nil, tailOff, leftover)
		} else {
			c.fifo.prependEmpty(u, tailOff, leftover)
		}
	} else if leftover > 0 {
		finalSize = cum // absorb small leftover as this fragment's padding
		f.SetSlotExtra(f.SlotExtra() + leftover)
	}

	return p.commit(u, f, startOff, finalSize), true
}

// grow implements spec.md §4.3.2 step 4: extend the head unit's
// commitment, create a new unit, or resize in place.
func (p Placer) grow(slotSize int) error {
	c := p.c
	if c.quiescer != nil && !c.quiescer.SafeToAllocateMemory() {
		return fmt.Errorf("fcache: grow: %w", ErrUnsafeToAllocate)
	}
	u := c.headUnit()
	if u != nil && u.ReservedSize() > u.Size() {
		delta := ints.Min(c.commitIncrement(), u.ReservedSize()-u.Size())
		if err := u.extendCommit(c.mp, delta); err != nil {
			return err
		}
		c.size += delta
		if c.size > c.peakSize {
			c.peakSize = c.size
		}
		return nil
	}
	if u == nil || u.ReservedSize() >= c.opts.UnitMax || !c.allowResize {
		newSize := c.opts.UnitInit
		if newSize <= 0 {
			newSize = slotSize * maxSingleMult
		}
		if newSize < slotSize {
			newSize = slotSize * maxSingleMult
		}
		_, err := c.newUnit(newSize)
		return err
	}
	return p.resize(slotSize)
}

func (c *Cache) commitIncrement() int { return c.commitIncr }
