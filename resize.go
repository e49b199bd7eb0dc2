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
	"github.com/SnellerInc/fcache/internal/ints"
)

// resize performs the in-place unit resize of spec.md §4.3.5. It is
// only reachable for private, non-coarse caches (Placer.grow checks
// c.allowResize before calling this).
func (p Placer) resize(slotSize int) error {
	c := p.c
	old := c.headUnit()

	mult := 2
	if old.Size()*4 <= c.opts.UnitQuadruple {
		mult = 4
	}
	newSize := ints.Max(old.Size()*mult, slotSize*maxSingleMult)
	newSize = ints.Min(newSize, c.opts.UnitMax)
	if newSize < old.Size()+slotSize {
		newSize = old.Size() + slotSize
	}

	neu, reused, err := p.acquireUnit(newSize)
	if err != nil {
		return err
	}

	c.flushPendingUnmap()
	c.consistent = false

	copy(neu.region.Reserved, old.region.Reserved[:old.curOff])
	neu.curOff = old.curOff
	neu.liveByOffset = old.liveByOffset
	neu.freeByOffset = old.freeByOffset
	neu.cache = c

	shift := neu.StartPC() - old.StartPC()
	oldStart, oldEnd := old.StartPC(), old.EndPC()

	// pass 1: shift every live fragment's recorded addresses and
	// intra-cache references.
	old.walk(func(off int, kind slotKind, size uint32) bool {
		if kind != slotLive {
			return true
		}
		f, ok := neu.liveByOffset[off]
		if !ok {
			return true
		}
		f.SetStartPC(f.StartPC() + shift)
		f.Shift(shift, oldStart, oldEnd, old.Size())
		return true
	})

	// pass 2: re-link incoming edges, once per fragment.
	if c.linker != nil {
		old.walk(func(off int, kind slotKind, size uint32) bool {
			if kind != slotLive {
				return true
			}
			if f, ok := neu.liveByOffset[off]; ok {
				c.linker.LinkIncoming(f, f)
			}
			return true
		})
	}

	for f, pl := range c.placements {
		if pl.unit == old {
			c.placements[f] = slotPlacement{unit: neu, off: pl.off, size: pl.size}
		}
	}
	if c.fifo != nil {
		for _, n := range c.fifo.index {
			if n.unit == old {
				n.unit = neu
			}
		}
		for n := c.fifo.head; n != nil; n = n.next {
			if n.unit == old {
				n.unit = neu
			}
		}
	}

	c.registry.unregister(old)
	c.registry.register(neu)

	c.units[0] = neu
	c.size += neu.Size() - old.Size()
	if c.size > c.peakSize {
		c.peakSize = c.size
	}
	neu.full = false
	c.consistent = true

	_ = reused
	unitLeakCheckClear(old)
	c.pendingUnmap = old.region
	return nil
}

// acquireUnit finds a dead unit with sufficient reservation, extending
// its commitment to newSize, or reserves a fresh region.
func (p Placer) acquireUnit(newSize int) (*Unit, bool, error) {
	c := p.c
	if dead, ok := c.registry.takeDead(newSize, 0, 0); ok {
		if dead.Size() < newSize {
			if err := dead.extendCommit(c.mp, newSize-dead.Size()); err != nil {
				return nil, false, err
			}
		}
		dead.liveByOffset = make(map[int]Fragment)
		dead.freeByOffset = make(map[int]*freeEntry)
		dead.curOff = 0
		dead.full = false
		dead.pendingFree = false
		return dead, true, nil
	}
	u, err := createUnit(c.mp, newSize, newSize, c.alignment)
	return u, false, err
}

// flushPendingUnmap releases a previously resized-away unit's memory,
// deferred until the next placement so an in-flight emission can't be
// left referencing freed memory (spec.md §5's per-thread
// pending-unmap slot).
func (c *Cache) flushPendingUnmap() {
	if c.pendingUnmap == nil {
		return
	}
	if err := c.mp.Unmap(c.pendingUnmap); err != nil {
		errorf("fcache: deferred unmap failed: %v", err)
	}
	c.pendingUnmap = nil
}
