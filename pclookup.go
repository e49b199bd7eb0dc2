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

// Pclookup resolves an in-cache pc to the fragment owning it
// (spec.md §4.7). It requires the owning cache to be in a consistent
// state; during a resize, consistent is false and the lookup falls
// back to the external htable.
func Pclookup(registry *UnitRegistry, table FragmentTable, pc uintptr) (Fragment, bool) {
	u, ok := registry.lookup(pc)
	if !ok {
		return nil, false
	}
	c := u.cache
	if c == nil {
		return nil, false
	}
	if c.coarse != nil {
		if table == nil {
			return nil, false
		}
		_, bodyPC, ok := table.CoarsePclookup(c.coarse, pc)
		if !ok {
			return nil, false
		}
		return table.PclookupHtable(bodyPC)
	}

	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	if !c.consistent {
		if table == nil {
			return nil, false
		}
		return table.PclookupHtable(pc)
	}

	var found Fragment
	u.walk(func(off int, kind slotKind, size uint32) bool {
		pcWalk := u.StartPC() + uintptr(off)
		if pcWalk >= pc {
			return false
		}
		if kind == slotLive {
			if f, ok := u.liveByOffset[off]; ok {
				bodyStart := pcWalk + headerSize
				bodyEnd := bodyStart + uintptr(f.Size())
				if pc >= bodyStart && pc < bodyEnd {
					found = f
					return false
				}
			}
		}
		return true
	})
	return found, found != nil
}
