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
	"unsafe"

	"github.com/SnellerInc/fcache/internal/arena"
)

// unsafeBase returns the address of a region's first reserved byte.
// The region is backed by a non-moving mmap (or VirtualAlloc)
// allocation, so this address is stable for the region's lifetime;
// Go's GC never relocates it because arena memory isn't Go-managed.
func unsafeBase(r *arena.Region) uintptr {
	if len(r.Reserved) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&r.Reserved[0]))
}
