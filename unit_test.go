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

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	mem := make([]byte, 64)
	writeHeader(mem, 0, slotLive, 48)
	kind, size := readHeader(mem, 0)
	if kind != slotLive || size != 48 {
		t.Fatalf("got (%v, %d), want (slotLive, 48)", kind, size)
	}
	writeFooter(mem, 44, 48)
	if got := readFooter(mem, 44); got != 48 {
		t.Fatalf("footer round trip: got %d", got)
	}
}

func TestUnitBump(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	off, ok, tailSize := u.bump(64, 16, false)
	if !ok || off != 0 || tailSize != 0 {
		t.Fatalf("first bump: off=%d ok=%v tailSize=%d", off, ok, tailSize)
	}
	off2, ok, tailSize := u.bump(64, 16, false)
	if !ok || off2 != 64 || tailSize != 0 {
		t.Fatalf("second bump: off=%d ok=%v tailSize=%d", off2, ok, tailSize)
	}
	if u.Full() {
		t.Fatal("unit should not be full yet")
	}

	// exhaust the remaining tail down to less than minTailHole.
	remaining := u.endOff - u.curOff
	if _, ok, _ := u.bump(remaining-minTailHole(16)+1, 16, false); !ok {
		t.Fatal("bump into near-exhaustion should succeed")
	}
	if !u.Full() {
		t.Fatal("unit should be marked full once tail < minTailHole")
	}
}

func TestUnitBumpRestEmptyAbsorbsSmallTail(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	// Leave a tail of exactly minEmptyHole(16)==16 bytes: big enough to
	// absorb as one empty slot, too small to keep bumping into.
	want := minEmptyHole(16)
	n := u.endOff - want
	off, ok, tailSize := u.bump(n, 16, true)
	if !ok || off != 0 {
		t.Fatalf("bump: off=%d ok=%v", off, ok)
	}
	if tailSize != want {
		t.Fatalf("tailSize = %d, want %d", tailSize, want)
	}
	if u.curOff != u.endOff {
		t.Fatal("restEmpty absorption should advance curOff to endOff")
	}
	if !u.Full() {
		t.Fatal("unit with its tail fully absorbed should report full")
	}
}

func TestUnitBumpRestEmptyLeavesTinyTailAsOverhead(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	// A tail smaller than minEmptyHole can't safely hold a slot header
	// even when the caller asks for restEmpty absorption.
	n := u.endOff - (minEmptyHole(16) - 1)
	_, ok, tailSize := u.bump(n, 16, true)
	if !ok {
		t.Fatal("bump should still succeed")
	}
	if tailSize != 0 {
		t.Fatalf("tailSize = %d, want 0 for a sub-minEmptyHole tail", tailSize)
	}
	if !u.Full() {
		t.Fatal("unit should be marked full")
	}
}

func TestUnitBumpOverflow(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 256, 256, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	if _, ok, _ := u.bump(1024, 16, false); ok {
		t.Fatal("bump beyond committed extent must fail")
	}
}

func TestUnitSetWritableIdempotent(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	if !u.Writable() {
		t.Fatal("unit should start writable")
	}
	if err := u.setWritable(DefaultMemoryProvider, true); err != nil {
		t.Fatalf("no-op transition to same state: %v", err)
	}
	if err := u.setWritable(DefaultMemoryProvider, false); err != nil {
		t.Fatalf("set_writable(false): %v", err)
	}
	if u.Writable() {
		t.Fatal("unit should no longer be writable")
	}
	if err := u.setWritable(DefaultMemoryProvider, false); err != nil {
		t.Fatalf("repeated set_writable(false) should be a no-op: %v", err)
	}
}

func TestUnitWalk(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	writeHeader(u.region.Reserved, 0, slotLive, 32)
	writeHeader(u.region.Reserved, 32, slotEmpty, 16)
	writeHeader(u.region.Reserved, 48, slotLive, 32)
	u.curOff = 80

	var kinds []slotKind
	u.walk(func(off int, kind slotKind, size uint32) bool {
		kinds = append(kinds, kind)
		return true
	})
	want := []slotKind{slotLive, slotEmpty, slotLive}
	if len(kinds) != len(want) {
		t.Fatalf("walked %d slots, want %d", len(kinds), len(want))
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("slot %d: got %v, want %v", i, kinds[i], want[i])
		}
	}
}

func TestUnitWalkStopsEarly(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	writeHeader(u.region.Reserved, 0, slotLive, 32)
	writeHeader(u.region.Reserved, 32, slotLive, 32)
	u.curOff = 64

	visited := 0
	u.walk(func(off int, kind slotKind, size uint32) bool {
		visited++
		return false
	})
	if visited != 1 {
		t.Fatalf("walk should have stopped after 1 slot, visited %d", visited)
	}
}
