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

func newRegistryTestUnit(t *testing.T, size int) *Unit {
	t.Helper()
	u, err := createUnit(DefaultMemoryProvider, size, size, 16)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { DefaultMemoryProvider.Unmap(u.region) })
	return u
}

func TestRegistryLookup(t *testing.T) {
	r := NewUnitRegistry(1)
	a := newRegistryTestUnit(t, 4096)
	b := newRegistryTestUnit(t, 4096)
	r.register(a)
	r.register(b)

	if got, ok := r.lookup(a.StartPC()); !ok || got != a {
		t.Fatalf("lookup(a.StartPC()) = (%v, %v), want (a, true)", got, ok)
	}
	if got, ok := r.lookup(b.EndPC() - 1); !ok || got != b {
		t.Fatalf("lookup(b.EndPC()-1) = (%v, %v), want (b, true)", got, ok)
	}
	if _, ok := r.lookup(b.ReservedEndPC()); ok {
		t.Fatal("lookup at the reservation end must miss")
	}

	r.unregister(a)
	if _, ok := r.lookup(a.StartPC()); ok {
		t.Fatal("unregistered unit must no longer resolve")
	}
}

func TestRegistryAllUnitsOrder(t *testing.T) {
	r := NewUnitRegistry(1)
	a := newRegistryTestUnit(t, 4096)
	b := newRegistryTestUnit(t, 4096)
	c := newRegistryTestUnit(t, 4096)
	r.register(a)
	r.register(b)
	r.register(c)

	all := r.allUnits()
	if len(all) != 3 || all[0] != a || all[1] != b || all[2] != c {
		t.Fatalf("allUnits() = %v, want [a b c] in registration order", all)
	}

	r.unregister(b)
	all = r.allUnits()
	if len(all) != 2 || all[0] != a || all[1] != c {
		t.Fatalf("allUnits() after removing b = %v, want [a c]", all)
	}
}

func TestRegistryDeadRoundTrip(t *testing.T) {
	r := NewUnitRegistry(1)
	u := newRegistryTestUnit(t, 8192)

	if err := r.parkDead(DefaultMemoryProvider, u); err != nil {
		t.Fatalf("parkDead: %v", err)
	}
	if _, ok := r.takeDead(16384, 0, 0); ok {
		t.Fatal("takeDead should refuse a unit smaller than minSize")
	}
	got, ok := r.takeDead(4096, 0, 0)
	if !ok || got != u {
		t.Fatalf("takeDead(4096) = (%v, %v), want (u, true)", got, ok)
	}
	if _, ok := r.takeDead(4096, 0, 0); ok {
		t.Fatal("the dead unit must only be handed out once")
	}
}

func TestRegistryParkDeadCapsAtHeuristic(t *testing.T) {
	r := NewUnitRegistry(4) // cap = max(5, 4/4) = 5
	var units []*Unit
	for i := 0; i < 6; i++ {
		u := newRegistryTestUnit(t, 4096)
		units = append(units, u)
		if err := r.parkDead(DefaultMemoryProvider, u); err != nil {
			t.Fatalf("parkDead[%d]: %v", i, err)
		}
	}
	if len(r.dead) != 5 {
		t.Fatalf("dead list = %d entries, want capped at 5", len(r.dead))
	}
}

func TestRegistryFlushFreeLifecycle(t *testing.T) {
	r := NewUnitRegistry(1)
	a := newRegistryTestUnit(t, 4096)
	b := newRegistryTestUnit(t, 4096)
	r.register(a)
	r.register(b)

	r.markForFlush(a)
	r.markForFlush(b)
	stolen := r.stealToFlush()
	if len(stolen) != 2 {
		t.Fatalf("stealToFlush returned %d units, want 2", len(stolen))
	}
	if more := r.stealToFlush(); len(more) != 0 {
		t.Fatal("a second stealToFlush before any new markForFlush must be empty")
	}

	r.appendToFree(stolen, 5)
	if reaped := r.reapFree(4); len(reaped) != 0 {
		t.Fatal("reapFree below the stamped flushtime must return nothing")
	}
	reaped := r.reapFree(5)
	if len(reaped) != 2 {
		t.Fatalf("reapFree(5) = %d units, want 2", len(reaped))
	}
}

func TestRegistryAppendToFreeOrderingPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("appendToFree must panic when flushtime ordering is violated")
		}
	}()
	r := NewUnitRegistry(1)
	u := newRegistryTestUnit(t, 4096)
	r.appendToFree([]*Unit{u}, 10)
	r.appendToFree([]*Unit{u}, 5)
}
