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

package fcache_test

import (
	"testing"

	"github.com/SnellerInc/fcache"
	"github.com/SnellerInc/fcache/fcachesim"
)

func TestScenarioASteadyInsertion(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, frags, err := fcachesim.ScenarioA(h)
	if err != nil {
		t.Fatal(err)
	}
	stats := c.Stats()
	if stats.UnitCount < 2 {
		t.Fatalf("expected growth past the first unit, got %d units", stats.UnitCount)
	}
	for _, f := range frags {
		if f.StartPC() == 0 {
			t.Fatal("every placed fragment must have a nonzero StartPC")
		}
	}
}

func TestScenarioBEmptySlotReuse(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := fcachesim.ScenarioB(h)
	if err != nil {
		t.Fatal(err)
	}
	if c.Stats().UnitCount != 1 {
		t.Fatalf("reinsertion should fit in the empty slots of the single unit, got %d units", c.Stats().UnitCount)
	}
}

func TestScenarioCEvictionWithPinnedFragment(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := fcachesim.ScenarioC(h)
	if err != nil {
		t.Fatal(err)
	}
	if c.Stats().EvictCount == 0 {
		t.Fatal("expected at least one eviction once the unit can no longer grow")
	}
}

func TestScenarioDSharedFlushReap(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := fcachesim.ScenarioD(h)
	if err != nil {
		t.Fatal(err)
	}
	_ = c
	if len(h.Linker.Staged) == 0 {
		t.Fatal("expected the flush engine to stage at least one unit's chain for deletion")
	}
}

func TestScenarioEInPlaceResize(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, big, err := fcachesim.ScenarioE(h)
	if err != nil {
		t.Fatal(err)
	}
	if big.StartPC() == 0 {
		t.Fatal("the oversized fragment should have been placed after a resize")
	}
	if c.Stats().UnitCount != 1 {
		t.Fatalf("in-place resize must not add units, got %d", c.Stats().UnitCount)
	}
}

func TestScenarioFProactiveReset(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := fcachesim.ScenarioF(h)
	if err != nil {
		t.Fatal(err)
	}
	if c.Stats().FlushCount == 0 {
		t.Fatal("expected ProactiveReset to have fired at least once")
	}
}

func TestAddRemoveRoundTrip(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := h.NewCache(fcache.KindBB, fcache.Private, fcache.KindOptions{
		UnitInit: 4096, UnitQuadruple: 4096, UnitMax: 4096, Align: 16,
	}, 16, false)
	if err != nil {
		t.Fatal(err)
	}
	f := fcachesim.NewFragment(1, 64, 0)
	if err := c.Add(f); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(f); err != nil {
		t.Fatal(err)
	}
	if err := c.Remove(f); err == nil {
		t.Fatal("removing an already-removed fragment must error")
	}
}

func TestCacheRejectsOversizeFragment(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := h.NewCache(fcache.KindBB, fcache.Private, fcache.KindOptions{
		UnitInit: 4096, UnitQuadruple: 4096, UnitMax: 4096, Max: 128, Align: 16,
	}, 16, false)
	if err != nil {
		t.Fatal(err)
	}
	f := fcachesim.NewFragment(1, 4096, 0)
	err = c.Add(f)
	if err == nil {
		t.Fatal("a fragment whose slot exceeds Max must be rejected")
	}
}

func TestPclookupFindsPlacedFragment(t *testing.T) {
	h := fcachesim.NewHarness(1)
	c, err := h.NewCache(fcache.KindBB, fcache.Private, fcache.KindOptions{
		UnitInit: 4096, UnitQuadruple: 4096, UnitMax: 4096, Align: 16,
	}, 16, false)
	if err != nil {
		t.Fatal(err)
	}
	f := fcachesim.NewFragment(1, 64, 0)
	if err := c.Add(f); err != nil {
		t.Fatal(err)
	}
	h.Table.Index(f)

	got, ok := fcache.Pclookup(h.Registry, h.Table, f.StartPC())
	if !ok || got != f {
		t.Fatalf("Pclookup(f.StartPC()) = (%v, %v), want (f, true)", got, ok)
	}
	if _, ok := fcache.Pclookup(h.Registry, h.Table, f.StartPC()+uintptr(f.Size())+1024); ok {
		t.Fatal("an address outside any fragment's body must not resolve")
	}
}
