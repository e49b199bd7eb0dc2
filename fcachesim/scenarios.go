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

package fcachesim

import (
	"github.com/SnellerInc/fcache"
)

// Harness bundles one registry, clock, flush engine and the fake
// collaborators, the minimum machinery any scenario needs, mirroring
// the single process-wide UnitRegistry/FlushClock of spec.md §3.
type Harness struct {
	Registry *fcache.UnitRegistry
	Clock    *fcache.FlushClock
	Linker   *Linker
	Table    *FragmentTable
	Quiescer *Quiescer
	Flush    *fcache.FlushEngine
}

// NewHarness builds a fresh Harness with threadCount feeding the dead
// list's park heuristic (spec.md §4.2).
func NewHarness(threadCount int) *Harness {
	h := &Harness{
		Registry: fcache.NewUnitRegistry(threadCount),
		Clock:    fcache.NewFlushClock(),
		Linker:   &Linker{},
		Table:    NewFragmentTable(),
		Quiescer: NewQuiescer(),
	}
	h.Flush = fcache.NewFlushEngine(h.Registry, h.Linker, h.Quiescer, h.Clock)
	return h
}

// NewCache is a thin wrapper around fcache.NewCache that plugs in the
// harness's shared collaborators, leaving only the sizing options and
// kind/sharing tuple to the caller.
func (h *Harness) NewCache(kind fcache.Kind, sharing fcache.Sharing, opts fcache.KindOptions, minEmptyHole int, useFreeList bool) (*fcache.Cache, error) {
	return fcache.NewCache(fcache.CacheConfig{
		Kind:            kind,
		Sharing:         sharing,
		Options:         opts,
		Linker:          h.Linker,
		Table:           h.Table,
		Registry:        h.Registry,
		Clock:           h.Clock,
		Quiescer:        h.Quiescer,
		MinEmptyHole:    minEmptyHole,
		UseFreeList:     useFreeList,
		CommitIncrement: 4096,
		AllowResize:     true,
	})
}

// smallOpts is a convenience set of KindOptions sized for a handful of
// small fragments per unit, the shape every scenario below starts
// from and tweaks.
func smallOpts() fcache.KindOptions {
	return fcache.KindOptions{
		UnitInit:      4096,
		UnitQuadruple: 4096,
		UnitMax:       4096 * 8,
		UnitUpgrade:   4096,
		Align:         16,
	}
}

// ScenarioA fills a private basic-block cache past its initial unit,
// exercising bump-allocation, grow-by-new-unit, and confirms every
// fragment remains addressable (spec.md §8 scenario A: steady
// insertion with no eviction pressure).
func ScenarioA(h *Harness) (*fcache.Cache, []*Fragment, error) {
	opts := smallOpts()
	opts.Max = 0
	opts.UnitMax = opts.UnitInit // forbid in-place resize: growth adds a unit
	c, err := h.NewCache(fcache.KindBB, fcache.Private, opts, 16, false)
	if err != nil {
		return nil, nil, err
	}
	var frags []*Fragment
	for i := 0; i < 64; i++ {
		f := NewFragment(uintptr(0x1000+i), 96, 0)
		if err := c.Add(f); err != nil {
			return c, frags, err
		}
		h.Table.Index(f)
		frags = append(frags, f)
	}
	return c, frags, nil
}

// ScenarioB removes every other fragment from a private cache, then
// reinserts to exercise empty-slot reuse via the FIFO's
// prependEmpty/replaceRun path (spec.md §4.3.2 step 2, §4.5).
func ScenarioB(h *Harness) (*fcache.Cache, error) {
	opts := smallOpts()
	c, err := h.NewCache(fcache.KindBB, fcache.Private, opts, 16, false)
	if err != nil {
		return nil, err
	}
	var frags []*Fragment
	for i := 0; i < 16; i++ {
		f := NewFragment(uintptr(0x2000+i), 64, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
		frags = append(frags, f)
	}
	for i, f := range frags {
		if i%2 == 0 {
			if err := c.Remove(f); err != nil {
				return c, err
			}
		}
	}
	for i := 0; i < 8; i++ {
		f := NewFragment(uintptr(0x3000+i), 64, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ScenarioC drives a finite private cache past its working-set ratio
// so Cache.Add is forced through Placer.replaceRun eviction, with one
// fragment flagged CANNOT_DELETE to exercise the no-eviction-possible
// retry/skip path (spec.md §4.3.3, §4.3.4).
func ScenarioC(h *Harness) (*fcache.Cache, error) {
	opts := smallOpts()
	opts.UnitMax = opts.UnitInit // forbid growth: force eviction immediately
	opts.Finite = true
	opts.Regen = 2
	opts.Replace = 4
	c, err := h.NewCache(fcache.KindBB, fcache.Private, opts, 16, false)
	if err != nil {
		return nil, err
	}
	pinned := NewFragment(0x4000, 64, fcache.FlagCannotDelete)
	if err := c.Add(pinned); err != nil {
		return c, err
	}
	for i := 0; i < 64; i++ {
		f := NewFragment(uintptr(0x4001+i), 64, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
	}
	return c, nil
}

// ScenarioD exercises a shared cache: free-list placement, then a
// full flush/reap cycle through the shared FlushEngine (spec.md §4.4,
// §4.6). Shared caches never evict individual fragments, only whole
// units.
func ScenarioD(h *Harness) (*fcache.Cache, error) {
	opts := smallOpts()
	opts.UnitMax = opts.UnitInit // shared requires unit_init == unit_max
	c, err := h.NewCache(fcache.KindTrace, fcache.Shared, opts, 32, true)
	if err != nil {
		return nil, err
	}
	var frags []*Fragment
	for i := 0; i < 8; i++ {
		f := NewFragment(uintptr(0x5000+i), 96, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
		frags = append(frags, f)
	}
	for _, f := range frags[:4] {
		if err := c.Remove(f); err != nil {
			return c, err
		}
	}
	for i := 0; i < 2; i++ {
		f := NewFragment(uintptr(0x6000+i), 96, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
	}
	if _, ok := c.FlushOldestUnit(h.Flush); ok {
		if err := h.Flush.FlushPending(); err != nil {
			return c, err
		}
		h.Flush.Reap(^uint32(0), fcache.DefaultMemoryProvider)
	}
	return c, nil
}

// ScenarioE forces an in-place resize of a private cache's sole unit
// by requesting a fragment larger than any remaining free space,
// exercising Placer.resize's copy/shift/relink path (spec.md §4.3.5).
func ScenarioE(h *Harness) (*fcache.Cache, *Fragment, error) {
	opts := smallOpts()
	opts.UnitInit = 256
	opts.UnitQuadruple = 256
	opts.UnitMax = 4096
	c, err := h.NewCache(fcache.KindBB, fcache.Private, opts, 16, false)
	if err != nil {
		return nil, nil, err
	}
	for i := 0; i < 3; i++ {
		f := NewFragment(uintptr(0x7000+i), 48, 0)
		if err := c.Add(f); err != nil {
			return c, nil, err
		}
	}
	big := NewFragment(0x7100, 512, 0)
	if err := c.Add(big); err != nil {
		return c, big, err
	}
	return c, big, nil
}

// ScenarioF drives ProactiveReset (spec.md §11 supplement): grows a
// private cache to several units, then triggers a capacity-driven
// reset that retires every unit but the newest (head) one.
func ScenarioF(h *Harness) (*fcache.Cache, error) {
	opts := smallOpts()
	opts.UnitMax = opts.UnitInit // forbid in-place resize: growth adds a unit
	opts.ResetAtNth = 3
	c, err := h.NewCache(fcache.KindBB, fcache.Private, opts, 16, false)
	if err != nil {
		return nil, err
	}
	for i := 0; i < 256; i++ {
		f := NewFragment(uintptr(0x8000+i), 64, 0)
		if err := c.Add(f); err != nil {
			return c, err
		}
		if c.Stats().FlushCount > 0 {
			break
		}
	}
	if err := h.Flush.FlushPending(); err != nil {
		return c, err
	}
	h.Flush.Reap(^uint32(0), fcache.DefaultMemoryProvider)
	return c, nil
}
