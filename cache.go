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
	"fmt"
	"sync"

	"github.com/SnellerInc/fcache/internal/arena"
	"github.com/SnellerInc/fcache/internal/heap"
	"github.com/SnellerInc/fcache/internal/ints"
)

// Kind is the fragment kind a Cache holds.
type Kind int

const (
	KindBB Kind = iota
	KindTrace
	KindCoarseBB
)

// Sharing distinguishes a thread-private cache from a process-shared
// one.
type Sharing int

const (
	Private Sharing = iota
	Shared
)

// minFcacheSlotSize is the process-wide floor on slot size, below
// which a requested slot is rounded up (spec.md §4.3.1 step 1).
const minFcacheSlotSize = 32

// maxSingleMult sets a floor for an oversized fragment request: an
// in-place resize grows to at least slot_size*maxSingleMult (before the
// UnitMax cap), and Placer.grow sizes a new unit that way when UnitInit
// is smaller than the slot (spec.md §11 supplement, MAX_SINGLE_MULTIPLE
// in the original).
const maxSingleMult = 4

type slotPlacement struct {
	unit      *Unit
	off, size int
}

// Cache orchestrates placement and eviction for one (kind, sharing)
// tuple (spec.md §4.3). Shared caches serialize all mutation behind
// mu; private caches are only ever touched by their owning thread and
// take no lock, matching spec.md §5's acquisition rules.
type Cache struct {
	kind    Kind
	sharing Sharing
	opts    KindOptions

	registry *UnitRegistry
	mp       MemoryProvider
	linker   Linker
	table    FragmentTable
	clock    *FlushClock
	quiescer Quiescer

	mu sync.Mutex

	units []*Unit // local list; units[0] is the only potentially non-full unit
	size  int     // total committed size, Σ U.Size() (spec.md §8 invariant 7)

	consistent bool // false while a resize is in flight (§4.7)

	fifo *Fifo     // private, non-coarse
	free *FreeList // shared, non-coarse
	coarse any     // coarse caches' external back-pointer; nil otherwise

	placements map[Fragment]slotPlacement

	// working-set policy state (spec.md §4.3.4)
	numRegenerated, numReplaced int
	wsetCheck                   int
	recordWset                  bool
	grantedFreeUpgrade          bool

	// unit creation order, oldest first, for the "flush the oldest
	// unit" working-set fallback (§4.3.4).
	unitSeq  int
	unitHeap []*unitAge

	// stats (ADDED, spec.md §11)
	peakSize   int
	evictCount int
	flushCount int

	// pendingUnmap defers the munmap of a resized-away unit until the
	// next placement, the same "one slot per thread" discipline as
	// spec.md §5's deferred-munmap rule; a cache-per-goroutine model
	// collapses the per-thread slot to one per Cache.
	pendingUnmap *arena.Region

	alignment     int
	minEmptyHole  int
	debugPoison   bool
	commitIncr    int
	allowResize   bool

	resetCounter int // placements since last proactive reset, for ResetEveryNth
}

// unitAge pairs a unit with its creation order for the oldest-unit
// min-heap (internal/heap, adapted from heap/heap.go).
type unitAge struct {
	seq  int
	unit *Unit
}

func lessUnitAge(a, b *unitAge) bool { return a.seq < b.seq }

// CacheConfig collects a Cache's external collaborators and sizing
// options.
type CacheConfig struct {
	Kind           Kind
	Sharing        Sharing
	Options        KindOptions
	MemoryProvider MemoryProvider
	Linker         Linker
	Table          FragmentTable
	Registry       *UnitRegistry
	Clock          *FlushClock
	Quiescer       Quiescer
	// MinEmptyHole is the per-kind constant feeding MIN_EMPTY_HOLE /
	// MIN_TAIL_HOLE (traces use a larger constant than basic blocks,
	// spec.md §4.1).
	MinEmptyHole int
	// DebugPoison enables Options.DebugPoison for this cache.
	DebugPoison bool
	// UseFreeList selects the FreeList (shared non-coarse caches) over
	// the Fifo (private, and shared when SharedFreeList is off).
	UseFreeList bool
	// CommitIncrement is the page commit granularity (Options.CommitIncrement).
	CommitIncrement int
	// AllowResize enables in-place unit resize (private, non-coarse
	// caches only; spec.md §4.3.5 forbids it otherwise).
	AllowResize bool
}

// NewCache constructs a Cache and, for shared caches, eagerly creates
// its first unit (spec.md §3's "Unit created lazily on first
// insertion ... or eagerly for shared caches at init").
func NewCache(cfg CacheConfig) (*Cache, error) {
	if cfg.MemoryProvider == nil {
		cfg.MemoryProvider = DefaultMemoryProvider
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("fcache: NewCache: nil Registry")
	}
	align := cfg.Options.Align
	if align <= 0 {
		align = 16
	}
	c := &Cache{
		kind:         cfg.Kind,
		sharing:      cfg.Sharing,
		opts:         cfg.Options,
		registry:     cfg.Registry,
		mp:           cfg.MemoryProvider,
		linker:       cfg.Linker,
		table:        cfg.Table,
		clock:        cfg.Clock,
		quiescer:     cfg.Quiescer,
		consistent:   true,
		placements:   make(map[Fragment]slotPlacement),
		alignment:    align,
		minEmptyHole: cfg.MinEmptyHole,
		debugPoison:  cfg.DebugPoison,
		commitIncr:   cfg.CommitIncrement,
		allowResize:  cfg.AllowResize && cfg.Sharing == Private && cfg.Kind != KindCoarseBB,
	}
	if c.commitIncr <= 0 {
		c.commitIncr = 4096
	}
	if cfg.Kind == KindCoarseBB {
		c.coarse = struct{}{}
	} else if cfg.UseFreeList {
		c.free = &FreeList{}
	} else {
		c.fifo = &Fifo{}
	}
	if cfg.Sharing == Shared && c.coarse == nil {
		if _, err := c.newUnit(c.opts.UnitInit); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Cache) headUnit() *Unit {
	if len(c.units) == 0 {
		return nil
	}
	return c.units[0]
}

// Stats is the (ADDED, spec.md §11) per-cache counters snapshot.
type Stats struct {
	Size       int
	PeakSize   int
	UnitCount  int
	EvictCount int
	FlushCount int
}

func (c *Cache) Stats() Stats {
	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	return Stats{
		Size:       c.size,
		PeakSize:   c.peakSize,
		UnitCount:  len(c.units),
		EvictCount: c.evictCount,
		FlushCount: c.flushCount,
	}
}

// newUnit reserves and registers a new unit of reservedSize bytes,
// commits it fully, prepends it to the cache's local list, and adds it
// to the oldest-unit heap.
func (c *Cache) newUnit(reservedSize int) (*Unit, error) {
	u, err := createUnit(c.mp, reservedSize, reservedSize, c.alignment)
	if err != nil {
		return nil, err
	}
	u.cache = c
	c.registry.register(u)
	c.units = append([]*Unit{u}, c.units...)
	c.size += u.Size()
	if c.size > c.peakSize {
		c.peakSize = c.size
	}
	c.unitSeq++
	heap.PushSlice(&c.unitHeap, &unitAge{seq: c.unitSeq, unit: u}, lessUnitAge)
	return u, nil
}

// dropUnit removes u from the local list and the oldest-unit heap. It
// leaves u in the interval map (FlushEngine.Reap unregisters it) and
// leaves actual reclamation (dead-park or unmap) to the FlushEngine/caller.
func (c *Cache) dropUnit(u *Unit) {
	for i, v := range c.units {
		if v == u {
			c.units = append(c.units[:i], c.units[i+1:]...)
			break
		}
	}
	c.size -= u.Size()
	for i, a := range c.unitHeap {
		if a.unit == u {
			n := len(c.unitHeap)
			c.unitHeap[i] = c.unitHeap[n-1]
			c.unitHeap = c.unitHeap[:n-1]
			if i < len(c.unitHeap) {
				heap.FixSlice(c.unitHeap, i, lessUnitAge)
			}
			break
		}
	}
}

// oldestUnit returns the cache's oldest-created live unit, used by
// the working-set policy's shared-cache flush fallback (§4.3.4).
func (c *Cache) oldestUnit() (*Unit, bool) {
	if len(c.unitHeap) == 0 {
		return nil, false
	}
	return c.unitHeap[0].unit, true
}

// Add places f into the cache, computing its slot size from the
// fragment's body size and the cache's header/alignment parameters
// (spec.md §4.3.1).
func (c *Cache) Add(f Fragment) error {
	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.flushPendingUnmap()
	bodySize := f.Size()
	slotSize := ints.AlignUp(uintptr(bodySize+headerSize), uintptr(c.alignment))
	ss := int(slotSize)
	if ss < minFcacheSlotSize {
		ss = minFcacheSlotSize
	}
	if c.opts.Max != 0 && ss > c.opts.Max {
		return fmt.Errorf("fcache: add: slot size %d exceeds cache max %d: %w", ss, c.opts.Max, ErrFragmentExceedsCapacity)
	}
	f.SetSlotExtra(ss - bodySize)

	c.accountRegeneration(f)

	p := Placer{c}
	pc, err := p.place(f, ss)
	if err != nil {
		return err
	}
	f.SetStartPC(pc)

	c.checkProactiveReset()
	return nil
}

// checkProactiveReset fires ProactiveReset when either of the
// capacity-driven triggers from Options is reached (spec.md §11
// supplement: ResetAtNthUnit / ResetEveryNthUnit).
func (c *Cache) checkProactiveReset() {
	if c.opts.ResetAtNth > 0 && len(c.units) == c.opts.ResetAtNth {
		c.resetCounter = 0
		c.proactiveResetLocked()
		return
	}
	if c.opts.ResetEveryNth > 0 {
		c.resetCounter++
		if c.resetCounter >= c.opts.ResetEveryNth {
			c.resetCounter = 0
			c.proactiveResetLocked()
		}
	}
}

// accountRegeneration implements the "increment num_replaced, and if
// the tag was previously deleted increment num_regenerated" half of
// the working-set accounting (spec.md §4.3.4); it runs for every
// shared-cache placement, and for private caches once recordWset has
// latched true.
func (c *Cache) accountRegeneration(f Fragment) {
	if c.sharing != Shared && !c.recordWset {
		return
	}
	c.numReplaced++
	if c.table == nil {
		return
	}
	if entry, ok := c.table.LookupDeleted(f.Tag()); ok && entry.WasDeleted() {
		c.numRegenerated++
		entry.ClearWasDeleted()
	}
}

// Remove detaches f from the cache, returning its slot to the
// FreeList (shared) or a Fifo empty placeholder (private), per
// spec.md §4.3.6.
func (c *Cache) Remove(f Fragment) error {
	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	pl, ok := c.placements[f]
	if !ok {
		return fmt.Errorf("fcache: remove: fragment not present in this cache")
	}
	delete(c.placements, f)
	delete(pl.unit.liveByOffset, pl.off)

	if c.debugPoison {
		poisonSlot(pl.unit, pl.off, pl.size)
	}

	if pl.unit.pendingFree {
		return nil
	}

	if !f.Flags().Has(FlagIsEmptySlot) && c.fifo != nil {
		c.fifo.remove(f)
	}
	if c.free != nil {
		c.free.add(pl.unit, f, pl.off, pl.size)
	} else if c.fifo != nil {
		c.fifo.prependEmpty(pl.unit, pl.off, pl.size)
	}
	return nil
}

// poisonSlot overwrites a removed fragment's body with a debug trap
// pattern (spec.md §11 supplement), gated behind Options.DebugPoison.
func poisonSlot(u *Unit, off, size int) {
	body := u.region.Reserved[off+headerSize : off+size]
	for i := range body {
		body[i] = 0xCC
	}
}

// permitGrowth implements the adaptive working-set policy of
// spec.md §4.3.4.
func (c *Cache) permitGrowth(addSize int) bool {
	if c.opts.Max > 0 && c.size+addSize > c.opts.Max {
		return false
	}
	if !c.opts.Finite || c.opts.Replace == 0 {
		return true
	}
	if c.opts.Regen == 0 {
		return false
	}
	// wset_check is a private-cache-only cooldown (spec.md §4.3.4); a
	// shared cache always re-evaluates the ratio on every call.
	if c.sharing != Shared && c.wsetCheck > 0 {
		c.wsetCheck--
		return false
	}
	if c.size < c.opts.UnitUpgrade {
		c.grantedFreeUpgrade = true
		if c.sharing != Shared {
			c.wsetCheck = c.opts.Replace
		} else if c.size+addSize >= c.opts.UnitUpgrade {
			c.recordWset = true
		}
		return true
	}
	if c.numReplaced >= c.opts.Replace && c.numRegenerated >= c.opts.Regen {
		for c.numReplaced >= c.opts.Replace && c.numRegenerated >= c.opts.Regen {
			c.numReplaced -= c.opts.Replace
			c.numRegenerated -= c.opts.Regen
		}
		if c.sharing != Shared {
			c.wsetCheck = c.opts.Replace
		}
		return true
	}
	if c.sharing == Shared {
		// grant anyway, but flush the oldest unit to keep size roughly
		// constant (spec.md §4.3.4, last paragraph).
		if u, ok := c.oldestUnit(); ok {
			errorf("fcache: working-set ratio not met, flushing oldest unit %s to admit growth", u.ID)
			c.registry.markForFlush(u)
			c.dropUnit(u)
		}
		return true
	}
	return false
}

// ProactiveReset (ADDED, spec.md §11/§4.6 last paragraph) marks all
// but one unit for flush and moves them directly to the to-free list,
// for capacity-driven reset distinct from consistency flushes. The
// caller is responsible for the surrounding full-thread-synch; this
// method assumes it has already happened.
func (c *Cache) ProactiveReset() {
	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	c.proactiveResetLocked()
}

// proactiveResetLocked is ProactiveReset's body, callable both from
// the exported entry point (which takes the Cache lock itself) and
// from checkProactiveReset (which runs with the lock already held by
// the enclosing Add call).
func (c *Cache) proactiveResetLocked() {
	if len(c.units) <= 1 {
		return
	}
	keep := c.units[0]
	var flushed []*Unit
	for _, u := range c.units[1:] {
		u.pendingFree = true
		flushed = append(flushed, u)
	}
	c.units = []*Unit{keep}
	c.size = keep.Size()
	c.unitHeap = nil
	c.unitSeq = 0
	heap.PushSlice(&c.unitHeap, &unitAge{seq: 0, unit: keep}, lessUnitAge)
	ft := c.clock.Next()
	c.registry.appendToFree(flushed, ft)
	c.flushCount++
}

// FlushOldestUnit stages the cache's oldest unit for retirement through
// engine, mirroring the capacity-driven flush permitGrowth triggers
// internally when a shared cache's working-set ratio isn't met
// (spec.md §4.3.4, last paragraph). Exported so a host can trigger the
// same reclaim path explicitly, e.g. under external memory pressure.
// The caller still owns calling engine.FlushPending/Reap afterward.
func (c *Cache) FlushOldestUnit(engine *FlushEngine) (*Unit, bool) {
	if c.sharing == Shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	u, ok := c.oldestUnit()
	if !ok {
		return nil, false
	}
	engine.MarkForFlush(u)
	c.dropUnit(u)
	return u, true
}
