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

// Command fcachectl runs a synthetic insert/evict workload against an
// fcache.Cache built from a YAML options file, and prints the
// resulting Stats. It exists to exercise the core against something
// closer to a real workload than a unit test, without a real
// translator or linker backing it.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"

	"github.com/SnellerInc/fcache"
	"github.com/SnellerInc/fcache/fcachesim"
)

var (
	dashv       bool
	dashh       bool
	optsPath    string
	dashn       int
	dashs       int
	dashseed    int64
	sharedCache bool
)

func init() {
	flag.BoolVar(&dashv, "v", false, "verbose")
	flag.BoolVar(&dashh, "h", false, "show usage help")
	flag.StringVar(&optsPath, "c", "", "path to an Options YAML file (default: built-in small configuration)")
	flag.IntVar(&dashn, "n", 4096, "number of fragments to insert")
	flag.IntVar(&dashs, "s", 128, "average fragment body size in bytes")
	flag.Int64Var(&dashseed, "seed", 1, "PRNG seed for the synthetic workload")
	flag.BoolVar(&sharedCache, "shared", false, "exercise a shared cache instead of a private one")
}

func exitf(f string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, f, args...)
	os.Exit(1)
}

func defaultOptions() *fcache.Options {
	return &fcache.Options{
		BB: fcache.KindOptions{
			UnitInit:      64 * 1024,
			UnitQuadruple: 64 * 1024,
			UnitMax:       1024 * 1024,
			UnitUpgrade:   64 * 1024,
			Align:         16,
			Finite:        true,
			Regen:         50,
			Replace:       100,
		},
		SharedBB: fcache.KindOptions{
			UnitInit: 256 * 1024,
			UnitMax:  256 * 1024,
			Align:    16,
		},
		CommitIncrement: 4096,
	}
}

func loadOptions() *fcache.Options {
	if optsPath == "" {
		return defaultOptions()
	}
	opts, err := fcache.LoadOptions(optsPath)
	if err != nil {
		exitf("fcachectl: %s\n", err)
	}
	return opts
}

func main() {
	flag.Parse()
	if dashh {
		flag.Usage()
		return
	}
	opts := loadOptions()
	h := fcachesim.NewHarness(1)

	sharing := fcache.Private
	kopts := opts.BB
	if sharedCache {
		sharing = fcache.Shared
		kopts = opts.SharedBB
	}
	c, err := h.NewCache(fcache.KindBB, sharing, kopts, 16, sharedCache)
	if err != nil {
		exitf("fcachectl: new cache: %s\n", err)
	}

	rng := rand.New(rand.NewSource(dashseed))
	var live []*fcachesim.Fragment
	for i := 0; i < dashn; i++ {
		size := dashs/2 + rng.Intn(dashs)
		f := fcachesim.NewFragment(uintptr(i+1), size, 0)
		if err := c.Add(f); err != nil {
			if dashv {
				fmt.Fprintf(os.Stderr, "add %d: %s\n", i, err)
			}
			continue
		}
		h.Table.Index(f)
		live = append(live, f)

		if len(live) > 32 && rng.Intn(4) == 0 {
			victim := live[rng.Intn(len(live))]
			if err := c.Remove(victim); err == nil {
				h.Table.MarkDeleted(victim.Tag())
			}
		}

		if dashv && i%512 == 0 {
			s := c.Stats()
			fmt.Printf("i=%d size=%d units=%d evicted=%d flushed=%d\n", i, s.Size, s.UnitCount, s.EvictCount, s.FlushCount)
		}
	}

	if sharedCache {
		if err := h.Flush.FlushPending(); err != nil {
			exitf("fcachectl: flush_pending: %s\n", err)
		}
		h.Flush.Reap(^uint32(0), fcache.DefaultMemoryProvider)
	}

	s := c.Stats()
	fmt.Printf("final: size=%d peak=%d units=%d evicted=%d flushed=%d\n",
		s.Size, s.PeakSize, s.UnitCount, s.EvictCount, s.FlushCount)
}
