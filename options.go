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
	"os"

	"sigs.k8s.io/yaml"
)

// KindOptions carries the unit-sizing ladder and working-set
// parameters for one (kind, sharing) cache, e.g. "bb", "trace",
// "sharedBB", "sharedTrace", "coarseBB" (spec.md §6).
type KindOptions struct {
	Max            int `json:"max"`             // hard cap; 0 => unbounded
	UnitInit       int `json:"unitInit"`         // initial unit reservation
	UnitMax        int `json:"unitMax"`          // max a single unit may grow to
	UnitQuadruple  int `json:"unitQuadruple"`    // above this, resize doubles instead of quadruples
	UnitUpgrade    int `json:"unitUpgrade"`      // free_upgrade_size
	Align          int `json:"align"`            // slot alignment
	Regen          int `json:"regen"`            // working-set regen_param
	Replace        int `json:"replace"`          // working-set replace_param
	Finite         bool `json:"finite"`          // enable working-set policy
	ResetAtNth     int `json:"resetAtNthUnit"`   // (ADDED) proactive reset trigger
	ResetEveryNth  int `json:"resetEveryNthUnit"` // (ADDED) proactive reset trigger
}

// Options is the fixed configuration structure the core consumes
// (spec.md §6). Loaded from YAML via sigs.k8s.io/yaml, which
// round-trips through encoding/json struct tags.
type Options struct {
	BB         KindOptions `json:"bb"`
	Trace      KindOptions `json:"trace"`
	SharedBB   KindOptions `json:"sharedBB"`
	SharedTrace KindOptions `json:"sharedTrace"`
	CoarseBB   KindOptions `json:"coarseBB"`

	CommitIncrement int  `json:"commitIncrement"` // page commit granularity
	SharedFreeList  bool `json:"sharedFreeList"`   // enable free-list machinery for shared caches
	SharedBBs       bool `json:"sharedBBs"`        // a shared bb cache exists
	SharedTraces    bool `json:"sharedTraces"`     // a shared trace cache exists

	// DebugPoison (ADDED, spec.md §11 supplement): overwrite a
	// removed fragment's slot body with a poison pattern before
	// returning it to the free list or FIFO, the way a debug build of
	// the original does. Off by default: it costs a write to memory
	// that is about to be re-written anyway.
	DebugPoison bool `json:"debugPoison"`
}

// LoadOptions reads and validates an Options struct from a YAML file.
func LoadOptions(path string) (*Options, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("fcache: reading options: %w", err)
	}
	var o Options
	if err := yaml.Unmarshal(buf, &o); err != nil {
		return nil, fmt.Errorf("fcache: parsing options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate enforces the parameter-compatibility rules of spec.md §6.
// It also fills in the regen/replace clamp rather than rejecting it,
// matching the source's "clamp, don't fail" behavior.
func (o *Options) Validate() error {
	kinds := []struct {
		name   string
		k      *KindOptions
		shared bool
	}{
		{"bb", &o.BB, false},
		{"trace", &o.Trace, false},
		{"sharedBB", &o.SharedBB, true},
		{"sharedTrace", &o.SharedTrace, true},
		{"coarseBB", &o.CoarseBB, true},
	}
	for _, kc := range kinds {
		k := kc.k
		if k.UnitInit <= 0 || k.UnitQuadruple <= 0 || k.UnitMax <= 0 {
			continue // cache not configured (all zero) is permitted
		}
		if !(k.UnitInit <= k.UnitQuadruple && k.UnitQuadruple <= k.UnitMax) {
			return fmt.Errorf("fcache: %s: unit_init(%d) <= unit_quadruple(%d) <= unit_max(%d) violated",
				kc.name, k.UnitInit, k.UnitQuadruple, k.UnitMax)
		}
		if k.Max != 0 && k.UnitMax > k.Max {
			return fmt.Errorf("fcache: %s: unit_max(%d) > max(%d)", kc.name, k.UnitMax, k.Max)
		}
		if kc.shared && k.UnitInit != k.UnitMax {
			return fmt.Errorf("fcache: %s: shared cache requires unit_init(%d) == unit_max(%d)",
				kc.name, k.UnitInit, k.UnitMax)
		}
		if k.UnitMax > 0xFFFFFFFF {
			return fmt.Errorf("fcache: %s: unit_max(%d) doesn't fit in 32 bits", kc.name, k.UnitMax)
		}
		if k.Regen > 0 && k.Replace > 0 {
			if k.Regen > k.Replace {
				return fmt.Errorf("fcache: %s: regen(%d) > replace(%d)", kc.name, k.Regen, k.Replace)
			}
		} else if k.Replace > 0 {
			k.Regen = k.Replace // clamp, per spec.md §6
		}
	}
	if o.CommitIncrement <= 0 {
		o.CommitIncrement = 4096
	}
	return nil
}
