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

func baseValidOptions() Options {
	return Options{
		BB: KindOptions{UnitInit: 4096, UnitQuadruple: 4096, UnitMax: 16384, Max: 16384},
	}
}

func TestValidateOrderingViolation(t *testing.T) {
	o := baseValidOptions()
	o.BB.UnitQuadruple = 1024 // < UnitInit
	if err := o.Validate(); err == nil {
		t.Fatal("expected an error when unit_quadruple < unit_init")
	}
}

func TestValidateMaxViolation(t *testing.T) {
	o := baseValidOptions()
	o.BB.Max = 8192 // < UnitMax
	if err := o.Validate(); err == nil {
		t.Fatal("expected an error when unit_max > max")
	}
}

func TestValidateSharedRequiresEqualInitMax(t *testing.T) {
	o := baseValidOptions()
	o.SharedBB = KindOptions{UnitInit: 4096, UnitQuadruple: 4096, UnitMax: 8192}
	if err := o.Validate(); err == nil {
		t.Fatal("expected an error when a shared cache has unit_init != unit_max")
	}
	o.SharedBB.UnitMax = 4096
	if err := o.Validate(); err != nil {
		t.Fatalf("unexpected error once unit_init == unit_max: %v", err)
	}
}

func TestValidateRegenReplaceClamp(t *testing.T) {
	o := baseValidOptions()
	o.BB.Replace = 100
	o.BB.Regen = 0
	if err := o.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.BB.Regen != 100 {
		t.Fatalf("regen should clamp up to replace(100), got %d", o.BB.Regen)
	}
}

func TestValidateRegenExceedsReplace(t *testing.T) {
	o := baseValidOptions()
	o.BB.Replace = 10
	o.BB.Regen = 20
	if err := o.Validate(); err == nil {
		t.Fatal("expected an error when regen > replace")
	}
}

func TestValidateUnconfiguredKindSkipped(t *testing.T) {
	o := baseValidOptions()
	// Trace is left entirely zero-valued; must not be treated as an error.
	if err := o.Validate(); err != nil {
		t.Fatalf("unconfigured kind should be skipped, got: %v", err)
	}
}

func TestValidateDefaultsCommitIncrement(t *testing.T) {
	o := baseValidOptions()
	if err := o.Validate(); err != nil {
		t.Fatal(err)
	}
	if o.CommitIncrement != 4096 {
		t.Fatalf("CommitIncrement should default to 4096, got %d", o.CommitIncrement)
	}
}
