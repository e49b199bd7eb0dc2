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

package ints

import "testing"

func TestAlignUpDown(t *testing.T) {
	cases := []struct {
		v, align, up, down uintptr
	}{
		{0, 16, 0, 0},
		{1, 16, 16, 0},
		{16, 16, 16, 16},
		{17, 16, 32, 16},
		{64, 8, 64, 64},
	}
	for _, c := range cases {
		if got := AlignUp(c.v, c.align); got != c.up {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", c.v, c.align, got, c.up)
		}
		if got := AlignDown(c.v, c.align); got != c.down {
			t.Errorf("AlignDown(%d, %d) = %d, want %d", c.v, c.align, got, c.down)
		}
	}
}

func TestClamp(t *testing.T) {
	if got := Clamp(5, 0, 10); got != 5 {
		t.Errorf("Clamp(5, 0, 10) = %d", got)
	}
	if got := Clamp(-5, 0, 10); got != 0 {
		t.Errorf("Clamp(-5, 0, 10) = %d", got)
	}
	if got := Clamp(50, 0, 10); got != 10 {
		t.Errorf("Clamp(50, 0, 10) = %d", got)
	}
}

func TestMinMax(t *testing.T) {
	if Min(3, 5) != 3 || Max(3, 5) != 5 {
		t.Fatal("Min/Max wrong")
	}
}
