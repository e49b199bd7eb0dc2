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

//go:build linux || darwin

package arena

import "testing"

func TestReserveExtendRelease(t *testing.T) {
	const pageSize = 4096
	r, err := Reserve(16*pageSize, 4*pageSize)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	defer Release(r)

	if r.Committed != 4*pageSize {
		t.Fatalf("Committed = %d, want %d", r.Committed, 4*pageSize)
	}
	mem := r.Mem()
	mem[0] = 1
	mem[len(mem)-1] = 2

	if err := ExtendCommit(r, 2*pageSize); err != nil {
		t.Fatalf("ExtendCommit: %v", err)
	}
	if r.Committed != 6*pageSize {
		t.Fatalf("Committed after extend = %d, want %d", r.Committed, 6*pageSize)
	}

	if err := ExtendCommit(r, 100*pageSize); err == nil {
		t.Fatal("ExtendCommit beyond reservation should fail")
	}

	if err := SetProtection(r, ProtReadExec); err != nil {
		t.Fatalf("SetProtection: %v", err)
	}
	if err := SetProtection(r, ProtReadExec); err != nil {
		t.Fatalf("SetProtection idempotent call: %v", err)
	}
	if err := SetProtection(r, ProtReadWriteExec); err != nil {
		t.Fatalf("SetProtection back to RWX: %v", err)
	}
	mem = r.Mem()
	mem[0] = 3

	Hint(r.Mem())
}
