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

// Package arena implements the fcache memory provider: reserving,
// committing, protecting and releasing the executable regions that
// back a fcache Unit.
//
// Each Region is reserved independently (unlike vm.Malloc's single
// shared 4GiB arena) because fragment units are resized and unmapped
// individually and at unpredictable times, whereas the VM's pages are
// uniform and interchangeable.
package arena

import "fmt"

// Prot is a page protection request.
type Prot int

const (
	ProtNone Prot = iota
	ProtRead
	ProtReadWrite
	ProtReadExec
	ProtReadWriteExec
)

// Region is one reserved virtual range returned by Reserve. The first
// Committed bytes are backed and have protection Prot; the remainder,
// up to len(Reserved), is reserved but not backed.
type Region struct {
	Reserved  []byte // full reservation, PROT_NONE beyond Committed
	Committed int    // bytes currently backed, starting at Reserved[0]
	prot      Prot
	leakID    int64
}

// Mem returns the committed prefix of the region.
func (r *Region) Mem() []byte {
	return r.Reserved[:r.Committed]
}

// ErrOutOfReservation is returned when the host cannot satisfy a
// reservation or extension request (spec: OutOfReservation).
type ErrOutOfReservation struct {
	Size int
	Err  error
}

func (e *ErrOutOfReservation) Error() string {
	return fmt.Sprintf("arena: couldn't reserve %d bytes: %v", e.Size, e.Err)
}

func (e *ErrOutOfReservation) Unwrap() error { return e.Err }

// Reserve reserves reservedSize bytes of address space and commits
// the first initialCommit bytes RWX. reservedSize and initialCommit
// are used as given: arena does not round them, and Cache/Unit do not
// page-align the sizes they pass.
func Reserve(reservedSize, initialCommit int) (*Region, error) {
	r, err := reserve(reservedSize, initialCommit)
	if err != nil {
		return nil, err
	}
	r.leakID = leakstart(reservedSize)
	return r, nil
}

// ExtendCommit grows r's committed prefix by delta bytes, which must
// not push Committed past len(Reserved).
func ExtendCommit(r *Region, delta int) error {
	if r.Committed+delta > len(r.Reserved) {
		return fmt.Errorf("arena: extend by %d would exceed reservation of %d (committed %d)",
			delta, len(r.Reserved), r.Committed)
	}
	if delta == 0 {
		return nil
	}
	if err := extendCommit(r, delta); err != nil {
		return err
	}
	r.Committed += delta
	return nil
}

// SetProtection transitions the committed prefix of r between RX and
// RWX (or any other supported Prot). Idempotent: setting the same
// protection twice is a cheap no-op.
func SetProtection(r *Region, prot Prot) error {
	if r.prot == prot {
		return nil
	}
	if err := setProtection(r.Mem(), prot); err != nil {
		return err
	}
	r.prot = prot
	return nil
}

// Release unmaps the entire reservation. The caller must guarantee no
// other thread can still reference r's memory (fcache enforces this
// for a resized-away unit via the deferred-unmap slot, see
// Cache.flushPendingUnmap in resize.go).
func Release(r *Region) error {
	if err := release(r); err != nil {
		return err
	}
	leakend(r.leakID)
	return nil
}

// Hint advises the OS that mem's backing pages are no longer needed
// and may be reclaimed lazily (MADV_FREE / MEM_RESET-equivalent).
// Best-effort: errors are not fatal for cache correctness.
func Hint(mem []byte) {
	hint(mem)
}
