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

//go:build darwin

package arena

import "syscall"

// darwin implementation of the fcache arena, adapted from
// vm.mapVM() (darwin): reserve PROT_NONE, then Mprotect the prefix we
// intend to use.

func reserve(reservedSize, initialCommit int) (*Region, error) {
	buf, err := syscall.Mmap(-1, 0, reservedSize,
		syscall.PROT_NONE, syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, &ErrOutOfReservation{Size: reservedSize, Err: err}
	}
	if initialCommit > 0 {
		if err := syscall.Mprotect(buf[:initialCommit], syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC); err != nil {
			syscall.Munmap(buf)
			return nil, &ErrOutOfReservation{Size: reservedSize, Err: err}
		}
	}
	return &Region{Reserved: buf, Committed: initialCommit, prot: ProtReadWriteExec}, nil
}

func extendCommit(r *Region, delta int) error {
	mem := r.Reserved[r.Committed : r.Committed+delta]
	return syscall.Mprotect(mem, syscall.PROT_READ|syscall.PROT_WRITE|syscall.PROT_EXEC)
}

func setProtection(mem []byte, prot Prot) error {
	return syscall.Mprotect(mem, protBits(prot))
}

func protBits(prot Prot) int {
	switch prot {
	case ProtNone:
		return syscall.PROT_NONE
	case ProtRead:
		return syscall.PROT_READ
	case ProtReadWrite:
		return syscall.PROT_READ | syscall.PROT_WRITE
	case ProtReadExec:
		return syscall.PROT_READ | syscall.PROT_EXEC
	case ProtReadWriteExec:
		return syscall.PROT_READ | syscall.PROT_WRITE | syscall.PROT_EXEC
	default:
		return syscall.PROT_NONE
	}
}

func release(r *Region) error {
	return syscall.Munmap(r.Reserved)
}

// darwin has no direct MADV_FREE equivalent wired through the stdlib
// syscall package the way linux does; the teacher's own
// vm/malloc_darwin.go hintUnused() is likewise a no-op on darwin.
func hint(mem []byte) {}
