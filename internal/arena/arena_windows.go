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

//go:build windows

package arena

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// windows implementation of the fcache arena, adapted from
// vm/malloc_windows.go's two-step VirtualAlloc (MEM_RESERVE then
// MEM_COMMIT over a prefix of the reservation).

func reserve(reservedSize, initialCommit int) (*Region, error) {
	base, err := windows.VirtualAlloc(0, uintptr(reservedSize), windows.MEM_RESERVE, windows.PAGE_NOACCESS)
	if err != nil {
		return nil, &ErrOutOfReservation{Size: reservedSize, Err: err}
	}
	if initialCommit > 0 {
		_, err = windows.VirtualAlloc(base, uintptr(initialCommit), windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
		if err != nil {
			windows.VirtualFree(base, 0, windows.MEM_RELEASE)
			return nil, &ErrOutOfReservation{Size: reservedSize, Err: err}
		}
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(base)), reservedSize)
	return &Region{Reserved: mem, Committed: initialCommit, prot: ProtReadWriteExec}, nil
}

func baseOf(r *Region) uintptr {
	return uintptr(unsafe.Pointer(&r.Reserved[0]))
}

func extendCommit(r *Region, delta int) error {
	base := baseOf(r) + uintptr(r.Committed)
	_, err := windows.VirtualAlloc(base, uintptr(delta), windows.MEM_COMMIT, windows.PAGE_EXECUTE_READWRITE)
	return err
}

func setProtection(mem []byte, prot Prot) error {
	if len(mem) == 0 {
		return nil
	}
	var old uint32
	return windows.VirtualProtect(uintptr(unsafe.Pointer(&mem[0])), uintptr(len(mem)), protBits(prot), &old)
}

func protBits(prot Prot) uint32 {
	switch prot {
	case ProtNone:
		return windows.PAGE_NOACCESS
	case ProtRead:
		return windows.PAGE_READONLY
	case ProtReadWrite:
		return windows.PAGE_READWRITE
	case ProtReadExec:
		return windows.PAGE_EXECUTE_READ
	case ProtReadWriteExec:
		return windows.PAGE_EXECUTE_READWRITE
	default:
		return windows.PAGE_NOACCESS
	}
}

func release(r *Region) error {
	return windows.VirtualFree(baseOf(r), 0, windows.MEM_RELEASE)
}

func hint(mem []byte) {
	if len(mem) == 0 {
		return
	}
	// best-effort MEM_RESET hint, mirroring vm/malloc_windows.go's
	// hintUnused() TODO (left unimplemented there too).
}
