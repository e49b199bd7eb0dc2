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

import "errors"

// Sentinel error kinds, classified by callers with errors.Is. Each is
// wrapped with context via fmt.Errorf("...: %w", ...) at the call
// site rather than constructed ad hoc, so errors.Is keeps working
// across the wrap.
var (
	// ErrOutOfReservation: the memory provider couldn't satisfy a
	// reserve or extend-commit request.
	ErrOutOfReservation = errors.New("fcache: out of reservation")

	// ErrFragmentExceedsCapacity: slot_size > the cache's max_size.
	// A configuration error, not a transient condition.
	ErrFragmentExceedsCapacity = errors.New("fcache: fragment exceeds cache capacity")

	// ErrNoEvictionPossible: every candidate victim in the FIFO chain
	// carries CANNOT_DELETE.
	ErrNoEvictionPossible = errors.New("fcache: no eviction possible")

	// ErrQuiesceFailure: the external Quiescer refused to synch all
	// threads.
	ErrQuiesceFailure = errors.New("fcache: quiesce failure")

	// ErrInvariantViolation: a debug-assertion failure during a
	// contiguous walk (unknown header, size mismatch, FOLLOWS_FREE_ENTRY
	// mismatch).
	ErrInvariantViolation = errors.New("fcache: invariant violation")

	// ErrUnsafeToAllocate: the external Quiescer reports this is not a
	// safe context to reserve or extend memory (spec.md §6).
	ErrUnsafeToAllocate = errors.New("fcache: unsafe to allocate memory")
)
