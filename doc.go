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

// Package fcache implements the fragment code cache manager of a
// dynamic binary translation runtime: it owns the executable memory
// regions ("units") that hold translated basic blocks and traces,
// places and evicts fragments within them, and cooperates with the
// host's memory protection facilities to keep cache memory writable
// only while it is being mutated.
//
// The translator (which produces fragment bodies), the linker (which
// patches control transfers between fragments) and the fragment
// table / pc-lookup htable are external collaborators consumed
// through the interfaces in fragment.go and external.go; this package never decodes
// or emits guest or host instructions itself.
package fcache
