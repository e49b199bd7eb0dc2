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

import "runtime"

// UnitLeakCheckHook, when set in test code, is called with the
// allocation-site stack and the leaked Unit itself for every Unit
// still reachable and not yet unmapped when it is garbage collected.
// Should not be set in production code.
var UnitLeakCheckHook func(stack []byte, u *Unit)

func unitLeakCheck(u *Unit) {
	if UnitLeakCheckHook == nil {
		return
	}
	hook := UnitLeakCheckHook
	stk := make([]byte, 1024)
	n := runtime.Stack(stk, false)
	stk = stk[:n]
	runtime.SetFinalizer(u, func(u *Unit) {
		hook(stk, u)
	})
}

func unitLeakCheckClear(u *Unit) {
	if UnitLeakCheckHook == nil {
		return
	}
	runtime.SetFinalizer(u, nil)
}
