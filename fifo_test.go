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

func TestFifoAppendRemove(t *testing.T) {
	var l Fifo
	f1 := &testFragment{}
	f2 := &testFragment{}
	f3 := &testFragment{}
	l.append(f1, nil, 0, 32)
	l.append(f2, nil, 32, 32)
	l.append(f3, nil, 64, 32)

	if l.head.frag != f1 || l.tail.frag != f3 {
		t.Fatal("head/tail not as expected after three appends")
	}

	l.remove(f2)
	if l.head.next.frag != f3 {
		t.Fatal("removing the middle node should relink head.next to f3")
	}
	if _, ok := l.index[f2]; ok {
		t.Fatal("removed fragment must drop out of the index")
	}
}

func TestFifoPrependEmptyMerge(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	var l Fifo
	l.prependEmpty(u, 64, 32) // [64, 96)
	l.prependEmpty(u, 32, 32) // [32, 64), physically adjacent and before

	if l.head.off != 32 || l.head.size != 64 {
		t.Fatalf("expected a single merged empty node [32,96), got off=%d size=%d", l.head.off, l.head.size)
	}
	if l.head.next != nil {
		t.Fatal("merge must not leave a second node")
	}
}

func TestFifoRemoveEmptyAt(t *testing.T) {
	u, err := createUnit(DefaultMemoryProvider, 4096, 4096, 16)
	if err != nil {
		t.Fatal(err)
	}
	defer DefaultMemoryProvider.Unmap(u.region)

	var l Fifo
	l.removeEmptyAt(u, 0) // no-op on an empty list

	l.prependEmpty(u, 0, 32)
	f := &testFragment{}
	l.append(f, u, 32, 32)

	l.removeEmptyAt(u, 0)
	if l.head.frag != f {
		t.Fatal("after removing the empty node, the live fragment should be head")
	}

	l.removeEmptyAt(u, 32) // the live head must never be matched or removed
	if l.head.frag != f {
		t.Fatal("removeEmptyAt must not remove a live-fragment node")
	}
}
