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

//go:build arenaleaks

package arena

import (
	"fmt"
	"io"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
)

var (
	leaksActive atomic.Bool
	leaksLock   sync.Mutex
	leaksNextID int64
	leaksTraces = map[int64]string{}
)

func leakstart(reservedSize int) int64 {
	if !leaksActive.Load() {
		return 0
	}
	id := atomic.AddInt64(&leaksNextID, 1)
	stack := fmt.Sprintf("reserved %d bytes at\n%s", reservedSize, debug.Stack())
	leaksLock.Lock()
	leaksTraces[id] = stack
	leaksLock.Unlock()
	return id
}

func leakend(id int64) {
	if id == 0 {
		return
	}
	leaksLock.Lock()
	delete(leaksTraces, id)
	leaksLock.Unlock()
}

// LeakCheck runs fn and writes the allocation-site stack trace of
// every Region reserved during fn and not released by the time it
// returns. Only active with -tags=arenaleaks; otherwise LeakCheck just
// runs fn.
func LeakCheck(w io.Writer, fn func()) {
	if leaksActive.Swap(true) {
		panic("concurrent arena.LeakCheck calls")
	}
	fn()
	leaksLock.Lock()
	defer leaksLock.Unlock()
	i := 1
	for _, trace := range leaksTraces {
		fmt.Fprintf(w, "\n#%d. %s\n", i, trace)
		i++
	}
	maps.Clear(leaksTraces)
	leaksActive.Store(false)
}
