package cache

import (
	"runtime"
	"sync/atomic"
)

// spinLock guards one cell. Holders touch at most CellSize pages and must
// not block.
type spinLock struct {
	state atomic.Int32
}

func (l *spinLock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

func (l *spinLock) Unlock() {
	l.state.Store(0)
}
