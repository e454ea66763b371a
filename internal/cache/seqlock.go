package cache

import (
	"runtime"
	"sync/atomic"
)

// seqLock lets readers snapshot a few words written by a single writer
// without blocking it. The sequence is odd while a write is in progress.
// Writers must be serialized externally.
type seqLock struct {
	seq atomic.Uint64
}

func (l *seqLock) readBegin() uint64 {
	for {
		s := l.seq.Load()
		if s&1 == 0 {
			return s
		}
		runtime.Gosched()
	}
}

// readRetry reports whether a write overlapped the read started at s.
func (l *seqLock) readRetry(s uint64) bool {
	return l.seq.Load() != s
}

func (l *seqLock) writeBegin() { l.seq.Add(1) }

func (l *seqLock) writeEnd() { l.seq.Add(1) }
