// Package page defines the fixed-size cache page and its key.
package page

import (
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// Size is the size of a cache page in bytes.
	Size = 4096
	// Shift is log2(Size).
	Shift = 12
	// MaxHits is the saturation value of the hit counter.
	MaxHits = 255
)

// ID is the key of a page: a file and a page-aligned byte offset in it.
type ID struct {
	FileID int
	Offset int64
}

// InvalidID keys a page that holds no data.
var InvalidID = ID{FileID: -1}

// NewID returns the key of the page that contains off.
func NewID(fileID int, off int64) ID {
	return ID{FileID: fileID, Offset: Align(off)}
}

// Valid reports whether id keys real data.
func (id ID) Valid() bool { return id.FileID >= 0 }

func (id ID) String() string {
	if !id.Valid() {
		return "page(invalid)"
	}
	return fmt.Sprintf("page(%d:%d)", id.FileID, id.Offset)
}

// Align rounds off down to a page boundary.
func Align(off int64) int64 { return off &^ (Size - 1) }

// Flags is the state bit set of a page.
type Flags uint32

const (
	// DataReady is set once the page holds the data of its key.
	DataReady Flags = 1 << iota
	// IOPending is set while a read is filling the page.
	IOPending
	// Dirty is set while the page holds data not yet written back.
	Dirty
	// Writeback is set while the flusher writes the page.
	Writeback
	// Redirty records a write that landed during writeback.
	Redirty
)

// noEvict are the flags that forbid eviction and re-keying.
const noEvict = IOPending | Dirty | Writeback

// Page is one cache slot. The key, hit counter and flush score are guarded
// by the lock of the cell that owns the page; the reference count and flags
// are atomic so pinned pages can be inspected without it.
type Page struct {
	id         ID
	hits       uint8
	flushScore uint16

	ref    atomic.Int32
	flags  atomic.Uint32
	data   []byte
	dataMu sync.RWMutex

	ioMu   sync.Mutex
	ioCond *sync.Cond
	ioErr  error
}

// New wraps buf into an unkeyed page.
func New(buf []byte) *Page {
	p := &Page{id: InvalidID, data: buf}
	p.ioCond = sync.NewCond(&p.ioMu)
	return p
}

// ID returns the key of the page.
func (p *Page) ID() ID { return p.id }

// Reset re-keys the page and clears its state. The caller must hold the
// cell lock and the page must be evictable.
func (p *Page) Reset(id ID) {
	p.id = id
	p.hits = 0
	p.flushScore = 0
	p.flags.Store(0)
	p.ioMu.Lock()
	p.ioErr = nil
	p.ioMu.Unlock()
}

// Data returns the page buffer.
func (p *Page) Data() []byte { return p.data }

// CopyFrom copies src into the page buffer at off and returns the number of
// bytes copied. It never overlaps a Snapshot.
func (p *Page) CopyFrom(off int, src []byte) int {
	p.dataMu.Lock()
	defer p.dataMu.Unlock()
	return copy(p.data[off:], src)
}

// Snapshot returns a copy of the page buffer.
func (p *Page) Snapshot() []byte {
	p.dataMu.RLock()
	defer p.dataMu.RUnlock()
	return append([]byte(nil), p.data...)
}

func (p *Page) Ref() int32 { return p.ref.Load() }
func (p *Page) IncRef() int32 { return p.ref.Add(1) }
func (p *Page) DecRef() int32 { return p.ref.Add(-1) }
func (p *Page) Flags() Flags { return Flags(p.flags.Load()) }
func (p *Page) IsDirty() bool { return p.hasFlag(Dirty) }
func (p *Page) IsReady() bool { return p.hasFlag(DataReady) }
func (p *Page) IsPending() bool { return p.hasFlag(IOPending) }
func (p *Page) IsWriteback() bool { return p.hasFlag(Writeback) }

func (p *Page) hasFlag(f Flags) bool { return Flags(p.flags.Load())&f != 0 }

// SetFlags sets the bits in f.
func (p *Page) SetFlags(f Flags) { p.flags.Or(uint32(f)) }

// ClearFlags clears the bits in f.
func (p *Page) ClearFlags(f Flags) { p.flags.And(^uint32(f)) }

// SetDirty sets or clears the dirty flag.
func (p *Page) SetDirty(dirty bool) {
	if dirty {
		p.SetFlags(Dirty)
	} else {
		p.ClearFlags(Dirty)
	}
}

// MarkDirty sets the dirty flag and reports whether the page was clean.
// A page dirtied again while under writeback keeps its dirty flag when the
// writeback completes.
func (p *Page) MarkDirty() bool {
	for {
		old := p.flags.Load()
		next := old | uint32(Dirty)
		if old&uint32(Writeback) != 0 {
			next |= uint32(Redirty)
		}
		if p.flags.CompareAndSwap(old, next) {
			return old&uint32(Dirty) == 0
		}
	}
}

// EndWriteback clears the writeback flag. If the write succeeded and no
// write landed in the meantime the page becomes clean. It reports whether
// the page is still dirty.
func (p *Page) EndWriteback(written bool) bool {
	for {
		old := p.flags.Load()
		next := old &^ uint32(Writeback|Redirty)
		if written && old&uint32(Redirty) == 0 {
			next &^= uint32(Dirty)
		}
		if p.flags.CompareAndSwap(old, next) {
			return next&uint32(Dirty) != 0
		}
	}
}

// Match reports whether all bits of set are set and no bit of clear is.
func (p *Page) Match(set, clear Flags) bool {
	f := Flags(p.flags.Load())
	return f&set == set && f&clear == 0
}

// Evictable reports whether the page may be evicted or re-keyed: unpinned,
// clean, and with no I/O in flight.
func (p *Page) Evictable() bool {
	return p.ref.Load() == 0 && Flags(p.flags.Load())&noEvict == 0
}

// Hits returns the hit counter.
func (p *Page) Hits() int { return int(p.hits) }

// Hit increments the hit counter and reports whether it is now saturated.
func (p *Page) Hit() bool {
	if p.hits < MaxHits {
		p.hits++
	}
	return p.hits == MaxHits
}

// SetHits sets the hit counter, clamped to [0, MaxHits].
func (p *Page) SetHits(h int) {
	switch {
	case h < 0:
		h = 0
	case h > MaxHits:
		h = MaxHits
	}
	p.hits = uint8(h)
}

func (p *Page) FlushScore() int { return int(p.flushScore) }
func (p *Page) SetFlushScore(s int) { p.flushScore = uint16(min(max(s, 0), 1<<16-1)) }

// BeginIO marks a read in flight. Waiters block in WaitIO until FinishIO.
func (p *Page) BeginIO() {
	p.ioMu.Lock()
	p.ioErr = nil
	p.SetFlags(IOPending)
	p.ioMu.Unlock()
}

// TryBeginIO starts a read unless the data is ready or a read is already
// in flight. The caller that gets true must call FinishIO.
func (p *Page) TryBeginIO() bool {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	if p.hasFlag(DataReady | IOPending) {
		return false
	}
	p.ioErr = nil
	p.SetFlags(IOPending)
	return true
}

// FinishIO completes the read started by BeginIO and wakes all waiters.
// A nil err marks the data ready.
func (p *Page) FinishIO(err error) {
	p.ioMu.Lock()
	p.ioErr = err
	if err == nil {
		p.SetFlags(DataReady)
	}
	p.ClearFlags(IOPending)
	p.ioMu.Unlock()
	p.ioCond.Broadcast()
}

// WaitIO blocks until no read is in flight on the page and returns the
// error of the last read.
func (p *Page) WaitIO() error {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()
	for p.hasFlag(IOPending) {
		p.ioCond.Wait()
	}
	return p.ioErr
}

func (p *Page) String() string {
	return fmt.Sprintf("%s ref=%d flags=%#x hits=%d", p.id, p.ref.Load(), p.flags.Load(), p.hits)
}
