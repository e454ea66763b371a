// Package buffer allocates the page buffers that back the cache and
// recycles the ones the cache gives back.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
)

// Allocator hands out page-sized buffers. Implementations are safe for
// concurrent use.
type Allocator interface {
	// Alloc returns n buffers of page.Size bytes, or an OUT_OF_MEMORY error
	// and no buffers.
	Alloc(n int) ([][]byte, error)
	// Allocated returns the number of bytes obtained so far.
	Allocated() int64
	// Close releases all memory. Buffers must not be used afterwards.
	Close() error
}

// DefaultChunkPages is the number of pages carved from one allocation.
const DefaultChunkPages = 1024

func outOfMemory(kind string, n int, limit int64) *errors.SAFSError {
	return errors.Newf(errors.ErrCodeOutOfMemory, "cannot allocate %d pages", n).
		WithComponent("buffer").
		WithContext("allocator", kind).
		WithDetail("limit_bytes", limit)
}

// HeapAllocator carves buffers out of large Go slices, so a cache of many
// pages costs few heap objects.
type HeapAllocator struct {
	limit      int64
	chunkPages int

	mu        sync.Mutex
	chunk     []byte
	allocated atomic.Int64
}

// NewHeapAllocator creates a heap allocator that refuses to grow past limit
// bytes. A limit <= 0 means no limit.
func NewHeapAllocator(limit int64, chunkPages int) *HeapAllocator {
	if chunkPages <= 0 {
		chunkPages = DefaultChunkPages
	}
	return &HeapAllocator{limit: limit, chunkPages: chunkPages}
}

func (a *HeapAllocator) Alloc(n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	need := int64(n) * page.Size
	if a.limit > 0 && a.allocated.Load()+need > a.limit {
		return nil, outOfMemory("heap", n, a.limit)
	}

	bufs := make([][]byte, 0, n)
	for len(bufs) < n {
		if len(a.chunk) < page.Size {
			pages := max(a.chunkPages, n-len(bufs))
			if a.limit > 0 {
				left := int((a.limit - a.allocated.Load()) / page.Size)
				pages = min(pages, left)
			}
			a.chunk = make([]byte, pages*page.Size)
		}
		bufs = append(bufs, a.chunk[:page.Size:page.Size])
		a.chunk = a.chunk[page.Size:]
		a.allocated.Add(page.Size)
	}
	return bufs, nil
}

func (a *HeapAllocator) Allocated() int64 { return a.allocated.Load() }

func (a *HeapAllocator) Close() error {
	a.mu.Lock()
	a.chunk = nil
	a.mu.Unlock()
	return nil
}

var _ Allocator = (*HeapAllocator)(nil)
