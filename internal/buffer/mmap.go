//go:build linux

package buffer

import (
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
)

// MmapAllocator maps anonymous memory outside the Go heap, one region per
// Alloc call, and hints the kernel to back it with huge pages.
type MmapAllocator struct {
	limit     int64
	hugePages bool

	mu        sync.Mutex
	regions   [][]byte
	allocated atomic.Int64
}

// NewMmapAllocator creates an mmap allocator capped at limit bytes
// (<= 0 means no cap).
func NewMmapAllocator(limit int64, hugePages bool) (*MmapAllocator, error) {
	return &MmapAllocator{limit: limit, hugePages: hugePages}, nil
}

func (a *MmapAllocator) Alloc(n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	size := int64(n) * page.Size
	if a.limit > 0 && a.allocated.Load()+size > a.limit {
		return nil, outOfMemory("mmap", n, a.limit)
	}

	region, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, outOfMemory("mmap", n, a.limit).WithCause(err)
	}
	if a.hugePages {
		// best effort, not every kernel has THP enabled
		_ = unix.Madvise(region, unix.MADV_HUGEPAGE)
	}
	a.regions = append(a.regions, region)
	a.allocated.Add(size)

	bufs := make([][]byte, n)
	for i := range bufs {
		off := i * page.Size
		bufs[i] = region[off : off+page.Size : off+page.Size]
	}
	return bufs, nil
}

func (a *MmapAllocator) Allocated() int64 { return a.allocated.Load() }

func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var err error
	for _, r := range a.regions {
		err = multierr.Append(err, unix.Munmap(r))
	}
	a.regions = nil
	a.allocated.Store(0)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternalError, "failed to unmap page memory").
			WithComponent("buffer")
	}
	return nil
}

var _ Allocator = (*MmapAllocator)(nil)
