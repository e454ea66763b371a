//go:build !linux

package buffer

import "github.com/flashxio/safs/pkg/errors"

// MmapAllocator is only available on Linux.
type MmapAllocator struct{ HeapAllocator }

// NewMmapAllocator reports that anonymous huge-page mappings are not
// supported on this platform.
func NewMmapAllocator(limit int64, hugePages bool) (*MmapAllocator, error) {
	return nil, errors.NewError(errors.ErrCodeInvalidConfig, "mmap allocator requires linux").
		WithComponent("buffer")
}
