package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

// AllocatorKind selects the backing allocator of a Manager.
type AllocatorKind string

const (
	AllocatorHeap AllocatorKind = "heap"
	AllocatorMmap AllocatorKind = "mmap"
)

// ManagerConfig represents buffer manager configuration
type ManagerConfig struct {
	Allocator  AllocatorKind `yaml:"allocator"`
	MaxBytes   int64         `yaml:"max_bytes"`
	ChunkPages int           `yaml:"chunk_pages"`
	HugePages  bool          `yaml:"huge_pages"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// ManagerStats tracks buffer usage.
type ManagerStats struct {
	AllocatedBytes int64  `json:"allocated_bytes"`
	FreePages      int    `json:"free_pages"`
	Gets           uint64 `json:"gets"`
	Recycled       uint64 `json:"recycled"`
	Returned       uint64 `json:"returned"`
	Failures       uint64 `json:"failures"`
}

// Manager is the single source of page buffers for a cache. Buffers given
// back by Put are kept on a free list and handed out again before the
// allocator is asked for more.
type Manager struct {
	alloc  Allocator
	logger *utils.StructuredLogger

	mu   sync.Mutex
	free [][]byte

	gets     atomic.Uint64
	recycled atomic.Uint64
	returned atomic.Uint64
	failures atomic.Uint64
}

// NewManager creates a buffer manager with the configured allocator.
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		config = &ManagerConfig{Allocator: AllocatorHeap}
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	var alloc Allocator
	switch config.Allocator {
	case AllocatorHeap, "":
		alloc = NewHeapAllocator(config.MaxBytes, config.ChunkPages)
	case AllocatorMmap:
		a, err := NewMmapAllocator(config.MaxBytes, config.HugePages)
		if err != nil {
			return nil, err
		}
		alloc = a
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown allocator %q", config.Allocator).
			WithComponent("buffer")
	}
	return NewManagerWithAllocator(alloc, logger), nil
}

// NewManagerWithAllocator wraps an existing allocator.
func NewManagerWithAllocator(alloc Allocator, logger *utils.StructuredLogger) *Manager {
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	return &Manager{alloc: alloc, logger: logger.WithComponent("buffer")}
}

// Get returns n zeroed page buffers. Recycled buffers are used first; the
// rest come from the allocator. On allocation failure no buffers are
// returned and the recycled ones go back on the free list.
func (m *Manager) Get(n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	m.gets.Add(1)

	m.mu.Lock()
	take := min(n, len(m.free))
	bufs := make([][]byte, 0, n)
	bufs = append(bufs, m.free[len(m.free)-take:]...)
	m.free = m.free[:len(m.free)-take]
	m.mu.Unlock()
	m.recycled.Add(uint64(take))

	if rest := n - take; rest > 0 {
		fresh, err := m.alloc.Alloc(rest)
		if err != nil {
			m.failures.Add(1)
			m.Put(bufs)
			m.logger.Warn("page allocation failed", map[string]interface{}{
				"pages": n,
				"error": err.Error(),
			})
			return nil, err
		}
		bufs = append(bufs, fresh...)
	}
	return bufs, nil
}

// Put returns buffers to the free list. Buffers are cleared so stale data
// never leaks into a newly keyed page.
func (m *Manager) Put(bufs [][]byte) {
	if len(bufs) == 0 {
		return
	}
	for _, b := range bufs {
		clear(b[:cap(b)])
	}
	m.mu.Lock()
	m.free = append(m.free, bufs...)
	m.mu.Unlock()
	m.returned.Add(uint64(len(bufs)))
}

// FreePages returns the length of the free list.
func (m *Manager) FreePages() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.free)
}

// GetStats returns current statistics.
func (m *Manager) GetStats() ManagerStats {
	return ManagerStats{
		AllocatedBytes: m.alloc.Allocated(),
		FreePages:      m.FreePages(),
		Gets:           m.gets.Load(),
		Recycled:       m.recycled.Load(),
		Returned:       m.returned.Load(),
		Failures:       m.failures.Load(),
	}
}

// GetMemoryUsage returns bytes in use by pages, excluding the free list.
func (m *Manager) GetMemoryUsage() int64 {
	return m.alloc.Allocated() - int64(m.FreePages())*page.Size
}

// Close drops the free list and releases the allocator's memory.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.free = nil
	m.mu.Unlock()
	return m.alloc.Close()
}
