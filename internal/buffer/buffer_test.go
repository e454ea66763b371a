package buffer

import (
	stderr "errors"
	"runtime"
	"sync"
	"testing"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapAllocator(t *testing.T) {
	a := NewHeapAllocator(0, 4)

	bufs, err := a.Alloc(10)
	require.NoError(t, err)
	require.Len(t, bufs, 10)
	for _, b := range bufs {
		assert.Len(t, b, page.Size)
		assert.Equal(t, page.Size, cap(b), "no buffer may reach into its neighbour")
	}
	assert.Equal(t, int64(10*page.Size), a.Allocated())

	bufs[0][page.Size-1] = 7
	assert.Zero(t, bufs[1][0])
	require.NoError(t, a.Close())
}

func TestHeapAllocator_Limit(t *testing.T) {
	a := NewHeapAllocator(8*page.Size, 16)

	_, err := a.Alloc(6)
	require.NoError(t, err)

	_, err = a.Alloc(3)
	require.Error(t, err)
	assert.True(t, stderr.Is(err, errors.ErrOutOfMemory))
	assert.Equal(t, int64(6*page.Size), a.Allocated())

	bufs, err := a.Alloc(2)
	require.NoError(t, err)
	assert.Len(t, bufs, 2)
}

func TestMmapAllocator(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("mmap allocator is linux only")
	}
	a, err := NewMmapAllocator(4*page.Size, true)
	require.NoError(t, err)

	bufs, err := a.Alloc(4)
	require.NoError(t, err)
	require.Len(t, bufs, 4)
	bufs[3][0] = 1
	assert.Equal(t, int64(4*page.Size), a.Allocated())

	_, err = a.Alloc(1)
	assert.True(t, stderr.Is(err, errors.ErrOutOfMemory))

	require.NoError(t, a.Close())
	assert.Zero(t, a.Allocated())
}

func TestManager_RecyclesBeforeAllocating(t *testing.T) {
	m, err := NewManager(&ManagerConfig{Allocator: AllocatorHeap, ChunkPages: 8})
	require.NoError(t, err)

	bufs, err := m.Get(4)
	require.NoError(t, err)
	bufs[0][10] = 0xff
	m.Put(bufs)
	assert.Equal(t, 4, m.FreePages())

	again, err := m.Get(6)
	require.NoError(t, err)
	assert.Len(t, again, 6)
	assert.Zero(t, m.FreePages())

	stats := m.GetStats()
	assert.Equal(t, int64(6*page.Size), stats.AllocatedBytes)
	assert.Equal(t, uint64(4), stats.Recycled)
	assert.Equal(t, uint64(4), stats.Returned)

	for _, b := range again {
		assert.Zero(t, b[10], "recycled buffers are cleared")
	}
	assert.Equal(t, int64(6*page.Size), m.GetMemoryUsage())
	require.NoError(t, m.Close())
}

func TestManager_FailureKeepsFreeList(t *testing.T) {
	m, err := NewManager(&ManagerConfig{MaxBytes: 2 * page.Size})
	require.NoError(t, err)

	bufs, err := m.Get(2)
	require.NoError(t, err)
	m.Put(bufs[:1])

	_, err = m.Get(3)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeOutOfMemory, errors.CodeOf(err))
	assert.Equal(t, 1, m.FreePages())
	assert.Equal(t, uint64(1), m.GetStats().Failures)
}

func TestManager_UnknownAllocator(t *testing.T) {
	_, err := NewManager(&ManagerConfig{Allocator: "numa"})
	assert.True(t, stderr.Is(err, errors.ErrInvalidConfig))
}

func TestManager_Concurrent(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bufs, err := m.Get(3)
				if !assert.NoError(t, err) {
					return
				}
				m.Put(bufs)
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, m.GetStats().AllocatedBytes, int64(8*3*page.Size))
}
