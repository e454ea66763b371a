package cache

import (
	"context"
	stderr "errors"
	"sync"
	"testing"
	"time"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	mu      sync.Mutex
	written []page.ID
	calls   int
	err     error
	onWrite func(pages []*page.Page)
}

func (w *recordingWriter) WritePages(_ context.Context, pages []*page.Page) error {
	w.mu.Lock()
	w.calls++
	hook := w.onWrite
	w.mu.Unlock()
	for _, pg := range pages {
		if !pg.IsWriteback() || pg.Ref() == 0 {
			return stderr.New("page handed to writer without writeback pin")
		}
	}
	if hook != nil {
		hook(pages)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	for _, pg := range pages {
		w.written = append(w.written, pg.ID())
	}
	return nil
}

func (w *recordingWriter) ids() []page.ID {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]page.ID(nil), w.written...)
}

func quietFlusher(cfg *Config) { cfg.FlushInterval = time.Hour }

// dirtyPages loads n pages of file fileID, marks them dirty and unpins them.
func dirtyPages(t *testing.T, c *Cache, fileID, n int) []*page.Page {
	t.Helper()
	var out []*page.Page
	for i := 0; i < n; i++ {
		pg, _ := fetch(t, c, page.NewID(fileID, int64(i)*page.Size))
		require.NoError(t, c.MarkDirty(pg))
		require.NoError(t, c.Release(pg))
		out = append(out, pg)
	}
	return out
}

func TestFlushDirtyPages_NoWriter(t *testing.T) {
	c := newTestCache(t, 24, 24)
	_, err := c.FlushDirtyPages(context.Background(), nil, 0)
	assert.Equal(t, errors.ErrCodeNotInitialized, errors.CodeOf(err))
}

func TestFlushDirtyPages(t *testing.T) {
	c := newTestCache(t, 48, 48, quietFlusher)
	pages := dirtyPages(t, c, 0, 10)
	require.Equal(t, 10, c.NumDirtyPages())

	w := &recordingWriter{}
	c.StartFlusher(w)

	n, err := c.FlushDirtyPages(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Len(t, w.ids(), 10)
	assert.Zero(t, c.NumDirtyPages())
	assert.Zero(t, c.NumPendingFlush())
	for _, pg := range pages {
		assert.False(t, pg.IsDirty())
		assert.False(t, pg.IsWriteback())
		assert.EqualValues(t, 0, pg.Ref())
		assert.True(t, pg.Evictable())
	}
	assert.EqualValues(t, 10, c.FlusherStats().Flushed)
}

func TestFlushDirtyPages_Filter(t *testing.T) {
	c := newTestCache(t, 48, 48, quietFlusher)
	dirtyPages(t, c, 0, 4)
	dirtyPages(t, c, 1, 4)

	w := &recordingWriter{}
	c.StartFlusher(w)

	onlyFile1 := func(pg *page.Page) bool { return pg.ID().FileID == 1 }
	n, err := c.FlushDirtyPages(context.Background(), onlyFile1, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	for _, id := range w.ids() {
		assert.Equal(t, 1, id.FileID)
	}
	assert.Equal(t, 4, c.NumDirtyPages())

	n, err = c.FlushDirtyPages(context.Background(), nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, c.NumDirtyPages())
}

func TestFlushDirtyPages_FailureKeepsPagesDirty(t *testing.T) {
	c := newTestCache(t, 24, 24, quietFlusher)
	pages := dirtyPages(t, c, 0, 3)

	w := &recordingWriter{err: stderr.New("disk gone")}
	c.StartFlusher(w)

	n, err := c.FlushDirtyPages(context.Background(), nil, 0)
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 3, c.NumDirtyPages())
	assert.Zero(t, c.NumPendingFlush())
	for _, pg := range pages {
		assert.True(t, pg.IsDirty())
		assert.False(t, pg.IsWriteback())
		assert.EqualValues(t, 0, pg.Ref())
	}
	assert.EqualValues(t, 3, c.FlusherStats().Failed)
}

func TestFlushDirtyPages_RedirtiedDuringWriteback(t *testing.T) {
	c := newTestCache(t, 24, 24, quietFlusher)
	pages := dirtyPages(t, c, 0, 1)

	w := &recordingWriter{}
	w.onWrite = func(pp []*page.Page) {
		for _, pg := range pp {
			assert.False(t, pg.MarkDirty(), "page is already dirty")
		}
	}
	c.StartFlusher(w)

	_, err := c.FlushDirtyPages(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.True(t, pages[0].IsDirty(), "write during writeback keeps the page dirty")
	assert.Equal(t, 1, c.NumDirtyPages())

	w.mu.Lock()
	w.onWrite = nil
	w.mu.Unlock()
	_, err = c.FlushDirtyPages(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.False(t, pages[0].IsDirty())
	assert.Zero(t, c.NumDirtyPages())
}

func TestFlushDirtyPages_PendingBound(t *testing.T) {
	c := newTestCache(t, 480, 480, quietFlusher, func(cfg *Config) {
		cfg.MaxPendingFlush = 4
		cfg.FlushBatch = 2
	})
	dirtyPages(t, c, 0, 20)

	w := &recordingWriter{}
	w.onWrite = func([]*page.Page) {
		assert.LessOrEqual(t, c.NumPendingFlush(), 4)
	}
	c.StartFlusher(w)

	n, err := c.FlushDirtyPages(context.Background(), nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 16, c.NumDirtyPages())
	assert.EqualValues(t, 4, c.Stats().MaxPendingFlush)
}

func TestFlusher_BackgroundOnMarkDirty(t *testing.T) {
	c := newTestCache(t, 48, 48, quietFlusher)
	w := &recordingWriter{}
	c.StartFlusher(w)

	dirtyPages(t, c, 2, 6)
	assert.Eventually(t, func() bool {
		return c.NumDirtyPages() == 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, w.ids(), 6)
	assert.Positive(t, c.FlusherStats().CellsSeen)
}

func TestFlusher_BudgetExhaustedCellsCanRequeue(t *testing.T) {
	c := newTestCache(t, 48, 48, quietFlusher)
	pages := dirtyPages(t, c, 0, 8)

	// two cells holding dirty pages
	var cells []*hashCell
	seen := make(map[int]bool)
	for _, pg := range pages {
		idx := c.cellIndex(pg.ID())
		if !seen[idx] {
			seen[idx] = true
			cells = append(cells, c.getCell(idx))
		}
	}
	require.GreaterOrEqual(t, len(cells), 2)
	cells = cells[:2]

	w := &recordingWriter{}
	f := &Flusher{cache: c, writer: w, logger: c.logger}
	budget := c.reserveFlush(c.config.MaxPendingFlush)
	for _, cell := range cells {
		cell.setInQueue(true)
	}
	f.flushCells(context.Background(), cells)
	for _, cell := range cells {
		assert.False(t, cell.isInQueue(), "cell %d still marked queued", cell.hash)
	}
	assert.Empty(t, w.ids())
	c.releaseFlush(budget)

	c.StartFlusher(w)
	victim := cells[1]
	var target *page.Page
	for _, pg := range pages {
		if c.cellIndex(pg.ID()) == victim.hash {
			target = pg
			break
		}
	}
	require.NotNil(t, target)
	pg := c.Lookup(target.ID())
	require.NotNil(t, pg)
	require.NoError(t, c.MarkDirty(pg))
	require.NoError(t, c.Release(pg))

	assert.Eventually(t, func() bool {
		for _, id := range w.ids() {
			if c.cellIndex(id) == victim.hash {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFlusher_PeriodicSweep(t *testing.T) {
	c := newTestCache(t, 48, 48, func(cfg *Config) { cfg.FlushInterval = 10 * time.Millisecond })
	// dirtied before the flusher exists, so nothing is queued
	dirtyPages(t, c, 0, 5)

	w := &recordingWriter{}
	c.StartFlusher(w)
	assert.Eventually(t, func() bool {
		return c.NumDirtyPages() == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopFlusher(t *testing.T) {
	c := newTestCache(t, 24, 24, quietFlusher)
	c.StartFlusher(&recordingWriter{})
	c.StopFlusher()
	c.StopFlusher()

	dirtyPages(t, c, 0, 2)
	_, err := c.FlushDirtyPages(context.Background(), nil, 0)
	assert.Equal(t, errors.ErrCodeNotInitialized, errors.CodeOf(err))
	assert.Equal(t, 2, c.NumDirtyPages())
}
