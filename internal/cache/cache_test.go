package cache

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flashxio/safs/internal/buffer"
	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, pages, maxPages int, mutate ...func(*Config)) *Cache {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CacheSize = int64(pages) * page.Size
	cfg.MaxCacheSize = int64(maxPages) * page.Size
	for _, m := range mutate {
		m(cfg)
	}
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// fetch returns the pinned page keyed id with its read completed.
func fetch(t *testing.T, c *Cache, id page.ID) (*page.Page, Outcome) {
	t.Helper()
	pg, out, err := c.Search(id)
	require.NoError(t, err)
	if out.Miss {
		pg.FinishIO(nil)
	}
	return pg, out
}

func TestNew(t *testing.T) {
	c := newTestCache(t, 120, 1024)
	assert.Equal(t, 10, c.NumCells())
	assert.Equal(t, int64(120*page.Size), c.Size())
	for _, cs := range c.CellStats() {
		assert.Equal(t, 12, cs.NumPages)
	}
	require.NoError(t, c.SanityCheck())

	// uneven sizes put the remainder in the first cells
	c = newTestCache(t, 32, 32)
	assert.Equal(t, 3, c.NumCells())
	stats := c.CellStats()
	assert.Equal(t, []int{11, 11, 10}, []int{stats[0].NumPages, stats[1].NumPages, stats[2].NumPages})
}

func TestNew_InvalidSize(t *testing.T) {
	_, err := New(&Config{CacheSize: 100})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestSearch_AlignsAndPins(t *testing.T) {
	c := newTestCache(t, 24, 24)

	pg, out := fetch(t, c, page.NewID(2, 100))
	assert.True(t, out.Miss)
	assert.Equal(t, page.NewID(2, 0), pg.ID())
	require.NoError(t, c.Release(pg))

	again := c.Lookup(page.NewID(2, page.Size-1))
	require.Same(t, pg, again)
	assert.EqualValues(t, 1, again.Ref())
	require.NoError(t, c.Release(again))

	assert.Nil(t, c.Lookup(page.NewID(2, page.Size)))
	assert.Nil(t, c.Lookup(page.InvalidID))

	_, _, err := c.Search(page.InvalidID)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestRelease_Unpinned(t *testing.T) {
	c := newTestCache(t, 24, 24)
	pg, _ := fetch(t, c, page.NewID(0, 0))
	require.NoError(t, c.Release(pg))

	err := c.Release(pg)
	assert.ErrorIs(t, err, errors.ErrInvariantViolation)
	assert.EqualValues(t, 0, pg.Ref())
}

func TestMarkDirty(t *testing.T) {
	c := newTestCache(t, 24, 24)
	pg, _ := fetch(t, c, page.NewID(0, 0))

	require.NoError(t, c.MarkDirty(pg))
	require.NoError(t, c.MarkDirty(pg))
	assert.Equal(t, 1, c.NumDirtyPages())
	assert.True(t, pg.IsDirty())

	require.NoError(t, c.Release(pg))
	assert.False(t, pg.Evictable(), "dirty pages stay until written")
	assert.ErrorIs(t, c.MarkDirty(pg), errors.ErrInvariantViolation)
}

func TestConcurrentMissFillsOnce(t *testing.T) {
	c := newTestCache(t, 24, 24)
	id := page.NewID(7, 7*page.Size)

	var misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pg, out, err := c.Search(id)
			if !assert.NoError(t, err) {
				return
			}
			if out.Miss {
				misses.Add(1)
				time.Sleep(5 * time.Millisecond)
				pg.FinishIO(nil)
			} else {
				assert.NoError(t, pg.WaitIO())
			}
			assert.True(t, pg.IsReady())
			assert.NoError(t, c.Release(pg))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, misses.Load())
}

func TestLRUCacheEviction(t *testing.T) {
	c := newTestCache(t, 3, 3, func(cfg *Config) { cfg.Policy = PolicyLRU })
	require.Equal(t, 1, c.NumCells())

	ids := []page.ID{page.NewID(0, 0), page.NewID(0, page.Size), page.NewID(0, 2*page.Size)}
	for _, id := range ids {
		pg, _ := fetch(t, c, id)
		require.NoError(t, c.Release(pg))
	}
	pg, out := fetch(t, c, ids[0])
	assert.False(t, out.Miss)
	require.NoError(t, c.Release(pg))

	pg, out = fetch(t, c, page.NewID(0, 3*page.Size))
	assert.True(t, out.Miss)
	assert.Equal(t, ids[1], out.OldID)
	require.NoError(t, c.Release(pg))

	st := c.Stats()
	assert.EqualValues(t, 5, st.NumAccesses)
	assert.EqualValues(t, 1, st.NumHits)
	assert.EqualValues(t, 1, st.NumEvictions)
	assert.InDelta(t, 0.2, st.HitRate(), 1e-9)
}

func TestSearch_NoVictimWhenCellPinned(t *testing.T) {
	c := newTestCache(t, 3, 3)
	var pinned []*page.Page
	for i := 0; i < 3; i++ {
		pg, _ := fetch(t, c, page.NewID(0, int64(i)*page.Size))
		pinned = append(pinned, pg)
	}
	_, _, err := c.Search(page.NewID(0, 10*page.Size))
	assert.ErrorIs(t, err, errors.ErrNoVictim)

	require.NoError(t, c.Release(pinned[1]))
	_, out := fetch(t, c, page.NewID(0, 10*page.Size))
	assert.Equal(t, page.NewID(0, 10*page.Size), pinned[1].ID())
	assert.Equal(t, page.NewID(0, page.Size), out.OldID)
}

func TestExpand_KeepsKeysReachable(t *testing.T) {
	c := newTestCache(t, 24, 1024)
	require.Equal(t, 2, c.NumCells())

	var pinned []*page.Page
	for i := 0; i < 40; i++ {
		pg, _, err := c.Search(page.NewID(i%3, int64(i)*page.Size))
		if errors.CodeOf(err) == errors.ErrCodeNoVictim {
			continue
		}
		require.NoError(t, err)
		pg.FinishIO(nil)
		if i%4 == 0 {
			pinned = append(pinned, pg)
			continue
		}
		require.NoError(t, c.Release(pg))
	}
	require.NotEmpty(t, pinned)

	added, err := c.Expand(64)
	require.NoError(t, err)
	assert.Equal(t, 64, added)
	assert.Equal(t, int64(88*page.Size), c.Size())
	assert.Greater(t, c.NumCells(), 2)
	require.NoError(t, c.SanityCheck())

	st := c.Stats()
	assert.Equal(t, c.initNCells<<st.Level+st.Split, st.NumCells)
	assert.Less(t, st.Split, c.initNCells<<st.Level)

	for _, pg := range pinned {
		got := c.Lookup(pg.ID())
		require.Same(t, pg, got, "pinned %s lost during expansion", pg.ID())
		require.NoError(t, c.Release(got))
		require.NoError(t, c.Release(pg))
	}
}

func TestExpand_StopsAtMaxSize(t *testing.T) {
	c := newTestCache(t, 24, 34)
	added, err := c.Expand(100)
	require.NoError(t, err)
	assert.Equal(t, 10, added)
	assert.Equal(t, int64(34*page.Size), c.Size())

	added, err = c.Expand(1)
	require.NoError(t, err)
	assert.Zero(t, added)
	require.NoError(t, c.SanityCheck())
}

func TestExpand_NotExpandable(t *testing.T) {
	c := newTestCache(t, 24, 1024, func(cfg *Config) { cfg.Expandable = false })
	_, err := c.Expand(8)
	assert.Equal(t, errors.ErrCodeInvalidState, errors.CodeOf(err))
}

func TestExpand_OutOfMemory(t *testing.T) {
	mgr, err := buffer.NewManager(&buffer.ManagerConfig{MaxBytes: 36 * page.Size})
	require.NoError(t, err)
	c := newTestCache(t, 24, 1024, func(cfg *Config) { cfg.Buffers = mgr })

	added, err := c.Expand(20)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrOutOfMemory)
	assert.Equal(t, 8, added)
	assert.Equal(t, int64(32*page.Size), c.Size())
	require.NoError(t, c.SanityCheck())

	pg, _ := fetch(t, c, page.NewID(0, 0))
	require.NoError(t, c.Release(pg))
}

func TestExpand_ConcurrentSearch(t *testing.T) {
	c := newTestCache(t, 24, 4096)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for {
				select {
				case <-stop:
					return
				default:
				}
				id := page.NewID(rng.Intn(4), int64(rng.Intn(512))*page.Size)
				pg, out, err := c.Search(id)
				if err != nil {
					assert.Equal(t, errors.ErrCodeNoVictim, errors.CodeOf(err))
					continue
				}
				assert.Equal(t, id, pg.ID())
				if out.Miss {
					pg.FinishIO(nil)
				}
				assert.NoError(t, c.Release(pg))
			}
		}(int64(w))
	}

	total := 0
	for i := 0; i < 50; i++ {
		added, err := c.Expand(16)
		require.NoError(t, err)
		total += added
	}
	close(stop)
	wg.Wait()

	assert.Equal(t, 800, total)
	assert.Equal(t, int64((24+800)*page.Size), c.Size())
	require.NoError(t, c.SanityCheck())
}

func TestShrink(t *testing.T) {
	c := newTestCache(t, 24, 24)
	pg, _ := fetch(t, c, page.NewID(0, 0))

	bufs := c.Shrink(6)
	assert.Len(t, bufs, 6)
	assert.Equal(t, int64(18*page.Size), c.Size())
	for _, cs := range c.CellStats() {
		assert.GreaterOrEqual(t, cs.NumPages, CellMinNumPages, "spare pages go first")
	}
	require.NoError(t, c.SanityCheck())

	bufs = c.Shrink(100)
	assert.Len(t, bufs, 16, "every cell keeps a page")
	for _, cs := range c.CellStats() {
		assert.Equal(t, 1, cs.NumPages)
	}
	assert.Same(t, pg, c.Lookup(pg.ID()))
	require.NoError(t, c.Release(pg))
	require.NoError(t, c.Release(pg))
	require.NoError(t, c.SanityCheck())
}

func TestShrink_EveryCellServesMisses(t *testing.T) {
	c := newTestCache(t, 48, 1024)
	require.Equal(t, 4, c.NumCells())

	bufs := c.Shrink(40)
	assert.Len(t, bufs, 40)
	c.buffers.Put(bufs)

	// one key per cell
	keys := make(map[int]page.ID)
	for off := int64(0); len(keys) < c.NumCells(); off += page.Size {
		id := page.NewID(1, off)
		if _, ok := keys[c.cellIndex(id)]; !ok {
			keys[c.cellIndex(id)] = id
		}
	}
	for cell, id := range keys {
		pg, _ := fetch(t, c, id)
		require.NoError(t, c.Release(pg), "cell %d", cell)
	}

	added, err := c.Expand(64)
	require.NoError(t, err)
	assert.Equal(t, 64, added)
	for _, cs := range c.CellStats() {
		assert.GreaterOrEqual(t, cs.NumPages, CellMinNumPages, "cell %d left in deficit", cs.Hash)
	}
	for off := int64(0); off < 256*page.Size; off += page.Size {
		pg, _ := fetch(t, c, page.NewID(2, off))
		require.NoError(t, c.Release(pg))
	}
	require.NoError(t, c.SanityCheck())
}

func TestStats_Accounting(t *testing.T) {
	c := newTestCache(t, 24, 24)
	for i := 0; i < 4; i++ {
		pg, _ := fetch(t, c, page.NewID(0, int64(i)*page.Size))
		require.NoError(t, c.Release(pg))
	}
	pg, _ := fetch(t, c, page.NewID(0, 0))
	require.NoError(t, c.MarkDirty(pg))
	require.NoError(t, c.Release(pg))

	st := c.Stats()
	assert.EqualValues(t, 24, st.NumPages)
	assert.EqualValues(t, 1, st.NumDirty)
	assert.EqualValues(t, 5, st.NumAccesses)
	assert.EqualValues(t, 1, st.NumHits)
	assert.Equal(t, 4, c.NumUsedPages())
	assert.Zero(t, st.NumOverflow)
}
