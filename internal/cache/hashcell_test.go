package cache

import (
	"testing"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// load searches id, completes the read on a miss and unpins the page.
func load(t *testing.T, c *hashCell, id page.ID) Outcome {
	t.Helper()
	pg, out, err := c.search(id)
	require.NoError(t, err)
	if out.Miss {
		pg.FinishIO(nil)
	}
	pg.DecRef()
	return out
}

func detachedCell(hash, npages int) *hashCell {
	c := newHashCell(nil, hash, PolicyGClock)
	c.buf.addBuffers(pageBufs(npages))
	return c
}

// keyPages keys the first n pages of c as file fileID, offsets 0..n-1.
func keyPages(c *hashCell, fileID, n int) {
	for i := 0; i < n; i++ {
		c.buf.getPage(i).Reset(page.NewID(fileID, int64(i)*page.Size))
	}
}

func TestHashCell_SearchMissThenHit(t *testing.T) {
	c := detachedCell(0, 2)
	id := page.NewID(3, 5*page.Size)

	pg, out, err := c.search(id)
	require.NoError(t, err)
	assert.True(t, out.Miss)
	assert.False(t, out.OldID.Valid())
	assert.Equal(t, id, pg.ID())
	assert.True(t, pg.IsPending())
	assert.EqualValues(t, 1, pg.Ref())
	pg.FinishIO(nil)
	pg.DecRef()

	again, out, err := c.search(id)
	require.NoError(t, err)
	assert.False(t, out.Miss)
	assert.Same(t, pg, again)
	assert.True(t, again.IsReady())
	assert.EqualValues(t, 1, again.Ref())

	st := c.stats()
	assert.EqualValues(t, 2, st.NumAccesses)
	assert.EqualValues(t, 1, st.NumHits)
	assert.EqualValues(t, 0, st.NumEvictions)
	assert.Equal(t, 1, st.NumPinned)
}

func TestHashCell_EvictionReportsOldKey(t *testing.T) {
	c := detachedCell(0, 1)
	first := page.NewID(0, 0)
	load(t, c, first)

	out := load(t, c, page.NewID(0, page.Size))
	assert.True(t, out.Miss)
	assert.Equal(t, first, out.OldID)
	assert.EqualValues(t, 1, c.stats().NumEvictions)
}

func TestHashCell_NoVictim(t *testing.T) {
	c := detachedCell(0, 1)
	pg, _, err := c.search(page.NewID(0, 0))
	require.NoError(t, err)
	pg.FinishIO(nil)

	_, _, err = c.search(page.NewID(0, page.Size))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoVictim)
	assert.True(t, errors.IsRetryable(err))

	// a dirty page is no victim either
	pg.MarkDirty()
	pg.DecRef()
	_, _, err = c.search(page.NewID(0, page.Size))
	assert.ErrorIs(t, err, errors.ErrNoVictim)
}

func TestHashCell_LookupNeverEvicts(t *testing.T) {
	c := detachedCell(0, 2)
	load(t, c, page.NewID(0, 0))

	pg, err := c.lookup(page.NewID(0, page.Size))
	require.NoError(t, err)
	assert.Nil(t, pg)
	assert.Equal(t, 1, c.buf.numUsedPages())

	pg, err = c.lookup(page.NewID(0, 0))
	require.NoError(t, err)
	require.NotNil(t, pg)
	assert.EqualValues(t, 1, pg.Ref())
}

func TestHashCell_StaleCell(t *testing.T) {
	cache, err := New(&Config{CacheSize: 64 * page.Size})
	require.NoError(t, err)
	defer cache.Close()

	var id page.ID
	for off := int64(0); ; off += page.Size {
		id = page.NewID(0, off)
		if cache.cellIndex(id) != 0 {
			break
		}
	}
	cell := cache.getCell(0)
	_, _, err = cell.search(id)
	assert.Equal(t, errStaleCell, err)
	_, err = cell.lookup(id)
	assert.Equal(t, errStaleCell, err)

	pg, _, err := cache.getCell(cache.cellIndex(id)).search(id)
	require.NoError(t, err)
	pg.FinishIO(nil)
	require.NoError(t, cache.Release(pg))
}

func TestHashCell_Rehash(t *testing.T) {
	src := detachedCell(0, 10)
	keyPages(src, 0, 6)
	pinned := src.buf.getPage(3)
	pinned.IncRef()

	dst := newHashCell(nil, 1, PolicyGClock)
	odd := func(id page.ID) int { return int(id.Offset/page.Size) % 2 }

	src.lock.Lock()
	dst.lock.Lock()
	src.rehashLocked(dst, odd)
	dst.lock.Unlock()
	src.lock.Unlock()

	assert.Equal(t, 5, src.numPages())
	assert.Equal(t, 5, dst.numPages())
	for i := 0; i < src.buf.getNumPages(); i++ {
		if id := src.buf.getPage(i).ID(); id.Valid() {
			assert.Equal(t, 0, odd(id))
		}
	}
	assert.True(t, dst.buf.contains(pinned))
	assert.EqualValues(t, 1, pinned.Ref())
	assert.Equal(t, 3, dst.buf.numUsedPages())
	require.NoError(t, src.sanityCheck())
	require.NoError(t, dst.sanityCheck())
}

func TestHashCell_MergeMakesRoomForBusyPages(t *testing.T) {
	c := detachedCell(0, CellSize)
	keyPages(c, 0, CellSize)
	other := detachedCell(1, 2)
	keyPages(other, 1, 2)
	for i := 0; i < 2; i++ {
		other.buf.getPage(i).IncRef()
	}

	freed, err := c.mergeLocked(other)
	require.NoError(t, err)
	assert.Len(t, freed, 2)
	assert.Equal(t, CellSize, c.buf.getNumPages())
	assert.Equal(t, 0, other.buf.getNumPages())
	assert.False(t, other.isOverflow())
	require.NoError(t, c.sanityCheck())
}

func TestHashCell_MergeOverflow(t *testing.T) {
	c := detachedCell(0, CellSize)
	keyPages(c, 0, CellSize)
	for i := 0; i < CellSize; i++ {
		c.buf.getPage(i).IncRef()
	}
	other := detachedCell(1, 2)
	keyPages(other, 1, 2)
	other.buf.getPage(0).IncRef()

	freed, err := c.mergeLocked(other)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvariantViolation)
	assert.Len(t, freed, 1, "the clean page is dropped")
	assert.Equal(t, 1, other.buf.getNumPages(), "the pinned page stays behind")
	assert.True(t, other.isOverflow())
}

func TestHashCell_MergeFits(t *testing.T) {
	c := detachedCell(0, 4)
	other := detachedCell(1, 3)
	keyPages(other, 1, 3)

	freed, err := c.mergeLocked(other)
	require.NoError(t, err)
	assert.Empty(t, freed)
	assert.Equal(t, 7, c.buf.getNumPages())
	assert.Equal(t, 3, c.buf.numUsedPages())
}

func TestHashCell_Rebalance(t *testing.T) {
	c := detachedCell(0, 12)
	keyPages(c, 0, 12)
	other := detachedCell(1, 2)

	moved := c.rebalanceLocked(other)
	assert.Equal(t, 4, moved)
	assert.Equal(t, CellMinNumPages, c.buf.getNumPages())
	assert.Equal(t, 6, other.buf.getNumPages())
	assert.Equal(t, 0, other.buf.numUsedPages(), "moved pages lose their keys")
}

func TestHashCell_StealPages(t *testing.T) {
	c := detachedCell(0, 6)
	keyPages(c, 0, 4)
	c.buf.getPage(0).IncRef()
	c.buf.getPage(1).SetFlags(page.Dirty)

	bufs := c.stealPages(10, 0)
	assert.Len(t, bufs, 4)
	assert.Equal(t, 2, c.numPages())
	assert.EqualValues(t, 2, c.stats().NumEvictions, "only keyed pages count")
	for _, b := range bufs {
		assert.Len(t, b, page.Size)
	}
}

func TestHashCell_StealPagesKeepsFloor(t *testing.T) {
	c := detachedCell(0, 10)
	assert.Len(t, c.stealPages(5, CellMinNumPages), 2)
	assert.Equal(t, CellMinNumPages, c.numPages())
	assert.Nil(t, c.stealPages(5, CellMinNumPages))

	assert.Len(t, c.stealPages(100, 1), CellMinNumPages-1)
	assert.Equal(t, 1, c.numPages())
}

// numPagesWith counts pages whose flags match set and clear.
func (c *hashCell) numPagesWith(set, clear page.Flags) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	n := 0
	for i := 0; i < c.buf.getNumPages(); i++ {
		if c.buf.getPage(i).Match(set, clear) {
			n++
		}
	}
	return n
}

func TestHashCell_PinForFlush(t *testing.T) {
	c := detachedCell(0, 5)
	keyPages(c, 0, 5)
	for i := 0; i < 4; i++ {
		c.buf.getPage(i).SetFlags(page.Dirty)
	}
	c.buf.getPage(2).SetFlags(page.Writeback)
	c.buf.getPage(3).SetFlags(page.IOPending)

	assert.Equal(t, 4, c.numPagesWith(page.Dirty, 0))
	pages := c.pinForFlush(10, false, nil)
	require.Len(t, pages, 2)
	for _, pg := range pages {
		assert.EqualValues(t, 1, pg.Ref())
		assert.True(t, pg.IsWriteback())
	}
	assert.Empty(t, c.pinForFlush(10, true, nil), "pages under writeback are skipped")
}

func TestHashCell_PinForFlushFilterAndLimit(t *testing.T) {
	c := detachedCell(0, 4)
	keyPages(c, 0, 4)
	for i := 0; i < 4; i++ {
		c.buf.getPage(i).SetFlags(page.Dirty)
	}
	notFirst := func(pg *page.Page) bool { return pg.ID().Offset != 0 }

	pages := c.pinForFlush(2, true, notFirst)
	require.Len(t, pages, 2)
	for _, pg := range pages {
		assert.NotZero(t, pg.ID().Offset)
	}
	assert.Nil(t, c.pinForFlush(0, true, nil))
}

func TestHashCell_SanityCheckDuplicateKey(t *testing.T) {
	c := detachedCell(0, 3)
	keyPages(c, 0, 3)
	require.NoError(t, c.sanityCheck())

	c.buf.getPage(2).Reset(page.NewID(0, 0))
	err := c.sanityCheck()
	assert.ErrorIs(t, err, errors.ErrInvariantViolation)
}

func TestHashCell_InQueueFlag(t *testing.T) {
	c := detachedCell(0, 1)
	assert.False(t, c.setInQueue(true))
	assert.True(t, c.setInQueue(true))
	assert.True(t, c.isInQueue())
	assert.True(t, c.setInQueue(false))
	assert.False(t, c.isInQueue())
}
