package cache

import (
	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
)

const (
	// CellSize is the maximum number of pages in one cell.
	CellSize = 16
	// CellMinNumPages is the number of pages below which a cell is in deficit.
	CellMinNumPages = 8
	// avgCellPages is the fill of cells in a freshly built cache.
	avgCellPages = CellSize * 3 / 4
)

// pageCell is a fixed array of page slots plus a remap table. External
// indexes 0..numPages are dense and keep insertion order; maps translates
// them to slots in buf. A nil slot is free.
type pageCell struct {
	buf      [CellSize]*page.Page
	maps     [CellSize]uint8
	numPages int
	// cursor over the dense index for FIFO replacement
	idx int
}

func (c *pageCell) getNumPages() int { return c.numPages }

func (c *pageCell) isFull() bool { return c.numPages == CellSize }

func (c *pageCell) isDeficit() bool { return c.numPages < CellMinNumPages }

// getPage returns the page at dense index i.
func (c *pageCell) getPage(i int) *page.Page {
	return c.buf[c.maps[i]]
}

// addPage places pg into a free slot and appends it to the dense index.
func (c *pageCell) addPage(pg *page.Page) bool {
	if c.isFull() {
		return false
	}
	for slot := range c.buf {
		if c.buf[slot] == nil {
			c.buf[slot] = pg
			c.maps[c.numPages] = uint8(slot)
			c.numPages++
			return true
		}
	}
	return false
}

// addBuffers wraps as many buffers as fit into unkeyed pages and returns
// how many were used.
func (c *pageCell) addBuffers(bufs [][]byte) int {
	n := 0
	for _, b := range bufs {
		if !c.addPage(page.New(b)) {
			break
		}
		n++
	}
	return n
}

func (c *pageCell) indexOf(pg *page.Page) int {
	for i := 0; i < c.numPages; i++ {
		if c.getPage(i) == pg {
			return i
		}
	}
	return -1
}

func (c *pageCell) contains(pg *page.Page) bool {
	return c.indexOf(pg) >= 0
}

// stealPage removes pg from the cell. The remaining pages keep their
// relative order.
func (c *pageCell) stealPage(pg *page.Page) bool {
	for slot, p := range c.buf {
		if p == pg {
			c.buf[slot] = nil
			c.rebuildMap()
			return true
		}
	}
	return false
}

// rebuildMap packs the dense index after slots were freed.
func (c *pageCell) rebuildMap() {
	n := 0
	for i := 0; i < c.numPages; i++ {
		if c.buf[c.maps[i]] != nil {
			c.maps[n] = c.maps[i]
			n++
		}
	}
	c.numPages = n
	if c.idx >= n {
		c.idx = 0
	}
}

// getEmptyPage returns the next evictable page in circular insertion order,
// or nil when every page is pinned, dirty or busy.
func (c *pageCell) getEmptyPage() *page.Page {
	for i := 0; i < c.numPages; i++ {
		if c.idx >= c.numPages {
			c.idx = 0
		}
		pg := c.getPage(c.idx)
		c.idx++
		if pg.Evictable() {
			return pg
		}
	}
	return nil
}

// unkeyedPage returns an evictable page that holds no data.
func (c *pageCell) unkeyedPage() *page.Page {
	for i := 0; i < c.numPages; i++ {
		pg := c.getPage(i)
		if !pg.ID().Valid() && pg.Evictable() {
			return pg
		}
	}
	return nil
}

func (c *pageCell) scaleDownHits() {
	for i := 0; i < c.numPages; i++ {
		pg := c.getPage(i)
		pg.SetHits(pg.Hits() / 2)
	}
}

// numUsedPages counts pages that hold data.
func (c *pageCell) numUsedPages() int {
	n := 0
	for i := 0; i < c.numPages; i++ {
		if c.getPage(i).ID().Valid() {
			n++
		}
	}
	return n
}

// sanityCheck verifies that the dense index covers exactly the occupied
// slots, each once.
func (c *pageCell) sanityCheck() error {
	if c.numPages < 0 || c.numPages > CellSize {
		return invariantf("page cell holds %d pages", c.numPages)
	}
	var seen [CellSize]bool
	for i := 0; i < c.numPages; i++ {
		slot := c.maps[i]
		if int(slot) >= CellSize {
			return invariantf("map entry %d points to slot %d", i, slot)
		}
		if seen[slot] {
			return invariantf("slot %d mapped twice", slot)
		}
		seen[slot] = true
		if c.buf[slot] == nil {
			return invariantf("map entry %d points to free slot %d", i, slot)
		}
	}
	occupied := 0
	for _, pg := range c.buf {
		if pg != nil {
			occupied++
		}
	}
	if occupied != c.numPages {
		return invariantf("%d occupied slots, %d mapped", occupied, c.numPages)
	}
	return nil
}

func invariantf(format string, args ...interface{}) *errors.SAFSError {
	return errors.Newf(errors.ErrCodeInvariantViolation, format, args...).
		WithComponent("cache")
}
