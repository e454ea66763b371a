package cache

import (
	stderr "errors"
	"sort"
	"strconv"
	"sync/atomic"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
)

const (
	cellOverflow uint32 = 1 << iota
	cellInQueue
)

// errStaleCell tells Cache to recompute the cell of a key: an expansion
// moved the key away between the lookup and taking the cell lock.
var errStaleCell = stderr.New("cell no longer owns key")

// flushExclude are the flags of dirty pages that cannot be written now.
const flushExclude = page.Writeback | page.IOPending

// hashCell is one bucket of the cache: a page cell, its eviction policy and
// the spinlock that serializes every operation on them.
type hashCell struct {
	lock   spinLock
	hash   int
	flags  atomic.Uint32
	buf    pageCell
	policy evictionPolicy
	table  *Cache

	numAccesses  atomic.Int64
	numHits      atomic.Int64
	numEvictions atomic.Int64
}

func (c *hashCell) init(table *Cache, hash int, kind PolicyKind) {
	c.table = table
	c.hash = hash
	c.policy = newPolicy(kind)
}

func newHashCell(table *Cache, hash int, kind PolicyKind) *hashCell {
	c := &hashCell{}
	c.init(table, hash, kind)
	return c
}

func (c *hashCell) isOverflow() bool { return c.flags.Load()&cellOverflow != 0 }

func (c *hashCell) isInQueue() bool { return c.flags.Load()&cellInQueue != 0 }

// setInQueue sets or clears IN_QUEUE and returns the previous value.
func (c *hashCell) setInQueue(v bool) bool {
	if v {
		return c.flags.Or(cellInQueue)&cellInQueue != 0
	}
	return c.flags.And(^cellInQueue)&cellInQueue != 0
}

// owns reports whether the table still maps id to this cell. The caller
// holds the cell lock.
func (c *hashCell) owns(id page.ID) bool {
	return c.table == nil || c.table.cellIndex(id) == c.hash
}

func (c *hashCell) find(id page.ID) *page.Page {
	for i := 0; i < c.buf.getNumPages(); i++ {
		if pg := c.buf.getPage(i); pg.ID() == id {
			return pg
		}
	}
	return nil
}

func (c *hashCell) hit(pg *page.Page) {
	pg.IncRef()
	if pg.Hit() {
		c.buf.scaleDownHits()
	}
	c.policy.accessPage(pg, &c.buf)
	c.numHits.Add(1)
}

func (c *hashCell) removed(pg *page.Page) {
	if r, ok := c.policy.(pageRemover); ok {
		r.removePage(pg)
	}
}

// search returns the pinned page keyed id. On a miss a victim is re-keyed
// to id, pinned and marked IO-pending; the caller must fill it and call
// FinishIO. The outcome reports the miss and the victim's old key.
func (c *hashCell) search(id page.ID) (*page.Page, Outcome, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.owns(id) {
		return nil, Outcome{}, errStaleCell
	}
	c.numAccesses.Add(1)
	if pg := c.find(id); pg != nil {
		c.hit(pg)
		return pg, Outcome{OldID: page.InvalidID}, nil
	}

	victim := c.buf.unkeyedPage()
	if victim == nil {
		victim = c.policy.evictPage(&c.buf)
	}
	if victim == nil {
		return nil, Outcome{}, errors.NewError(errors.ErrCodeNoVictim, "no evictable page in cell").
			WithComponent("cache").
			WithOperation("search").
			WithDetail("cell", c.hash).
			WithContext("page", id.String())
	}
	if !victim.Evictable() {
		return nil, Outcome{}, invariantf("policy chose busy page %s", victim).WithOperation("search")
	}

	out := Outcome{Miss: true, OldID: victim.ID()}
	if out.OldID.Valid() {
		c.numEvictions.Add(1)
	}
	victim.Reset(id)
	victim.IncRef()
	victim.Hit()
	victim.BeginIO()
	c.policy.accessPage(victim, &c.buf)
	return victim, out, nil
}

// lookup returns the pinned page keyed id, or nil. It never evicts.
func (c *hashCell) lookup(id page.ID) (*page.Page, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.owns(id) {
		return nil, errStaleCell
	}
	c.numAccesses.Add(1)
	pg := c.find(id)
	if pg != nil {
		c.hit(pg)
	}
	return pg, nil
}

// addPagesToMin adds buffers until the cell is no longer in deficit.
func (c *hashCell) addPagesToMin(bufs [][]byte) int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.addPagesToMinLocked(bufs)
}

func (c *hashCell) addPagesToMinLocked(bufs [][]byte) int {
	need := CellMinNumPages - c.buf.getNumPages()
	if need <= 0 {
		return 0
	}
	return c.buf.addBuffers(bufs[:min(need, len(bufs))])
}

// takeEvictable removes an evictable page for another cell, preferring
// unkeyed ones. Keyed pages lose their key.
func (c *hashCell) takeEvictable() *page.Page {
	pg := c.buf.unkeyedPage()
	if pg == nil {
		pg = c.policy.evictPage(&c.buf)
		if pg == nil {
			return nil
		}
		if pg.ID().Valid() {
			c.numEvictions.Add(1)
		}
		pg.Reset(page.InvalidID)
	}
	c.buf.stealPage(pg)
	c.removed(pg)
	return pg
}

// rehashLocked moves to dst every page whose key the next level hashes to
// dst, then hands dst half of the unkeyed pages. Pinned pages move as
// they are. Both cells must be locked.
func (c *hashCell) rehashLocked(dst *hashCell, next func(page.ID) int) {
	var moving []*page.Page
	for i := 0; i < c.buf.getNumPages(); i++ {
		pg := c.buf.getPage(i)
		if pg.ID().Valid() && next(pg.ID()) == dst.hash {
			moving = append(moving, pg)
		}
	}
	for _, pg := range moving {
		c.buf.stealPage(pg)
		c.removed(pg)
		dst.buf.addPage(pg)
	}

	var unkeyed []*page.Page
	for i := 0; i < c.buf.getNumPages(); i++ {
		pg := c.buf.getPage(i)
		if !pg.ID().Valid() && pg.Evictable() {
			unkeyed = append(unkeyed, pg)
		}
	}
	for _, pg := range unkeyed[:len(unkeyed)/2] {
		if dst.buf.isFull() {
			break
		}
		c.buf.stealPage(pg)
		c.removed(pg)
		dst.buf.addPage(pg)
	}
}

// mergeLocked moves every page of other into c. Pages that do not fit and
// may be dropped give their buffers back to the caller. Pinned, dirty or
// busy pages that do not fit stay in other, mark it overflowing and yield
// an invariant error. Both cells must be locked.
func (c *hashCell) mergeLocked(other *hashCell) ([][]byte, error) {
	var freed [][]byte
	var stuck int

	pages := make([]*page.Page, 0, other.buf.getNumPages())
	for i := 0; i < other.buf.getNumPages(); i++ {
		pages = append(pages, other.buf.getPage(i))
	}
	// busy pages first, then pages with data, then empty ones
	sort.SliceStable(pages, func(i, j int) bool {
		return mergeRank(pages[i]) < mergeRank(pages[j])
	})

	for _, pg := range pages {
		if c.buf.isFull() {
			if !pg.Evictable() {
				if spare := c.takeEvictable(); spare != nil {
					freed = append(freed, spare.Data())
				}
			}
		}
		if !c.buf.isFull() {
			other.buf.stealPage(pg)
			other.removed(pg)
			c.buf.addPage(pg)
			continue
		}
		if pg.Evictable() {
			other.buf.stealPage(pg)
			other.removed(pg)
			freed = append(freed, pg.Data())
			continue
		}
		stuck++
	}

	if stuck > 0 {
		other.flags.Or(cellOverflow)
		return freed, invariantf("%d busy pages do not fit into cell %d", stuck, c.hash).
			WithOperation("merge").
			WithDetail("from_cell", other.hash)
	}
	return freed, nil
}

func mergeRank(pg *page.Page) int {
	switch {
	case !pg.Evictable():
		return 0
	case pg.ID().Valid():
		return 1
	default:
		return 2
	}
}

// rebalanceLocked moves spare pages from c into other until other is no
// longer in deficit or c would fall into deficit. Both cells must be
// locked.
func (c *hashCell) rebalanceLocked(other *hashCell) int {
	moved := 0
	for other.buf.isDeficit() && c.buf.getNumPages() > CellMinNumPages {
		pg := c.takeEvictable()
		if pg == nil {
			break
		}
		other.buf.addPage(pg)
		moved++
	}
	return moved
}

// stealPages removes up to n unpinned clean pages, unkeyed first, and
// returns their buffers. The cell keeps at least keep pages.
func (c *hashCell) stealPages(n, keep int) [][]byte {
	c.lock.Lock()
	defer c.lock.Unlock()

	var bufs [][]byte
	for len(bufs) < n && c.buf.getNumPages() > keep {
		pg := c.takeEvictable()
		if pg == nil {
			break
		}
		bufs = append(bufs, pg.Data())
	}
	return bufs
}

// getPagesLocked returns up to n pages whose flags match set and clear.
func (c *hashCell) getPagesLocked(n int, set, clear page.Flags) []*page.Page {
	var out []*page.Page
	for i := 0; i < c.buf.getNumPages() && len(out) < n; i++ {
		if pg := c.buf.getPage(i); pg.Match(set, clear) {
			out = append(out, pg)
		}
	}
	return out
}

// predictLocked returns up to n matching pages in the order the policy
// would evict them. Policies that cannot predict fall back to
// getPagesLocked.
func (c *hashCell) predictLocked(n int, set, clear page.Flags) []*page.Page {
	if p, ok := c.policy.(flushPredictor); ok {
		return p.predictEvictedPages(&c.buf, n, set, clear)
	}
	return c.getPagesLocked(n, set, clear)
}

// pinForFlush picks up to n dirty pages that are not being written, pins
// them and sets their writeback flag. With predict the policy's next
// victims go first; otherwise pages are ordered by flush score when the
// policy assigns one. filter may be nil.
func (c *hashCell) pinForFlush(n int, predict bool, filter func(*page.Page) bool) []*page.Page {
	if n <= 0 {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()

	var cands []*page.Page
	if predict {
		cands = c.predictLocked(CellSize, page.Dirty, flushExclude)
	} else {
		cands = c.getPagesLocked(CellSize, page.Dirty, flushExclude)
		if p, ok := c.policy.(flushPredictor); ok {
			p.assignFlushScores(&c.buf)
			sort.SliceStable(cands, func(i, j int) bool {
				return cands[i].FlushScore() < cands[j].FlushScore()
			})
		}
	}

	out := make([]*page.Page, 0, min(n, len(cands)))
	for _, pg := range cands {
		if len(out) == n {
			break
		}
		if filter != nil && !filter(pg) {
			continue
		}
		pg.IncRef()
		pg.SetFlags(page.Writeback)
		out = append(out, pg)
	}
	return out
}

func (c *hashCell) numPages() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.buf.getNumPages()
}

// sanityCheck verifies the page cell, key uniqueness and, when attached to
// a table, that every key hashes to this cell.
func (c *hashCell) sanityCheck() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if err := c.buf.sanityCheck(); err != nil {
		return err
	}
	seen := make(map[page.ID]bool, c.buf.getNumPages())
	for i := 0; i < c.buf.getNumPages(); i++ {
		id := c.buf.getPage(i).ID()
		if !id.Valid() {
			continue
		}
		if seen[id] {
			return invariantf("%s cached twice", id).WithDetail("cell", c.hash)
		}
		seen[id] = true
		if !c.owns(id) {
			return invariantf("%s does not hash to cell %d", id, c.hash).
				WithContext("owner", strconv.Itoa(c.table.cellIndex(id)))
		}
	}
	return nil
}

// CellStats is a snapshot of one cell.
type CellStats struct {
	Hash         int   `json:"hash"`
	NumPages     int   `json:"num_pages"`
	NumUsed      int   `json:"num_used"`
	NumDirty     int   `json:"num_dirty"`
	NumPinned    int   `json:"num_pinned"`
	NumAccesses  int64 `json:"num_accesses"`
	NumHits      int64 `json:"num_hits"`
	NumEvictions int64 `json:"num_evictions"`
	Overflow     bool  `json:"overflow"`
	InQueue      bool  `json:"in_queue"`
}

func (c *hashCell) stats() CellStats {
	c.lock.Lock()
	defer c.lock.Unlock()

	s := CellStats{
		Hash:         c.hash,
		NumPages:     c.buf.getNumPages(),
		NumUsed:      c.buf.numUsedPages(),
		NumAccesses:  c.numAccesses.Load(),
		NumHits:      c.numHits.Load(),
		NumEvictions: c.numEvictions.Load(),
		Overflow:     c.isOverflow(),
		InQueue:      c.isInQueue(),
	}
	for i := 0; i < c.buf.getNumPages(); i++ {
		pg := c.buf.getPage(i)
		if pg.IsDirty() {
			s.NumDirty++
		}
		if pg.Ref() > 0 {
			s.NumPinned++
		}
	}
	return s
}
