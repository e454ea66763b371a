package cache

import (
	"container/list"
	"fmt"
	"strings"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
)

// PolicyKind selects the eviction policy of every cell in a cache.
type PolicyKind int

const (
	PolicyGClock PolicyKind = iota
	PolicyClock
	PolicyLRU
	PolicyLFU
	PolicyFIFO
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyGClock:
		return "gclock"
	case PolicyClock:
		return "clock"
	case PolicyLRU:
		return "lru"
	case PolicyLFU:
		return "lfu"
	case PolicyFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("PolicyKind(%d)", int(k))
	}
}

// ParsePolicy parses a policy name, case-insensitively.
func ParsePolicy(s string) (PolicyKind, error) {
	switch strings.ToLower(s) {
	case "gclock", "":
		return PolicyGClock, nil
	case "clock":
		return PolicyClock, nil
	case "lru":
		return PolicyLRU, nil
	case "lfu":
		return PolicyLFU, nil
	case "fifo":
		return PolicyFIFO, nil
	}
	return PolicyGClock, errors.Newf(errors.ErrCodeInvalidConfig, "unknown eviction policy %q", s).
		WithComponent("cache")
}

// evictionPolicy picks victims within one cell. All methods run under the
// cell lock. evictPage only returns evictable pages, or nil.
type evictionPolicy interface {
	evictPage(c *pageCell) *page.Page
	accessPage(pg *page.Page, c *pageCell)
}

// flushPredictor is implemented by policies that can tell which dirty pages
// they would evict next.
type flushPredictor interface {
	// predictEvictedPages simulates the policy and returns up to n pages,
	// in eviction order, whose flags match set and clear. No state changes.
	predictEvictedPages(c *pageCell, n int, set, clear page.Flags) []*page.Page
	// assignFlushScores sets on every page the expected number of clock
	// steps before it is evicted.
	assignFlushScores(c *pageCell)
}

// pageRemover is implemented by policies that track pages and must be told
// when one leaves the cell.
type pageRemover interface {
	removePage(pg *page.Page)
}

func newPolicy(kind PolicyKind) evictionPolicy {
	switch kind {
	case PolicyClock:
		return &clockPolicy{}
	case PolicyLRU:
		return newLRUPolicy()
	case PolicyLFU:
		return lfuPolicy{}
	case PolicyFIFO:
		return fifoPolicy{}
	default:
		return &gclockPolicy{}
	}
}

// lruPolicy keeps a recency list. Pages the list does not know are older
// than all listed pages. Entries of pages that left the cell are dropped
// lazily.
type lruPolicy struct {
	order *list.List
	elems map[*page.Page]*list.Element
}

func newLRUPolicy() *lruPolicy {
	return &lruPolicy{
		order: list.New(),
		elems: make(map[*page.Page]*list.Element),
	}
}

func (p *lruPolicy) accessPage(pg *page.Page, _ *pageCell) {
	if e, ok := p.elems[pg]; ok {
		p.order.MoveToBack(e)
		return
	}
	p.elems[pg] = p.order.PushBack(pg)
}

// removePage drops pg from the recency list when it leaves the cell.
func (p *lruPolicy) removePage(pg *page.Page) {
	if e, ok := p.elems[pg]; ok {
		p.forget(e)
	}
}

func (p *lruPolicy) forget(e *list.Element) {
	delete(p.elems, e.Value.(*page.Page))
	p.order.Remove(e)
}

func (p *lruPolicy) evictPage(c *pageCell) *page.Page {
	for i := 0; i < c.getNumPages(); i++ {
		pg := c.getPage(i)
		if _, known := p.elems[pg]; !known && pg.Evictable() {
			p.accessPage(pg, c)
			return pg
		}
	}
	for e := p.order.Front(); e != nil; {
		next := e.Next()
		pg := e.Value.(*page.Page)
		switch {
		case !c.contains(pg):
			p.forget(e)
		case pg.Evictable():
			p.order.MoveToBack(e)
			return pg
		}
		e = next
	}
	return nil
}

// clockPolicy clears the hits of the pages it passes and evicts the first
// evictable page without hits.
type clockPolicy struct {
	hand int
}

func (p *clockPolicy) accessPage(*page.Page, *pageCell) {}

func (p *clockPolicy) evictPage(c *pageCell) *page.Page {
	n := c.getNumPages()
	if n == 0 {
		return nil
	}
	// the first lap clears hits, so the second finds a victim if any exists
	for step := 0; step < 2*n; step++ {
		if p.hand >= n {
			p.hand = 0
		}
		pg := c.getPage(p.hand)
		p.hand++
		if !pg.Evictable() {
			continue
		}
		if pg.Hits() > 0 {
			pg.SetHits(0)
			continue
		}
		return pg
	}
	return nil
}

// gclockPolicy decrements hits by one per pass instead of clearing them.
type gclockPolicy struct {
	hand int
}

func (p *gclockPolicy) accessPage(*page.Page, *pageCell) {}

func (p *gclockPolicy) evictPage(c *pageCell) *page.Page {
	n := c.getNumPages()
	if n == 0 {
		return nil
	}
	evictable := false
	for i := 0; i < n; i++ {
		if c.getPage(i).Evictable() {
			evictable = true
			break
		}
	}
	if !evictable {
		return nil
	}
	// every lap lowers each evictable page's hits, so this terminates
	// within MaxHits+1 laps
	for {
		if p.hand >= n {
			p.hand = 0
		}
		pg := c.getPage(p.hand)
		p.hand++
		if !pg.Evictable() {
			continue
		}
		if pg.Hits() == 0 {
			return pg
		}
		pg.SetHits(pg.Hits() - 1)
	}
}

func (p *gclockPolicy) predictEvictedPages(c *pageCell, n int, set, clear page.Flags) []*page.Page {
	num := c.getNumPages()
	if num == 0 || n <= 0 {
		return nil
	}
	var hits [CellSize]int
	var gone [CellSize]bool
	for i := 0; i < num; i++ {
		hits[i] = c.getPage(i).Hits()
	}

	var out []*page.Page
	left := num
	for pos := p.hand; left > 0 && len(out) < n; pos++ {
		i := pos % num
		if gone[i] {
			continue
		}
		if hits[i] > 0 {
			hits[i]--
			continue
		}
		gone[i] = true
		left--
		if pg := c.getPage(i); pg.Match(set, clear) {
			out = append(out, pg)
		}
	}
	return out
}

func (p *gclockPolicy) assignFlushScores(c *pageCell) {
	n := c.getNumPages()
	for i := 0; i < n; i++ {
		dist := (i - p.hand%n + n) % n
		pg := c.getPage(i)
		pg.SetFlushScore(pg.Hits()*n + dist)
	}
}

// lfuPolicy evicts the evictable page with the fewest hits.
type lfuPolicy struct{}

func (lfuPolicy) accessPage(*page.Page, *pageCell) {}

func (lfuPolicy) evictPage(c *pageCell) *page.Page {
	var victim *page.Page
	for i := 0; i < c.getNumPages(); i++ {
		pg := c.getPage(i)
		if !pg.Evictable() {
			continue
		}
		if victim == nil || pg.Hits() < victim.Hits() {
			victim = pg
		}
	}
	return victim
}

// fifoPolicy replaces pages in circular insertion order.
type fifoPolicy struct{}

func (fifoPolicy) accessPage(*page.Page, *pageCell) {}

func (fifoPolicy) evictPage(c *pageCell) *page.Page {
	return c.getEmptyPage()
}

var (
	_ flushPredictor = (*gclockPolicy)(nil)
	_ pageRemover    = (*lruPolicy)(nil)
	_ evictionPolicy = (*lruPolicy)(nil)
	_ evictionPolicy = (*clockPolicy)(nil)
	_ evictionPolicy = lfuPolicy{}
	_ evictionPolicy = fifoPolicy{}
)
