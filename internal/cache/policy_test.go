package cache

import (
	"math/rand"
	"testing"

	"github.com/flashxio/safs/internal/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allPolicies() []PolicyKind {
	return []PolicyKind{PolicyGClock, PolicyClock, PolicyLRU, PolicyLFU, PolicyFIFO}
}

func TestParsePolicy(t *testing.T) {
	for _, k := range allPolicies() {
		got, err := ParsePolicy(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	got, err := ParsePolicy("LRU")
	require.NoError(t, err)
	assert.Equal(t, PolicyLRU, got)

	_, err = ParsePolicy("arc")
	assert.Error(t, err)
}

// Victims are never pinned, dirty, or busy with I/O, whatever the policy.
func TestPolicies_NeverEvictBusyPages(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, kind := range allPolicies() {
		t.Run(kind.String(), func(t *testing.T) {
			policy := newPolicy(kind)
			c := keyedCell(t, CellSize)
			for round := 0; round < 500; round++ {
				for i := 0; i < c.getNumPages(); i++ {
					pg := c.getPage(i)
					pg.ClearFlags(page.Dirty | page.IOPending | page.Writeback)
					for pg.Ref() > 0 {
						pg.DecRef()
					}
					switch rng.Intn(6) {
					case 0:
						pg.IncRef()
					case 1:
						pg.SetFlags(page.Dirty)
					case 2:
						pg.SetFlags(page.IOPending)
					case 3:
						pg.SetFlags(page.Writeback)
					}
					pg.SetHits(rng.Intn(4))
					if rng.Intn(3) == 0 {
						policy.accessPage(pg, c)
					}
				}

				evictable := 0
				for i := 0; i < c.getNumPages(); i++ {
					if c.getPage(i).Evictable() {
						evictable++
					}
				}
				victim := policy.evictPage(c)
				if evictable == 0 {
					assert.Nil(t, victim)
					continue
				}
				require.NotNil(t, victim, "round %d", round)
				assert.True(t, victim.Evictable())
				assert.True(t, c.contains(victim))
			}
		})
	}
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := &hashCell{}
	c.init(nil, 0, PolicyLRU)
	c.buf.addBuffers(pageBufs(3))

	a := page.ID{FileID: 1, Offset: 0}
	b := page.ID{FileID: 1, Offset: page.Size}
	cc := page.ID{FileID: 1, Offset: 2 * page.Size}
	d := page.ID{FileID: 1, Offset: 3 * page.Size}

	for _, id := range []page.ID{a, b, cc} {
		out := load(t, c, id)
		assert.True(t, out.Miss)
		assert.False(t, out.OldID.Valid(), "fills an empty page first")
	}
	out := load(t, c, a)
	assert.False(t, out.Miss)

	out = load(t, c, d)
	assert.True(t, out.Miss)
	assert.Equal(t, b, out.OldID)
}

func TestLRU_ForgetsPagesThatLeft(t *testing.T) {
	policy := newLRUPolicy()
	c := keyedCell(t, 3)
	for i := 0; i < 3; i++ {
		policy.accessPage(c.getPage(i), c)
	}
	gone := c.getPage(0)
	c.stealPage(gone)
	policy.removePage(gone)
	assert.Equal(t, 2, policy.order.Len())

	// a page stolen without notice is pruned on the next scan
	c.stealPage(c.getPage(0))
	victim := policy.evictPage(c)
	require.NotNil(t, victim)
	assert.Equal(t, int64(2*page.Size), victim.ID().Offset)
	assert.Equal(t, 1, policy.order.Len())
}

func TestClock_ClearsHitsThenEvicts(t *testing.T) {
	c := keyedCell(t, 3)
	c.getPage(0).SetHits(3)
	c.getPage(1).SetHits(0)
	c.getPage(2).SetHits(1)

	p := &clockPolicy{}
	victim := p.evictPage(c)
	assert.Same(t, c.getPage(1), victim)
	assert.Equal(t, 0, c.getPage(0).Hits(), "passed pages lose their hits")
	assert.Equal(t, 1, c.getPage(2).Hits(), "pages after the victim keep theirs")

	// every page has hits: the first lap clears them all
	for i := 0; i < 3; i++ {
		c.getPage(i).SetHits(5)
	}
	p = &clockPolicy{}
	assert.Same(t, c.getPage(0), p.evictPage(c))
}

func TestGClock_DecrementsHits(t *testing.T) {
	c := keyedCell(t, 3)
	c.getPage(0).SetHits(2)
	c.getPage(1).SetHits(3)
	c.getPage(2).SetHits(1)

	p := &gclockPolicy{}
	victim := p.evictPage(c)
	// (2,3,1) -> (1,2,0) -> (0,1,0), page 2 is reached first at zero
	assert.Same(t, c.getPage(2), victim)
	assert.Equal(t, 0, c.getPage(0).Hits())
	assert.Equal(t, 1, c.getPage(1).Hits())
}

func TestGClock_NoEvictablePage(t *testing.T) {
	c := keyedCell(t, 2)
	c.getPage(0).IncRef()
	c.getPage(1).SetFlags(page.Dirty)
	assert.Nil(t, (&gclockPolicy{}).evictPage(c))
}

func TestGClock_PredictEvictedPages(t *testing.T) {
	c := keyedCell(t, 3)
	c.getPage(0).SetHits(2)
	c.getPage(1).SetHits(0)
	c.getPage(2).SetHits(1)
	c.getPage(0).SetFlags(page.Dirty)

	p := &gclockPolicy{}
	all := p.predictEvictedPages(c, 3, 0, 0)
	assert.Equal(t, []*page.Page{c.getPage(1), c.getPage(2), c.getPage(0)}, all)

	dirty := p.predictEvictedPages(c, 3, page.Dirty, page.Writeback)
	assert.Equal(t, []*page.Page{c.getPage(0)}, dirty)

	assert.Len(t, p.predictEvictedPages(c, 1, 0, 0), 1)

	// prediction leaves the cell untouched
	assert.Equal(t, 2, c.getPage(0).Hits())
	assert.Equal(t, 1, c.getPage(2).Hits())
	assert.Equal(t, 0, p.hand)
}

func TestGClock_AssignFlushScores(t *testing.T) {
	c := keyedCell(t, 3)
	c.getPage(0).SetHits(2)
	c.getPage(1).SetHits(0)
	c.getPage(2).SetHits(1)

	p := &gclockPolicy{}
	p.assignFlushScores(c)
	assert.Equal(t, 6, c.getPage(0).FlushScore())
	assert.Equal(t, 1, c.getPage(1).FlushScore())
	assert.Equal(t, 5, c.getPage(2).FlushScore())

	p.hand = 1
	p.assignFlushScores(c)
	assert.Equal(t, 0, c.getPage(1).FlushScore())
	assert.Equal(t, 2*3+2, c.getPage(0).FlushScore())
}

func TestLFU_EvictsFewestHits(t *testing.T) {
	c := keyedCell(t, 4)
	for i, h := range []int{4, 2, 1, 3} {
		c.getPage(i).SetHits(h)
	}
	c.getPage(2).IncRef()
	assert.Same(t, c.getPage(1), lfuPolicy{}.evictPage(c))
}

func TestFIFO_CircularOrder(t *testing.T) {
	c := keyedCell(t, 3)
	p := fifoPolicy{}
	assert.Same(t, c.getPage(0), p.evictPage(c))
	assert.Same(t, c.getPage(1), p.evictPage(c))
	assert.Same(t, c.getPage(2), p.evictPage(c))
	assert.Same(t, c.getPage(0), p.evictPage(c))
}
