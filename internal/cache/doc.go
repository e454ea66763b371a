/*
Package cache implements the SAFS associative page cache.

The cache is a hash table of small buckets called cells. Each cell holds up
to CellSize fixed-size pages, runs its own eviction policy and is guarded by
its own spinlock. There is no global lock on the search path: a lookup hashes
the page key to a cell and works entirely inside that cell.

# Table Layout

	┌──────────────────────────────────────────────┐
	│ chunk 0: cells 0 .. initNCells-1             │
	├──────────────────────────────────────────────┤
	│ chunk 1: cells initNCells .. 2*initNCells-1  │
	├──────────────────────────────────────────────┤
	│ ...   (allocated as expansion reaches them)  │
	└──────────────────────────────────────────────┘

Chunk pointers are preallocated up to the maximum cache size and published
atomically, so readers index cells without locking.

# Linear Hashing

The table grows one cell at a time. With level L and split pointer S the
table has initNCells<<L + S cells. A key goes to bucket h mod (initNCells<<L)
unless that bucket is below S, in which case it goes to h mod
(initNCells<<(L+1)). Expand splits cell S into S and S+initNCells<<L while
holding both cell locks, then advances S (and L when S wraps) under a
seqlock. Readers snapshot L and S through the seqlock and, once they hold
the cell lock, check that the cell still owns the key; if not they retry.

# Eviction Policies

	gclock   hits decremented by one per pass; predicts victims for flushing
	clock    hits cleared on pass
	lru      recency list
	lfu      fewest hits
	fifo     insertion order

A page may only be evicted when it is unpinned, clean, and has no read or
writeback in flight. A cell with no such page returns NO_VICTIM, which is
retryable: callers back off until pages are released or flushed.

# Dirty Pages

MarkDirty queues the page's cell to the Flusher. The flusher pins the pages
the policy would evict soonest, sets their writeback flag and hands them to
a PageWriter. The number of pages under writeback is bounded by
MaxPendingFlush.

Example:

	c, err := cache.New(&cache.Config{
		CacheSize:    256 << 20,
		MaxCacheSize: 1 << 30,
		Expandable:   true,
		Policy:       cache.PolicyGClock,
	})
	if err != nil {
		return err
	}
	c.StartFlusher(writer)
	defer c.Close()

	pg, out, err := c.Search(page.NewID(fileID, off))
	if err != nil {
		return err
	}
	if out.Miss {
		pg.FinishIO(readInto(pg.Data()))
	}
	defer c.Release(pg)
*/
package cache
