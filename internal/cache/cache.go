package cache

import (
	"context"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/flashxio/safs/internal/buffer"
	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

// Config represents associative cache configuration
type Config struct {
	// CacheSize is the initial size in bytes.
	CacheSize int64 `yaml:"cache_size"`
	// MaxCacheSize bounds expansion. Defaults to CacheSize.
	MaxCacheSize int64 `yaml:"max_cache_size"`
	// Expandable allows Expand to grow the cache.
	Expandable bool `yaml:"expandable"`
	// NodeID is the NUMA node the cache serves.
	NodeID int `yaml:"node_id"`
	// OffsetFactor divides page numbers before hashing, for workloads whose
	// offsets are all multiples of some stride.
	OffsetFactor int        `yaml:"offset_factor"`
	Policy       PolicyKind `yaml:"-"`

	// MaxPendingFlush bounds the pages under writeback at any time.
	MaxPendingFlush int           `yaml:"max_pending_flush"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	FlushWorkers    int           `yaml:"flush_workers"`
	FlushBatch      int           `yaml:"flush_batch"`

	Buffers *buffer.Manager         `yaml:"-"`
	Logger  *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns a small, expandable cache configuration.
func DefaultConfig() *Config {
	return &Config{
		CacheSize:       64 << 20,
		MaxCacheSize:    1 << 30,
		Expandable:      true,
		OffsetFactor:    1,
		Policy:          PolicyGClock,
		MaxPendingFlush: 1024,
		FlushInterval:   time.Second,
		FlushWorkers:    4,
		FlushBatch:      32,
	}
}

// Validate checks the sizes of the configuration. Zero values of the
// other fields fall back to defaults in New.
func (c *Config) Validate() error {
	if c.CacheSize < page.Size {
		return errors.Newf(errors.ErrCodeInvalidConfig, "cache size %d is below one page", c.CacheSize).
			WithComponent("cache")
	}
	if c.OffsetFactor < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "negative offset factor %d", c.OffsetFactor).
			WithComponent("cache")
	}
	return nil
}

// Outcome describes what a Search did besides pinning the page.
type Outcome struct {
	// Miss is set when the page was keyed by this search. The caller owns
	// the pending read and must call FinishIO on the page.
	Miss bool
	// OldID is the key the page held before, invalid if it held none.
	OldID page.ID
}

// Filter selects pages for flushing. A nil Filter selects all.
type Filter func(pg *page.Page) bool

type cellChunk struct {
	cells []hashCell
}

// Cache is the associative page cache. Keys hash to cells by linear
// hashing: the table grows one cell at a time and readers never take a
// global lock.
type Cache struct {
	config  Config
	logger  *utils.StructuredLogger
	buffers *buffer.Manager

	initNCells int
	chunks     []atomic.Pointer[cellChunk]

	// level and split are written under tableLock by Expand only
	tableLock seqLock
	level     atomic.Int64
	split     atomic.Int64
	expandMu  sync.Mutex

	numPages     atomic.Int64
	numDirty     atomic.Int64
	staleRetries atomic.Int64
	expansions   atomic.Int64

	numPendingFlush atomic.Int64
	maxPending      atomic.Int64
	pendingSum      atomic.Int64
	pendingSamples  atomic.Int64

	flusherMu sync.Mutex
	flusher   *Flusher
}

// New creates a cache of config.CacheSize bytes.
func New(config *Config) (*Cache, error) {
	if config == nil {
		config = DefaultConfig()
	}
	cfg := *config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxCacheSize < cfg.CacheSize {
		cfg.MaxCacheSize = cfg.CacheSize
	}
	if cfg.OffsetFactor <= 0 {
		cfg.OffsetFactor = 1
	}
	if cfg.MaxPendingFlush <= 0 {
		cfg.MaxPendingFlush = DefaultConfig().MaxPendingFlush
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushWorkers <= 0 {
		cfg.FlushWorkers = DefaultConfig().FlushWorkers
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = DefaultConfig().FlushBatch
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	if cfg.Buffers == nil {
		m, err := buffer.NewManager(&buffer.ManagerConfig{
			Allocator: buffer.AllocatorHeap,
			MaxBytes:  cfg.MaxCacheSize,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, err
		}
		cfg.Buffers = m
	}

	initPages := int(cfg.CacheSize / page.Size)
	maxPages := int(cfg.MaxCacheSize / page.Size)
	initNCells := (initPages + avgCellPages - 1) / avgCellPages
	maxCells := max(initNCells, maxPages/CellMinNumPages)
	numChunks := (maxCells + initNCells - 1) / initNCells

	c := &Cache{
		config:     cfg,
		logger:     cfg.Logger.WithComponent("cache").WithField("node", cfg.NodeID),
		buffers:    cfg.Buffers,
		initNCells: initNCells,
		chunks:     make([]atomic.Pointer[cellChunk], numChunks),
	}
	c.chunks[0].Store(c.newChunk(0))

	bufs, err := c.buffers.Get(initPages)
	if err != nil {
		return nil, err
	}
	// spread the pages evenly, the first cells take the remainder
	per, extra := initPages/initNCells, initPages%initNCells
	chunk := c.chunks[0].Load()
	for i := range chunk.cells {
		n := per
		if i < extra {
			n++
		}
		used := chunk.cells[i].buf.addBuffers(bufs[:n])
		bufs = bufs[used:]
	}
	c.numPages.Store(int64(initPages))

	c.logger.Info("page cache created", map[string]interface{}{
		"cells":  initNCells,
		"pages":  initPages,
		"policy": cfg.Policy.String(),
	})
	return c, nil
}

func (c *Cache) newChunk(idx int) *cellChunk {
	chunk := &cellChunk{cells: make([]hashCell, c.initNCells)}
	for i := range chunk.cells {
		chunk.cells[i].init(c, idx*c.initNCells+i, c.config.Policy)
	}
	return chunk
}

func (c *Cache) keyHash(id page.ID) uint64 {
	var b [8]byte
	v := id.Offset/page.Size/int64(c.config.OffsetFactor) + int64(id.FileID)
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return xxhash.Sum64(b[:])
}

// bucket hashes id for a table of initNCells<<level cells. The hash does
// not depend on level, so the bucket at level+1 is either the bucket at
// level or that plus initNCells<<level.
func (c *Cache) bucket(id page.ID, level int64) int {
	return int(c.keyHash(id) % uint64(int64(c.initNCells)<<level))
}

// cellIndex returns the index of the cell that owns id.
func (c *Cache) cellIndex(id page.ID) int {
	for {
		s := c.tableLock.readBegin()
		level, split := c.level.Load(), c.split.Load()
		idx := c.bucket(id, level)
		if int64(idx) < split {
			idx = c.bucket(id, level+1)
		}
		if !c.tableLock.readRetry(s) {
			return idx
		}
	}
}

func (c *Cache) getCell(idx int) *hashCell {
	chunk := c.chunks[idx/c.initNCells].Load()
	if chunk == nil {
		return nil
	}
	return &chunk.cells[idx%c.initNCells]
}

func (c *Cache) cellFor(id page.ID) *hashCell {
	return c.getCell(c.cellIndex(id))
}

// NumCells returns the number of cells in use.
func (c *Cache) NumCells() int {
	for {
		s := c.tableLock.readBegin()
		n := int64(c.initNCells)<<c.level.Load() + c.split.Load()
		if !c.tableLock.readRetry(s) {
			return int(n)
		}
	}
}

// Size returns the bytes of page memory owned by the cache.
func (c *Cache) Size() int64 { return c.numPages.Load() * page.Size }

// NodeID returns the NUMA node of the cache.
func (c *Cache) NodeID() int { return c.config.NodeID }

// Policy returns the eviction policy of the cells.
func (c *Cache) Policy() PolicyKind { return c.config.Policy }

func (c *Cache) forEachCell(fn func(*hashCell) bool) {
	n := c.NumCells()
	for i := 0; i < n; i++ {
		if cell := c.getCell(i); cell != nil && !fn(cell) {
			return
		}
	}
}

// Search returns the page keyed id, pinned. On a miss a victim page is
// re-keyed, pinned and marked IO-pending, and the outcome says so. A cell
// whose pages are all pinned or dirty yields a retryable NO_VICTIM error.
func (c *Cache) Search(id page.ID) (*page.Page, Outcome, error) {
	if !id.Valid() {
		return nil, Outcome{}, errors.NewError(errors.ErrCodeInvalidState, "search for invalid page key").
			WithComponent("cache")
	}
	id.Offset = page.Align(id.Offset)
	for {
		pg, out, err := c.cellFor(id).search(id)
		if err == errStaleCell {
			c.staleRetries.Add(1)
			continue
		}
		return pg, out, err
	}
}

// Lookup returns the page keyed id pinned, or nil if it is not cached.
func (c *Cache) Lookup(id page.ID) *page.Page {
	if !id.Valid() {
		return nil
	}
	id.Offset = page.Align(id.Offset)
	for {
		pg, err := c.cellFor(id).lookup(id)
		if err == errStaleCell {
			c.staleRetries.Add(1)
			continue
		}
		return pg
	}
}

// Release unpins a page returned by Search or Lookup.
func (c *Cache) Release(pg *page.Page) error {
	if ref := pg.DecRef(); ref < 0 {
		pg.IncRef()
		return invariantf("release of unpinned %s", pg.ID()).WithOperation("release")
	}
	return nil
}

// MarkDirty marks a pinned page dirty and queues its cell for flushing.
func (c *Cache) MarkDirty(pg *page.Page) error {
	if pg.Ref() <= 0 {
		return invariantf("mark dirty on unpinned %s", pg.ID()).WithOperation("mark_dirty")
	}
	if pg.MarkDirty() {
		c.numDirty.Add(1)
	}
	c.enqueue(c.cellFor(pg.ID()))
	return nil
}

// MarkDirtyPages marks every page dirty.
func (c *Cache) MarkDirtyPages(pages []*page.Page) error {
	for _, pg := range pages {
		if err := c.MarkDirty(pg); err != nil {
			return err
		}
	}
	return nil
}

// NumDirtyPages returns the number of dirty pages.
func (c *Cache) NumDirtyPages() int { return int(c.numDirty.Load()) }

// NumUsedPages returns the number of pages holding data.
func (c *Cache) NumUsedPages() int {
	n := 0
	c.forEachCell(func(cell *hashCell) bool {
		cell.lock.Lock()
		n += cell.buf.numUsedPages()
		cell.lock.Unlock()
		return true
	})
	return n
}

// NumPendingFlush returns the pages currently under writeback.
func (c *Cache) NumPendingFlush() int { return int(c.numPendingFlush.Load()) }

// reserveFlush grants up to n writeback slots.
func (c *Cache) reserveFlush(n int) int {
	limit := int64(c.config.MaxPendingFlush)
	for {
		cur := c.numPendingFlush.Load()
		grant := min(int64(n), limit-cur)
		if grant <= 0 {
			return 0
		}
		if c.numPendingFlush.CompareAndSwap(cur, cur+grant) {
			c.recordPending(cur + grant)
			return int(grant)
		}
	}
}

func (c *Cache) releaseFlush(n int) {
	c.numPendingFlush.Add(-int64(n))
}

func (c *Cache) recordPending(v int64) {
	for {
		m := c.maxPending.Load()
		if v <= m || c.maxPending.CompareAndSwap(m, v) {
			break
		}
	}
	c.pendingSum.Add(v)
	c.pendingSamples.Add(1)
}

// completeFlush ends writeback on pages pinned for flushing.
func (c *Cache) completeFlush(pages []*page.Page, err error) {
	for _, pg := range pages {
		if !pg.EndWriteback(err == nil) {
			c.numDirty.Add(-1)
		}
		pg.DecRef()
	}
	c.releaseFlush(len(pages))
}

// collectFlush pins up to max dirty pages across the cells, within the
// writeback budget.
func (c *Cache) collectFlush(filter Filter, max int) []*page.Page {
	var out []*page.Page
	c.forEachCell(func(cell *hashCell) bool {
		if max > 0 && len(out) >= max {
			return false
		}
		want := CellSize
		if max > 0 {
			want = min(want, max-len(out))
		}
		grant := c.reserveFlush(want)
		if grant == 0 {
			return false
		}
		got := cell.pinForFlush(grant, false, filter)
		if len(got) < grant {
			c.releaseFlush(grant - len(got))
		}
		out = append(out, got...)
		return true
	})
	return out
}

// FlushDirtyPages writes up to max dirty pages selected by filter (max <= 0
// means as many as the writeback budget allows) and waits for the writes.
// It returns the number of pages written.
func (c *Cache) FlushDirtyPages(ctx context.Context, filter Filter, max int) (int, error) {
	f := c.getFlusher()
	if f == nil {
		return 0, errors.NewError(errors.ErrCodeNotInitialized, "no page writer attached").
			WithComponent("cache").WithOperation("flush")
	}
	pages := c.collectFlush(filter, max)
	if len(pages) == 0 {
		return 0, nil
	}
	return f.writeAll(ctx, pages)
}

// Expand grows the cache by up to npages pages and returns how many pages
// were added. Cells left in deficit by Shrink are topped up first, then
// cells are split one at a time. Allocation failure stops the expansion
// with an OUT_OF_MEMORY error; the cache stays usable.
func (c *Cache) Expand(npages int) (int, error) {
	if !c.config.Expandable {
		return 0, errors.NewError(errors.ErrCodeInvalidState, "cache is not expandable").
			WithComponent("cache").WithOperation("expand")
	}
	c.expandMu.Lock()
	defer c.expandMu.Unlock()

	maxPages := c.config.MaxCacheSize / page.Size
	added, err := c.refillDeficit(min(npages, int(maxPages-c.numPages.Load())))
	if err != nil {
		return added, c.expandFailed(added, npages, err)
	}
	for added < npages {
		room := int(maxPages-c.numPages.Load()) - added
		if room <= 0 {
			break
		}
		level, split := c.level.Load(), c.split.Load()
		src := int(split)
		dst := src + c.initNCells<<level
		if dst/c.initNCells >= len(c.chunks) {
			break
		}

		want := min(npages-added, room, CellMinNumPages)
		bufs, err := c.buffers.Get(want)
		if err != nil {
			return added, c.expandFailed(added, npages, err)
		}

		if c.chunks[dst/c.initNCells].Load() == nil {
			c.chunks[dst/c.initNCells].Store(c.newChunk(dst / c.initNCells))
		}
		srcCell, dstCell := c.getCell(src), c.getCell(dst)

		srcCell.lock.Lock()
		dstCell.lock.Lock()
		srcCell.rehashLocked(dstCell, func(id page.ID) int { return c.bucket(id, level+1) })

		c.tableLock.writeBegin()
		if split+1 == int64(c.initNCells)<<level {
			c.level.Store(level + 1)
			c.split.Store(0)
		} else {
			c.split.Store(split + 1)
		}
		c.tableLock.writeEnd()

		// both cells out of deficit first, then the rest wherever it fits
		used := dstCell.addPagesToMinLocked(bufs)
		used += srcCell.addPagesToMinLocked(bufs[used:])
		used += dstCell.buf.addBuffers(bufs[used:])
		used += srcCell.buf.addBuffers(bufs[used:])
		if dstCell.buf.isDeficit() {
			srcCell.rebalanceLocked(dstCell)
		}
		dirty := len(dstCell.getPagesLocked(1, page.Dirty, 0)) > 0
		dstCell.lock.Unlock()
		srcCell.lock.Unlock()

		c.buffers.Put(bufs[used:])
		if dirty {
			c.enqueue(dstCell)
		}
		added += used
		c.expansions.Add(1)
	}
	c.numPages.Add(int64(added))
	if added > 0 {
		c.logger.Debug("cache expanded", map[string]interface{}{
			"added": added,
			"cells": c.NumCells(),
		})
	}
	return added, nil
}

// refillDeficit gives cells in deficit new buffers, up to budget pages in
// total, and returns how many it placed. The caller holds expandMu and
// accounts for the pages.
func (c *Cache) refillDeficit(budget int) (int, error) {
	added := 0
	var err error
	c.forEachCell(func(cell *hashCell) bool {
		if added >= budget {
			return false
		}
		need := min(CellMinNumPages-cell.numPages(), budget-added)
		if need <= 0 {
			return true
		}
		bufs, gerr := c.buffers.Get(need)
		if gerr != nil {
			err = gerr
			return false
		}
		used := cell.addPagesToMin(bufs)
		c.buffers.Put(bufs[used:])
		added += used
		return true
	})
	return added, err
}

func (c *Cache) expandFailed(added, requested int, err error) error {
	c.numPages.Add(int64(added))
	c.logger.Warn("cache expansion stopped", map[string]interface{}{
		"added":     added,
		"requested": requested,
		"error":     err.Error(),
	})
	return err
}

// Shrink takes up to npages unpinned clean pages out of the cache, from the
// fullest cells first, and returns their buffers. Cells are first drained
// down to the deficit threshold, then below it, but every cell keeps one
// page. Best effort.
func (c *Cache) Shrink(npages int) [][]byte {
	type cellSize struct {
		cell *hashCell
		n    int
	}
	var cells []cellSize
	c.forEachCell(func(cell *hashCell) bool {
		cells = append(cells, cellSize{cell, cell.numPages()})
		return true
	})
	sort.SliceStable(cells, func(i, j int) bool { return cells[i].n > cells[j].n })

	var bufs [][]byte
	for _, cs := range cells {
		if len(bufs) >= npages {
			break
		}
		bufs = append(bufs, cs.cell.stealPages(npages-len(bufs), CellMinNumPages)...)
	}
	for _, cs := range cells {
		if len(bufs) >= npages {
			break
		}
		// a cell with no page cannot serve a miss
		bufs = append(bufs, cs.cell.stealPages(npages-len(bufs), 1)...)
	}
	c.numPages.Add(-int64(len(bufs)))
	return bufs
}

// Stats is a snapshot of cache-wide counters.
type Stats struct {
	NodeID          int     `json:"node_id"`
	NumCells        int     `json:"num_cells"`
	Level           int     `json:"level"`
	Split           int     `json:"split"`
	NumPages        int64   `json:"num_pages"`
	NumDirty        int64   `json:"num_dirty"`
	NumAccesses     int64   `json:"num_accesses"`
	NumHits         int64   `json:"num_hits"`
	NumEvictions    int64   `json:"num_evictions"`
	NumOverflow     int     `json:"num_overflow"`
	StaleRetries    int64   `json:"stale_retries"`
	Expansions      int64   `json:"expansions"`
	PendingFlush    int64   `json:"pending_flush"`
	MaxPendingFlush int64   `json:"max_pending_flush"`
	AvgPendingFlush float64 `json:"avg_pending_flush"`
}

// HitRate returns hits over accesses.
func (s Stats) HitRate() float64 {
	if s.NumAccesses == 0 {
		return 0
	}
	return float64(s.NumHits) / float64(s.NumAccesses)
}

// Stats returns cache-wide statistics.
func (c *Cache) Stats() Stats {
	var s Stats
	for {
		seq := c.tableLock.readBegin()
		s.Level, s.Split = int(c.level.Load()), int(c.split.Load())
		if !c.tableLock.readRetry(seq) {
			break
		}
	}
	s.NodeID = c.config.NodeID
	s.NumCells = c.initNCells<<s.Level + s.Split
	s.NumPages = c.numPages.Load()
	s.NumDirty = c.numDirty.Load()
	s.StaleRetries = c.staleRetries.Load()
	s.Expansions = c.expansions.Load()
	s.PendingFlush = c.numPendingFlush.Load()
	s.MaxPendingFlush = c.maxPending.Load()
	if n := c.pendingSamples.Load(); n > 0 {
		s.AvgPendingFlush = float64(c.pendingSum.Load()) / float64(n)
	}
	c.forEachCell(func(cell *hashCell) bool {
		s.NumAccesses += cell.numAccesses.Load()
		s.NumHits += cell.numHits.Load()
		s.NumEvictions += cell.numEvictions.Load()
		if cell.isOverflow() {
			s.NumOverflow++
		}
		return true
	})
	return s
}

// CellStats returns a snapshot of every cell.
func (c *Cache) CellStats() []CellStats {
	var out []CellStats
	c.forEachCell(func(cell *hashCell) bool {
		out = append(out, cell.stats())
		return true
	})
	return out
}

// SanityCheck verifies every cell and the page accounting. It is meant for
// tests and debugging; concurrent expansion may report a transient
// mismatch in the page count.
func (c *Cache) SanityCheck() error {
	total := 0
	var err error
	c.forEachCell(func(cell *hashCell) bool {
		if err = cell.sanityCheck(); err != nil {
			return false
		}
		total += cell.numPages()
		return true
	})
	if err != nil {
		return err
	}
	if int64(total) != c.numPages.Load() {
		return invariantf("cells hold %d pages, cache counts %d", total, c.numPages.Load())
	}
	return nil
}

// Close stops the flusher and releases page memory.
func (c *Cache) Close() error {
	c.StopFlusher()
	return c.buffers.Close()
}
