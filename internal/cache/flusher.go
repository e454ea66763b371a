package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/utils"
)

// PageWriter writes dirty pages to their backing storage. Pages arrive
// pinned and under writeback; WritePages must not release them.
type PageWriter interface {
	WritePages(ctx context.Context, pages []*page.Page) error
}

// FlusherStats tracks flusher activity.
type FlusherStats struct {
	Flushed   int64 `json:"flushed"`
	Failed    int64 `json:"failed"`
	Batches   int64 `json:"batches"`
	CellsSeen int64 `json:"cells_seen"`
}

// Flusher writes dirty pages in the background. Cells with new dirty pages
// are queued by MarkDirty; a ticker sweeps the whole cache for anything the
// queue missed.
type Flusher struct {
	cache  *Cache
	writer PageWriter
	logger *utils.StructuredLogger

	queue   chan *hashCell
	stopCh  chan struct{}
	stopped chan struct{}

	flushed   atomic.Int64
	failed    atomic.Int64
	batches   atomic.Int64
	cellsSeen atomic.Int64
}

// StartFlusher attaches writer and starts the background flusher. A
// running flusher is replaced.
func (c *Cache) StartFlusher(writer PageWriter) *Flusher {
	c.StopFlusher()

	f := &Flusher{
		cache:   c,
		writer:  writer,
		logger:  c.logger.WithField("worker", "flusher"),
		queue:   make(chan *hashCell, max(c.initNCells, 64)),
		stopCh:  make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.flusherMu.Lock()
	c.flusher = f
	c.flusherMu.Unlock()

	go f.flushLoop()
	return f
}

// StopFlusher stops the background flusher. Dirty pages stay dirty.
func (c *Cache) StopFlusher() {
	c.flusherMu.Lock()
	f := c.flusher
	c.flusher = nil
	c.flusherMu.Unlock()
	if f != nil {
		close(f.stopCh)
		<-f.stopped
	}
}

func (c *Cache) getFlusher() *Flusher {
	c.flusherMu.Lock()
	defer c.flusherMu.Unlock()
	return c.flusher
}

// enqueue hands a cell with dirty pages to the flusher, once.
func (c *Cache) enqueue(cell *hashCell) {
	f := c.getFlusher()
	if f == nil || cell.setInQueue(true) {
		return
	}
	select {
	case f.queue <- cell:
	default:
		// the periodic sweep picks it up
		cell.setInQueue(false)
	}
}

func (f *Flusher) flushLoop() {
	defer close(f.stopped)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-f.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(f.cache.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.stopCh:
			return
		case cell := <-f.queue:
			cells := []*hashCell{cell}
		drain:
			for len(cells) < f.cache.config.FlushWorkers {
				select {
				case more := <-f.queue:
					cells = append(cells, more)
				default:
					break drain
				}
			}
			f.flushCells(ctx, cells)
		case <-ticker.C:
			if f.cache.NumDirtyPages() == 0 {
				continue
			}
			pages := f.cache.collectFlush(nil, f.cache.config.FlushBatch*f.cache.config.FlushWorkers)
			if len(pages) > 0 {
				_, _ = f.writeAll(ctx, pages)
			}
		}
	}
}

// flushCells writes the pages each cell's policy would evict soonest.
// Cells beyond the writeback budget are left to a later MarkDirty or the
// periodic sweep.
func (f *Flusher) flushCells(ctx context.Context, cells []*hashCell) {
	for _, cell := range cells {
		cell.setInQueue(false)
	}
	var pages []*page.Page
	for _, cell := range cells {
		f.cellsSeen.Add(1)
		grant := f.cache.reserveFlush(f.cache.config.FlushBatch)
		if grant == 0 {
			break
		}
		got := cell.pinForFlush(grant, true, nil)
		if len(got) < grant {
			f.cache.releaseFlush(grant - len(got))
		}
		pages = append(pages, got...)
	}
	if len(pages) > 0 {
		_, _ = f.writeAll(ctx, pages)
	}
}

// writeAll writes pages in batches on up to FlushWorkers goroutines and
// completes their writeback. It returns the number of pages written.
func (f *Flusher) writeAll(ctx context.Context, pages []*page.Page) (int, error) {
	batch := f.cache.config.FlushBatch
	p := pool.New().
		WithMaxGoroutines(f.cache.config.FlushWorkers).
		WithErrors().
		WithContext(ctx)

	var written atomic.Int64
	for start := 0; start < len(pages); start += batch {
		chunk := pages[start:min(start+batch, len(pages))]
		p.Go(func(ctx context.Context) error {
			err := f.writer.WritePages(ctx, chunk)
			f.cache.completeFlush(chunk, err)
			f.batches.Add(1)
			if err != nil {
				f.failed.Add(int64(len(chunk)))
				f.logger.Warn("flush batch failed", map[string]interface{}{
					"pages": len(chunk),
					"error": err.Error(),
				})
				return err
			}
			f.flushed.Add(int64(len(chunk)))
			written.Add(int64(len(chunk)))
			return nil
		})
	}
	err := p.Wait()
	return int(written.Load()), err
}

// GetStats returns flusher statistics.
func (f *Flusher) GetStats() FlusherStats {
	return FlusherStats{
		Flushed:   f.flushed.Load(),
		Failed:    f.failed.Load(),
		Batches:   f.batches.Load(),
		CellsSeen: f.cellsSeen.Load(),
	}
}

// FlusherStats returns the statistics of the running flusher, if any.
func (c *Cache) FlusherStats() FlusherStats {
	if f := c.getFlusher(); f != nil {
		return f.GetStats()
	}
	return FlusherStats{}
}
