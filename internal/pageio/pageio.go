// Package pageio serves page reads and writes for logical SAFS files. It
// ties the page cache to the file mappers and the storage backend: misses
// are filled from the part file the mapper picks, and dirty pages go back
// the same way when the cache flushes them.
package pageio

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/flashxio/safs/internal/cache"
	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/internal/raid"
	"github.com/flashxio/safs/internal/storage"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/retry"
	"github.com/flashxio/safs/pkg/utils"
)

const component = "pageio"

// Config represents client configuration
type Config struct {
	// Retry governs how long a search waits out a saturated cell.
	Retry  retry.Config
	Logger *utils.StructuredLogger
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{Retry: retry.DefaultConfig()}
}

// Stats counts client requests.
type Stats struct {
	Reads      int64 `json:"reads"`
	Writes     int64 `json:"writes"`
	Fills      int64 `json:"fills"`
	FillErrors int64 `json:"fill_errors"`
	// Waits counts requests that found another request's fill in flight.
	Waits         int64 `json:"waits"`
	PagesWritten  int64 `json:"pages_written"`
	WriteErrors   int64 `json:"write_errors"`
	SearchRetries int   `json:"search_retries"`
}

// File is an open logical file.
type File struct {
	name   string
	size   int64
	mapper mapper.Mapper
}

func (f *File) Name() string { return f.name }

// ID is the file id pages of this file are keyed by.
func (f *File) ID() int { return f.mapper.FileID() }

// Size is the size the file was opened with.
func (f *File) Size() int64 { return f.size }

func (f *File) Mapper() mapper.Mapper { return f.mapper }

// PageID returns the key of the page holding off.
func (f *File) PageID(off int64) page.ID { return page.NewID(f.ID(), off) }

// locate returns the part file and physical byte offset of the page at
// the page-aligned offset off.
func (f *File) locate(off int64) (mapper.PartFile, int64) {
	b := f.mapper.Map(off >> page.Shift)
	part := mapper.PartFile{
		Path:   f.mapper.FileName(b.Idx),
		NodeID: f.mapper.FileNodeID(b.Idx),
		DiskID: f.mapper.DiskID(b.Idx),
	}
	return part, b.Off << page.Shift
}

// Client reads and writes cached pages of logical files.
type Client struct {
	cache   *cache.Cache
	backend storage.Backend
	raid    *raid.Config
	retryer *retry.Retryer
	logger  *utils.StructuredLogger

	mu     sync.RWMutex
	files  map[int]*File
	byName map[string]*File
	closed bool

	reads        atomic.Int64
	writes       atomic.Int64
	fills        atomic.Int64
	fillErrors   atomic.Int64
	waits        atomic.Int64
	pagesWritten atomic.Int64
	writeErrors  atomic.Int64
}

// New creates a client and attaches it to c as the writer of dirty pages.
func New(c *cache.Cache, backend storage.Backend, raidCfg *raid.Config, config *Config) (*Client, error) {
	if c == nil || backend == nil || raidCfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "cache, backend and RAID configuration are required").
			WithComponent(component)
	}
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}
	cl := &Client{
		cache:   c,
		backend: backend,
		raid:    raidCfg,
		retryer: retry.New(config.Retry),
		logger:  logger.WithComponent(component),
		files:   make(map[int]*File),
		byName:  make(map[string]*File),
	}
	c.StartFlusher(cl)
	return cl, nil
}

// OpenFile registers the logical file name and returns it. Opening a name
// twice returns the same file. A positive size pre-sizes the part files
// when the backend supports it.
func (cl *Client) OpenFile(name string, size int64) (*File, error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed {
		return nil, errors.ErrShutdown
	}
	if f, ok := cl.byName[name]; ok {
		return f, nil
	}

	m, err := cl.raid.CreateFileMapper(name)
	if err != nil {
		return nil, err
	}
	f := &File{name: name, size: size, mapper: m}

	if pre, ok := storage.Find[storage.Preallocator](cl.backend); ok && size > 0 {
		npages := (size + page.Size - 1) >> page.Shift
		var perr error
		for idx, pages := range m.SizePerDisk(npages) {
			part := mapper.PartFile{Path: m.FileName(idx), NodeID: m.FileNodeID(idx), DiskID: m.DiskID(idx)}
			perr = multierr.Append(perr, pre.Preallocate(part, pages<<page.Shift))
		}
		if perr != nil {
			return nil, perr
		}
	}

	cl.files[f.ID()] = f
	cl.byName[name] = f
	cl.logger.Info("file opened", map[string]interface{}{
		"file":    name,
		"file_id": f.ID(),
		"mapping": m.Kind().String(),
		"parts":   m.NumFiles(),
		"size":    size,
	})
	return f, nil
}

// File returns the open file with the given id.
func (cl *Client) File(id int) (*File, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	f, ok := cl.files[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeFileNotFound, "file %d is not open", id).
			WithComponent(component)
	}
	return f, nil
}

// Read returns the page keyed id pinned and holding data, fetching it from
// storage on a miss. Concurrent readers of a page being fetched wait for
// that fetch. The caller must Release the page.
func (cl *Client) Read(ctx context.Context, id page.ID) (*page.Page, error) {
	cl.reads.Add(1)
	return cl.acquire(ctx, id, nil)
}

// Write copies data into the page holding id.Offset, starting at the
// offset's position in the page, and marks the page dirty. A write that
// covers the whole page skips the read.
func (cl *Client) Write(ctx context.Context, id page.ID, data []byte) error {
	inPage := int(id.Offset - page.Align(id.Offset))
	if inPage+len(data) > page.Size {
		return errors.Newf(errors.ErrCodeInvalidState, "write of %d bytes at %d crosses a page boundary", len(data), id.Offset).
			WithComponent(component).WithOperation("write")
	}
	cl.writes.Add(1)

	var whole []byte
	if inPage == 0 && len(data) == page.Size {
		whole = data
	}
	pg, err := cl.acquire(ctx, id, whole)
	if err != nil {
		return err
	}
	defer cl.cache.Release(pg)

	pg.CopyFrom(inPage, data)
	return cl.cache.MarkDirty(pg)
}

// Release unpins a page returned by Read.
func (cl *Client) Release(pg *page.Page) error {
	return cl.cache.Release(pg)
}

// acquire pins the page keyed id and makes sure it holds data. A non-nil
// overwrite is the new content of the whole page; a miss takes it instead
// of reading.
func (cl *Client) acquire(ctx context.Context, id page.ID, overwrite []byte) (*page.Page, error) {
	f, err := cl.File(id.FileID)
	if err != nil {
		return nil, err
	}

	var pg *page.Page
	var out cache.Outcome
	err = cl.retryer.DoWithContext(ctx, func(context.Context) error {
		var serr error
		pg, out, serr = cl.cache.Search(id)
		return serr
	})
	if err != nil {
		return nil, err
	}

	if out.Miss {
		if overwrite != nil {
			pg.CopyFrom(0, overwrite)
			pg.FinishIO(nil)
			return pg, nil
		}
		if err := cl.fill(ctx, f, pg); err != nil {
			cl.cache.Release(pg)
			return nil, err
		}
		return pg, nil
	}

	for !pg.IsReady() {
		// a failed fill leaves the page keyed but empty; the next reader
		// takes it over
		if pg.TryBeginIO() {
			if overwrite != nil {
				pg.CopyFrom(0, overwrite)
				pg.FinishIO(nil)
				break
			}
			if err := cl.fill(ctx, f, pg); err != nil {
				cl.cache.Release(pg)
				return nil, err
			}
			break
		}
		cl.waits.Add(1)
		if err := pg.WaitIO(); err != nil {
			cl.cache.Release(pg)
			return nil, err
		}
	}
	return pg, nil
}

// fill reads pg from storage and completes its pending IO.
func (cl *Client) fill(ctx context.Context, f *File, pg *page.Page) error {
	cl.fills.Add(1)
	part, off := f.locate(pg.ID().Offset)
	req := &storage.Request{
		Op:     storage.OpRead,
		File:   f.name,
		Part:   part,
		Offset: off,
		Buf:    pg.Data(),
	}
	err := cl.submitWait(ctx, []*storage.Request{req})
	if err != nil {
		cl.fillErrors.Add(1)
		cl.logger.Warn("page fill failed", map[string]interface{}{
			"page":  pg.ID().String(),
			"error": err.Error(),
		})
	}
	pg.FinishIO(err)
	return err
}

// submitWait submits reqs one by one and waits until every submitted one
// has completed. The buffers stay in use until then, so cancellation only
// stops further submissions.
func (cl *Client) submitWait(ctx context.Context, reqs []*storage.Request) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs error
	record := func(err error) {
		if err != nil {
			mu.Lock()
			errs = multierr.Append(errs, err)
			mu.Unlock()
		}
	}

	for _, req := range reqs {
		wg.Add(1)
		req.Done = func(_ *storage.Request, err error) {
			record(err)
			wg.Done()
		}
		if err := cl.backend.Submit(ctx, []*storage.Request{req}); err != nil {
			record(err)
			wg.Done()
		}
	}
	wg.Wait()
	return errs
}

// WritePages writes pages under writeback to their part files. It is the
// cache's page writer.
func (cl *Client) WritePages(ctx context.Context, pages []*page.Page) error {
	reqs := make([]*storage.Request, 0, len(pages))
	var errs error
	for _, pg := range pages {
		f, err := cl.File(pg.ID().FileID)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		part, off := f.locate(pg.ID().Offset)
		// Write may change the page under writeback; it stays dirty and
		// is written again
		buf := pg.Snapshot()
		reqs = append(reqs, &storage.Request{
			Op:     storage.OpWrite,
			File:   f.name,
			Part:   part,
			Offset: off,
			Buf:    buf,
		})
	}
	errs = multierr.Append(errs, cl.submitWait(ctx, reqs))
	if errs != nil {
		cl.writeErrors.Add(1)
		return errs
	}
	cl.pagesWritten.Add(int64(len(pages)))
	return nil
}

// syncer is implemented by backends that can force written data to stable
// storage.
type syncer interface {
	Sync() error
}

// Flush writes every dirty page and syncs the backend when it supports it.
func (cl *Client) Flush(ctx context.Context) error {
	for cl.cache.NumDirtyPages() > 0 {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.ErrCodeOperationCanceled, "flush canceled").
				WithComponent(component)
		}
		n, err := cl.cache.FlushDirtyPages(ctx, nil, 0)
		if err != nil {
			return err
		}
		if n > 0 {
			continue
		}
		if cl.cache.NumPendingFlush() == 0 {
			break
		}
		// the background flusher holds the rest
		if err := cl.backend.WaitForCompletion(ctx); err != nil {
			return err
		}
		runtime.Gosched()
	}
	if s, ok := storage.Find[syncer](cl.backend); ok {
		if err := s.Sync(); err != nil {
			return err
		}
	}
	cl.logger.Debug("flush complete", map[string]interface{}{"dirty": cl.cache.NumDirtyPages()})
	return nil
}

// Stats returns request statistics.
func (cl *Client) Stats() Stats {
	rs := cl.retryer.Stats()
	return Stats{
		Reads:         cl.reads.Load(),
		Writes:        cl.writes.Load(),
		Fills:         cl.fills.Load(),
		FillErrors:    cl.fillErrors.Load(),
		Waits:         cl.waits.Load(),
		PagesWritten:  cl.pagesWritten.Load(),
		WriteErrors:   cl.writeErrors.Load(),
		SearchRetries: rs.TotalAttempts - rs.Calls,
	}
}

// Close flushes dirty pages and detaches the client from the cache. The
// cache and the backend stay open.
func (cl *Client) Close(ctx context.Context) error {
	cl.mu.Lock()
	if cl.closed {
		cl.mu.Unlock()
		return nil
	}
	cl.closed = true
	cl.mu.Unlock()

	err := cl.Flush(ctx)
	cl.cache.StopFlusher()
	return err
}

var _ cache.PageWriter = (*Client)(nil)
