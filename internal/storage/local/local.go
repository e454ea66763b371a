// Package local is the storage backend for part files on local disks. Each
// disk gets one queue and one worker goroutine, so requests to a disk are
// served in submission order and disks proceed independently.
package local

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"

	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/internal/storage"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

// Config represents local backend configuration
type Config struct {
	// QueueDepth is the number of requests buffered per disk.
	QueueDepth int `yaml:"queue_depth"`
	// SyncWrites flushes file data to the device after every write.
	SyncWrites bool `yaml:"sync_writes"`
	// FileMode is used when part files are created.
	FileMode os.FileMode `yaml:"file_mode"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// NewDefaultConfig returns the default local backend configuration.
func NewDefaultConfig() *Config {
	return &Config{
		QueueDepth: 64,
		FileMode:   0o644,
	}
}

// Backend serves requests with positional reads and writes on part files.
type Backend struct {
	config Config
	logger *utils.StructuredLogger

	mu     sync.RWMutex
	closed bool

	queuesMu sync.Mutex
	queues   map[int]chan *queued

	filesMu sync.Mutex
	files   map[string]*os.File

	workers  conc.WaitGroup
	inflight storage.Inflight
	metrics  *storage.MetricsCollector
	syncs    atomic.Int64
}

type queued struct {
	ctx context.Context
	req *storage.Request
}

// NewBackend creates a local backend.
func NewBackend(config *Config) *Backend {
	cfg := *NewDefaultConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = NewDefaultConfig().QueueDepth
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = NewDefaultConfig().FileMode
	}
	if cfg.Logger == nil {
		cfg.Logger = utils.NewNopLogger()
	}
	return &Backend{
		config:  cfg,
		logger:  cfg.Logger.WithComponent("local-backend"),
		queues:  make(map[int]chan *queued),
		files:   make(map[string]*os.File),
		metrics: storage.NewMetricsCollector(),
	}
}

// Submit queues reqs on their disks' workers. It blocks while a disk queue
// is full.
func (b *Backend) Submit(ctx context.Context, reqs []*storage.Request) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.ErrShutdown
	}
	for i, req := range reqs {
		b.inflight.Add(1)
		select {
		case b.queue(req.Part.DiskID) <- &queued{ctx: ctx, req: req}:
		case <-ctx.Done():
			b.inflight.Done()
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "submit canceled").
				WithComponent("local-backend").
				WithDetail("submitted", i)
		}
	}
	return nil
}

// queue returns the queue of disk, starting its worker on first use. The
// caller holds b.mu for reading.
func (b *Backend) queue(disk int) chan *queued {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	q, ok := b.queues[disk]
	if !ok {
		q = make(chan *queued, b.config.QueueDepth)
		b.queues[disk] = q
		b.workers.Go(func() { b.worker(disk, q) })
		b.logger.Debug("disk worker started", map[string]interface{}{"disk": disk})
	}
	return q
}

func (b *Backend) worker(disk int, q chan *queued) {
	for item := range q {
		req := item.req
		start := time.Now()
		var err error
		if cerr := item.ctx.Err(); cerr != nil {
			err = errors.Wrap(cerr, errors.ErrCodeOperationCanceled, "request canceled before it ran").
				WithComponent("local-backend")
		} else {
			err = b.do(req)
		}
		b.metrics.Record(req, time.Since(start), err)
		if err != nil {
			b.logger.Warn("block I/O failed", map[string]interface{}{
				"disk":  disk,
				"error": err.Error(),
			})
		}
		req.Complete(err)
		b.inflight.Done()
	}
}

func (b *Backend) do(req *storage.Request) error {
	f, err := b.open(req.Part.Path)
	if err != nil {
		return storage.IOError(req, err, "local-backend")
	}
	fd := int(f.Fd())
	switch req.Op {
	case storage.OpWrite:
		err = pwriteFull(fd, req.Buf, req.Offset)
		if err == nil && b.config.SyncWrites {
			err = datasync(fd)
			b.syncs.Add(1)
		}
	default:
		err = preadFull(fd, req.Buf, req.Offset)
	}
	if err != nil {
		return storage.IOError(req, err, "local-backend")
	}
	return nil
}

// preadFull fills buf from off. Bytes past the end of the file read as
// zeros.
func preadFull(fd int, buf []byte, off int64) error {
	for n := 0; n < len(buf); {
		m, err := unix.Pread(fd, buf[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if m == 0 {
			clear(buf[n:])
			return nil
		}
		n += m
	}
	return nil
}

func pwriteFull(fd int, buf []byte, off int64) error {
	for n := 0; n < len(buf); {
		m, err := unix.Pwrite(fd, buf[n:], off+int64(n))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if m == 0 {
			return io.ErrShortWrite
		}
		n += m
	}
	return nil
}

func (b *Backend) open(path string) (*os.File, error) {
	b.filesMu.Lock()
	defer b.filesMu.Unlock()
	if f, ok := b.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, b.config.FileMode)
	if err != nil {
		return nil, err
	}
	b.files[path] = f
	return f, nil
}

// Preallocate grows the part file to size bytes. Larger files are left
// alone.
func (b *Backend) Preallocate(part mapper.PartFile, size int64) error {
	f, err := b.open(part.Path)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "open part file").
			WithComponent("local-backend").WithContext("part", part.Path)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "stat part file").
			WithComponent("local-backend").WithContext("part", part.Path)
	}
	if st.Size >= size {
		return nil
	}
	if err := unix.Ftruncate(int(f.Fd()), size); err != nil {
		return errors.Wrap(err, errors.ErrCodeStorageWrite, "size part file").
			WithComponent("local-backend").
			WithContext("part", part.Path).
			WithDetail("size", size)
	}
	return nil
}

// WaitForCompletion waits for every submitted request.
func (b *Backend) WaitForCompletion(ctx context.Context) error {
	return b.inflight.Wait(ctx)
}

// Sync flushes every open part file to its device.
func (b *Backend) Sync() error {
	b.filesMu.Lock()
	defer b.filesMu.Unlock()
	var err error
	for path, f := range b.files {
		if serr := datasync(int(f.Fd())); serr != nil {
			err = multierr.Append(err, errors.Wrap(serr, errors.ErrCodeStorageWrite, "sync part file").
				WithComponent("local-backend").WithContext("part", path))
		}
	}
	b.syncs.Add(1)
	return err
}

// GetMetrics returns backend metrics.
func (b *Backend) GetMetrics() storage.BackendMetrics {
	return b.metrics.GetMetrics()
}

// NumSyncs returns how many device flushes were issued.
func (b *Backend) NumSyncs() int64 { return b.syncs.Load() }

// NumDisks returns the number of disks with a running worker.
func (b *Backend) NumDisks() int {
	b.queuesMu.Lock()
	defer b.queuesMu.Unlock()
	return len(b.queues)
}

// Close drains the queues, stops the workers and closes the part files.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.queuesMu.Lock()
	for _, q := range b.queues {
		close(q)
	}
	b.queuesMu.Unlock()
	b.mu.Unlock()

	b.workers.Wait()

	b.filesMu.Lock()
	defer b.filesMu.Unlock()
	var err error
	for path, f := range b.files {
		err = multierr.Append(err, f.Close())
		delete(b.files, path)
	}
	if err == nil {
		b.logger.Debug("local backend closed")
	}
	return err
}

var (
	_ storage.Backend         = (*Backend)(nil)
	_ storage.Preallocator    = (*Backend)(nil)
	_ storage.MetricsProvider = (*Backend)(nil)
)
