// Package memmon watches process memory and relieves pressure on the page
// cache when usage crosses a soft limit.
package memmon

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashxio/safs/internal/page"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/utils"
)

const component = "memmon"

// Config configures memory monitoring behavior
type Config struct {
	// SampleInterval is how often to collect memory stats
	SampleInterval time.Duration

	// SoftLimit is the usage in bytes above which the cache is asked to
	// give memory back
	SoftLimit int64

	// ShrinkBytes is the least amount reclaimed per pressure event
	ShrinkBytes int64

	// MinCacheBytes is the size below which the cache is never shrunk
	MinCacheBytes int64

	// FlushTimeout bounds the dirty page flush that precedes a shrink
	FlushTimeout time.Duration

	// MaxSamples is the number of samples to keep in history
	MaxSamples int

	// ProfileDir, when set, receives a heap profile on every pressure event
	ProfileDir string

	Logger *utils.StructuredLogger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		SampleInterval: 10 * time.Second,
		SoftLimit:      2 << 30,
		ShrinkBytes:    16 << 20,
		MinCacheBytes:  16 << 20,
		FlushTimeout:   30 * time.Second,
		MaxSamples:     100,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.SampleInterval <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "sample interval must be positive").
			WithComponent(component)
	}
	if c.SoftLimit <= 0 {
		return errors.NewError(errors.ErrCodeInvalidConfig, "soft limit must be positive").
			WithComponent(component)
	}
	if c.MinCacheBytes < 0 {
		return errors.Newf(errors.ErrCodeInvalidConfig, "negative cache floor %d", c.MinCacheBytes).
			WithComponent(component)
	}
	if c.ShrinkBytes < page.Size {
		return errors.Newf(errors.ErrCodeInvalidConfig, "shrink step %d is below one page", c.ShrinkBytes).
			WithComponent(component)
	}
	return nil
}

// Flusher writes dirty pages back so they become evictable.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Shrinker gives up to npages page buffers.
type Shrinker interface {
	Shrink(npages int) [][]byte
	Size() int64
}

// BufferPool takes reclaimed page buffers.
type BufferPool interface {
	Put(bufs [][]byte)
}

// Recorder receives memory gauges.
type Recorder interface {
	UpdateMemory(kind string, bytes int64)
}

// Target is what the monitor acts on. Cache is required; the rest are
// optional.
type Target struct {
	Cache   Shrinker
	Flusher Flusher
	Buffers BufferPool
	Metrics Recorder
	// OffHeap reports memory outside the Go heap, such as mmap'ed pages.
	OffHeap func() int64
}

// Sample represents a memory usage sample
type Sample struct {
	Timestamp    time.Time
	HeapAlloc    uint64 // bytes allocated in heap
	HeapInuse    uint64 // bytes in in-use spans
	HeapIdle     uint64 // bytes in idle spans
	Sys          uint64 // bytes obtained from system
	NumGC        uint32
	NumGoroutine int
	OffHeap      int64
}

// Usage is the figure compared against the soft limit.
func (s Sample) Usage() int64 {
	return int64(s.HeapInuse) + s.OffHeap
}

// Stats summarizes monitor activity.
type Stats struct {
	Current         Sample
	SampleCount     int
	PressureEvents  int64
	PagesReclaimed  int64
	FlushFailures   int64
	LastPressure    time.Time
	ProfilesWritten int64
}

// Monitor samples memory and relieves pressure on a cache.
type Monitor struct {
	config   Config
	logger   *utils.StructuredLogger
	target   Target
	profiler *Profiler

	readMemStats func(*runtime.MemStats)

	mu           sync.RWMutex
	samples      []Sample
	current      Sample
	lastPressure time.Time

	// relief is serialized so a slow flush never overlaps the next one
	reliefMu sync.Mutex

	pressureEvents  atomic.Int64
	pagesReclaimed  atomic.Int64
	flushFailures   atomic.Int64
	profilesWritten atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	active atomic.Bool
}

// NewMonitor creates a memory monitor for target.
func NewMonitor(config Config, target Target) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if target.Cache == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "memory monitor needs a cache").
			WithComponent(component)
	}
	if config.MaxSamples <= 0 {
		config.MaxSamples = DefaultConfig().MaxSamples
	}
	if config.Logger == nil {
		config.Logger = utils.NewNopLogger()
	}

	m := &Monitor{
		config:       config,
		logger:       config.Logger.WithComponent(component),
		target:       target,
		readMemStats: runtime.ReadMemStats,
		samples:      make([]Sample, 0, config.MaxSamples),
		stopCh:       make(chan struct{}),
	}
	if config.ProfileDir != "" {
		p, err := NewProfiler(config.ProfileDir, m.logger)
		if err != nil {
			return nil, err
		}
		m.profiler = p
	}
	return m, nil
}

// Start begins memory monitoring
func (m *Monitor) Start(ctx context.Context) error {
	if !m.active.CompareAndSwap(false, true) {
		return errors.NewError(errors.ErrCodeInvalidState, "monitor already running").
			WithComponent(component)
	}

	m.logger.Info("starting memory monitor", map[string]interface{}{
		"sample_interval": m.config.SampleInterval.String(),
		"soft_limit":      utils.FormatBytes(m.config.SoftLimit),
	})

	m.wg.Add(1)
	go m.loop(ctx)
	return nil
}

// Stop stops memory monitoring. It is safe to call more than once.
func (m *Monitor) Stop() error {
	if !m.active.CompareAndSwap(true, false) {
		return nil
	}

	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("memory monitor stopped", nil)
	return nil
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Warn("memory pressure relief failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	}
}

// Check takes one sample and, if usage is above the soft limit, relieves
// pressure. It returns the number of pages taken from the cache.
func (m *Monitor) Check(ctx context.Context) (int, error) {
	s := m.takeSample()
	m.record(s)
	if s.Usage() <= m.config.SoftLimit {
		return 0, nil
	}
	return m.relieve(ctx, s)
}

func (m *Monitor) takeSample() Sample {
	var ms runtime.MemStats
	m.readMemStats(&ms)

	s := Sample{
		Timestamp:    time.Now(),
		HeapAlloc:    ms.HeapAlloc,
		HeapInuse:    ms.HeapInuse,
		HeapIdle:     ms.HeapIdle,
		Sys:          ms.Sys,
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if m.target.OffHeap != nil {
		s.OffHeap = m.target.OffHeap()
	}

	m.mu.Lock()
	m.current = s
	m.samples = append(m.samples, s)
	if len(m.samples) > m.config.MaxSamples {
		m.samples = m.samples[1:]
	}
	m.mu.Unlock()
	return s
}

func (m *Monitor) record(s Sample) {
	if m.target.Metrics == nil {
		return
	}
	m.target.Metrics.UpdateMemory("heap_inuse", int64(s.HeapInuse))
	m.target.Metrics.UpdateMemory("heap_idle", int64(s.HeapIdle))
	m.target.Metrics.UpdateMemory("sys", int64(s.Sys))
	m.target.Metrics.UpdateMemory("off_heap", s.OffHeap)
}

// relieve flushes dirty pages so they can be stolen, then shrinks the cache
// by the excess over the soft limit, at least ShrinkBytes, never below
// MinCacheBytes.
func (m *Monitor) relieve(ctx context.Context, s Sample) (int, error) {
	m.reliefMu.Lock()
	defer m.reliefMu.Unlock()

	m.pressureEvents.Add(1)
	m.mu.Lock()
	m.lastPressure = s.Timestamp
	m.mu.Unlock()

	excess := s.Usage() - m.config.SoftLimit
	npages := int(max(excess, m.config.ShrinkBytes) / page.Size)
	avail := int((m.target.Cache.Size() - m.config.MinCacheBytes) / page.Size)
	npages = max(min(npages, avail), 0)

	m.logger.Warn("memory above soft limit", map[string]interface{}{
		"usage":      utils.FormatBytes(s.Usage()),
		"soft_limit": utils.FormatBytes(m.config.SoftLimit),
		"pages":      npages,
	})

	var flushErr error
	if m.target.Flusher != nil {
		fctx := ctx
		if m.config.FlushTimeout > 0 {
			var cancel context.CancelFunc
			fctx, cancel = context.WithTimeout(ctx, m.config.FlushTimeout)
			defer cancel()
		}
		if err := m.target.Flusher.Flush(fctx); err != nil {
			// clean pages can still be taken
			m.flushFailures.Add(1)
			flushErr = errors.Wrap(err, errors.ErrCodeOperationFailed, "flush before shrink failed").
				WithComponent(component)
		}
	}

	var bufs [][]byte
	if npages > 0 {
		bufs = m.target.Cache.Shrink(npages)
	}
	m.pagesReclaimed.Add(int64(len(bufs)))
	if m.target.Buffers != nil {
		m.target.Buffers.Put(bufs)
	}
	debug.FreeOSMemory()

	if m.profiler != nil {
		name := fmt.Sprintf("heap_pressure_%d.prof", s.Timestamp.UnixNano())
		if _, err := m.profiler.WriteHeapProfile(name); err == nil {
			m.profilesWritten.Add(1)
		}
	}

	m.logger.Info("cache shrunk", map[string]interface{}{
		"requested": npages,
		"reclaimed": len(bufs),
	})
	return len(bufs), flushErr
}

// Stats returns a snapshot of monitor activity.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Current:         m.current,
		SampleCount:     len(m.samples),
		PressureEvents:  m.pressureEvents.Load(),
		PagesReclaimed:  m.pagesReclaimed.Load(),
		FlushFailures:   m.flushFailures.Load(),
		LastPressure:    m.lastPressure,
		ProfilesWritten: m.profilesWritten.Load(),
	}
}

// Samples returns the sample history, oldest first.
func (m *Monitor) Samples() []Sample {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Sample(nil), m.samples...)
}
