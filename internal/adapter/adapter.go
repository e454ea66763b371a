package adapter

import (
	"context"
	"io"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/flashxio/safs/internal/buffer"
	"github.com/flashxio/safs/internal/cache"
	"github.com/flashxio/safs/internal/circuit"
	"github.com/flashxio/safs/internal/config"
	"github.com/flashxio/safs/internal/mapper"
	"github.com/flashxio/safs/internal/metrics"
	"github.com/flashxio/safs/internal/pageio"
	"github.com/flashxio/safs/internal/raid"
	"github.com/flashxio/safs/internal/storage"
	"github.com/flashxio/safs/internal/storage/local"
	"github.com/flashxio/safs/internal/storage/s3"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/health"
	"github.com/flashxio/safs/pkg/memmon"
	"github.com/flashxio/safs/pkg/utils"
)

const component = "adapter"

// Adapter owns one SAFS instance: the page cache of a NUMA node, the RAID
// array behind it, the block backend and the client that ties them
// together.
type Adapter struct {
	config    *config.Configuration
	logger    *utils.StructuredLogger
	logCloser io.Closer

	buffers  *buffer.Manager
	cache    *cache.Cache
	raid     *raid.Config
	backend  storage.Backend
	breakers *circuit.Manager
	client   *pageio.Client
	metrics  *metrics.Collector
	monitor  *memmon.Monitor
	health   *health.Tracker

	mu           sync.Mutex
	started      bool
	stopped      bool
	cancelChecks context.CancelFunc
	checks       conc.WaitGroup
}

// Option customizes New.
type Option func(*options)

type options struct {
	backend storage.Backend
	logger  *utils.StructuredLogger
	factory *mapper.Factory
}

// WithBackend uses b instead of building the configured backend. The
// adapter takes ownership and closes it on Stop.
func WithBackend(b storage.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger uses logger instead of the one described by the global
// section.
func WithLogger(logger *utils.StructuredLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithFactory places files with the given mapper factory.
func WithFactory(f *mapper.Factory) Option {
	return func(o *options) { o.factory = f }
}

// New builds every component described by cfg. Nothing runs in the
// background except the cache flusher until Start is called.
func New(ctx context.Context, cfg *config.Configuration, opts ...Option) (a *Adapter, err error) {
	if cfg == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "configuration is required").
			WithComponent(component)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a = &Adapter{config: cfg, logCloser: io.NopCloser(nil)}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.release(context.Background()))
			a = nil
		}
	}()

	if o.logger != nil {
		a.logger = o.logger
	} else {
		logger, closer, err := cfg.Global.NewLogger()
		if err != nil {
			return a, err
		}
		a.logger, a.logCloser = logger, closer
	}
	logger := a.logger.WithComponent(component)

	bufCfg, err := cfg.Cache.ToBuffers(a.logger)
	if err != nil {
		return a, err
	}
	if a.buffers, err = buffer.NewManager(bufCfg); err != nil {
		return a, err
	}
	cacheCfg, err := cfg.Cache.ToCache(a.buffers, a.logger)
	if err != nil {
		return a, err
	}
	if a.cache, err = cache.New(cacheCfg); err != nil {
		return a, err
	}

	if a.raid, err = cfg.RAID.ToRAID(o.factory); err != nil {
		return a, err
	}

	if a.metrics, err = metrics.NewCollector(cfg.Metrics.ToMetrics(a.logger)); err != nil {
		return a, err
	}
	if err = a.metrics.RegisterCache(a.cache); err != nil {
		return a, err
	}

	a.health = health.NewTracker(cfg.Health.ToHealth())
	a.health.RegisterComponent(cacheComponent)
	for _, d := range a.raid.Disks {
		a.health.RegisterComponent(circuit.DiskName(d.DiskID))
	}
	a.health.OnStateChange(func(component string, from, to health.State, err error) {
		fields := map[string]interface{}{"component": component, "from": from.String(), "to": to.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.Warn("component health changed", fields)
	})
	a.metrics.SetHealth(a.health)

	backend := o.backend
	if backend == nil {
		if backend, err = newBackend(ctx, cfg, a.logger); err != nil {
			return a, err
		}
	}
	a.backend = backend
	if cfg.Storage.Circuit.Enabled {
		guarded := circuit.NewBackend(a.backend, cfg.Storage.Circuit.ToCircuit(),
			circuit.WithObserver(a.health), circuit.WithLogger(a.logger))
		a.breakers = guarded.Breakers()
		a.backend = guarded
	}
	if cfg.Metrics.Enabled {
		a.backend = metrics.InstrumentBackend(a.backend, a.metrics)
	}

	a.client, err = pageio.New(a.cache, a.backend, a.raid, &pageio.Config{
		Retry:  cfg.Retry.ToRetry(),
		Logger: a.logger,
	})
	if err != nil {
		return a, err
	}

	if cfg.Memory.Enabled {
		monCfg, err := cfg.Memory.ToMonitor(a.logger)
		if err != nil {
			return a, err
		}
		target := memmon.Target{
			Cache:   a.cache,
			Flusher: a.client,
			Buffers: a.buffers,
			Metrics: a.metrics,
		}
		if cfg.Cache.Allocator == string(buffer.AllocatorMmap) {
			target.OffHeap = a.buffers.GetMemoryUsage
		}
		if a.monitor, err = memmon.NewMonitor(monCfg, target); err != nil {
			return a, err
		}
	}

	logger.Info("SAFS instance created", map[string]interface{}{
		"cache":   utils.FormatBytes(a.cache.Size()),
		"policy":  a.cache.Policy().String(),
		"mapping": a.raid.Mapping.String(),
		"disks":   a.raid.NumDisks(),
		"backend": cfg.Storage.Backend,
	})
	return a, nil
}

const cacheComponent = "cache"

func newBackend(ctx context.Context, cfg *config.Configuration, logger *utils.StructuredLogger) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendS3:
		return s3.NewBackend(ctx, cfg.Storage.S3.ToS3(), logger)
	default:
		return local.NewBackend(cfg.Storage.Local.ToLocal(logger)), nil
	}
}

// Start launches the metrics server, the memory monitor and the periodic
// health checks.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return errors.ErrShutdown
	}
	if a.started {
		return errors.NewError(errors.ErrCodeInvalidState, "adapter already started").
			WithComponent(component)
	}

	if err := a.metrics.Start(ctx); err != nil {
		return err
	}
	if a.monitor != nil {
		if err := a.monitor.Start(ctx); err != nil {
			return multierr.Append(err, a.metrics.Stop(ctx))
		}
	}

	checkCtx, cancel := context.WithCancel(ctx)
	a.cancelChecks = cancel
	a.checks.Go(func() { a.health.Run(checkCtx, a.checkComponent) })

	a.started = true
	a.logger.WithComponent(component).Info("SAFS instance started", nil)
	return nil
}

// Stop flushes dirty pages and releases every component. It is safe to
// call more than once.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.WithComponent(component).Info("stopping SAFS instance", nil)
	return a.release(ctx)
}

// checkComponent is the periodic health check. Disks are checked through
// their breakers; request outcomes are recorded as they complete.
func (a *Adapter) checkComponent(name string) error {
	if name == cacheComponent {
		return a.cache.SanityCheck()
	}
	if a.breakers == nil {
		return nil
	}
	if a.breakers.GetBreaker(name).GetState() == circuit.StateOpen {
		return circuit.ErrOpenState
	}
	return nil
}

// release tears down whatever has been built, in reverse order.
func (a *Adapter) release(ctx context.Context) error {
	var err error
	if a.cancelChecks != nil {
		a.cancelChecks()
		a.checks.Wait()
	}
	if a.monitor != nil {
		err = multierr.Append(err, a.monitor.Stop())
	}
	if a.client != nil {
		err = multierr.Append(err, a.client.Close(ctx))
	}
	if a.backend != nil {
		err = multierr.Append(err, a.backend.Close())
	}
	if a.cache != nil {
		// the cache owns the buffer manager from here on
		err = multierr.Append(err, a.cache.Close())
	} else if a.buffers != nil {
		err = multierr.Append(err, a.buffers.Close())
	}
	if a.metrics != nil {
		err = multierr.Append(err, a.metrics.Stop(ctx))
	}
	return multierr.Append(err, a.logCloser.Close())
}

// Client returns the page I/O client.
func (a *Adapter) Client() *pageio.Client { return a.client }

// Cache returns the page cache.
func (a *Adapter) Cache() *cache.Cache { return a.cache }

// RAID returns the disk array configuration.
func (a *Adapter) RAID() *raid.Config { return a.raid }

// Metrics returns the metrics collector.
func (a *Adapter) Metrics() *metrics.Collector { return a.metrics }

// Monitor returns the memory monitor, nil when disabled.
func (a *Adapter) Monitor() *memmon.Monitor { return a.monitor }

// Health returns the component health tracker.
func (a *Adapter) Health() *health.Tracker { return a.health }

// Breakers returns the per-disk circuit breakers, nil when disabled.
func (a *Adapter) Breakers() *circuit.Manager { return a.breakers }

// Backend returns the block backend as the client sees it.
func (a *Adapter) Backend() storage.Backend { return a.backend }
