/*
Package adapter assembles one SAFS instance from a configuration.

The adapter is the only place that knows about every component. It builds
them in dependency order and tears them down in reverse:

	config.Configuration
	        │
	        ├─ logger            (global)
	        ├─ buffer.Manager    (cache.allocator, cache.max_size)
	        ├─ cache.Cache       (cache)
	        ├─ raid.Config       (raid)
	        ├─ metrics.Collector (metrics) ── exports the cache
	        ├─ health.Tracker    (health)  ── served on /health
	        ├─ storage.Backend   (storage: local or s3)
	        │     └─ circuit.Backend, metrics.InstrumentedBackend
	        ├─ pageio.Client     (retry)   ── flusher writes through it
	        └─ memmon.Monitor    (memory)  ── flushes and shrinks the cache

Each disk gets a circuit breaker and a health component named disk-N.
Request outcomes feed both; the cache is checked with SanityCheck.

# Lifecycle

New builds everything; the cache flusher starts with the client. Start
launches the metrics server, the memory monitor and the periodic health
checks. Stop flushes dirty
pages, stops the flusher and closes the backend, the cache and its
buffers, in that order. Stop is idempotent and a stopped adapter cannot
be restarted.

	a, err := adapter.New(ctx, cfg)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop(ctx)

	f, err := a.Client().OpenFile("graph", 0)
	...
	pg, err := a.Client().Read(ctx, f.PageID(off))

Tests and embedders can supply their own backend, logger or mapper factory
through WithBackend, WithLogger and WithFactory.
*/
package adapter
