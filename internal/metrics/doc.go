/*
Package metrics exports SAFS page cache and block I/O metrics to Prometheus.

# Overview

	┌─────────────┐
	│  Collector  │  ← registry, HTTP endpoint, operation tracking
	└──────┬──────┘
	       │
	   ┌───┴───────────────────────────┐
	   │                               │
	┌──▼────────────────┐   ┌──────────▼─────────┐
	│ cache collectors  │   │ InstrumentedBackend│
	│ (one per node,    │   │ (read/write count, │
	│  read at scrape)  │   │  latency, size)    │
	└───────────────────┘   └────────────────────┘

Cache statistics are not pushed. RegisterCache installs a
prometheus.Collector that reads Stats, CellStats and FlusherStats when the
registry is scraped, so the cache hot path never touches Prometheus.

Block I/O is recorded by wrapping the storage backend:

	collector, err := metrics.NewCollector(metrics.DefaultConfig())
	if err != nil {
		return err
	}
	if err := collector.RegisterCache(c); err != nil {
		return err
	}
	backend := metrics.InstrumentBackend(local.NewBackend(nil), collector)

# Exported Series

Cache, labeled by node:

	safs_cache_pages, safs_cache_dirty_pages, safs_cache_cells, safs_cache_level
	safs_cache_accesses_total, safs_cache_hits_total, safs_cache_evictions_total
	safs_cache_stale_retries_total, safs_cache_expansions_total
	safs_cache_overflow_cells
	safs_cell_used_pages (histogram), safs_cell_pinned_pages_max
	safs_flush_pending_pages, safs_flush_pending_pages_max, safs_flush_pending_pages_avg
	safs_flush_pages_total{result}, safs_flush_batches_total

Block I/O:

	safs_io_operations_total{operation,status}
	safs_io_duration_seconds{operation}
	safs_io_size_bytes{operation}
	safs_errors_total{operation,type}

Memory, set by the pressure monitor:

	safs_memory_bytes{kind}

# HTTP Endpoints

Start serves Config.Path (default /metrics) plus /health, /debug/operations
(per-operation counters as JSON) and /debug/cells (per-cell statistics of
every registered cache). Once SetHealth is called, /health returns the
component report of the health tracker and answers 503 while any
component is unavailable.
*/
package metrics
