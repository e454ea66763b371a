package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flashxio/safs/internal/cache"
)

// cellPageBuckets are the upper bounds of the per-cell used page
// histogram. A cell holds at most cache.CellSize pages.
var cellPageBuckets = []float64{0, 2, 4, 8, 12, cache.CellSize}

// cacheCollector reads a cache's counters at scrape time, so the cache
// itself never touches Prometheus.
type cacheCollector struct {
	src CacheSource

	pages        *prometheus.Desc
	dirtyPages   *prometheus.Desc
	cells        *prometheus.Desc
	level        *prometheus.Desc
	overflow     *prometheus.Desc
	accesses     *prometheus.Desc
	hits         *prometheus.Desc
	evictions    *prometheus.Desc
	staleRetries *prometheus.Desc
	expansions   *prometheus.Desc

	cellUsed      *prometheus.Desc
	cellPinnedMax *prometheus.Desc

	pendingFlush    *prometheus.Desc
	pendingFlushMax *prometheus.Desc
	pendingFlushAvg *prometheus.Desc
	flushedPages    *prometheus.Desc
	flushBatches    *prometheus.Desc
}

func newCacheCollector(namespace, subsystem string, labels map[string]string, src CacheSource) *cacheCollector {
	constLabels := prometheus.Labels{"node": strconv.Itoa(src.NodeID())}
	for k, v := range labels {
		constLabels[k] = v
	}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, variable, constLabels)
	}
	return &cacheCollector{
		src: src,

		pages:        desc("cache_pages", "Pages held by the cache"),
		dirtyPages:   desc("cache_dirty_pages", "Dirty pages waiting for writeback"),
		cells:        desc("cache_cells", "Number of hash cells"),
		level:        desc("cache_level", "Linear hashing level"),
		overflow:     desc("cache_overflow_cells", "Cells that could not keep all their pages on merge"),
		accesses:     desc("cache_accesses_total", "Page searches"),
		hits:         desc("cache_hits_total", "Page searches that found the page"),
		evictions:    desc("cache_evictions_total", "Pages evicted to make room"),
		staleRetries: desc("cache_stale_retries_total", "Searches retried after a concurrent split"),
		expansions:   desc("cache_expansions_total", "Cell splits performed by Expand"),

		cellUsed:      desc("cell_used_pages", "Distribution of used pages per cell"),
		cellPinnedMax: desc("cell_pinned_pages_max", "Most pinned pages in any one cell"),

		pendingFlush:    desc("flush_pending_pages", "Pages currently under writeback"),
		pendingFlushMax: desc("flush_pending_pages_max", "Most pages ever under writeback at once"),
		pendingFlushAvg: desc("flush_pending_pages_avg", "Mean pages under writeback when a flush started"),
		flushedPages:    desc("flush_pages_total", "Pages handed to the page writer", "result"),
		flushBatches:    desc("flush_batches_total", "Write batches issued by the flusher"),
	}
}

func (cc *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		cc.pages, cc.dirtyPages, cc.cells, cc.level, cc.overflow,
		cc.accesses, cc.hits, cc.evictions, cc.staleRetries, cc.expansions,
		cc.cellUsed, cc.cellPinnedMax,
		cc.pendingFlush, cc.pendingFlushMax, cc.pendingFlushAvg, cc.flushedPages, cc.flushBatches,
	} {
		ch <- d
	}
}

func (cc *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := cc.src.Stats()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}

	gauge(cc.pages, float64(s.NumPages))
	gauge(cc.dirtyPages, float64(s.NumDirty))
	gauge(cc.cells, float64(s.NumCells))
	gauge(cc.level, float64(s.Level))
	gauge(cc.overflow, float64(s.NumOverflow))
	counter(cc.accesses, float64(s.NumAccesses))
	counter(cc.hits, float64(s.NumHits))
	counter(cc.evictions, float64(s.NumEvictions))
	counter(cc.staleRetries, float64(s.StaleRetries))
	counter(cc.expansions, float64(s.Expansions))

	buckets := make(map[float64]uint64, len(cellPageBuckets))
	var sum float64
	var count uint64
	pinnedMax := 0
	for _, cs := range cc.src.CellStats() {
		count++
		sum += float64(cs.NumUsed)
		for _, ub := range cellPageBuckets {
			if float64(cs.NumUsed) <= ub {
				buckets[ub]++
			}
		}
		pinnedMax = max(pinnedMax, cs.NumPinned)
	}
	ch <- prometheus.MustNewConstHistogram(cc.cellUsed, count, sum, buckets)
	gauge(cc.cellPinnedMax, float64(pinnedMax))

	fs := cc.src.FlusherStats()
	gauge(cc.pendingFlush, float64(s.PendingFlush))
	gauge(cc.pendingFlushMax, float64(s.MaxPendingFlush))
	gauge(cc.pendingFlushAvg, s.AvgPendingFlush)
	counter(cc.flushedPages, float64(fs.Flushed), "written")
	counter(cc.flushedPages, float64(fs.Failed), "failed")
	counter(cc.flushBatches, float64(fs.Batches))
}

var _ prometheus.Collector = (*cacheCollector)(nil)
