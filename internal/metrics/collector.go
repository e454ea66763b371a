package metrics

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flashxio/safs/internal/cache"
	"github.com/flashxio/safs/pkg/errors"
	"github.com/flashxio/safs/pkg/health"
	"github.com/flashxio/safs/pkg/utils"
)

// Collector implements metrics collection for the page cache and its I/O
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry
	logger   *utils.StructuredLogger

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	errorCounter      *prometheus.CounterVec
	memoryGauge       *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	caches     map[int]CacheSource
	health     HealthSource
	lastReset  time.Time

	// HTTP server for metrics endpoint
	server *http.Server
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`

	Logger *utils.StructuredLogger `yaml:"-"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9090,
		Path:      "/metrics",
		Namespace: "safs",
		Labels:    make(map[string]string),
	}
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// CacheSource is what the collector reads from a page cache at scrape
// time.
type CacheSource interface {
	NodeID() int
	Stats() cache.Stats
	CellStats() []cache.CellStats
	FlusherStats() cache.FlusherStats
}

// HealthSource reports component health for /health.
type HealthSource interface {
	Report() health.Report
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = utils.NewNopLogger()
	}

	if !config.Enabled {
		return &Collector{config: config, logger: logger}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		logger:     logger.WithComponent("metrics"),
		operations: make(map[string]*OperationMetrics),
		caches:     make(map[int]CacheSource),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeNotInitialized, "failed to register metrics").
			WithComponent("metrics")
	}

	return collector, nil
}

// Registry returns the registry metrics are exported from, nil when
// disabled.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler returns the HTTP handler serving the metrics.
func (c *Collector) Handler() http.Handler {
	if c.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start starts the metrics collection server
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, c.Handler())
	mux.HandleFunc("/health", c.healthHandler)
	mux.HandleFunc("/debug/operations", c.debugOperationsHandler)
	mux.HandleFunc("/debug/cells", c.debugCellsHandler)

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second, // Prevent Slowloris attacks
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			c.logger.Error("metrics server stopped", map[string]interface{}{
				"addr":  c.server.Addr,
				"error": err.Error(),
			})
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Stop(shutdownCtx)
	}()

	c.logger.Info("metrics server started", map[string]interface{}{
		"addr": c.server.Addr,
		"path": c.config.Path,
	})
	return nil
}

// Stop stops the metrics collection server
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RegisterCache exports the statistics of a page cache, labeled with its
// NUMA node. Registering a second cache for the same node fails.
func (c *Collector) RegisterCache(src CacheSource) error {
	if !c.config.Enabled {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	node := src.NodeID()
	if _, ok := c.caches[node]; ok {
		return errors.Newf(errors.ErrCodeInvalidState, "cache for node %d already registered", node).
			WithComponent("metrics")
	}
	cc := newCacheCollector(c.config.Namespace, c.config.Subsystem, c.config.Labels, src)
	if err := c.registry.Register(cc); err != nil {
		return errors.Wrap(err, errors.ErrCodeInvalidState, "failed to register cache metrics").
			WithComponent("metrics")
	}
	c.caches[node] = src
	return nil
}

// SetHealth makes /health serve the report of src.
func (c *Collector) SetHealth(src HealthSource) {
	c.mu.Lock()
	c.health = src
	c.mu.Unlock()
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"operation": operation,
	}).Observe(duration.Seconds())

	if size > 0 {
		c.operationSize.With(prometheus.Labels{
			"operation": operation,
		}).Observe(float64(size))
	}
}

// RecordError records an error, classified by its error category
func (c *Collector) RecordError(operation string, err error) {
	if !c.config.Enabled || err == nil {
		return
	}

	c.errorCounter.With(prometheus.Labels{
		"operation": operation,
		"type":      classifyError(err),
	}).Inc()
}

// UpdateMemory sets a memory gauge, e.g. heap_inuse or buffer_pool.
func (c *Collector) UpdateMemory(kind string, bytes int64) {
	if !c.config.Enabled {
		return
	}
	c.memoryGauge.With(prometheus.Labels{"kind": kind}).Set(float64(bytes))
}

// GetMetrics returns current operation metrics
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]*OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		cp := *v
		operations[k] = &cp
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset),
	}
}

// ResetMetrics resets the internal operation tracking
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "io_operations_total",
			Help:        "Total number of block I/O operations",
			ConstLabels: c.config.Labels,
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "io_duration_seconds",
			Help:        "Duration of block I/O operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.00005, 2, 16), // 50µs to ~1.6s
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "io_size_bytes",
			Help:        "Size of block I/O operations in bytes",
			Buckets:     prometheus.ExponentialBuckets(512, 2, 12), // 512B to 1MB
			ConstLabels: c.config.Labels,
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "errors_total",
			Help:        "Total number of errors by category",
			ConstLabels: c.config.Labels,
		},
		[]string{"operation", "type"},
	)

	c.memoryGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   c.config.Namespace,
			Subsystem:   c.config.Subsystem,
			Name:        "memory_bytes",
			Help:        "Memory usage by kind",
			ConstLabels: c.config.Labels,
		},
		[]string{"kind"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.errorCounter,
		c.memoryGauge,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}

// classifyError maps an error to its category, "other" for foreign errors.
func classifyError(err error) string {
	var serr *errors.SAFSError
	if !stderr.As(err, &serr) {
		return "other"
	}
	return string(errors.GetCategory(serr.Code))
}

// HTTP handlers

func (c *Collector) healthHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	src := c.health
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if src == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"safs-metrics"}`))
		return
	}
	report := src.Report()
	if report.Status == health.StateUnavailable {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

func (c *Collector) debugOperationsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(c.GetMetrics())
}

func (c *Collector) debugCellsHandler(w http.ResponseWriter, r *http.Request) {
	c.mu.RLock()
	nodes := make([]int, 0, len(c.caches))
	for node := range c.caches {
		nodes = append(nodes, node)
	}
	sort.Ints(nodes)
	out := make(map[string][]cache.CellStats, len(nodes))
	for _, node := range nodes {
		out[strconv.Itoa(node)] = c.caches[node].CellStats()
	}
	c.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
