package storage

import (
	"sync"
	"time"
)

// BackendMetrics tracks backend performance metrics
type BackendMetrics struct {
	Reads          int64         `json:"reads"`
	Writes         int64         `json:"writes"`
	Errors         int64         `json:"errors"`
	BytesRead      int64         `json:"bytes_read"`
	BytesWritten   int64         `json:"bytes_written"`
	AverageLatency time.Duration `json:"average_latency"`
	LastError      string        `json:"last_error"`
	LastErrorTime  time.Time     `json:"last_error_time"`
}

// MetricsProvider is implemented by backends that keep BackendMetrics.
type MetricsProvider interface {
	GetMetrics() BackendMetrics
}

// MetricsCollector handles metrics collection and aggregation for a backend
type MetricsCollector struct {
	mu      sync.RWMutex
	metrics BackendMetrics
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

// Record records one completed request.
func (mc *MetricsCollector) Record(req *Request, duration time.Duration, err error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	requests := mc.metrics.Reads + mc.metrics.Writes
	switch req.Op {
	case OpWrite:
		mc.metrics.Writes++
	default:
		mc.metrics.Reads++
	}
	if err != nil {
		mc.metrics.Errors++
		mc.metrics.LastError = err.Error()
		mc.metrics.LastErrorTime = time.Now()
	} else if req.Op == OpWrite {
		mc.metrics.BytesWritten += int64(len(req.Buf))
	} else {
		mc.metrics.BytesRead += int64(len(req.Buf))
	}

	// rolling average latency
	if requests == 0 {
		mc.metrics.AverageLatency = duration
	} else {
		mc.metrics.AverageLatency = time.Duration(
			(int64(mc.metrics.AverageLatency)*9 + int64(duration)) / 10,
		)
	}
}

// GetMetrics returns current backend metrics
func (mc *MetricsCollector) GetMetrics() BackendMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.metrics
}

// Reset resets all metrics to zero
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.metrics = BackendMetrics{}
}

// GetErrorRate returns errors over requests.
func (mc *MetricsCollector) GetErrorRate() float64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	total := mc.metrics.Reads + mc.metrics.Writes
	if total == 0 {
		return 0
	}
	return float64(mc.metrics.Errors) / float64(total)
}
