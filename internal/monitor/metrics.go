package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/internal/gateway"
)

// SystemMetrics tracks execution outcomes, retry activity and latencies.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	LockWait     *LatencyHistogram
	BatchLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	outcomes      map[string]*atomic.Uint64 // "op:outcome"
	retries       map[string]*atomic.Uint64 // retry outcome
	breakerSkips  map[string]*atomic.Uint64 // exchange
	lockTimeouts  atomic.Uint64
	batchesFailed atomic.Uint64
	apiRequests   atomic.Uint64
	apiErrors     atomic.Uint64

	gatewayStats gateway.PoolStats
	startedAt    time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		LockWait:     NewLatencyHistogram(1000),
		BatchLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		outcomes:     make(map[string]*atomic.Uint64),
		retries:      make(map[string]*atomic.Uint64),
		breakerSkips: make(map[string]*atomic.Uint64),
		startedAt:    time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (m *SystemMetrics) counter(set map[string]*atomic.Uint64, key string) *atomic.Uint64 {
	m.mu.RLock()
	c, ok := set[key]
	m.mu.RUnlock()
	if ok {
		return c
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = set[key]; !ok {
		c = new(atomic.Uint64)
		set[key] = c
	}
	return c
}

func (m *SystemMetrics) read(set map[string]*atomic.Uint64) map[string]uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]uint64, len(set))
	for k, c := range set {
		out[k] = c.Load()
	}
	return out
}

// RecordOutcome counts one controller result.
func (m *SystemMetrics) RecordOutcome(op, outcome string) {
	m.counter(m.outcomes, op+":"+outcome).Add(1)
}

// RecordRetry counts one retry queue transition.
func (m *SystemMetrics) RecordRetry(outcome string) {
	m.counter(m.retries, outcome).Add(1)
}

// RecordBreakerSkip counts records left untouched because an exchange's circuit was open.
func (m *SystemMetrics) RecordBreakerSkip(exchange string, records int) {
	m.counter(m.breakerSkips, exchange).Add(uint64(records))
}

// ObserveLockWait records how long a lock key was waited on.
func (m *SystemMetrics) ObserveLockWait(d time.Duration) {
	m.LockWait.RecordDuration(d)
}

// IncrementLockTimeouts counts batches refused because their locks timed out.
func (m *SystemMetrics) IncrementLockTimeouts() {
	m.lockTimeouts.Add(1)
}

// IncrementBatchFailures counts batches that returned an error.
func (m *SystemMetrics) IncrementBatchFailures() {
	m.batchesFailed.Add(1)
}

// RecordAPI counts one HTTP request and its latency.
func (m *SystemMetrics) RecordAPI(status int, d time.Duration) {
	m.apiRequests.Add(1)
	if status >= 400 {
		m.apiErrors.Add(1)
	}
	m.APILatency.RecordDuration(d)
}

// MetricsSnapshot is a point-in-time view of SystemMetrics.
type MetricsSnapshot struct {
	LockWait       LatencyStats      `json:"lock_wait"`
	BatchLatency   LatencyStats      `json:"batch_latency"`
	APILatency     LatencyStats      `json:"api_latency"`
	APIRequests    uint64            `json:"api_requests"`
	APIErrors      uint64            `json:"api_errors"`
	Outcomes       map[string]uint64 `json:"outcomes"`
	Retries        map[string]uint64 `json:"retries"`
	BreakerSkips   map[string]uint64 `json:"breaker_skips"`
	LockTimeouts   uint64            `json:"lock_timeouts"`
	BatchesFailed  uint64            `json:"batches_failed"`
	GatewayPool    gateway.PoolStats `json:"gateway_pool"`
	GoroutineCount int               `json:"goroutine_count"`
	HeapAlloc      uint64            `json:"heap_alloc_bytes"`
	HeapSys        uint64            `json:"heap_sys_bytes"`
	Uptime         string            `json:"uptime"`
	Timestamp      time.Time         `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	gwStats := m.gatewayStats
	m.mu.RUnlock()

	return MetricsSnapshot{
		LockWait:       m.LockWait.Stats(),
		BatchLatency:   m.BatchLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		APIRequests:    m.apiRequests.Load(),
		APIErrors:      m.apiErrors.Load(),
		Outcomes:       m.read(m.outcomes),
		Retries:        m.read(m.retries),
		BreakerSkips:   m.read(m.breakerSkips),
		LockTimeouts:   m.lockTimeouts.Load(),
		BatchesFailed:  m.batchesFailed.Load(),
		GatewayPool:    gwStats,
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Uptime:         time.Since(m.startedAt).Round(time.Second).String(),
		Timestamp:      time.Now(),
	}
}

// SetGatewayPoolStats updates gateway pool statistics.
func (m *SystemMetrics) SetGatewayPoolStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gatewayStats = stats
}
