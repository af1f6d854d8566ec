package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

// Counter names reported in snapshots.
const (
	PlansCreated         = "plans_created"
	PlansCompleted       = "plans_completed"
	PlansAbandoned       = "plans_abandoned"
	PlansCancelled       = "plans_cancelled"
	SlicesExecuted       = "slices_executed"
	SlicesFailed         = "slices_failed"
	OrdersRouted         = "orders_routed"
	RoutesPartial        = "routes_partial"
	Reconciliations      = "reconciliations"
	Discrepancies        = "discrepancies"
	SettlementsCreated   = "settlements_created"
	SettlementsCompleted = "settlements_completed"
	SettlementsFailed    = "settlements_failed"
	BrokerHealthChanges  = "broker_health_changes"
	HTTPRequests         = "http_requests"
	HTTPErrors           = "http_errors"
	AlertsRaised         = "alerts_raised"
)

// HealthSource reports per-broker health rows.
type HealthSource interface {
	Health() []exchange.BrokerHealth
}

// SystemMetrics holds process-wide counters and latency windows.
type SystemMetrics struct {
	RouteLatency     *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	HTTPLatency      *LatencyHistogram

	mu       sync.RWMutex
	counters map[string]*uint64
	scores   map[string]float64
	health   HealthSource
	started  time.Time
}

// NewSystemMetrics creates a metrics registry with 1000-sample windows.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		RouteLatency:     NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(1000),
		HTTPLatency:      NewLatencyHistogram(1000),
		counters:         make(map[string]*uint64),
		scores:           make(map[string]float64),
		started:          time.Now(),
	}
}

// SetHealthSource attaches the broker registry.
func (m *SystemMetrics) SetHealthSource(h HealthSource) {
	m.mu.Lock()
	m.health = h
	m.mu.Unlock()
}

// Inc adds one to the named counter.
func (m *SystemMetrics) Inc(name string) { m.Add(name, 1) }

// Add adds n to the named counter.
func (m *SystemMetrics) Add(name string, n uint64) {
	m.mu.RLock()
	c, ok := m.counters[name]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if c, ok = m.counters[name]; !ok {
			c = new(uint64)
			m.counters[name] = c
		}
		m.mu.Unlock()
	}
	atomic.AddUint64(c, n)
}

// Count returns the named counter.
func (m *SystemMetrics) Count(name string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.counters[name]; ok {
		return atomic.LoadUint64(c)
	}
	return 0
}

// SetScore records the latest reconciliation score of an account.
func (m *SystemMetrics) SetScore(accountID string, score float64) {
	m.mu.Lock()
	m.scores[accountID] = score
	m.mu.Unlock()
}

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are recomputed lazily after the window changes.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	size    int
	dirty   bool
	cached  LatencyStats
}

// NewLatencyHistogram creates a window of size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), size: size, dirty: true}
}

// Record adds a sample in milliseconds, evicting the oldest when full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.size {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records d.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// LatencyStats summarizes a window.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// Stats returns min, max, mean and percentiles of the window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return h.cached
	}
	n := len(h.samples)
	if n == 0 {
		h.cached, h.dirty = LatencyStats{}, false
		return h.cached
	}
	sorted := append([]float64(nil), h.samples...)
	sort.Float64s(sorted)
	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// Snapshot is a point-in-time view of SystemMetrics.
type Snapshot struct {
	RouteLatency     LatencyStats            `json:"route_latency"`
	ReconcileLatency LatencyStats            `json:"reconcile_latency"`
	HTTPLatency      LatencyStats            `json:"http_latency"`
	Counters         map[string]uint64       `json:"counters"`
	Scores           map[string]float64      `json:"reconciliation_scores"`
	Brokers          []exchange.BrokerHealth `json:"brokers"`
	Goroutines       int                     `json:"goroutines"`
	HeapAlloc        uint64                  `json:"heap_alloc_bytes"`
	HeapSys          uint64                  `json:"heap_sys_bytes"`
	UptimeSec        int64                   `json:"uptime_sec"`
	Timestamp        time.Time               `json:"timestamp"`
}

// Snapshot collects every metric.
func (m *SystemMetrics) Snapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m.mu.RLock()
	counters := make(map[string]uint64, len(m.counters))
	for k, c := range m.counters {
		counters[k] = atomic.LoadUint64(c)
	}
	scores := make(map[string]float64, len(m.scores))
	for k, v := range m.scores {
		scores[k] = v
	}
	health := m.health
	m.mu.RUnlock()

	var brokers []exchange.BrokerHealth
	if health != nil {
		brokers = health.Health()
	}
	now := time.Now()
	return Snapshot{
		RouteLatency:     m.RouteLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		HTTPLatency:      m.HTTPLatency.Stats(),
		Counters:         counters,
		Scores:           scores,
		Brokers:          brokers,
		Goroutines:       runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		HeapSys:          mem.HeapSys,
		UptimeSec:        int64(now.Sub(m.started).Seconds()),
		Timestamp:        now,
	}
}

// Timer measures one operation into a histogram.
type Timer struct {
	start time.Time
	h     *LatencyHistogram
}

// NewTimer starts a timer for h.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), h: h}
}

// Stop records and returns the elapsed time.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.h != nil {
		t.h.RecordDuration(elapsed)
	}
	return elapsed
}
