// Package gateway keeps the set of live broker gateways: per-call timeouts,
// health polling with a failure circuit, and the shared quote cache.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/apperr"
	"execution-core/pkg/cache"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

var (
	ErrBrokerNotFound   = errors.New("broker not found")
	ErrGatewayUnhealthy = errors.New("gateway is unhealthy")
	ErrDuplicateBroker  = errors.New("broker already registered")
)

// Config holds configuration for the Manager.
type Config struct {
	CallTimeout      time.Duration // upper bound for any single broker call
	HealthInterval   time.Duration // interval between health pings
	FailureThreshold int           // consecutive failures before the circuit opens
	CircuitTimeout   time.Duration // how long an open circuit rejects calls
	QuoteMaxAge      time.Duration // cached quotes younger than this are served as-is
	QuoteParallelism int
	WatchSymbols     []string // quotes kept warm by the background loop
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		CallTimeout:      5 * time.Second,
		HealthInterval:   15 * time.Second,
		FailureThreshold: 3,
		CircuitTimeout:   30 * time.Second,
		QuoteMaxAge:      2 * time.Second,
		QuoteParallelism: 8,
	}
}

type registered struct {
	id          string
	kind        string
	gw          exchange.Gateway
	vwap        VWAPSource
	registered  time.Time
	healthyAt   time.Time
	lastFailure time.Time
	failures    int
	latency     time.Duration
	lastErr     string
	checkedAt   time.Time
}

// Manager is the broker registry.
type Manager struct {
	mu      sync.RWMutex
	brokers map[string]*registered
	order   []string

	config Config
	quotes *cache.QuoteCache
	log    *zap.Logger
	now    func() time.Time

	// OnHealthChange, when set, receives a row every time a broker changes
	// status.
	OnHealthChange func(exchange.BrokerHealth)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates an empty registry.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	def := DefaultConfig()
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = def.HealthInterval
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.CircuitTimeout <= 0 {
		cfg.CircuitTimeout = def.CircuitTimeout
	}
	if cfg.QuoteMaxAge <= 0 {
		cfg.QuoteMaxAge = def.QuoteMaxAge
	}
	if cfg.QuoteParallelism <= 0 {
		cfg.QuoteParallelism = def.QuoteParallelism
	}
	return &Manager{
		brokers: make(map[string]*registered),
		config:  cfg,
		quotes:  cache.NewQuoteCache(),
		log:     logger.OrNop(log).Named("gateway"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Register adds a broker under id.
func (m *Manager) Register(id, kind string, gw exchange.Gateway) error {
	if id == "" || gw == nil {
		return apperr.Validation("gateway.Register", "broker id and gateway are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.brokers[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBroker, id)
	}
	now := m.now()
	r := &registered{id: id, kind: kind, gw: gw, registered: now, healthyAt: now}
	if v, ok := gw.(VWAPSource); ok {
		r.vwap = v
	}
	m.brokers[id] = r
	m.order = append(m.order, id)
	m.log.Info("broker registered", zap.String("broker", id), zap.String("kind", kind))
	return nil
}

// Remove drops a broker and its cached quotes.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.brokers[id]; !ok {
		return
	}
	delete(m.brokers, id)
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	m.quotes.DeleteBroker(id)
}

// IDs lists registered brokers in registration order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Kind returns the adapter kind a broker was registered with.
func (m *Manager) Kind(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if r, ok := m.brokers[id]; ok {
		return r.kind
	}
	return ""
}

// Get returns the bounded, failure-tracking view of a broker.
func (m *Manager) Get(id string) (exchange.Gateway, error) {
	m.mu.RLock()
	r, ok := m.brokers[id]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrBrokerNotFound, id)
	}
	open := m.circuitOpenLocked(r)
	m.mu.RUnlock()
	if open {
		return nil, fmt.Errorf("%w: %s", ErrGatewayUnhealthy, id)
	}
	return &guarded{m: m, id: id, gw: r.gw}, nil
}

// Healthy lists brokers whose circuit is closed.
func (m *Manager) Healthy() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.order))
	for _, id := range m.order {
		if !m.circuitOpenLocked(m.brokers[id]) {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) circuitOpenLocked(r *registered) bool {
	return r.failures >= m.config.FailureThreshold &&
		m.now().Sub(r.lastFailure) < m.config.CircuitTimeout
}

func (m *Manager) statusLocked(r *registered) exchange.HealthStatus {
	switch {
	case r.failures >= m.config.FailureThreshold:
		return exchange.HealthDown
	case r.failures > 0:
		return exchange.HealthDegraded
	default:
		return exchange.HealthHealthy
	}
}

func (m *Manager) healthRowLocked(r *registered) exchange.BrokerHealth {
	return exchange.BrokerHealth{
		BrokerID:  r.id,
		Kind:      r.kind,
		Status:    m.statusLocked(r),
		Latency:   r.latency,
		Failures:  r.failures,
		LastError: r.lastErr,
		CheckedAt: r.checkedAt,
	}
}

// Health reports every broker's status.
func (m *Manager) Health() []exchange.BrokerHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]exchange.BrokerHealth, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.healthRowLocked(m.brokers[id]))
	}
	return out
}

// record feeds one call outcome into the failure counter.
func (m *Manager) record(id string, latency time.Duration, err error) {
	m.mu.Lock()
	r, ok := m.brokers[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	before := m.statusLocked(r)
	now := m.now()
	r.latency = latency
	r.checkedAt = now
	if err != nil {
		r.failures++
		r.lastFailure = now
		r.lastErr = err.Error()
	} else {
		r.failures = 0
		r.healthyAt = now
		r.lastErr = ""
	}
	row := m.healthRowLocked(r)
	hook := m.OnHealthChange
	m.mu.Unlock()

	if row.Status != before {
		m.log.Warn("broker health changed",
			zap.String("broker", id),
			zap.String("from", string(before)),
			zap.String("to", string(row.Status)),
			zap.String("last_error", row.LastError))
		if hook != nil {
			hook(row)
		}
	}
}

// Start begins background health and quote warmup goroutines.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.config.HealthInterval)
		defer ticker.Stop()

		m.healthCheckAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.healthCheckAll(ctx)
			}
		}
	}()

	if len(m.config.WatchSymbols) == 0 {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := m.config.QuoteMaxAge / 2
		if interval < 100*time.Millisecond {
			interval = 100 * time.Millisecond
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				for _, sym := range m.config.WatchSymbols {
					_, _ = m.Quotes(ctx, sym)
				}
				m.quotes.Cleanup(10 * m.config.QuoteMaxAge)
			}
		}
	}()
}

// Stop gracefully shuts down the background loops.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Manager) healthCheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range m.IDs() {
		m.mu.RLock()
		r, ok := m.brokers[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		g := &guarded{m: m, id: id, gw: r.gw}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Ping(ctx)
		}()
	}
	wg.Wait()
}

// Quote returns one broker's quote for symbol, from cache while fresh.
func (m *Manager) Quote(ctx context.Context, id, symbol string) (exchange.Quote, error) {
	if q, ok := m.quotes.Fresh(id, symbol, m.config.QuoteMaxAge); ok {
		return q, nil
	}
	gw, err := m.Get(id)
	if err != nil {
		return exchange.Quote{}, err
	}
	q, err := gw.MarketSnapshot(ctx, symbol)
	if err != nil {
		return exchange.Quote{}, err
	}
	q.BrokerID = id
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	if q.Valid() {
		m.quotes.Set(q)
	}
	return q, nil
}

// Quotes returns the current quote of symbol on every broker with a closed
// circuit. Fresh cached quotes are reused; the rest are fetched in parallel
// and brokers that fail are left out.
func (m *Manager) Quotes(ctx context.Context, symbol string) ([]exchange.Quote, error) {
	ids := m.Healthy()
	out := make([]exchange.Quote, 0, len(ids))
	var stale []string
	for _, id := range ids {
		if q, ok := m.quotes.Fresh(id, symbol, m.config.QuoteMaxAge); ok {
			out = append(out, q)
			continue
		}
		stale = append(stale, id)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.config.QuoteParallelism)
	for _, id := range stale {
		gw, err := m.Get(id)
		if err != nil {
			continue
		}
		g.Go(func() error {
			q, err := gw.MarketSnapshot(gctx, symbol)
			if err != nil || !q.Valid() {
				m.log.Debug("quote unavailable", zap.String("broker", id), zap.String("symbol", symbol), zap.Error(err))
				return nil
			}
			q.BrokerID = id
			if q.Symbol == "" {
				q.Symbol = symbol
			}
			m.quotes.Set(q)
			mu.Lock()
			out = append(out, q)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(out, func(i, j int) bool { return out[i].BrokerID < out[j].BrokerID })
	if len(out) == 0 && ctx.Err() != nil {
		return nil, apperr.Connectivity("gateway.Quotes", ctx.Err())
	}
	return out, nil
}

// VWAPSource is implemented by adapters that can compute a historical
// interval VWAP from broker bars.
type VWAPSource interface {
	IntervalVWAP(ctx context.Context, symbol string, from, to time.Time) (float64, error)
}

func (m *Manager) setVWAP(id string, v VWAPSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.brokers[id]; ok {
		r.vwap = v
	}
}

// IntervalVWAP asks each healthy broker with bar data in registration
// order and returns the first positive VWAP. It returns 0 when no broker
// can answer.
func (m *Manager) IntervalVWAP(ctx context.Context, symbol string, from, to time.Time) (float64, error) {
	m.mu.RLock()
	type source struct {
		id string
		v  VWAPSource
	}
	var sources []source
	for _, id := range m.order {
		r := m.brokers[id]
		if r.vwap != nil && !m.circuitOpenLocked(r) {
			sources = append(sources, source{id, r.vwap})
		}
	}
	m.mu.RUnlock()

	var firstErr error
	for _, s := range sources {
		v, err := call(ctx, m, s.id, "gateway.IntervalVWAP", func(ctx context.Context) (float64, error) {
			return s.v.IntervalVWAP(ctx, symbol, from, to)
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if v > 0 {
			return v, nil
		}
	}
	return 0, firstErr
}

// CacheStats exposes quote cache counters for metrics.
func (m *Manager) CacheStats() cache.CacheStats {
	return m.quotes.Stats()
}

// call bounds fn by the configured timeout. A call that outlives the
// deadline is reported as a connectivity failure even if fn never returns.
func call[T any](ctx context.Context, m *Manager, id, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	start := time.Now()
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()

	var res result
	select {
	case res = <-ch:
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	m.record(id, time.Since(start), res.err)

	if res.err == nil {
		return res.v, nil
	}
	var ae *apperr.Error
	if errors.As(res.err, &ae) {
		return res.v, res.err
	}
	return res.v, apperr.Connectivity(op, fmt.Errorf("%s: %w", id, res.err))
}

// guarded is the Gateway view handed out by Get.
type guarded struct {
	m  *Manager
	id string
	gw exchange.Gateway
}

var _ exchange.Gateway = (*guarded)(nil)

func (g *guarded) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	return call(ctx, g.m, g.id, "broker.SubmitOrder", func(ctx context.Context) (exchange.OrderResult, error) {
		return g.gw.SubmitOrder(ctx, req)
	})
}

func (g *guarded) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	_, err := call(ctx, g.m, g.id, "broker.CancelOrder", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.gw.CancelOrder(ctx, symbol, exchangeOrderID)
	})
	return err
}

func (g *guarded) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	return call(ctx, g.m, g.id, "broker.ListPositions", func(ctx context.Context) ([]exchange.Position, error) {
		return g.gw.ListPositions(ctx, f)
	})
}

func (g *guarded) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	return call(ctx, g.m, g.id, "broker.ListOrders", func(ctx context.Context) ([]exchange.OrderInfo, error) {
		return g.gw.ListOrders(ctx, f)
	})
}

func (g *guarded) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	return call(ctx, g.m, g.id, "broker.MarketSnapshot", func(ctx context.Context) (exchange.Quote, error) {
		return g.gw.MarketSnapshot(ctx, symbol)
	})
}

func (g *guarded) Ping(ctx context.Context) error {
	_, err := call(ctx, g.m, g.id, "broker.Ping", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, g.gw.Ping(ctx)
	})
	return err
}
