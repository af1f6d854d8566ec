package risk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/pkg/logger"
)

// Manager evaluates pre-trade limits. A rejected intent never reaches a
// broker.
type Manager struct {
	mu        sync.RWMutex
	config    Config
	metrics   Metrics
	positions PositionSource
	log       *zap.Logger
}

// NewManager creates a risk manager. positions may be nil, in which case
// position limits are checked against a flat book.
func NewManager(cfg Config, positions PositionSource, log *zap.Logger) *Manager {
	return &Manager{
		config:    cfg,
		positions: positions,
		log:       logger.OrNop(log).Named("risk"),
	}
}

// SetPositionSource swaps the position source once reconciliation is up.
func (m *Manager) SetPositionSource(ps PositionSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = ps
}

// GetConfig returns a copy of the current limits.
func (m *Manager) GetConfig() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// UpdateConfig replaces the limits.
func (m *Manager) UpdateConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// GetMetrics returns a metrics snapshot.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// Check returns a risk_rejected error when the intent breaches a limit.
func (m *Manager) Check(_ context.Context, in Intent) error {
	dec := m.Evaluate(in)
	if dec.Allowed {
		return nil
	}
	return apperr.RiskRejected("risk.Check", dec.Reason)
}

// Evaluate runs every limit and returns the first breach.
func (m *Manager) Evaluate(in Intent) Decision {
	m.mu.RLock()
	cfg := m.config
	ps := m.positions
	m.mu.RUnlock()

	qty := in.Qty.InexactFloat64()
	maxOrder := cfg.MaxOrderQty
	maxPos := cfg.MaxPositionQty
	if l, ok := cfg.SymbolLimits[in.Symbol]; ok {
		if l.MaxOrderQty > 0 {
			maxOrder = l.MaxOrderQty
		}
		if l.MaxPositionQty > 0 {
			maxPos = l.MaxPositionQty
		}
	}

	dec := Decision{Allowed: true, LimitLevel: LevelNormal}
	usage := func(v, limit float64) {
		if limit > 0 && v/limit > dec.UsageRatio {
			dec.UsageRatio = v / limit
		}
	}
	reject := func(format string, args ...any) Decision {
		dec.Allowed = false
		dec.LimitLevel = LevelLimit
		dec.Reason = fmt.Sprintf(format, args...)
		return dec
	}

	var out Decision
	switch {
	case cfg.MinOrderQty > 0 && qty < cfg.MinOrderQty:
		out = reject("order_qty_below_min:%s<%s", num(qty), num(cfg.MinOrderQty))
	case maxOrder > 0 && qty > maxOrder:
		out = reject("order_qty_above_max:%s>%s", num(qty), num(maxOrder))
	case cfg.MaxNotional > 0 && in.Price > 0 && qty*in.Price > cfg.MaxNotional:
		out = reject("notional_above_max:%s>%s", num(qty*in.Price), num(cfg.MaxNotional))
	default:
		usage(qty, maxOrder)
		if in.Price > 0 {
			usage(qty*in.Price, cfg.MaxNotional)
		}
		out = dec
		if maxPos > 0 {
			var current float64
			if ps != nil {
				current, _ = ps.NetPosition(in.AccountID, in.Symbol)
			}
			next := math.Abs(current + qty*in.Side.Sign())
			if next > maxPos && next > math.Abs(current) {
				out = reject("position_above_max:%s>%s", num(next), num(maxPos))
				break
			}
			usage(next, maxPos)
			out = dec
		}
	}

	if out.Allowed && cfg.WarningThreshold > 0 && out.UsageRatio >= cfg.WarningThreshold {
		out.LimitLevel = LevelWarning
	}

	m.mu.Lock()
	m.metrics.ChecksTotal++
	switch {
	case !out.Allowed:
		m.metrics.RejectionsTotal++
	case out.LimitLevel == LevelWarning:
		m.metrics.WarningsTotal++
	}
	m.mu.Unlock()

	if !out.Allowed {
		m.log.Info("order rejected",
			zap.String("account", in.AccountID),
			zap.String("symbol", in.Symbol),
			zap.String("reason", out.Reason))
	} else if out.LimitLevel == LevelWarning {
		m.log.Warn("order close to limit",
			zap.String("symbol", in.Symbol),
			zap.Float64("usage", out.UsageRatio))
	}
	return out
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
