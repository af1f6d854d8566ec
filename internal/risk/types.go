package risk

import (
	"github.com/shopspring/decimal"

	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
)

// Limit levels reported alongside a check.
const (
	LevelNormal  = "NORMAL"
	LevelWarning = "WARNING"
	LevelLimit   = "LIMIT"
)

// Config defines pre-trade limits. Zero disables a limit.
type Config struct {
	MaxOrderQty    float64                `json:"max_order_qty"`
	MinOrderQty    float64                `json:"min_order_qty"`
	MaxNotional    float64                `json:"max_notional"`
	MaxPositionQty float64                `json:"max_position_qty"`
	SymbolLimits   map[string]SymbolLimit `json:"symbol_limits,omitempty"`

	// WarningThreshold is the usage ratio above which an allowed order is
	// logged and counted as a warning.
	WarningThreshold float64 `json:"warning_threshold"`
}

// SymbolLimit overrides the global limits for one symbol.
type SymbolLimit struct {
	MaxOrderQty    float64 `json:"max_order_qty"`
	MaxPositionQty float64 `json:"max_position_qty"`
}

// DefaultConfig returns permissive limits with an 80% warning threshold.
func DefaultConfig() Config {
	return Config{WarningThreshold: 0.8}
}

// FromCatalog converts the catalog risk section.
func FromCatalog(c config.RiskConfig) Config {
	cfg := DefaultConfig()
	cfg.MaxOrderQty = c.MaxOrderQty
	cfg.MinOrderQty = c.MinOrderQty
	cfg.MaxNotional = c.MaxNotional
	cfg.MaxPositionQty = c.MaxPositionQty
	if len(c.SymbolLimits) > 0 {
		cfg.SymbolLimits = make(map[string]SymbolLimit, len(c.SymbolLimits))
		for sym, l := range c.SymbolLimits {
			cfg.SymbolLimits[sym] = SymbolLimit{MaxOrderQty: l.MaxOrderQty, MaxPositionQty: l.MaxPositionQty}
		}
	}
	return cfg
}

// Intent is the order being checked.
type Intent struct {
	AccountID string
	Symbol    string
	Side      exchange.Side
	Qty       decimal.Decimal
	// Price values the order for the notional limit; zero skips that check.
	Price float64
}

// Decision is the detailed outcome of Evaluate.
type Decision struct {
	Allowed    bool    `json:"allowed"`
	Reason     string  `json:"reason,omitempty"`
	LimitLevel string  `json:"limit_level"`
	UsageRatio float64 `json:"usage_ratio"`
}

// Metrics counts checks since start.
type Metrics struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
	WarningsTotal   uint64 `json:"warnings_total"`
}

// PositionSource reports the current net (signed) position of an account.
type PositionSource interface {
	NetPosition(accountID, symbol string) (float64, bool)
}
