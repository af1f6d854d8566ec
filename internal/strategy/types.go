package strategy

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	exchange "execution-core/pkg/exchanges/common"
)

// Strategy type names.
const (
	TypeTWAP          = "twap"
	TypeVWAP          = "vwap"
	TypeIceberg       = "iceberg"
	TypeSniper        = "sniper"
	TypeMomentum      = "momentum"
	TypeMeanReversion = "mean_reversion"
	TypeArbitrage     = "arbitrage"
	TypeCustom        = "custom"
)

// MaxSlices caps how many child orders one plan may hold.
const MaxSlices = 1000

// DefaultGateTimeout bounds how long a market- or signal-gated slice waits.
const DefaultGateTimeout = 300 * time.Second

// PreconditionKind names a gate evaluated before a slice is released.
type PreconditionKind string

const (
	// PrevFilled holds until slice Ref of the same plan is filled.
	PrevFilled PreconditionKind = "prev_filled"
	// SpreadBelow holds while the target broker's spread is at most Threshold bps.
	SpreadBelow PreconditionKind = "spread_below"
	// PriceImprovement holds when the touch beats RefPrice by Threshold bps.
	PriceImprovement PreconditionKind = "price_improvement"
	// SignalAbove holds when signal Signal exceeds Threshold.
	SignalAbove PreconditionKind = "signal_above"
	// SignalBelow holds when signal Signal is under Threshold.
	SignalBelow PreconditionKind = "signal_below"
	// CrossSpreadAbove holds when SellBroker's bid exceeds BuyBroker's ask by
	// more than Threshold bps.
	CrossSpreadAbove PreconditionKind = "cross_spread_above"
)

// Precondition is one gate expression on a slice.
type Precondition struct {
	Kind       PreconditionKind `json:"kind"`
	Ref        int              `json:"ref,omitempty"`
	Signal     string           `json:"signal,omitempty"`
	Threshold  float64          `json:"threshold,omitempty"`
	RefPrice   float64          `json:"ref_price,omitempty"`
	BuyBroker  string           `json:"buy_broker,omitempty"`
	SellBroker string           `json:"sell_broker,omitempty"`
}

// Dependency reports whether the gate depends on plan state rather than
// market data.
func (p Precondition) Dependency() bool {
	return p.Kind == PrevFilled
}

// Slice is one child-order descriptor produced by a strategy.
type Slice struct {
	Seq           int                `json:"seq"`
	BrokerID      string             `json:"broker_id"`
	Side          exchange.Side      `json:"side"`
	Qty           decimal.Decimal    `json:"qty"`
	Type          exchange.OrderType `json:"type,omitempty"`
	Price         float64            `json:"price,omitempty"`
	ReleaseAt     time.Time          `json:"release_at"`
	ExpiresAt     time.Time          `json:"expires_at,omitempty"`
	Preconditions []Precondition     `json:"preconditions,omitempty"`
}

// Market is the live data a strategy may consult while slicing.
type Market interface {
	Quotes(ctx context.Context, symbol string) ([]exchange.Quote, error)
	VolumeProfile(symbol string) []ProfilePoint
}

// Request is the input of a slicing function.
type Request struct {
	Order    *order.Order
	BrokerID string // target broker for single-venue strategies
	Params   Params
	Now      time.Time
	Market   Market
}

// Slicer turns a parent order into slices. Implementations are pure apart
// from reading Market.
type Slicer interface {
	Type() string
	Slice(ctx context.Context, req Request) ([]Slice, error)
}

// Total sums slice quantities.
func Total(slices []Slice) decimal.Decimal {
	sum := decimal.Zero
	for _, s := range slices {
		sum = sum.Add(s.Qty)
	}
	return sum
}
