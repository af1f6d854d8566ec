package order

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	exchange "execution-core/pkg/exchanges/common"
)

// Status is the lifecycle of an order inside the execution core.
type Status string

const (
	StatusPending   Status = "pending"
	StatusReady     Status = "ready"
	StatusWorking   Status = "working"
	StatusFilled    Status = "filled"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:   0,
	StatusReady:     1,
	StatusWorking:   2,
	StatusFilled:    3,
	StatusCancelled: 3,
	StatusFailed:    3,
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return statusRank[s] == 3
}

// Metadata keys linking child orders to their plan.
const (
	MetaPlanID   = "plan_id"
	MetaSeq      = "seq"
	MetaStrategy = "strategy"
	MetaParentID = "parent_id"
)

// Order represents a trading order intent.
type Order struct {
	ID          string               `json:"id"`
	BrokerID    string               `json:"broker_id,omitempty"`
	AccountID   string               `json:"account_id,omitempty"`
	Symbol      string               `json:"symbol"`
	Side        exchange.Side        `json:"side"`
	Type        exchange.OrderType   `json:"type"`
	Qty         decimal.Decimal      `json:"qty"`
	Price       float64              `json:"price,omitempty"`      // limit price
	StopPrice   float64              `json:"stop_price,omitempty"` // stop trigger
	RefPrice    float64              `json:"ref_price,omitempty"`  // arrival benchmark supplied by the caller
	TimeInForce exchange.TimeInForce `json:"time_in_force,omitempty"`

	Status          Status          `json:"status"`
	FilledQty       decimal.Decimal `json:"filled_qty"`
	AvgFillPrice    float64         `json:"avg_fill_price,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Error           string          `json:"error,omitempty"`

	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate rejects malformed intents before any side effect.
func (o *Order) Validate() error {
	const op = "order.Validate"
	if strings.TrimSpace(o.Symbol) == "" {
		return apperr.Validation(op, "symbol_required")
	}
	if o.Side != exchange.SideBuy && o.Side != exchange.SideSell {
		return apperr.Validationf(op, "invalid_side:%s", o.Side)
	}
	if !o.Qty.IsPositive() {
		return apperr.Validationf(op, "quantity_must_be_positive:%s", o.Qty)
	}
	switch o.Type {
	case "", exchange.OrderTypeMarket:
	case exchange.OrderTypeLimit:
		if o.Price <= 0 {
			return apperr.Validation(op, "limit_price_required")
		}
	case exchange.OrderTypeStop:
		if o.StopPrice <= 0 {
			return apperr.Validation(op, "stop_price_required")
		}
	default:
		return apperr.Validationf(op, "invalid_order_type:%s", o.Type)
	}
	return nil
}

// Transition moves the order forward. Terminal states are final and
// backward moves are rejected with a conflict error; repeating the current
// status is a no-op.
func (o *Order) Transition(to Status, now time.Time) error {
	if _, ok := statusRank[to]; !ok {
		return apperr.Validationf("order.Transition", "unknown_status:%s", to)
	}
	from := o.Status
	if from == "" {
		from = StatusPending
	}
	if from == to {
		return nil
	}
	if from.Terminal() || statusRank[to] < statusRank[from] {
		return apperr.Conflict("order.Transition", fmt.Sprintf("%s_to_%s", from, to))
	}
	o.Status = to
	o.UpdatedAt = now
	return nil
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	r := o.Qty.Sub(o.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Request builds the broker request for this order.
func (o *Order) Request() exchange.OrderRequest {
	typ := o.Type
	if typ == "" {
		typ = exchange.OrderTypeMarket
	}
	return exchange.OrderRequest{
		ClientID:    o.ID,
		AccountID:   o.AccountID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Type:        typ,
		Qty:         o.Qty.InexactFloat64(),
		Price:       o.Price,
		StopPrice:   o.StopPrice,
		TimeInForce: o.TimeInForce,
	}
}

// Apply folds a broker report into the order: fill quantity and price only
// grow, and a terminal broker status maps onto the matching lifecycle state.
func (o *Order) Apply(status exchange.OrderStatus, filled, avgPrice float64, now time.Time) error {
	f := decimal.NewFromFloat(filled)
	if f.GreaterThan(o.Qty) {
		f = o.Qty
	}
	if f.GreaterThan(o.FilledQty) {
		o.FilledQty = f
		if avgPrice > 0 {
			o.AvgFillPrice = avgPrice
		}
		o.UpdatedAt = now
	}

	switch status {
	case exchange.StatusFilled:
		o.FilledQty = o.Qty
		if avgPrice > 0 {
			o.AvgFillPrice = avgPrice
		}
		return o.Transition(StatusFilled, now)
	case exchange.StatusCanceled, exchange.StatusExpired:
		return o.Transition(StatusCancelled, now)
	case exchange.StatusRejected:
		return o.Transition(StatusFailed, now)
	default:
		return o.Transition(StatusWorking, now)
	}
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Metadata != nil {
		cp.Metadata = make(map[string]string, len(o.Metadata))
		for k, v := range o.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
