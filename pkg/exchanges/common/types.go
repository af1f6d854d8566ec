package common

import (
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// ParseSide accepts buy/sell in any case.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, true
	case "SELL":
		return SideSell, true
	}
	return "", false
}

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeStop   OrderType = "STOP"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
	TIFDay TimeInForce = "DAY"
)

// OrderStatus normalizes broker status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether the broker will not change the order any more.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// PositionSide is the direction of a held position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
	PositionFlat  PositionSide = "FLAT"
)

// OrderRequest captures an order intent to be sent to a broker.
type OrderRequest struct {
	ClientID    string // client order id; links child orders back to plans
	AccountID   string
	Symbol      string
	Side        Side
	Type        OrderType
	Qty         float64
	Price       float64 // required for LIMIT
	StopPrice   float64 // required for STOP
	TimeInForce TimeInForce
	Comment     string
}

// OrderResult returns the broker ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
	FilledQty       float64
	AvgPrice        float64
	UpdatedAt       time.Time
}

// OrderInfo is an order as the broker currently reports it.
type OrderInfo struct {
	ExchangeOrderID string
	ClientID        string
	AccountID       string
	Symbol          string
	Side            Side
	Type            OrderType
	Qty             float64
	FilledQty       float64
	Price           float64
	AvgPrice        float64
	Status          OrderStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Fill is an execution derived from a broker order report.
type Fill struct {
	BrokerID        string
	AccountID       string
	ExchangeOrderID string
	Symbol          string
	Side            Side
	Qty             float64
	Price           float64
	Time            time.Time
}

// FillFromOrder converts an order report with executed quantity into a fill.
func FillFromOrder(brokerID string, o OrderInfo) (Fill, bool) {
	if o.FilledQty <= 0 {
		return Fill{}, false
	}
	price := o.AvgPrice
	if price == 0 {
		price = o.Price
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = o.CreatedAt
	}
	return Fill{
		BrokerID:        brokerID,
		AccountID:       o.AccountID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Qty:             o.FilledQty,
		Price:           price,
		Time:            ts,
	}, true
}

// Position is a broker-reported holding. Qty is always non-negative; the
// direction lives in Side.
type Position struct {
	AccountID     string
	Symbol        string
	Side          PositionSide
	Qty           float64
	AvgPrice      float64
	CurrentPrice  float64
	MarketValue   float64
	UnrealizedPnL float64
	RealizedPnL   float64
	Margin        float64
	Currency      string
}

// SignedQty is positive for longs and negative for shorts.
func (p Position) SignedQty() float64 {
	if p.Side == PositionShort {
		return -p.Qty
	}
	return p.Qty
}

// Quote is a top-of-book snapshot from one broker.
type Quote struct {
	BrokerID string
	Symbol   string
	Bid      float64
	Ask      float64
	BidSize  float64
	AskSize  float64
	Time     time.Time
}

// Valid reports whether both sides are present and not crossed.
func (q Quote) Valid() bool {
	return q.Bid > 0 && q.Ask > 0 && q.Ask >= q.Bid
}

// Mid returns the midpoint price.
func (q Quote) Mid() float64 {
	return (q.Bid + q.Ask) / 2
}

// Spread returns ask minus bid.
func (q Quote) Spread() float64 {
	return q.Ask - q.Bid
}

// SpreadBps returns the spread relative to mid in basis points.
func (q Quote) SpreadBps() float64 {
	mid := q.Mid()
	if mid <= 0 {
		return 0
	}
	return q.Spread() / mid * 10000
}

// PositionFilter narrows ListPositions.
type PositionFilter struct {
	AccountID string
	Symbol    string
}

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	AccountID string
	Symbol    string
	ClientIDs []string
	Since     time.Time
	Until     time.Time
	OnlyOpen  bool
}

// Matches applies the filter to an order report.
func (f OrderFilter) Matches(o OrderInfo) bool {
	if f.AccountID != "" && o.AccountID != "" && f.AccountID != o.AccountID {
		return false
	}
	if f.Symbol != "" && f.Symbol != o.Symbol {
		return false
	}
	if len(f.ClientIDs) > 0 {
		found := false
		for _, id := range f.ClientIDs {
			if id == o.ClientID || id == o.ExchangeOrderID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	ts := o.UpdatedAt
	if ts.IsZero() {
		ts = o.CreatedAt
	}
	if !f.Since.IsZero() && ts.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ts.After(f.Until) {
		return false
	}
	if f.OnlyOpen && o.Status.Terminal() {
		return false
	}
	return true
}

// HealthStatus summarizes broker reachability.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// BrokerHealth is one row of the broker health report.
type BrokerHealth struct {
	BrokerID  string        `json:"broker_id"`
	Kind      string        `json:"kind"`
	Status    HealthStatus  `json:"status"`
	Latency   time.Duration `json:"latency"`
	Failures  int           `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}
