// Package zerodha adapts Kite Connect to the broker gateway contract.
package zerodha

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	exchange "execution-core/pkg/exchanges/common"
)

var _ exchange.Gateway = (*Gateway)(nil)

const (
	varietyRegular = "regular"
	productMIS     = "MIS"
	validityDay    = "DAY"
	validityIOC    = "IOC"

	// Kite rejects tags longer than this.
	maxTagLen = 20
)

// ErrFractionalQty is returned for quantities that are not whole shares.
var ErrFractionalQty = errors.New("zerodha: quantity must be a whole number")

type kiteAPI interface {
	PlaceOrder(variety string, params kiteconnect.OrderParams) (kiteconnect.OrderResponse, error)
	CancelOrder(variety string, orderID string, parentOrderID *string) (kiteconnect.OrderResponse, error)
	GetOrders() (kiteconnect.Orders, error)
	GetPositions() (kiteconnect.Positions, error)
	GetQuote(instruments ...string) (kiteconnect.Quote, error)
	GetUserProfile() (kiteconnect.UserProfile, error)
}

// Params configures the Kite gateway.
type Params struct {
	APIKey      string
	AccessToken string
	Exchange    string // NSE by default
	Product     string // MIS by default
	AccountID   string
}

// Gateway implements exchange.Gateway for Zerodha (Indian equities, INR).
type Gateway struct {
	p   Params
	api kiteAPI
}

// New creates a Kite-backed gateway.
func New(p Params) *Gateway {
	kc := kiteconnect.New(p.APIKey)
	kc.SetAccessToken(p.AccessToken)
	return newGateway(p, kc)
}

func newGateway(p Params, api kiteAPI) *Gateway {
	if p.Exchange == "" {
		p.Exchange = "NSE"
	}
	if p.Product == "" {
		p.Product = productMIS
	}
	return &Gateway{p: p, api: api}
}

func (g *Gateway) instrument(symbol string) string {
	return g.p.Exchange + ":" + symbol
}

// SubmitOrder implements exchange.Gateway.
func (g *Gateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, err
	}
	if req.Qty <= 0 || req.Qty != math.Trunc(req.Qty) {
		return exchange.OrderResult{}, ErrFractionalQty
	}

	tag := req.ClientID
	if len(tag) > maxTagLen {
		tag = tag[:maxTagLen]
	}
	params := kiteconnect.OrderParams{
		Exchange:        g.p.Exchange,
		Tradingsymbol:   req.Symbol,
		Validity:        validityDay,
		Product:         g.p.Product,
		OrderType:       "MARKET",
		TransactionType: string(req.Side),
		Quantity:        int(req.Qty),
		Tag:             tag,
	}
	if req.Type == exchange.OrderTypeLimit {
		params.OrderType = "LIMIT"
		params.Price = req.Price
	}
	if req.TimeInForce == exchange.TIFIOC {
		params.Validity = validityIOC
	}

	resp, err := g.api.PlaceOrder(varietyRegular, params)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("zerodha: place order: %w", err)
	}
	return exchange.OrderResult{
		ExchangeOrderID: resp.OrderID,
		ClientID:        req.ClientID,
		Status:          exchange.StatusNew,
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder implements exchange.Gateway.
func (g *Gateway) CancelOrder(ctx context.Context, _ string, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.api.CancelOrder(varietyRegular, exchangeOrderID, nil); err != nil {
		return fmt.Errorf("zerodha: cancel %s: %w", exchangeOrderID, err)
	}
	return nil
}

// ListPositions returns net positions.
func (g *Gateway) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ps, err := g.api.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("zerodha: positions: %w", err)
	}
	out := make([]exchange.Position, 0, len(ps.Net))
	for _, p := range ps.Net {
		if f.Symbol != "" && p.Tradingsymbol != f.Symbol {
			continue
		}
		qty := float64(p.Quantity)
		side := exchange.PositionLong
		switch {
		case qty < 0:
			side = exchange.PositionShort
		case qty == 0:
			side = exchange.PositionFlat
		}
		out = append(out, exchange.Position{
			AccountID:     g.p.AccountID,
			Symbol:        p.Tradingsymbol,
			Side:          side,
			Qty:           math.Abs(qty),
			AvgPrice:      float64(p.AveragePrice),
			CurrentPrice:  float64(p.LastPrice),
			MarketValue:   math.Abs(qty) * float64(p.LastPrice),
			UnrealizedPnL: float64(p.Unrealised),
			RealizedPnL:   float64(p.Realised),
			Currency:      "INR",
		})
	}
	return out, nil
}

// ListOrders returns the day's order book.
func (g *Gateway) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := g.api.GetOrders()
	if err != nil {
		return nil, fmt.Errorf("zerodha: orders: %w", err)
	}
	out := make([]exchange.OrderInfo, 0, len(rows))
	for _, o := range rows {
		side, _ := exchange.ParseSide(o.TransactionType)
		typ := exchange.OrderTypeMarket
		if strings.EqualFold(o.OrderType, "LIMIT") {
			typ = exchange.OrderTypeLimit
		}
		filled := float64(o.FilledQuantity)
		info := exchange.OrderInfo{
			ExchangeOrderID: o.OrderID,
			ClientID:        o.Tag,
			AccountID:       g.p.AccountID,
			Symbol:          o.TradingSymbol,
			Side:            side,
			Type:            typ,
			Qty:             float64(o.Quantity),
			FilledQty:       filled,
			Price:           float64(o.Price),
			AvgPrice:        float64(o.AveragePrice),
			Status:          mapStatus(o.Status, filled),
			CreatedAt:       o.OrderTimestamp.Time,
			UpdatedAt:       o.OrderTimestamp.Time,
		}
		if f.Matches(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// MarketSnapshot reads top-of-book from the full quote.
func (g *Gateway) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Quote{}, err
	}
	inst := g.instrument(symbol)
	quotes, err := g.api.GetQuote(inst)
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("zerodha: quote %s: %w", symbol, err)
	}
	qd, ok := quotes[inst]
	if !ok {
		return exchange.Quote{}, fmt.Errorf("zerodha: no quote for %s", inst)
	}
	q := exchange.Quote{
		Symbol:  symbol,
		Bid:     float64(qd.Depth.Buy[0].Price),
		Ask:     float64(qd.Depth.Sell[0].Price),
		BidSize: float64(qd.Depth.Buy[0].Quantity),
		AskSize: float64(qd.Depth.Sell[0].Quantity),
		Time:    qd.Timestamp.Time,
	}
	if q.Time.IsZero() {
		q.Time = time.Now()
	}
	return q, nil
}

// Ping validates the session token.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.api.GetUserProfile(); err != nil {
		return fmt.Errorf("zerodha: profile: %w", err)
	}
	return nil
}

func mapStatus(s string, filled float64) exchange.OrderStatus {
	switch strings.ToUpper(s) {
	case "COMPLETE":
		return exchange.StatusFilled
	case "CANCELLED":
		return exchange.StatusCanceled
	case "REJECTED":
		return exchange.StatusRejected
	case "OPEN", "TRIGGER PENDING", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING",
		"OPEN PENDING", "MODIFY PENDING", "CANCEL PENDING", "AMO REQ RECEIVED":
		if filled > 0 {
			return exchange.StatusPartial
		}
		return exchange.StatusNew
	default:
		return exchange.StatusUnknown
	}
}
