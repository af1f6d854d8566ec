// Package alpaca adapts the Alpaca trading and market data APIs to the
// broker gateway contract.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	exchange "execution-core/pkg/exchanges/common"
)

var _ exchange.Gateway = (*Gateway)(nil)

// tradingAPI is the subset of *alpaca.Client the gateway uses.
type tradingAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetPositions() ([]alpaca.Position, error)
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
	GetAccount() (*alpaca.Account, error)
}

// quoteAPI is the subset of *marketdata.Client the gateway uses.
type quoteAPI interface {
	GetLatestQuote(symbol string, req marketdata.GetLatestQuoteRequest) (*marketdata.Quote, error)
	GetBars(symbol string, req marketdata.GetBarsRequest) ([]marketdata.Bar, error)
}

// Config holds Alpaca credentials and endpoints.
type Config struct {
	APIKey    string
	APISecret string
	BaseURL   string // trading endpoint, paper or live
	DataURL   string
	AccountID string
}

// Gateway implements exchange.Gateway for Alpaca (US equities, USD).
type Gateway struct {
	accountID string
	trading   tradingAPI
	data      quoteAPI
}

// New builds a gateway from credentials.
func New(cfg Config) *Gateway {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	dataOpts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		dataOpts.BaseURL = cfg.DataURL
	}
	return newGateway(cfg.AccountID, trading, marketdata.NewClient(dataOpts))
}

func newGateway(accountID string, trading tradingAPI, data quoteAPI) *Gateway {
	return &Gateway{accountID: accountID, trading: trading, data: data}
}

// SubmitOrder implements exchange.Gateway.
func (g *Gateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := ctx.Err(); err != nil {
		return exchange.OrderResult{}, err
	}
	qty := decimal.NewFromFloat(req.Qty)
	par := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Buy,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: req.ClientID,
	}
	if req.Side == exchange.SideSell {
		par.Side = alpaca.Sell
	}
	switch req.Type {
	case exchange.OrderTypeLimit:
		price := decimal.NewFromFloat(req.Price)
		par.Type = alpaca.Limit
		par.LimitPrice = &price
	case exchange.OrderTypeStop:
		stop := decimal.NewFromFloat(req.StopPrice)
		par.Type = alpaca.Stop
		par.StopPrice = &stop
	}
	switch req.TimeInForce {
	case exchange.TIFGTC:
		par.TimeInForce = alpaca.GTC
	case exchange.TIFIOC:
		par.TimeInForce = alpaca.IOC
	case exchange.TIFFOK:
		par.TimeInForce = alpaca.FOK
	}

	o, err := g.trading.PlaceOrder(par)
	if err != nil {
		return exchange.OrderResult{}, fmt.Errorf("alpaca: place order: %w", err)
	}
	info := g.toOrderInfo(*o)
	return exchange.OrderResult{
		ExchangeOrderID: info.ExchangeOrderID,
		ClientID:        info.ClientID,
		Status:          info.Status,
		FilledQty:       info.FilledQty,
		AvgPrice:        info.AvgPrice,
		UpdatedAt:       info.UpdatedAt,
	}, nil
}

// CancelOrder implements exchange.Gateway.
func (g *Gateway) CancelOrder(ctx context.Context, _ string, exchangeOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := g.trading.CancelOrder(exchangeOrderID); err != nil {
		return fmt.Errorf("alpaca: cancel %s: %w", exchangeOrderID, err)
	}
	return nil
}

// ListPositions implements exchange.Gateway.
func (g *Gateway) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := g.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("alpaca: positions: %w", err)
	}
	out := make([]exchange.Position, 0, len(rows))
	for _, p := range rows {
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		qty := p.Qty.Abs().InexactFloat64()
		side := exchange.PositionLong
		if strings.EqualFold(p.Side, "short") || p.Qty.IsNegative() {
			side = exchange.PositionShort
		}
		if qty == 0 {
			side = exchange.PositionFlat
		}
		out = append(out, exchange.Position{
			AccountID:     g.accountID,
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           qty,
			AvgPrice:      p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  optFloat(p.CurrentPrice),
			MarketValue:   optFloat(p.MarketValue),
			UnrealizedPnL: optFloat(p.UnrealizedPL),
			Currency:      "USD",
		})
	}
	return out, nil
}

// ListOrders implements exchange.Gateway.
func (g *Gateway) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	req := alpaca.GetOrdersRequest{Status: "all", Limit: 500, After: f.Since, Until: f.Until}
	if f.OnlyOpen {
		req.Status = "open"
	}
	if f.Symbol != "" {
		req.Symbols = []string{f.Symbol}
	}
	rows, err := g.trading.GetOrders(req)
	if err != nil {
		return nil, fmt.Errorf("alpaca: orders: %w", err)
	}
	out := make([]exchange.OrderInfo, 0, len(rows))
	for _, o := range rows {
		info := g.toOrderInfo(o)
		if f.Matches(info) {
			out = append(out, info)
		}
	}
	return out, nil
}

// MarketSnapshot implements exchange.Gateway.
func (g *Gateway) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	if err := ctx.Err(); err != nil {
		return exchange.Quote{}, err
	}
	q, err := g.data.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return exchange.Quote{}, fmt.Errorf("alpaca: quote %s: %w", symbol, err)
	}
	if q == nil {
		return exchange.Quote{}, errors.New("alpaca: empty quote")
	}
	return exchange.Quote{
		Symbol:  symbol,
		Bid:     q.BidPrice,
		Ask:     q.AskPrice,
		BidSize: float64(q.BidSize),
		AskSize: float64(q.AskSize),
		Time:    q.Timestamp,
	}, nil
}

// IntervalVWAP returns the volume-weighted average price of symbol between
// from and to, built from one-minute bars. It returns 0 when no volume
// traded in the window.
func (g *Gateway) IntervalVWAP(ctx context.Context, symbol string, from, to time.Time) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	bars, err := g.data.GetBars(symbol, marketdata.GetBarsRequest{
		TimeFrame: marketdata.OneMin,
		Start:     from.Truncate(time.Minute),
		End:       to,
	})
	if err != nil {
		return 0, fmt.Errorf("alpaca: bars %s: %w", symbol, err)
	}
	var notional, volume float64
	for _, b := range bars {
		v := float64(b.Volume)
		px := b.VWAP
		if px == 0 {
			px = b.Close
		}
		notional += px * v
		volume += v
	}
	if volume == 0 {
		return 0, nil
	}
	return notional / volume, nil
}

// Ping implements exchange.Gateway.
func (g *Gateway) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := g.trading.GetAccount(); err != nil {
		return fmt.Errorf("alpaca: account: %w", err)
	}
	return nil
}

func (g *Gateway) toOrderInfo(o alpaca.Order) exchange.OrderInfo {
	info := exchange.OrderInfo{
		ExchangeOrderID: o.ID,
		ClientID:        o.ClientOrderID,
		AccountID:       g.accountID,
		Symbol:          o.Symbol,
		Side:            exchange.SideBuy,
		Type:            exchange.OrderTypeMarket,
		Qty:             optFloat(o.Qty),
		FilledQty:       o.FilledQty.InexactFloat64(),
		Price:           optFloat(o.LimitPrice),
		AvgPrice:        optFloat(o.FilledAvgPrice),
		Status:          mapStatus(o.Status),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	if o.Side == alpaca.Sell {
		info.Side = exchange.SideSell
	}
	switch o.Type {
	case alpaca.Limit:
		info.Type = exchange.OrderTypeLimit
	case alpaca.Stop:
		info.Type = exchange.OrderTypeStop
	}
	if info.UpdatedAt.IsZero() {
		info.UpdatedAt = time.Now()
	}
	return info
}

func mapStatus(s string) exchange.OrderStatus {
	switch s {
	case "new", "accepted", "pending_new", "accepted_for_bidding", "pending_cancel", "pending_replace", "held":
		return exchange.StatusNew
	case "partially_filled":
		return exchange.StatusPartial
	case "filled":
		return exchange.StatusFilled
	case "canceled", "replaced", "done_for_day", "stopped":
		return exchange.StatusCanceled
	case "rejected", "suspended":
		return exchange.StatusRejected
	case "expired":
		return exchange.StatusExpired
	default:
		return exchange.StatusUnknown
	}
}

func optFloat(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
