// Package mt5 talks to the MetaTrader 5 REST bridge (`/api/v1/...`).
package mt5

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	exchange "execution-core/pkg/exchanges/common"
)

// Compile-time interface check.
var _ exchange.Gateway = (*Client)(nil)

const (
	positionTypeBuy  = 0
	positionTypeSell = 1

	// MT5 truncates order comments past this length.
	maxCommentLen = 31
)

// ErrNotConnected is returned when the bridge reports no terminal session.
var ErrNotConnected = errors.New("mt5: bridge not connected to terminal")

// Config configures the bridge client.
type Config struct {
	BaseURL   string
	APIKey    string
	AccountID string
	Currency  string
	RPS       float64
	Burst     int
	Timeout   time.Duration
}

// Client is a Gateway backed by the MT5 REST bridge.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
}

// New creates a bridge client.
func New(cfg Config) *Client {
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
	}
}

type statusResponse struct {
	Status       string `json:"status"`
	MT5Connected bool   `json:"mt5_connected"`
	Timestamp    string `json:"timestamp"`
}

type positionRow struct {
	Ticket       int64   `json:"ticket"`
	Time         int64   `json:"time"`
	Type         int     `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Swap         float64 `json:"swap"`
	Profit       float64 `json:"profit"`
	Symbol       string  `json:"symbol"`
	Comment      string  `json:"comment"`
}

type orderRow struct {
	Ticket        int64   `json:"ticket"`
	TimeSetup     int64   `json:"time_setup"`
	Type          int     `json:"type"`
	VolumeInitial float64 `json:"volume_initial"`
	VolumeCurrent float64 `json:"volume_current"`
	PriceOpen     float64 `json:"price_open"`
	PriceCurrent  float64 `json:"price_current"`
	Symbol        string  `json:"symbol"`
	Comment       string  `json:"comment"`
}

type placeOrderBody struct {
	Symbol     string   `json:"symbol"`
	Type       string   `json:"type"`
	Volume     float64  `json:"volume"`
	Price      *float64 `json:"price,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`
	Comment    string   `json:"comment,omitempty"`
}

type placeOrderResponse struct {
	Success bool   `json:"success"`
	OrderID int64  `json:"order_id"`
	Retcode int    `json:"retcode"`
	Comment string `json:"comment"`
	Error   string `json:"error"`
}

type marketResponse struct {
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Spread    float64 `json:"spread"`
	Timestamp int64   `json:"timestamp"`
	Volume    float64 `json:"volume"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// SubmitOrder sends a market deal. The bridge fills deals immediately, so a
// successful response is reported as FILLED at the requested or touch price.
func (c *Client) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if req.Qty <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("mt5: invalid volume %v", req.Qty)
	}
	price := req.Price
	if price <= 0 {
		q, err := c.MarketSnapshot(ctx, req.Symbol)
		if err != nil {
			return exchange.OrderResult{}, fmt.Errorf("mt5: price lookup: %w", err)
		}
		if req.Side == exchange.SideBuy {
			price = q.Ask
		} else {
			price = q.Bid
		}
	}

	comment := req.ClientID
	if comment == "" {
		comment = req.Comment
	}
	if len(comment) > maxCommentLen {
		comment = comment[:maxCommentLen]
	}
	body := placeOrderBody{
		Symbol:  req.Symbol,
		Type:    strings.ToLower(string(req.Side)),
		Volume:  req.Qty,
		Price:   &price,
		Comment: comment,
	}
	if req.StopPrice > 0 {
		sl := req.StopPrice
		body.StopLoss = &sl
	}

	var resp placeOrderResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/orders", body, &resp); err != nil {
		return exchange.OrderResult{}, err
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = resp.Comment
		}
		return exchange.OrderResult{}, fmt.Errorf("mt5: order rejected: %s", msg)
	}
	return exchange.OrderResult{
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		ClientID:        req.ClientID,
		Status:          exchange.StatusFilled,
		FilledQty:       req.Qty,
		AvgPrice:        price,
		UpdatedAt:       time.Now(),
	}, nil
}

// CancelOrder closes the position ticket; the bridge has no resting orders
// to withdraw.
func (c *Client) CancelOrder(ctx context.Context, _ string, exchangeOrderID string) error {
	if _, err := strconv.ParseInt(exchangeOrderID, 10, 64); err != nil {
		return fmt.Errorf("mt5: invalid ticket %q", exchangeOrderID)
	}
	var resp placeOrderResponse
	path := "/api/v1/positions/" + url.PathEscape(exchangeOrderID) + "/close"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("mt5: close rejected: %s", resp.Error)
	}
	return nil
}

// ListPositions maps open tickets to positions; tickets of the same symbol
// and direction are merged.
func (c *Client) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	var rows []positionRow
	if err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, &rows); err != nil {
		return nil, err
	}

	type agg struct {
		pos   exchange.Position
		value float64
	}
	merged := make(map[string]*agg)
	var order []string
	for _, r := range rows {
		if f.Symbol != "" && r.Symbol != f.Symbol {
			continue
		}
		side := exchange.PositionLong
		if r.Type == positionTypeSell {
			side = exchange.PositionShort
		}
		k := r.Symbol + "|" + string(side)
		a, ok := merged[k]
		if !ok {
			a = &agg{pos: exchange.Position{
				AccountID: c.cfg.AccountID,
				Symbol:    r.Symbol,
				Side:      side,
				Currency:  c.cfg.Currency,
			}}
			merged[k] = a
			order = append(order, k)
		}
		a.pos.Qty += r.Volume
		a.value += r.Volume * r.PriceOpen
		a.pos.CurrentPrice = r.PriceCurrent
		a.pos.UnrealizedPnL += r.Profit + r.Swap
	}

	out := make([]exchange.Position, 0, len(order))
	for _, k := range order {
		a := merged[k]
		if a.pos.Qty > 0 {
			a.pos.AvgPrice = a.value / a.pos.Qty
		}
		a.pos.MarketValue = a.pos.Qty * a.pos.CurrentPrice
		out = append(out, a.pos)
	}
	return out, nil
}

// ListOrders returns the pending orders known to the terminal.
func (c *Client) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	var rows []orderRow
	if err := c.do(ctx, http.MethodGet, "/api/v1/orders", nil, &rows); err != nil {
		return nil, err
	}
	out := make([]exchange.OrderInfo, 0, len(rows))
	for _, r := range rows {
		side := exchange.SideBuy
		if r.Type%2 == 1 {
			side = exchange.SideSell
		}
		filled := r.VolumeInitial - r.VolumeCurrent
		status := exchange.StatusNew
		if filled > 0 {
			status = exchange.StatusPartial
		}
		created := time.Unix(r.TimeSetup, 0).UTC()
		o := exchange.OrderInfo{
			ExchangeOrderID: strconv.FormatInt(r.Ticket, 10),
			ClientID:        r.Comment,
			AccountID:       c.cfg.AccountID,
			Symbol:          r.Symbol,
			Side:            side,
			Type:            exchange.OrderTypeLimit,
			Qty:             r.VolumeInitial,
			FilledQty:       filled,
			Price:           r.PriceOpen,
			AvgPrice:        r.PriceOpen,
			Status:          status,
			CreatedAt:       created,
			UpdatedAt:       created,
		}
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// MarketSnapshot implements exchange.Gateway.
func (c *Client) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	var m marketResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/market/"+url.PathEscape(symbol), nil, &m); err != nil {
		return exchange.Quote{}, err
	}
	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp)
	}
	return exchange.Quote{
		Symbol: symbol,
		Bid:    m.Bid,
		Ask:    m.Ask,
		Time:   ts,
	}, nil
}

// Ping checks bridge liveness and the terminal session.
func (c *Client) Ping(ctx context.Context) error {
	var st statusResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &st); err != nil {
		return err
	}
	if !st.MT5Connected {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-API-Key", c.cfg.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("mt5: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e errorResponse
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			if strings.Contains(e.Error, "Not connected") {
				return fmt.Errorf("%w: %s", ErrNotConnected, e.Error)
			}
			return fmt.Errorf("mt5: %s %s: %d %s", method, path, resp.StatusCode, e.Error)
		}
		return fmt.Errorf("mt5: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("mt5: decode %s: %w", path, err)
	}
	return nil
}
