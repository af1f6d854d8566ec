// Package paper implements an in-memory broker used for dry runs and tests.
// It keeps quotes, positions and orders locally and never leaves the process.
package paper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

// Compile-time interface check.
var _ exchange.Gateway = (*Broker)(nil)

// FillMode selects how submitted orders execute.
type FillMode int

const (
	// FillImmediate fills market and marketable limit orders at the touch.
	FillImmediate FillMode = iota
	// FillResting leaves every order working until FillOrder is called.
	FillResting
)

var (
	ErrNoQuote        = errors.New("paper: no quote for symbol")
	ErrOrderNotFound  = errors.New("paper: order not found")
	ErrNotCancellable = errors.New("paper: order not cancellable")
	ErrOrderClosed    = errors.New("paper: order already closed")
	ErrBrokerDown     = errors.New("paper: broker down")
)

// Broker is a deterministic simulated broker.
type Broker struct {
	mu          sync.Mutex
	id          string
	currency    string
	mode        FillMode
	slippageBps float64
	latency     time.Duration
	now         func() time.Time

	quotes    map[string]exchange.Quote
	positions map[string]*exchange.Position // account|symbol
	orders    map[string]*exchange.OrderInfo
	orderSeq  []string
	seq       int64
	failures  map[string]error
	down      bool
	calls     map[string]int
}

// Option configures a Broker.
type Option func(*Broker)

// WithFillMode sets the fill mode.
func WithFillMode(m FillMode) Option { return func(b *Broker) { b.mode = m } }

// WithSlippageBps applies adverse slippage to immediate fills.
func WithSlippageBps(bps float64) Option { return func(b *Broker) { b.slippageBps = bps } }

// WithLatency delays every call; the delay honours context cancellation.
func WithLatency(d time.Duration) Option { return func(b *Broker) { b.latency = d } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(b *Broker) { b.now = now } }

// WithCurrency sets the account currency reported on positions.
func WithCurrency(ccy string) Option { return func(b *Broker) { b.currency = ccy } }

// New creates a paper broker identified by id.
func New(id string, opts ...Option) *Broker {
	b := &Broker{
		id:        id,
		now:       time.Now,
		quotes:    make(map[string]exchange.Quote),
		positions: make(map[string]*exchange.Position),
		orders:    make(map[string]*exchange.OrderInfo),
		failures:  make(map[string]error),
		calls:     make(map[string]int),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ID returns the broker identity.
func (b *Broker) ID() string { return b.id }

// SetQuote publishes top of book for symbol.
func (b *Broker) SetQuote(symbol string, bid, ask, bidSize, askSize float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = exchange.Quote{
		BrokerID: b.id,
		Symbol:   symbol,
		Bid:      bid,
		Ask:      ask,
		BidSize:  bidSize,
		AskSize:  askSize,
		Time:     b.now(),
	}
}

// ClearQuote removes a symbol's quote.
func (b *Broker) ClearQuote(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.quotes, symbol)
}

// SetPosition overwrites a held position.
func (b *Broker) SetPosition(p exchange.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if p.Currency == "" {
		p.Currency = b.currency
	}
	cp := p
	b.positions[posKey(p.AccountID, p.Symbol)] = &cp
}

// Fail makes every call of method ("SubmitOrder", "ListPositions", ...)
// return err until Fail is called again with a nil error.
func (b *Broker) Fail(method string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, method)
		return
	}
	b.failures[method] = err
}

// SetDown toggles Ping failures.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

// Calls reports how many times method was invoked.
func (b *Broker) Calls(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[method]
}

func posKey(account, symbol string) string { return account + "|" + symbol }

func (b *Broker) enter(ctx context.Context, method string) error {
	b.mu.Lock()
	b.calls[method]++
	err := b.failures[method]
	latency := b.latency
	b.mu.Unlock()

	if latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(latency):
		}
	}
	return err
}

// SubmitOrder implements exchange.Gateway.
func (b *Broker) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	if err := b.enter(ctx, "SubmitOrder"); err != nil {
		return exchange.OrderResult{}, err
	}
	if req.Qty <= 0 {
		return exchange.OrderResult{}, fmt.Errorf("paper: invalid quantity %v", req.Qty)
	}
	if req.Side != exchange.SideBuy && req.Side != exchange.SideSell {
		return exchange.OrderResult{}, fmt.Errorf("paper: invalid side %q", req.Side)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	now := b.now()
	o := &exchange.OrderInfo{
		ExchangeOrderID: fmt.Sprintf("%s-%d", b.id, b.seq),
		ClientID:        req.ClientID,
		AccountID:       req.AccountID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Qty:             req.Qty,
		Price:           req.Price,
		Status:          exchange.StatusNew,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if b.mode == FillImmediate {
		price, ok := b.touchLocked(req)
		switch {
		case ok:
			b.fillLocked(o, req.Qty, price)
		case req.Type == exchange.OrderTypeMarket || req.Type == "":
			return exchange.OrderResult{}, fmt.Errorf("%w %s", ErrNoQuote, req.Symbol)
		}
	}

	b.orders[o.ExchangeOrderID] = o
	b.orderSeq = append(b.orderSeq, o.ExchangeOrderID)
	return resultOf(o), nil
}

// touchLocked returns the fill price for an immediately executable order.
func (b *Broker) touchLocked(req exchange.OrderRequest) (float64, bool) {
	q, ok := b.quotes[req.Symbol]
	if !ok || !q.Valid() {
		return 0, false
	}
	slip := b.slippageBps / 10000
	switch req.Side {
	case exchange.SideBuy:
		px := q.Ask * (1 + slip)
		if req.Type == exchange.OrderTypeLimit && req.Price < q.Ask {
			return 0, false
		}
		return px, true
	default:
		px := q.Bid * (1 - slip)
		if req.Type == exchange.OrderTypeLimit && req.Price > q.Bid {
			return 0, false
		}
		return px, true
	}
}

func (b *Broker) fillLocked(o *exchange.OrderInfo, qty, price float64) {
	prev := o.FilledQty
	o.FilledQty += qty
	if o.FilledQty > 0 {
		o.AvgPrice = (o.AvgPrice*prev + price*qty) / o.FilledQty
	}
	if o.FilledQty >= o.Qty {
		o.FilledQty = o.Qty
		o.Status = exchange.StatusFilled
	} else {
		o.Status = exchange.StatusPartial
	}
	o.UpdatedAt = b.now()
	b.applyFillLocked(o.AccountID, o.Symbol, o.Side, qty, price)
}

func (b *Broker) applyFillLocked(account, symbol string, side exchange.Side, qty, price float64) {
	k := posKey(account, symbol)
	p, ok := b.positions[k]
	if !ok {
		p = &exchange.Position{AccountID: account, Symbol: symbol, Side: exchange.PositionFlat, Currency: b.currency}
		b.positions[k] = p
	}
	cur := p.SignedQty()
	delta := qty * side.Sign()
	next := cur + delta

	switch {
	case cur == 0 || (cur > 0) == (delta > 0):
		// Opening or adding: weighted average entry.
		total := abs(cur) + qty
		p.AvgPrice = (p.AvgPrice*abs(cur) + price*qty) / total
	case (cur > 0) != (next > 0) && next != 0:
		// Flipped through zero.
		closed := abs(cur)
		p.RealizedPnL += (price - p.AvgPrice) * closed * sign(cur)
		p.AvgPrice = price
	default:
		p.RealizedPnL += (price - p.AvgPrice) * qty * sign(cur)
	}

	p.Qty = abs(next)
	switch {
	case next > 0:
		p.Side = exchange.PositionLong
	case next < 0:
		p.Side = exchange.PositionShort
	default:
		p.Side = exchange.PositionFlat
		p.AvgPrice = 0
	}
}

// FillOrder executes qty of a working order at price (resting mode).
func (b *Broker) FillOrder(exchangeOrderID string, qty, price float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[exchangeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return ErrOrderClosed
	}
	remaining := o.Qty - o.FilledQty
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	b.fillLocked(o, qty, price)
	return nil
}

// FillByClientID fills the whole remaining quantity of the order carrying clientID.
func (b *Broker) FillByClientID(clientID string, price float64) error {
	b.mu.Lock()
	var id string
	for _, oid := range b.orderSeq {
		if b.orders[oid].ClientID == clientID {
			id = oid
			break
		}
	}
	b.mu.Unlock()
	if id == "" {
		return ErrOrderNotFound
	}
	return b.FillOrder(id, 0, price)
}

// CancelOrder implements exchange.Gateway.
func (b *Broker) CancelOrder(ctx context.Context, _ string, exchangeOrderID string) error {
	if err := b.enter(ctx, "CancelOrder"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.orders[exchangeOrderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.Status.Terminal() {
		return ErrNotCancellable
	}
	o.Status = exchange.StatusCanceled
	o.UpdatedAt = b.now()
	return nil
}

// ListPositions implements exchange.Gateway.
func (b *Broker) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	if err := b.enter(ctx, "ListPositions"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]exchange.Position, 0, len(b.positions))
	for _, p := range b.positions {
		if p.Qty == 0 {
			continue
		}
		if f.AccountID != "" && p.AccountID != f.AccountID {
			continue
		}
		if f.Symbol != "" && p.Symbol != f.Symbol {
			continue
		}
		cp := *p
		if q, ok := b.quotes[p.Symbol]; ok && q.Valid() {
			cp.CurrentPrice = q.Mid()
		}
		if cp.CurrentPrice == 0 {
			cp.CurrentPrice = cp.AvgPrice
		}
		if cp.MarketValue == 0 {
			cp.MarketValue = cp.Qty * cp.CurrentPrice
		}
		if cp.UnrealizedPnL == 0 {
			cp.UnrealizedPnL = (cp.CurrentPrice - cp.AvgPrice) * cp.SignedQty()
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// ListOrders implements exchange.Gateway.
func (b *Broker) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	if err := b.enter(ctx, "ListOrders"); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []exchange.OrderInfo
	for _, id := range b.orderSeq {
		o := *b.orders[id]
		if f.Matches(o) {
			out = append(out, o)
		}
	}
	return out, nil
}

// MarketSnapshot implements exchange.Gateway.
func (b *Broker) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	if err := b.enter(ctx, "MarketSnapshot"); err != nil {
		return exchange.Quote{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return exchange.Quote{}, fmt.Errorf("%w %s", ErrNoQuote, symbol)
	}
	return q, nil
}

// Ping implements exchange.Gateway.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.enter(ctx, "Ping"); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return ErrBrokerDown
	}
	return nil
}

func resultOf(o *exchange.OrderInfo) exchange.OrderResult {
	return exchange.OrderResult{
		ExchangeOrderID: o.ExchangeOrderID,
		ClientID:        o.ClientID,
		Status:          o.Status,
		FilledQty:       o.FilledQty,
		AvgPrice:        o.AvgPrice,
		UpdatedAt:       o.UpdatedAt,
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
