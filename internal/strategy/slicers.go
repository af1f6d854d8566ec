package strategy

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	exchange "execution-core/pkg/exchanges/common"
)

var hundred = decimal.NewFromInt(100)

func validateRequest(op string, req Request) error {
	if req.Order == nil {
		return apperr.Validation(op, "order_required")
	}
	if !req.Order.Qty.IsPositive() {
		return apperr.Validationf(op, "quantity_must_be_positive:%s", req.Order.Qty)
	}
	return nil
}

func baseSlice(req Request, seq int, qty decimal.Decimal, release time.Time) Slice {
	return Slice{
		Seq:       seq,
		BrokerID:  req.BrokerID,
		Side:      req.Order.Side,
		Qty:       qty,
		Type:      req.Order.Type,
		Price:     req.Order.Price,
		ReleaseAt: release,
	}
}

// chunks splits total into n pieces of base (truncated to prec) with the
// last piece absorbing the remainder. When base truncates to zero the whole
// quantity goes into a single piece.
func chunks(total decimal.Decimal, n int, prec int32) []decimal.Decimal {
	if n <= 1 {
		return []decimal.Decimal{total}
	}
	base := total.Div(decimal.NewFromInt(int64(n))).Truncate(prec)
	if !base.IsPositive() {
		return []decimal.Decimal{total}
	}
	out := make([]decimal.Decimal, n)
	for i := 0; i < n-1; i++ {
		out[i] = base
	}
	out[n-1] = total.Sub(base.Mul(decimal.NewFromInt(int64(n - 1))))
	return out
}

func gateTimeout(req Request) (time.Time, error) {
	d, err := req.Params.Duration("timeout", DefaultGateTimeout)
	if err != nil {
		return time.Time{}, err
	}
	if d <= 0 {
		return time.Time{}, nil
	}
	return req.Now.Add(d), nil
}

// TWAP spreads equal slices evenly over a horizon.
type TWAP struct{}

func (TWAP) Type() string { return TypeTWAP }

// Slice implements Slicer. Params: horizon, slice_size_pct, qty_precision.
func (TWAP) Slice(_ context.Context, req Request) ([]Slice, error) {
	const op = "strategy.twap"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	horizon, err := req.Params.Duration("horizon", 0)
	if err != nil {
		return nil, err
	}
	if horizon < 0 {
		return nil, apperr.Validation(op, "horizon_negative")
	}
	pct, err := percent(req.Params, "slice_size_pct", 10)
	if err != nil {
		return nil, err
	}
	prec, err := precision(req.Params, req.Order.Qty)
	if err != nil {
		return nil, err
	}
	n := int(math.Ceil(100 / pct))
	if n > MaxSlices {
		return nil, apperr.Validationf(op, "too_many_slices:%d", n)
	}

	parts := chunks(req.Order.Qty, n, prec)
	step := horizon / time.Duration(len(parts))
	out := make([]Slice, 0, len(parts))
	for i, q := range parts {
		out = append(out, baseSlice(req, i, q, req.Now.Add(time.Duration(i)*step)))
	}
	return out, nil
}

// VWAP follows the symbol's intraday volume curve.
type VWAP struct{}

func (VWAP) Type() string { return TypeVWAP }

// Slice implements Slicer. Each curve bucket becomes a slice released at
// the bucket offset with quantity proportional to its weight.
func (VWAP) Slice(_ context.Context, req Request) ([]Slice, error) {
	const op = "strategy.vwap"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	if req.Market == nil {
		return nil, apperr.Validation(op, "market_required")
	}
	curve := append([]ProfilePoint(nil), req.Market.VolumeProfile(req.Order.Symbol)...)
	if len(curve) == 0 {
		return nil, apperr.Validationf(op, "no_volume_profile:%s", req.Order.Symbol)
	}
	if len(curve) > MaxSlices {
		return nil, apperr.Validationf(op, "too_many_slices:%d", len(curve))
	}
	sort.SliceStable(curve, func(i, j int) bool { return curve[i].Offset < curve[j].Offset })

	weightTotal := decimal.Zero
	for _, p := range curve {
		if p.Weight < 0 || p.Offset < 0 {
			return nil, apperr.Validation(op, "invalid_volume_profile")
		}
		weightTotal = weightTotal.Add(decimal.NewFromFloat(p.Weight))
	}
	if !weightTotal.IsPositive() {
		return nil, apperr.Validation(op, "invalid_volume_profile")
	}
	prec, err := precision(req.Params, req.Order.Qty)
	if err != nil {
		return nil, err
	}

	// Allocate on the cumulative curve so truncation never loses quantity;
	// buckets that round to nothing roll into the next one.
	qty := req.Order.Qty
	cum := decimal.Zero
	allocated := decimal.Zero
	var out []Slice
	for i, p := range curve {
		cum = cum.Add(decimal.NewFromFloat(p.Weight))
		target := qty.Mul(cum).Div(weightTotal).Truncate(prec)
		if i == len(curve)-1 {
			target = qty
		}
		q := target.Sub(allocated)
		if !q.IsPositive() {
			continue
		}
		out = append(out, baseSlice(req, len(out), q, req.Now.Add(p.Offset)))
		allocated = target
	}
	return out, nil
}

// Iceberg shows visible_pct of the parent at a time; each slice waits for
// the previous one to fill.
type Iceberg struct{}

func (Iceberg) Type() string { return TypeIceberg }

// Slice implements Slicer. Params: visible_pct, qty_precision.
func (Iceberg) Slice(_ context.Context, req Request) ([]Slice, error) {
	const op = "strategy.iceberg"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	pct, err := percent(req.Params, "visible_pct", 10)
	if err != nil {
		return nil, err
	}
	prec, err := precision(req.Params, req.Order.Qty)
	if err != nil {
		return nil, err
	}
	visible := req.Order.Qty.Mul(decimal.NewFromFloat(pct)).Div(hundred).Truncate(prec)
	n := 1
	if visible.IsPositive() {
		n = int(req.Order.Qty.Div(visible).Ceil().IntPart())
	}
	if n > MaxSlices {
		return nil, apperr.Validationf(op, "too_many_slices:%d", n)
	}

	out := make([]Slice, 0, n)
	remaining := req.Order.Qty
	for i := 0; i < n; i++ {
		q := visible
		if i == n-1 || q.GreaterThan(remaining) {
			q = remaining
		}
		s := baseSlice(req, i, q, req.Now)
		if i > 0 {
			s.Preconditions = []Precondition{{Kind: PrevFilled, Ref: i - 1}}
		}
		out = append(out, s)
		remaining = remaining.Sub(q)
	}
	return out, nil
}

// Sniper waits for a tight spread and, with a reference price, for a price
// improvement before releasing the whole quantity.
type Sniper struct{}

func (Sniper) Type() string { return TypeSniper }

// Slice implements Slicer. Params: max_spread_bps, ref_price,
// min_improvement_bps, timeout.
func (Sniper) Slice(_ context.Context, req Request) ([]Slice, error) {
	const op = "strategy.sniper"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	maxSpread, err := req.Params.Float("max_spread_bps", 10)
	if err != nil {
		return nil, err
	}
	if maxSpread <= 0 {
		return nil, apperr.Validation(op, "max_spread_bps_must_be_positive")
	}
	ref, err := req.Params.Float("ref_price", req.Order.RefPrice)
	if err != nil {
		return nil, err
	}
	improve, err := req.Params.Float("min_improvement_bps", 0)
	if err != nil {
		return nil, err
	}
	expires, err := gateTimeout(req)
	if err != nil {
		return nil, err
	}

	s := baseSlice(req, 0, req.Order.Qty, req.Now)
	s.ExpiresAt = expires
	s.Preconditions = []Precondition{{Kind: SpreadBelow, Threshold: maxSpread}}
	_, explicit := req.Params["ref_price"]
	if ref > 0 && (explicit || improve > 0) {
		s.Preconditions = append(s.Preconditions, Precondition{Kind: PriceImprovement, RefPrice: ref, Threshold: improve})
	}
	return []Slice{s}, nil
}

// SignalGate releases one slice when an external signal crosses a
// threshold: above for momentum, below for mean reversion.
type SignalGate struct {
	kind string
}

// Momentum returns the signal_above gated slicer.
func Momentum() SignalGate { return SignalGate{kind: TypeMomentum} }

// MeanReversion returns the signal_below gated slicer.
func MeanReversion() SignalGate { return SignalGate{kind: TypeMeanReversion} }

func (g SignalGate) Type() string { return g.kind }

// Slice implements Slicer. Params: signal (defaults to the strategy type),
// threshold, timeout.
func (g SignalGate) Slice(_ context.Context, req Request) ([]Slice, error) {
	op := "strategy." + g.kind
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	threshold, err := req.Params.Float("threshold", 0)
	if err != nil {
		return nil, err
	}
	expires, err := gateTimeout(req)
	if err != nil {
		return nil, err
	}
	kind := SignalAbove
	if g.kind == TypeMeanReversion {
		kind = SignalBelow
	}
	s := baseSlice(req, 0, req.Order.Qty, req.Now)
	s.ExpiresAt = expires
	s.Preconditions = []Precondition{{Kind: kind, Signal: req.Params.String("signal", g.kind), Threshold: threshold}}
	return []Slice{s}, nil
}

// Arbitrage buys at the cheapest ask and sells at the richest bid across two
// brokers, half the quantity on each leg.
type Arbitrage struct{}

func (Arbitrage) Type() string { return TypeArbitrage }

// Slice implements Slicer. Params: min_spread_bps, timeout, qty_precision.
func (Arbitrage) Slice(ctx context.Context, req Request) ([]Slice, error) {
	const op = "strategy.arbitrage"
	if err := validateRequest(op, req); err != nil {
		return nil, err
	}
	if req.Market == nil {
		return nil, apperr.Validation(op, "market_required")
	}
	minSpread, err := req.Params.Float("min_spread_bps", 0)
	if err != nil {
		return nil, err
	}
	expires, err := gateTimeout(req)
	if err != nil {
		return nil, err
	}
	prec, err := precision(req.Params, req.Order.Qty)
	if err != nil {
		return nil, err
	}

	quotes, err := req.Market.Quotes(ctx, req.Order.Symbol)
	if err != nil {
		return nil, err
	}
	var valid []exchange.Quote
	for _, q := range quotes {
		if q.Valid() {
			valid = append(valid, q)
		}
	}
	if len(valid) < 2 {
		return nil, apperr.Validationf(op, "arbitrage_requires_two_quotes:%d", len(valid))
	}

	sellIdx, buyIdx := -1, -1
	best := math.Inf(-1)
	for i, s := range valid {
		for j, b := range valid {
			if i == j || s.BrokerID == b.BrokerID {
				continue
			}
			if edge := s.Bid - b.Ask; edge > best {
				best, sellIdx, buyIdx = edge, i, j
			}
		}
	}
	if sellIdx < 0 {
		return nil, apperr.Validation(op, "arbitrage_requires_two_brokers")
	}
	sellBroker, buyBroker := valid[sellIdx].BrokerID, valid[buyIdx].BrokerID

	half := req.Order.Qty.Div(decimal.NewFromInt(2)).Truncate(prec)
	if !half.IsPositive() {
		return nil, apperr.Validationf(op, "quantity_too_small_to_split:%s", req.Order.Qty)
	}
	gate := Precondition{Kind: CrossSpreadAbove, BuyBroker: buyBroker, SellBroker: sellBroker, Threshold: minSpread}

	buy := Slice{
		Seq: 0, BrokerID: buyBroker, Side: exchange.SideBuy, Qty: half,
		Type: exchange.OrderTypeMarket, ReleaseAt: req.Now, ExpiresAt: expires,
		Preconditions: []Precondition{gate},
	}
	sell := Slice{
		Seq: 1, BrokerID: sellBroker, Side: exchange.SideSell, Qty: req.Order.Qty.Sub(half),
		Type: exchange.OrderTypeMarket, ReleaseAt: req.Now, ExpiresAt: expires,
		Preconditions: []Precondition{gate},
	}
	return []Slice{buy, sell}, nil
}

// Custom releases the whole quantity immediately.
type Custom struct{}

func (Custom) Type() string { return TypeCustom }

// Slice implements Slicer.
func (Custom) Slice(_ context.Context, req Request) ([]Slice, error) {
	if err := validateRequest("strategy.custom", req); err != nil {
		return nil, err
	}
	s := baseSlice(req, 0, req.Order.Qty, req.Now)
	if d, err := req.Params.Duration("delay", 0); err != nil {
		return nil, err
	} else if d > 0 {
		s.ReleaseAt = req.Now.Add(d)
	}
	return []Slice{s}, nil
}
