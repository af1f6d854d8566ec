package reconciliation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/apperr"
	exchange "execution-core/pkg/exchanges/common"
)

// TradeFill is a normalized broker fill.
type TradeFill struct {
	Broker      string        `json:"broker"`
	Account     string        `json:"account"`
	OrderID     string        `json:"order_id"`
	LocalSymbol string        `json:"local_symbol"`
	Symbol      string        `json:"symbol"`
	Side        exchange.Side `json:"side"`
	Qty         float64       `json:"qty"`
	Price       float64       `json:"price"`
	Time        time.Time     `json:"time"`
}

// TradeGroup is the set of fills, at most one per sub-account, believed to
// be the same trade.
type TradeGroup struct {
	Symbol string        `json:"symbol"`
	Side   exchange.Side `json:"side"`
	Start  time.Time     `json:"start"`
	Fills  []TradeFill   `json:"fills"`
}

// subKey identifies a sub-account; one broker may carry several.
func subKey(broker, account string) string { return broker + "|" + account }

func (f TradeFill) sub() string { return subKey(f.Broker, f.Account) }

func (g TradeGroup) has(sub string) bool {
	for _, f := range g.Fills {
		if f.sub() == sub {
			return true
		}
	}
	return false
}

// TradeReport is the outcome of a trade reconciliation.
type TradeReport struct {
	ID            string         `json:"id"`
	AccountID     string         `json:"account_id"`
	From          time.Time      `json:"from"`
	To            time.Time      `json:"to"`
	Groups        []TradeGroup   `json:"groups"`
	Discrepancies []Discrepancy  `json:"discrepancies"`
	Score         float64        `json:"score"`
	Brokers       []BrokerStatus `json:"brokers"`
	CreatedAt     time.Time      `json:"created_at"`
}

// GroupFills clusters fills of the same symbol and side whose times lie
// within window of the group's first fill. A sub-account appears at most
// once per group; a second fill from it opens a new group.
func GroupFills(fills []TradeFill, window time.Duration) []TradeGroup {
	sorted := append([]TradeFill(nil), fills...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	var groups []TradeGroup
	for _, f := range sorted {
		placed := false
		for i := range groups {
			g := &groups[i]
			if g.Symbol != f.Symbol || g.Side != f.Side || g.has(f.sub()) {
				continue
			}
			if f.Time.Sub(g.Start) <= window {
				g.Fills = append(g.Fills, f)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, TradeGroup{Symbol: f.Symbol, Side: f.Side, Start: f.Time, Fills: []TradeFill{f}})
		}
	}
	return groups
}

// DetectTrades compares each group's fills with its first fill.
// reachable lists the sub-accounts whose fills were fetched.
func (d Detector) DetectTrades(a Account, groups []TradeGroup, reachable []SubAccount, now time.Time) []Discrepancy {
	var out []Discrepancy
	emit := func(x Discrepancy) {
		x.ID = uuid.NewString()
		x.AccountID = a.ID
		x.DetectedAt = now
		out = append(out, x)
	}
	tol := a.Tolerances
	for _, g := range groups {
		ref := g.Fills[0]
		if len(reachable) > 1 {
			for _, sa := range reachable {
				if g.has(subKey(sa.Broker, sa.Account)) {
					continue
				}
				emit(Discrepancy{
					Type:           TypeMissingPosition,
					Symbol:         g.Symbol,
					Broker:         sa.Broker,
					Account:        sa.Account,
					CounterBroker:  ref.Broker,
					CounterAccount: ref.Account,
					Expected:      ref.Qty,
					Difference:    -ref.Qty,
					DiffPct:       100,
					Severity:      SeverityMedium,
				})
			}
		}
		for _, f := range g.Fills[1:] {
			diff := f.Qty - ref.Qty
			pct := pctOf(diff, math.Min(ref.Qty, f.Qty))
			if math.Abs(diff) > tol.Position+eps || (tol.ValuePct > 0 && pct > tol.ValuePct+eps) {
				emit(Discrepancy{
					Type:           TypeQuantity,
					Symbol:         g.Symbol,
					Broker:         f.Broker,
					Account:        f.Account,
					CounterBroker:  ref.Broker,
					CounterAccount: ref.Account,
					Expected:      ref.Qty,
					Actual:        f.Qty,
					Difference:    diff,
					DiffPct:       pct,
					Severity:      d.Scoring.Severity(pct),
				})
			}
			if tol.ValuePct > 0 && ref.Price > 0 {
				ppct := pctOf(f.Price-ref.Price, ref.Price)
				if ppct > tol.ValuePct+eps {
					emit(Discrepancy{
						Type:           TypePrice,
						Symbol:         g.Symbol,
						Broker:         f.Broker,
						Account:        f.Account,
						CounterBroker:  ref.Broker,
						CounterAccount: ref.Account,
						Expected:      ref.Price,
						Actual:        f.Price,
						Difference:    f.Price - ref.Price,
						DiffPct:       ppct,
						Severity:      d.Scoring.Severity(ppct),
					})
				}
			}
		}
	}
	return out
}

// ReconcileTrades matches the fills every broker reports for the account in
// [from, to].
func (e *Engine) ReconcileTrades(ctx context.Context, accountID string, from, to time.Time) (TradeReport, error) {
	const op = "reconciliation.ReconcileTrades"
	a, ok := e.Account(accountID)
	if !ok {
		return TradeReport{}, apperr.NotFound(op, "account:"+accountID)
	}
	if to.IsZero() {
		to = e.now()
	}
	if !from.Before(to) {
		return TradeReport{}, apperr.Validation(op, "invalid_window")
	}

	subs := a.active()
	results, statuses := fanOut(ctx, e, subs, func(ctx context.Context, gw exchange.Gateway, sa SubAccount) ([]exchange.OrderInfo, error) {
		return gw.ListOrders(ctx, exchange.OrderFilter{AccountID: sa.Account, Since: from, Until: to})
	})
	var reachable []SubAccount
	for i, st := range statuses {
		if st.OK {
			reachable = append(reachable, subs[i])
		}
	}
	if len(reachable) == 0 {
		return TradeReport{}, apperr.Connectivity(op, fmt.Errorf("no reachable brokers for account %s", a.ID))
	}

	norm := NewNormalizer(a, e.rates)
	var fills []TradeFill
	for i, orders := range results {
		sa := subs[i]
		for _, o := range orders {
			f, ok := exchange.FillFromOrder(sa.Broker, o)
			if !ok || f.Time.Before(from) || f.Time.After(to) {
				continue
			}
			fills = append(fills, TradeFill{
				Broker:      sa.Broker,
				Account:     sa.Account,
				OrderID:     f.ExchangeOrderID,
				LocalSymbol: f.Symbol,
				Symbol:      norm.Symbol(sa.Broker, f.Symbol),
				Side:        f.Side,
				Qty:         f.Qty,
				Price:       f.Price,
				Time:        f.Time,
			})
		}
	}

	now := e.now()
	groups := GroupFills(fills, a.Tolerances.Time)
	discs := e.detector.DetectTrades(a, groups, reachable, now)
	r := TradeReport{
		ID:            uuid.NewString(),
		AccountID:     a.ID,
		From:          from,
		To:            to,
		Groups:        groups,
		Discrepancies: discs,
		Score:         e.detector.Scoring.Score(discs),
		Brokers:       statuses,
		CreatedAt:     now,
	}
	e.log.Info("trades reconciled",
		zap.String("account_id", a.ID),
		zap.Int("fills", len(fills)),
		zap.Int("groups", len(groups)),
		zap.Int("discrepancies", len(discs)))
	return r, nil
}
