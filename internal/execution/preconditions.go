package execution

import (
	"context"
	"fmt"
	"strconv"

	"execution-core/internal/order"
	"execution-core/internal/strategy"
	exchange "execution-core/pkg/exchanges/common"
)

// QuoteSource returns the current quote of one broker.
type QuoteSource interface {
	Quote(ctx context.Context, brokerID, symbol string) (exchange.Quote, error)
}

// SignalSource returns the latest published value of a named signal.
type SignalSource interface {
	Value(name, symbol string) (strategy.SignalValue, bool)
}

// gateState is the outcome of evaluating a slice's preconditions.
type gateState int

const (
	gateMet gateState = iota
	gateWait
	gateFailed
)

// dependencies evaluates plan-local preconditions. It runs on the scheduler
// loop, which owns the plan.
func dependencies(p *Plan, c *Child) (gateState, string) {
	for _, pc := range c.Preconditions {
		if !pc.Dependency() {
			continue
		}
		pred := p.Child(pc.Ref)
		if pred == nil {
			return gateFailed, "unknown_predecessor:" + strconv.Itoa(pc.Ref)
		}
		switch pred.Order.Status {
		case order.StatusFilled:
		case order.StatusFailed, order.StatusCancelled:
			return gateFailed, "predecessor_failed:" + strconv.Itoa(pc.Ref)
		default:
			return gateWait, "awaiting_fill:" + strconv.Itoa(pc.Ref)
		}
	}
	return gateMet, ""
}

// Evaluator checks market and signal preconditions. It is called from pool
// workers and must not touch plan state.
type Evaluator struct {
	Quotes  QuoteSource
	Signals SignalSource
}

// Check reports whether every market and signal precondition of c holds.
// The reason names the first unmet gate.
func (e Evaluator) Check(ctx context.Context, symbol string, c Child) (bool, string) {
	for _, pc := range c.Preconditions {
		if pc.Dependency() {
			continue
		}
		ok, reason := e.check(ctx, symbol, c, pc)
		if !ok {
			return false, reason
		}
	}
	return true, ""
}

func (e Evaluator) check(ctx context.Context, symbol string, c Child, pc strategy.Precondition) (bool, string) {
	switch pc.Kind {
	case strategy.SpreadBelow:
		q, ok := e.quote(ctx, c.BrokerID, symbol)
		if !ok {
			return false, "quote_unavailable:" + c.BrokerID
		}
		if bps := q.SpreadBps(); bps > pc.Threshold {
			return false, fmt.Sprintf("spread_above_max:%.2f>%g", bps, pc.Threshold)
		}
		return true, ""

	case strategy.PriceImprovement:
		q, ok := e.quote(ctx, c.BrokerID, symbol)
		if !ok {
			return false, "quote_unavailable:" + c.BrokerID
		}
		if pc.RefPrice <= 0 {
			return true, ""
		}
		if c.Side == exchange.SideBuy {
			limit := pc.RefPrice * (1 - pc.Threshold/1e4)
			if q.Ask > limit {
				return false, fmt.Sprintf("no_price_improvement:ask=%g", q.Ask)
			}
			return true, ""
		}
		limit := pc.RefPrice * (1 + pc.Threshold/1e4)
		if q.Bid < limit {
			return false, fmt.Sprintf("no_price_improvement:bid=%g", q.Bid)
		}
		return true, ""

	case strategy.SignalAbove, strategy.SignalBelow:
		if e.Signals == nil {
			return false, "signal_unavailable:" + pc.Signal
		}
		v, ok := e.Signals.Value(pc.Signal, symbol)
		if !ok {
			return false, "signal_unavailable:" + pc.Signal
		}
		if pc.Kind == strategy.SignalAbove && v.Value <= pc.Threshold {
			return false, fmt.Sprintf("signal_not_above:%s=%g", pc.Signal, v.Value)
		}
		if pc.Kind == strategy.SignalBelow && v.Value >= pc.Threshold {
			return false, fmt.Sprintf("signal_not_below:%s=%g", pc.Signal, v.Value)
		}
		return true, ""

	case strategy.CrossSpreadAbove:
		buy, ok := e.quote(ctx, pc.BuyBroker, symbol)
		if !ok {
			return false, "quote_unavailable:" + pc.BuyBroker
		}
		sell, ok := e.quote(ctx, pc.SellBroker, symbol)
		if !ok {
			return false, "quote_unavailable:" + pc.SellBroker
		}
		edge := (sell.Bid - buy.Ask) / buy.Ask * 1e4
		if edge <= pc.Threshold {
			return false, fmt.Sprintf("cross_spread_below_min:%.2f<=%g", edge, pc.Threshold)
		}
		return true, ""
	}
	return false, "unknown_precondition:" + string(pc.Kind)
}

func (e Evaluator) quote(ctx context.Context, brokerID, symbol string) (exchange.Quote, bool) {
	if e.Quotes == nil || brokerID == "" {
		return exchange.Quote{}, false
	}
	q, err := e.Quotes.Quote(ctx, brokerID, symbol)
	if err != nil || !q.Valid() {
		return exchange.Quote{}, false
	}
	return q, true
}
