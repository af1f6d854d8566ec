// Package routing sends single orders to brokers according to priority
// rules and live spreads.
package routing

import (
	"context"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/pkg/config"
	"execution-core/pkg/logger"
	exchange "execution-core/pkg/exchanges/common"
)

// Brokers is the broker registry as seen by the router.
type Brokers interface {
	Get(id string) (exchange.Gateway, error)
	Quotes(ctx context.Context, symbol string) ([]exchange.Quote, error)
}

// RiskChecker vets an order before routing.
type RiskChecker interface {
	Check(ctx context.Context, in risk.Intent) error
}

// Leg is one child order sent to one broker.
type Leg struct {
	BrokerID string      `json:"broker_id"`
	Percent  float64     `json:"percent,omitempty"`
	Order    order.Order `json:"order"`
	Error    string      `json:"error,omitempty"`
}

// Result describes how an order was routed.
type Result struct {
	Order   order.Order `json:"order"`
	RuleID  string      `json:"rule_id,omitempty"`
	Mode    string      `json:"mode"` // allocation, failover, best_spread
	Legs    []Leg       `json:"legs"`
	Partial bool        `json:"partial"`
}

// Router matches orders against rules. Rules are hot-swappable.
type Router struct {
	mu      sync.RWMutex
	rules   []Rule
	brokers Brokers
	risk    RiskChecker
	bus     events.Publisher
	log     *zap.Logger
	now     func() time.Time
	legs    int
}

// NewRouter creates a router. rc may be nil.
func NewRouter(brokers Brokers, rc RiskChecker, bus events.Publisher, log *zap.Logger) *Router {
	if bus == nil {
		bus = events.Nop{}
	}
	return &Router{
		brokers: brokers,
		risk:    rc,
		bus:     bus,
		log:     logger.OrNop(log).Named("router"),
		now:     time.Now,
		legs:    8,
	}
}

// Load replaces every rule with the catalog's.
func (r *Router) Load(cfgs []config.RoutingRuleConfig) error {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		rule := RuleFromConfig(c)
		if err := rule.normalize(); err != nil {
			return err
		}
		rules = append(rules, rule)
	}
	r.mu.Lock()
	r.rules = rules
	r.sortLocked()
	r.mu.Unlock()
	return nil
}

// Upsert adds or replaces a rule.
func (r *Router) Upsert(rule Rule) error {
	rule = rule.clone()
	if err := rule.normalize(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rules {
		if r.rules[i].ID == rule.ID {
			r.rules[i] = rule
			r.sortLocked()
			return nil
		}
	}
	r.rules = append(r.rules, rule)
	r.sortLocked()
	return nil
}

// Remove deletes a rule and reports whether it existed.
func (r *Router) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.rules {
		if r.rules[i].ID == id {
			r.rules = append(r.rules[:i], r.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Rules returns the rules in evaluation order.
func (r *Router) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	for i := range r.rules {
		out[i] = r.rules[i].clone()
	}
	return out
}

func (r *Router) sortLocked() {
	sort.SliceStable(r.rules, func(i, j int) bool {
		if r.rules[i].Priority != r.rules[j].Priority {
			return r.rules[i].Priority > r.rules[j].Priority
		}
		return r.rules[i].ID < r.rules[j].ID
	})
}

// Route validates, risk-checks and submits o according to the first
// matching rule.
func (r *Router) Route(ctx context.Context, o *order.Order) (Result, error) {
	const op = "routing.Route"
	if o == nil {
		return Result{}, apperr.Validation(op, "order_required")
	}
	parent := o.Clone()
	if parent.Type == "" {
		parent.Type = exchange.OrderTypeMarket
	}
	if err := parent.Validate(); err != nil {
		return Result{}, err
	}
	if parent.ID == "" {
		parent.ID = uuid.NewString()
	}
	now := r.now()
	parent.Status = order.StatusPending
	parent.CreatedAt, parent.UpdatedAt = now, now

	quotes, err := r.brokers.Quotes(ctx, parent.Symbol)
	if err != nil {
		r.log.Debug("quotes unavailable", zap.String("symbol", parent.Symbol), zap.Error(err))
	}

	if r.risk != nil {
		price := parent.Price
		if price == 0 {
			if q, ok := bestQuote(quotes, nil); ok {
				price = q.Mid()
			}
		}
		if err := r.risk.Check(ctx, risk.Intent{
			AccountID: parent.AccountID,
			Symbol:    parent.Symbol,
			Side:      parent.Side,
			Qty:       parent.Qty,
			Price:     price,
		}); err != nil {
			return Result{}, err
		}
	}

	rule, ok := r.match(parent, quotes, now)
	var res Result
	switch {
	case !ok:
		q, found := bestQuote(quotes, nil)
		if !found {
			return Result{}, apperr.Validation(op, "no_broker_available:"+parent.Symbol)
		}
		res, err = r.failover(ctx, parent, []string{q.BrokerID})
		res.Mode = "best_spread"
	case len(rule.Allocations) > 0:
		res, err = r.allocate(ctx, parent, rule.Allocations)
		res.Mode = "allocation"
	default:
		res, err = r.failover(ctx, parent, rule.Brokers())
		res.Mode = "failover"
	}
	res.RuleID = rule.ID
	if err != nil {
		r.log.Warn("order routing failed",
			zap.String("order_id", parent.ID),
			zap.String("rule", rule.ID),
			zap.Error(err))
		return res, err
	}
	r.bus.Publish(events.EventOrderRouted, res)
	r.log.Info("order routed",
		zap.String("order_id", parent.ID),
		zap.String("rule", rule.ID),
		zap.String("mode", res.Mode),
		zap.Int("legs", len(res.Legs)),
		zap.Bool("partial", res.Partial))
	return res, nil
}

// match returns the first enabled rule whose conditions hold.
func (r *Router) match(o *order.Order, quotes []exchange.Quote, now time.Time) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	qty := o.Qty.InexactFloat64()
	for i := range r.rules {
		rule := &r.rules[i]
		if !rule.matches(o.Symbol, qty, now) {
			continue
		}
		if rule.MaxSpreadBps > 0 {
			q, ok := bestQuote(quotes, rule.Brokers())
			if !ok || q.SpreadBps() > rule.MaxSpreadBps {
				continue
			}
		}
		return rule.clone(), true
	}
	return Rule{}, false
}

// allocate splits o by percentage and submits every leg in parallel. Legs
// are independent: a failed leg does not undo the others.
func (r *Router) allocate(ctx context.Context, parent *order.Order, allocs []Allocation) (Result, error) {
	prec := int32(0)
	if exp := parent.Qty.Exponent(); exp < 0 {
		prec = -exp
	}
	hundred := decimal.NewFromInt(100)
	legs := make([]Leg, 0, len(allocs))
	remaining := parent.Qty
	for i, a := range allocs {
		q := parent.Qty.Mul(decimal.NewFromFloat(a.Percent)).Div(hundred).Truncate(prec)
		if i == len(allocs)-1 || q.GreaterThan(remaining) {
			q = remaining
		}
		remaining = remaining.Sub(q)
		if !q.IsPositive() {
			continue
		}
		legs = append(legs, Leg{BrokerID: a.Broker, Percent: a.Percent, Order: child(parent, a.Broker, len(legs), q)})
	}

	errs := make([]error, len(legs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.legs)
	for i := range legs {
		g.Go(func() error {
			errs[i] = r.submit(gctx, legs[i].BrokerID, &legs[i].Order)
			if errs[i] != nil {
				legs[i].Error = apperr.Reason(errs[i])
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Legs: legs, Order: aggregate(parent, legs)}
	var failed []string
	var last error
	for i, l := range legs {
		if errs[i] != nil {
			failed = append(failed, l.BrokerID+"="+l.Error)
			last = errs[i]
		}
	}
	if len(failed) == len(legs) {
		return res, &apperr.Error{
			Kind:   apperr.KindOf(last),
			Op:     "routing.Route",
			Reason: "all_legs_failed:" + strings.Join(failed, ";"),
			Err:    last,
		}
	}
	res.Partial = len(failed) > 0
	return res, nil
}

// failover tries each broker in order until one accepts the whole order
// and returns the last error when none does.
func (r *Router) failover(ctx context.Context, parent *order.Order, brokers []string) (Result, error) {
	var res Result
	var last error
	for i, id := range brokers {
		leg := Leg{BrokerID: id, Order: child(parent, id, i, parent.Qty)}
		last = r.submit(ctx, id, &leg.Order)
		if last != nil {
			leg.Error = apperr.Reason(last)
		}
		res.Legs = append(res.Legs, leg)
		if last == nil || ctx.Err() != nil {
			break
		}
		r.log.Info("broker failed, trying next",
			zap.String("order_id", parent.ID),
			zap.String("broker", id),
			zap.Error(last))
	}
	res.Order = aggregate(parent, res.Legs)
	return res, last
}

// submit sends one child order.
func (r *Router) submit(ctx context.Context, brokerID string, o *order.Order) error {
	gw, err := r.brokers.Get(brokerID)
	if err != nil {
		o.Error = err.Error()
		_ = o.Transition(order.StatusFailed, r.now())
		return apperr.Connectivity("routing.Route", err)
	}
	if err := order.Submit(ctx, gw, o, r.log); err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return apperr.Connectivity("routing.Route", err)
		}
		return err
	}
	if o.Status == order.StatusFailed {
		return apperr.Conflict("routing.Route", "broker_rejected:"+brokerID+":"+o.Error)
	}
	return nil
}

func child(parent *order.Order, brokerID string, i int, qty decimal.Decimal) order.Order {
	c := *parent.Clone()
	c.ID = parent.ID + "-" + strconv.Itoa(i)
	c.BrokerID = brokerID
	c.Qty = qty
	c.FilledQty = decimal.Zero
	c.Status = order.StatusPending
	if c.Metadata == nil {
		c.Metadata = map[string]string{}
	}
	c.Metadata[order.MetaParentID] = parent.ID
	return c
}

// aggregate folds the leg outcomes into the parent order.
func aggregate(parent *order.Order, legs []Leg) order.Order {
	out := *parent.Clone()
	filled := decimal.Zero
	var notional float64
	var failed []string
	for _, l := range legs {
		filled = filled.Add(l.Order.FilledQty)
		notional += l.Order.FilledQty.InexactFloat64() * l.Order.AvgFillPrice
		if l.Error != "" {
			failed = append(failed, l.BrokerID+"="+l.Error)
			continue
		}
		out.BrokerID = l.BrokerID
		out.ExchangeOrderID = l.Order.ExchangeOrderID
	}
	out.FilledQty = filled
	if f := filled.InexactFloat64(); f > 0 {
		out.AvgFillPrice = notional / f
	}
	switch {
	case filled.Equal(out.Qty):
		out.Status = order.StatusFilled
	case len(failed) == len(legs):
		out.Status = order.StatusFailed
	default:
		out.Status = order.StatusWorking
	}
	if len(failed) > 0 {
		out.Error = strings.Join(failed, ";")
	}
	out.UpdatedAt = time.Now()
	return out
}

func bestQuote(quotes []exchange.Quote, among []string) (exchange.Quote, bool) {
	var best exchange.Quote
	found := false
	for _, q := range quotes {
		if !q.Valid() || (among != nil && !slices.Contains(among, q.BrokerID)) {
			continue
		}
		if !found || q.SpreadBps() < best.SpreadBps() {
			best, found = q, true
		}
	}
	return best, found
}
