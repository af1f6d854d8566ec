package execution

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/order"
	"execution-core/internal/strategy"
	exchange "execution-core/pkg/exchanges/common"
)

// PlanStatus is the lifecycle state of an execution plan.
type PlanStatus string

const (
	PlanCreated   PlanStatus = "created"
	PlanStarted   PlanStatus = "started"
	PlanCompleted PlanStatus = "completed"
	PlanAbandoned PlanStatus = "abandoned"
	PlanCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the plan will not change any more.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanAbandoned || s == PlanCancelled
}

// Child is one slice of a plan together with the child order it became.
type Child struct {
	strategy.Slice
	Order      order.Order `json:"order"`
	Attempts   int         `json:"attempts"`
	LastReason string      `json:"last_reason,omitempty"`
}

// Fill is an execution attributed to a plan.
type Fill struct {
	Seq      int             `json:"seq"`
	BrokerID string          `json:"broker_id"`
	Side     exchange.Side   `json:"side"`
	Qty      decimal.Decimal `json:"qty"`
	Price    float64         `json:"price"`
	At       time.Time       `json:"at"`
}

// Progress tracks how much of the parent order is done.
type Progress struct {
	Total        decimal.Decimal `json:"total"`
	Executed     decimal.Decimal `json:"executed"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice float64         `json:"avg_fill_price"`
	SlippageCost float64         `json:"slippage_cost"`
	SlippageBps  float64         `json:"slippage_bps"`
}

// Plan is the executable form of a strategy applied to one parent order.
type Plan struct {
	ID            string          `json:"id"`
	ParentOrderID string          `json:"parent_order_id"`
	Parent        order.Order     `json:"parent"`
	StrategyID    string          `json:"strategy_id"`
	StrategyType  string          `json:"strategy_type"`
	Params        strategy.Params `json:"params,omitempty"`
	Status        PlanStatus      `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Slices        []*Child        `json:"slices"`
	Progress      Progress        `json:"progress"`
	Fills         []Fill          `json:"fills,omitempty"`
	ArrivalPrice  float64         `json:"arrival_price,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     time.Time       `json:"started_at,omitempty"`
	CompletedAt   time.Time       `json:"completed_at,omitempty"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewPlan builds a plan from the slices a strategy produced. Child order ids
// are derived from the plan id and slice sequence.
func NewPlan(id string, parent order.Order, def strategy.Definition, slices []strategy.Slice, now time.Time) *Plan {
	p := &Plan{
		ID:            id,
		ParentOrderID: parent.ID,
		Parent:        parent,
		StrategyID:    def.ID,
		StrategyType:  def.Type,
		Params:        def.Params,
		Status:        PlanCreated,
		ArrivalPrice:  parent.RefPrice,
		CreatedAt:     now,
		UpdatedAt:     now,
		Progress: Progress{
			Total:     parent.Qty,
			Executed:  decimal.Zero,
			Remaining: parent.Qty,
		},
	}
	for _, s := range slices {
		typ := s.Type
		if typ == "" {
			typ = exchange.OrderTypeMarket
		}
		c := &Child{Slice: s}
		c.Order = order.Order{
			ID:          id + "-" + strconv.Itoa(s.Seq),
			BrokerID:    s.BrokerID,
			AccountID:   parent.AccountID,
			Symbol:      parent.Symbol,
			Side:        s.Side,
			Type:        typ,
			Qty:         s.Qty,
			Price:       s.Price,
			TimeInForce: parent.TimeInForce,
			Status:      order.StatusPending,
			FilledQty:   decimal.Zero,
			CreatedAt:   now,
			UpdatedAt:   now,
			Metadata: map[string]string{
				order.MetaPlanID:   id,
				order.MetaSeq:      strconv.Itoa(s.Seq),
				order.MetaStrategy: def.Type,
				order.MetaParentID: parent.ID,
			},
		}
		p.Slices = append(p.Slices, c)
	}
	sort.Slice(p.Slices, func(i, j int) bool { return p.Slices[i].Seq < p.Slices[j].Seq })
	return p
}

// Child returns the slice with the given sequence number.
func (p *Plan) Child(seq int) *Child {
	if seq >= 0 && seq < len(p.Slices) && p.Slices[seq].Seq == seq {
		return p.Slices[seq]
	}
	for _, c := range p.Slices {
		if c.Seq == seq {
			return c
		}
	}
	return nil
}

// update folds a new view of a child order into the plan and returns the
// newly filled quantity. Fills never shrink.
func (p *Plan) update(c *Child, next order.Order, now time.Time) decimal.Decimal {
	prevQty := c.Order.FilledQty
	prevNotional := prevQty.InexactFloat64() * c.Order.AvgFillPrice
	c.Order = next
	delta := next.FilledQty.Sub(prevQty)
	if !delta.IsPositive() {
		if delta.IsNegative() {
			c.Order.FilledQty = prevQty
		}
		p.UpdatedAt = now
		return decimal.Zero
	}
	price := next.AvgFillPrice
	if d := delta.InexactFloat64(); d > 0 && !prevQty.IsZero() {
		price = (next.FilledQty.InexactFloat64()*next.AvgFillPrice - prevNotional) / d
	}
	p.record(Fill{Seq: c.Seq, BrokerID: c.Order.BrokerID, Side: c.Order.Side, Qty: delta, Price: price, At: now})
	p.UpdatedAt = now
	return delta
}

// record adds a fill to the progress totals.
func (p *Plan) record(f Fill) {
	pr := &p.Progress
	qty := f.Qty.InexactFloat64()
	prevQty := pr.Executed.InexactFloat64()
	if p.ArrivalPrice == 0 {
		p.ArrivalPrice = f.Price
	}
	pr.Executed = pr.Executed.Add(f.Qty)
	if pr.Executed.GreaterThan(pr.Total) {
		pr.Executed = pr.Total
	}
	pr.Remaining = pr.Total.Sub(pr.Executed)
	if total := prevQty + qty; total > 0 {
		pr.AvgFillPrice = (pr.AvgFillPrice*prevQty + f.Price*qty) / total
	}
	pr.SlippageCost += (f.Price - p.ArrivalPrice) * qty * f.Side.Sign()
	if notional := p.ArrivalPrice * pr.Executed.InexactFloat64(); notional > 0 {
		pr.SlippageBps = pr.SlippageCost / notional * 1e4
	}
	p.Fills = append(p.Fills, f)
}

// settled reports whether every slice reached a terminal state.
func (p *Plan) settled() bool {
	for _, c := range p.Slices {
		if !c.Order.Status.Terminal() {
			return false
		}
	}
	return true
}

// failedSummary lists slices that ended without filling.
func (p *Plan) failedSummary() string {
	var parts []string
	for _, c := range p.Slices {
		switch c.Order.Status {
		case order.StatusFailed, order.StatusCancelled:
			reason := c.Order.Error
			if reason == "" {
				reason = c.LastReason
			}
			if reason == "" {
				reason = string(c.Order.Status)
			}
			parts = append(parts, strconv.Itoa(c.Seq)+"="+reason)
		}
	}
	if len(parts) == 0 {
		return "unfilled_remainder"
	}
	return "failed_slices:" + strings.Join(parts, ",")
}

// Clone returns a deep copy safe to hand to readers.
func (p *Plan) Clone() Plan {
	cp := *p
	cp.Parent = *p.Parent.Clone()
	cp.Slices = make([]*Child, len(p.Slices))
	for i, c := range p.Slices {
		cc := *c
		cc.Order = *c.Order.Clone()
		cc.Preconditions = append([]strategy.Precondition(nil), c.Preconditions...)
		cp.Slices[i] = &cc
	}
	cp.Fills = append([]Fill(nil), p.Fills...)
	if p.Params != nil {
		cp.Params = p.Params.Merge(nil)
	}
	return cp
}

// Summary is the list view of a plan.
type Summary struct {
	ID            string     `json:"id"`
	ParentOrderID string     `json:"parent_order_id"`
	Symbol        string     `json:"symbol"`
	StrategyType  string     `json:"strategy_type"`
	Status        PlanStatus `json:"status"`
	Slices        int        `json:"slices"`
	Progress      Progress   `json:"progress"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (p *Plan) summary() Summary {
	return Summary{
		ID:            p.ID,
		ParentOrderID: p.ParentOrderID,
		Symbol:        p.Parent.Symbol,
		StrategyType:  p.StrategyType,
		Status:        p.Status,
		Slices:        len(p.Slices),
		Progress:      p.Progress,
		CreatedAt:     p.CreatedAt,
	}
}
