package execution

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/strategy"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// MarketData is the quote side of the broker registry.
type MarketData interface {
	Quotes(ctx context.Context, symbol string) ([]exchange.Quote, error)
	IDs() []string
}

// RiskChecker vets a parent order before any slice exists.
type RiskChecker interface {
	Check(ctx context.Context, in risk.Intent) error
}

// PlanReader loads plans that are no longer held in memory.
type PlanReader interface {
	GetPlan(ctx context.Context, id string) (Plan, error)
}

// SubmitResult identifies the plan created for a parent order.
type SubmitResult struct {
	ParentOrderID string `json:"parent_order_id"`
	PlanID        string `json:"plan_id"`
}

// Service is the entry point for strategy-driven execution.
type Service struct {
	catalog  *strategy.Catalog
	sched    *Scheduler
	market   MarketData
	profiles *strategy.VolumeProfiles
	risk     RiskChecker
	history  PlanReader
	log      *zap.Logger
	now      func() time.Time
}

// NewService wires the facade. profiles, rc and history may be nil.
func NewService(catalog *strategy.Catalog, sched *Scheduler, market MarketData, profiles *strategy.VolumeProfiles, rc RiskChecker, history PlanReader, log *zap.Logger) *Service {
	return &Service{
		catalog:  catalog,
		sched:    sched,
		market:   market,
		profiles: profiles,
		risk:     rc,
		history:  history,
		log:      logger.OrNop(log).Named("execution"),
		now:      time.Now,
	}
}

// SubmitWithStrategy slices o with the named strategy and schedules the
// resulting plan. Nothing reaches a broker if validation or risk fails.
func (s *Service) SubmitWithStrategy(ctx context.Context, o *order.Order, strategyID string, params strategy.Params) (SubmitResult, error) {
	if o == nil {
		return SubmitResult{}, apperr.Validation("execution.Submit", "order_required")
	}
	parent := o.Clone()
	if parent.Type == "" {
		parent.Type = exchange.OrderTypeMarket
	}
	if err := parent.Validate(); err != nil {
		return SubmitResult{}, err
	}
	def, err := s.catalog.Resolve(strategyID, params)
	if err != nil {
		return SubmitResult{}, err
	}
	slicer, err := s.catalog.Slicer(def)
	if err != nil {
		return SubmitResult{}, err
	}

	now := s.now()
	if parent.ID == "" {
		parent.ID = uuid.NewString()
	}
	parent.Status = order.StatusPending
	parent.CreatedAt = now
	parent.UpdatedAt = now

	brokerID, quote, err := s.targetBroker(ctx, parent, def)
	if err != nil {
		return SubmitResult{}, err
	}
	if parent.RefPrice == 0 && quote.Valid() {
		parent.RefPrice = quote.Mid()
	}

	if s.risk != nil {
		price := parent.Price
		if price == 0 {
			price = parent.RefPrice
		}
		if err := s.risk.Check(ctx, risk.Intent{
			AccountID: parent.AccountID,
			Symbol:    parent.Symbol,
			Side:      parent.Side,
			Qty:       parent.Qty,
			Price:     price,
		}); err != nil {
			return SubmitResult{}, err
		}
	}

	slices, err := slicer.Slice(ctx, strategy.Request{
		Order:    parent,
		BrokerID: brokerID,
		Params:   def.Params,
		Now:      now,
		Market:   marketView{data: s.market, profiles: s.profiles},
	})
	if err != nil {
		return SubmitResult{}, err
	}
	if len(slices) == 0 {
		return SubmitResult{}, apperr.Validation("execution.Submit", "no_slices")
	}
	if sum := strategy.Total(slices); !sum.Equal(parent.Qty) {
		return SubmitResult{}, &apperr.Error{
			Kind:   apperr.KindInternal,
			Op:     "execution.Submit",
			Reason: "slice_total_mismatch:" + sum.String() + "!=" + parent.Qty.String(),
		}
	}

	plan := NewPlan(uuid.NewString(), *parent, def, slices, now)
	if err := s.sched.Submit(ctx, plan); err != nil {
		return SubmitResult{}, err
	}
	s.log.Info("strategy order accepted",
		zap.String("order_id", parent.ID),
		zap.String("plan_id", plan.ID),
		zap.String("strategy", def.Type),
		zap.String("broker", brokerID))
	return SubmitResult{ParentOrderID: parent.ID, PlanID: plan.ID}, nil
}

// targetBroker picks the venue for single-venue strategies: the order's
// broker, else the "broker" param, else the tightest spread. The returned
// quote is the target's current quote when one was available.
func (s *Service) targetBroker(ctx context.Context, o *order.Order, def strategy.Definition) (string, exchange.Quote, error) {
	quotes, err := s.market.Quotes(ctx, o.Symbol)
	if err != nil {
		s.log.Debug("quotes unavailable", zap.String("symbol", o.Symbol), zap.Error(err))
	}
	find := func(id string) exchange.Quote {
		for _, q := range quotes {
			if q.BrokerID == id {
				return q
			}
		}
		return exchange.Quote{}
	}

	id := o.BrokerID
	if id == "" {
		id = def.Params.String("broker", "")
	}
	if id != "" {
		if !s.known(id) {
			return "", exchange.Quote{}, apperr.Validation("execution.Submit", "unknown_broker:"+id)
		}
		return id, find(id), nil
	}

	best := exchange.Quote{}
	for _, q := range quotes {
		if !q.Valid() {
			continue
		}
		if !best.Valid() || q.SpreadBps() < best.SpreadBps() {
			best = q
		}
	}
	if best.Valid() {
		return best.BrokerID, best, nil
	}
	if def.Type == strategy.TypeArbitrage {
		return "", exchange.Quote{}, nil
	}
	return "", exchange.Quote{}, apperr.Validation("execution.Submit", "no_broker_available:"+o.Symbol)
}

func (s *Service) known(id string) bool {
	for _, b := range s.market.IDs() {
		if b == id {
			return true
		}
	}
	return false
}

// GetPlan returns a plan by id.
func (s *Service) GetPlan(ctx context.Context, id string) (Plan, error) {
	if p, ok := s.sched.Get(id); ok {
		return p, nil
	}
	if s.history != nil {
		return s.history.GetPlan(ctx, id)
	}
	return Plan{}, apperr.NotFound("execution.GetPlan", "plan:"+id)
}

// CancelPlan cancels an active plan.
func (s *Service) CancelPlan(ctx context.Context, id string) (Plan, error) {
	return s.sched.Cancel(ctx, id)
}

// ListPlans lists plans known to this process.
func (s *Service) ListPlans() []Summary {
	return s.sched.List()
}

// marketView adapts the broker registry and profile table to strategy.Market.
type marketView struct {
	data     MarketData
	profiles *strategy.VolumeProfiles
}

func (m marketView) Quotes(ctx context.Context, symbol string) ([]exchange.Quote, error) {
	return m.data.Quotes(ctx, symbol)
}

func (m marketView) VolumeProfile(symbol string) []strategy.ProfilePoint {
	if m.profiles == nil {
		return nil
	}
	return m.profiles.Get(symbol)
}
