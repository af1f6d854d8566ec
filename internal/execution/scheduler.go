package execution

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/order"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
)

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("execution: scheduler stopped")

// Brokers resolves broker ids to gateways.
type Brokers interface {
	Get(id string) (exchange.Gateway, error)
}

// PlanStore persists plan snapshots.
type PlanStore interface {
	SavePlan(ctx context.Context, p Plan) error
}

// Hook observes plans that reached completion.
type Hook func(ctx context.Context, p Plan)

// Config tunes the scheduler loop.
type Config struct {
	Tick         time.Duration
	Backoff      time.Duration
	PollInterval time.Duration
	// Workers is the concurrent call budget of each broker.
	Workers     int
	CallTimeout time.Duration
}

// DefaultConfig returns the production loop settings.
func DefaultConfig() Config {
	return Config{
		Tick:         100 * time.Millisecond,
		Backoff:      500 * time.Millisecond,
		PollInterval: time.Second,
		Workers:      8,
		CallTimeout:  10 * time.Second,
	}
}

type sliceKey struct {
	planID string
	seq    int
}

type resultKind int

const (
	resultGate resultKind = iota
	resultSubmitted
	resultPolled
	resultCancelled
)

// result is what a pool worker hands back to the loop.
type result struct {
	kind   resultKind
	planID string
	seq    int
	order  order.Order
	reason string
	err    error
}

type command struct {
	fn    func() error
	reply chan error
}

// Scheduler releases plan slices on time and tracks them to a terminal
// state. All plan state is owned by the Run goroutine; readers get copies.
type Scheduler struct {
	config  Config
	brokers Brokers
	eval    Evaluator
	bus     events.Publisher
	log     *zap.Logger
	now     func() time.Time

	cmds    chan command
	results chan result
	saves   chan Plan
	done    chan struct{}
	running atomic.Bool
	ctx     context.Context

	// loop-owned
	plans       map[string]*Plan
	queue       queue
	inflight    map[sliceKey]bool
	working     map[sliceKey]bool
	cancelTried map[sliceKey]bool
	pools       map[string]*order.Pool
	lastPoll    time.Time

	mu    sync.RWMutex
	snaps map[string]Plan

	store  PlanStore
	hooks  []Hook
	hookWG sync.WaitGroup
}

// NewScheduler creates a scheduler. Call Run to start it.
func NewScheduler(cfg Config, brokers Brokers, eval Evaluator, bus events.Publisher, log *zap.Logger) *Scheduler {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if bus == nil {
		bus = events.Nop{}
	}
	return &Scheduler{
		config:      cfg,
		brokers:     brokers,
		eval:        eval,
		bus:         bus,
		log:         logger.OrNop(log).Named("scheduler"),
		now:         time.Now,
		cmds:        make(chan command, 64),
		results:     make(chan result, cfg.Workers*2),
		saves:       make(chan Plan, 256),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		plans:       make(map[string]*Plan),
		inflight:    make(map[sliceKey]bool),
		working:     make(map[sliceKey]bool),
		cancelTried: make(map[sliceKey]bool),
		pools:       make(map[string]*order.Pool),
		snaps:       make(map[string]Plan),
	}
}

// SetStore enables plan persistence. Call before Run.
func (s *Scheduler) SetStore(store PlanStore) { s.store = store }

// OnComplete registers a hook run for every completed plan. Call before Run.
func (s *Scheduler) OnComplete(h Hook) { s.hooks = append(s.hooks, h) }

// Run owns the plan state until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return apperr.Conflict("execution.Run", "already_running")
	}
	s.ctx = ctx
	ticker := time.NewTicker(s.config.Tick)
	defer ticker.Stop()

	var saverWG sync.WaitGroup
	saverWG.Add(1)
	go func() {
		defer saverWG.Done()
		s.saveLoop()
	}()
	defer func() {
		close(s.done)
		for _, p := range s.pools {
			p.Close()
		}
		saverWG.Wait()
		s.hookWG.Wait()
	}()

	s.log.Info("scheduler started",
		zap.Duration("tick", s.config.Tick),
		zap.Int("workers", s.config.Workers))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case cmd := <-s.cmds:
			cmd.reply <- cmd.fn()
		case r := <-s.results:
			s.handle(r, s.now())
		case <-ticker.C:
			s.tick(s.now())
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Scheduler) do(ctx context.Context, fn func() error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues every slice of p.
func (s *Scheduler) Submit(ctx context.Context, p *Plan) error {
	if p == nil || p.ID == "" {
		return apperr.Validation("execution.Submit", "plan_required")
	}
	return s.do(ctx, func() error {
		if _, ok := s.plans[p.ID]; ok {
			return apperr.Conflict("execution.Submit", "duplicate_plan:"+p.ID)
		}
		s.plans[p.ID] = p
		for _, c := range p.Slices {
			s.queue.schedule(p.ID, c.Seq, c.ReleaseAt)
		}
		s.snapshot(p)
		s.persist(p)
		s.bus.Publish(events.EventPlanCreated, p.summary())
		s.log.Info("plan created",
			zap.String("plan_id", p.ID),
			zap.String("strategy", p.StrategyType),
			zap.String("symbol", p.Parent.Symbol),
			zap.Int("slices", len(p.Slices)))
		return nil
	})
}

// Cancel stops a plan: queued slices are cancelled and working slices get a
// best-effort broker cancel.
func (s *Scheduler) Cancel(ctx context.Context, planID string) (Plan, error) {
	var out Plan
	err := s.do(ctx, func() error {
		p, ok := s.plans[planID]
		if !ok {
			return apperr.NotFound("execution.Cancel", "plan:"+planID)
		}
		if p.Status.Terminal() {
			return apperr.Conflict("execution.Cancel", "plan_"+string(p.Status))
		}
		now := s.now()
		s.queue.removePlan(planID)
		for _, c := range p.Slices {
			key := sliceKey{p.ID, c.Seq}
			if s.inflight[key] {
				continue
			}
			switch c.Order.Status {
			case order.StatusPending, order.StatusReady:
				c.LastReason = "cancelled"
				_ = c.Order.Transition(order.StatusCancelled, now)
			case order.StatusWorking:
				s.cancelWorking(p, c)
			}
		}
		p.Status = PlanCancelled
		p.Reason = "cancelled_by_request"
		p.CompletedAt = now
		p.UpdatedAt = now
		s.snapshot(p)
		s.persist(p)
		s.bus.Publish(events.EventPlanCancelled, p.summary())
		s.log.Info("plan cancelled", zap.String("plan_id", p.ID))
		out = p.Clone()
		return nil
	})
	return out, err
}

// Get returns a copy of a plan.
func (s *Scheduler) Get(planID string) (Plan, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.snaps[planID]
	if !ok {
		return Plan{}, false
	}
	return p.Clone(), true
}

// List returns plan summaries, newest first.
func (s *Scheduler) List() []Summary {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.snaps))
	for _, p := range s.snaps {
		out = append(out, p.summary())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Scheduler) snapshot(p *Plan) {
	cp := p.Clone()
	s.mu.Lock()
	s.snaps[p.ID] = cp
	s.mu.Unlock()
}

func (s *Scheduler) persist(p *Plan) {
	if s.store == nil {
		return
	}
	select {
	case s.saves <- p.Clone():
	default:
		s.log.Warn("plan save dropped", zap.String("plan_id", p.ID))
	}
}

func (s *Scheduler) saveLoop() {
	save := func(p Plan) {
		if s.store == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.config.CallTimeout)
		defer cancel()
		if err := s.store.SavePlan(ctx, p); err != nil {
			s.log.Warn("plan save failed", zap.String("plan_id", p.ID), zap.Error(err))
		}
	}
	for {
		select {
		case p := <-s.saves:
			save(p)
		case <-s.done:
			for {
				select {
				case p := <-s.saves:
					save(p)
				default:
					return
				}
			}
		}
	}
}

// deliver hands a worker result to the loop unless it has stopped.
// poolFor returns the worker slots of one broker, so a slow venue only
// exhausts its own budget. Loop goroutine only.
func (s *Scheduler) poolFor(broker string) *order.Pool {
	p, ok := s.pools[broker]
	if !ok {
		p = order.NewPool(s.config.Workers)
		s.pools[broker] = p
	}
	return p
}

func (s *Scheduler) deliver(r result) {
	select {
	case s.results <- r:
	case <-s.done:
	}
}

func (s *Scheduler) tick(now time.Time) {
	for {
		it, ok := s.queue.popDue(now)
		if !ok {
			break
		}
		s.release(it, now)
	}
	if now.Sub(s.lastPoll) >= s.config.PollInterval {
		s.lastPoll = now
		s.poll()
	}
}

func (s *Scheduler) release(it item, now time.Time) {
	p := s.plans[it.planID]
	if p == nil || p.Status.Terminal() {
		return
	}
	c := p.Child(it.seq)
	if c == nil || c.Order.Status != order.StatusPending {
		return
	}
	key := sliceKey{p.ID, c.Seq}
	if s.inflight[key] {
		s.queue.schedule(p.ID, c.Seq, now.Add(s.config.Tick))
		return
	}
	if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
		s.failSlice(p, c, expiredReason(c), now)
		s.settle(p, now)
		return
	}
	switch state, reason := dependencies(p, c); state {
	case gateFailed:
		s.failSlice(p, c, reason, now)
		s.settle(p, now)
		return
	case gateWait:
		c.LastReason = reason
		s.queue.schedule(p.ID, c.Seq, now.Add(s.config.Backoff))
		return
	}

	gw, err := s.brokers.Get(c.BrokerID)
	if err != nil {
		if errors.Is(err, gateway.ErrGatewayUnhealthy) {
			c.LastReason = "broker_unhealthy:" + c.BrokerID
			s.queue.schedule(p.ID, c.Seq, now.Add(s.config.Backoff))
			return
		}
		s.failSlice(p, c, "broker_not_found:"+c.BrokerID, now)
		s.settle(p, now)
		return
	}

	view := *c
	view.Order = *c.Order.Clone()
	symbol := p.Parent.Symbol
	planID := p.ID
	if !s.poolFor(c.BrokerID).TryGo(func() { s.deliver(s.execute(gw, planID, symbol, view)) }) {
		s.queue.schedule(p.ID, c.Seq, now.Add(s.config.Tick))
		return
	}
	s.inflight[key] = true
	s.start(p, now)
}

// execute runs on a pool worker: market gates, then submission.
func (s *Scheduler) execute(gw exchange.Gateway, planID, symbol string, c Child) result {
	ctx, cancel := context.WithTimeout(s.ctx, s.config.CallTimeout)
	defer cancel()
	r := result{planID: planID, seq: c.Seq}
	if ok, reason := s.eval.Check(ctx, symbol, c); !ok {
		r.kind = resultGate
		r.reason = reason
		return r
	}
	o := c.Order
	r.kind = resultSubmitted
	r.err = order.Submit(ctx, gw, &o, s.log)
	r.order = o
	return r
}

func (s *Scheduler) poll() {
	for key := range s.working {
		if s.inflight[key] {
			continue
		}
		p := s.plans[key.planID]
		c := p.Child(key.seq)
		if p.Status == PlanCancelled && !s.cancelTried[key] {
			s.cancelWorking(p, c)
			continue
		}
		gw, err := s.brokers.Get(c.BrokerID)
		if err != nil {
			continue
		}
		view := *c.Order.Clone()
		if !s.poolFor(c.BrokerID).TryGo(func() {
			ctx, cancel := context.WithTimeout(s.ctx, s.config.CallTimeout)
			defer cancel()
			o := view
			_, err := order.Refresh(ctx, gw, &o)
			s.deliver(result{kind: resultPolled, planID: key.planID, seq: key.seq, order: o, err: err})
		}) {
			continue
		}
		s.inflight[key] = true
	}
}

// cancelWorking asks the broker to cancel a live child order and reads back
// its final state.
func (s *Scheduler) cancelWorking(p *Plan, c *Child) {
	key := sliceKey{p.ID, c.Seq}
	gw, err := s.brokers.Get(c.BrokerID)
	if err != nil {
		return
	}
	view := *c.Order.Clone()
	ok := s.poolFor(c.BrokerID).TryGo(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.config.CallTimeout)
		defer cancel()
		o := view
		err := gw.CancelOrder(ctx, o.Symbol, o.ExchangeOrderID)
		if _, rerr := order.Refresh(ctx, gw, &o); rerr != nil && err == nil {
			err = rerr
		}
		if err == nil && !o.Status.Terminal() {
			_ = o.Transition(order.StatusCancelled, time.Now())
		}
		s.deliver(result{kind: resultCancelled, planID: key.planID, seq: key.seq, order: o, err: err})
	})
	if ok {
		s.inflight[key] = true
		s.cancelTried[key] = true
	}
}

func (s *Scheduler) handle(r result, now time.Time) {
	key := sliceKey{r.planID, r.seq}
	delete(s.inflight, key)
	p := s.plans[r.planID]
	if p == nil {
		return
	}
	c := p.Child(r.seq)
	if c == nil {
		return
	}

	switch r.kind {
	case resultGate:
		c.Attempts++
		c.LastReason = r.reason
		if p.Status.Terminal() {
			if c.Order.Status == order.StatusPending {
				_ = c.Order.Transition(order.StatusCancelled, now)
			}
			break
		}
		if !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt) {
			s.failSlice(p, c, expiredReason(c), now)
			break
		}
		s.queue.schedule(p.ID, c.Seq, now.Add(s.config.Backoff))

	case resultSubmitted:
		c.Attempts++
		s.apply(p, c, r.order, now)
		if r.err != nil || c.Order.Status == order.StatusFailed {
			reason := c.Order.Error
			if reason == "" && r.err != nil {
				reason = apperr.Reason(r.err)
			}
			c.LastReason = reason
			s.bus.Publish(events.EventSliceFailed, sliceEvent(p, c, reason))
		}
		if p.Status == PlanCancelled && c.Order.Status == order.StatusWorking {
			s.cancelWorking(p, c)
		}

	case resultPolled, resultCancelled:
		if r.err != nil {
			s.log.Debug("slice refresh failed",
				zap.String("plan_id", p.ID),
				zap.Int("seq", c.Seq),
				zap.Error(r.err))
			if r.kind == resultCancelled {
				c.LastReason = "cancel_failed:" + apperr.Reason(r.err)
			}
			break
		}
		s.apply(p, c, r.order, now)
	}

	s.settle(p, now)
}

// apply folds a broker view of a child order into the plan.
func (s *Scheduler) apply(p *Plan, c *Child, next order.Order, now time.Time) {
	prev := c.Order.Status
	if prev.Terminal() && next.Status != prev {
		next.Status = prev
	}
	delta := p.update(c, next, now)
	key := sliceKey{p.ID, c.Seq}
	if c.Order.Status == order.StatusWorking {
		s.working[key] = true
	} else {
		delete(s.working, key)
	}
	if delta.IsPositive() && c.Order.Status == order.StatusFilled && prev != order.StatusFilled {
		s.bus.Publish(events.EventSliceExecuted, sliceEvent(p, c, ""))
		s.log.Debug("slice executed",
			zap.String("plan_id", p.ID),
			zap.Int("seq", c.Seq),
			zap.String("qty", c.Order.FilledQty.String()),
			zap.Float64("price", c.Order.AvgFillPrice))
	}
}

func (s *Scheduler) failSlice(p *Plan, c *Child, reason string, now time.Time) {
	c.LastReason = reason
	c.Order.Error = reason
	_ = c.Order.Transition(order.StatusFailed, now)
	p.UpdatedAt = now
	s.bus.Publish(events.EventSliceFailed, sliceEvent(p, c, reason))
	s.log.Info("slice failed",
		zap.String("plan_id", p.ID),
		zap.Int("seq", c.Seq),
		zap.String("reason", reason))
}

func (s *Scheduler) start(p *Plan, now time.Time) {
	if p.Status != PlanCreated {
		return
	}
	p.Status = PlanStarted
	p.StartedAt = now
	p.UpdatedAt = now
	s.bus.Publish(events.EventPlanStarted, p.summary())
	s.snapshot(p)
	s.persist(p)
}

// settle moves the plan to its final state once the outcome is known.
func (s *Scheduler) settle(p *Plan, now time.Time) {
	if !p.Status.Terminal() {
		switch {
		case p.Progress.Remaining.IsZero():
			p.Status = PlanCompleted
			p.CompletedAt = now
			s.bus.Publish(events.EventPlanCompleted, p.summary())
			s.log.Info("plan completed",
				zap.String("plan_id", p.ID),
				zap.Float64("avg_price", p.Progress.AvgFillPrice),
				zap.Float64("slippage_bps", p.Progress.SlippageBps))
			s.finish(p)
		case p.settled():
			p.Status = PlanAbandoned
			p.Reason = p.failedSummary()
			p.CompletedAt = now
			s.bus.Publish(events.EventPlanAbandoned, p.summary())
			s.log.Warn("plan abandoned",
				zap.String("plan_id", p.ID),
				zap.String("executed", p.Progress.Executed.String()),
				zap.String("reason", p.Reason))
			s.persist(p)
		}
	} else {
		s.persist(p)
	}
	s.snapshot(p)
}

func (s *Scheduler) finish(p *Plan) {
	s.persist(p)
	if len(s.hooks) == 0 {
		return
	}
	cp := p.Clone()
	ctx := s.ctx
	s.hookWG.Add(1)
	go func() {
		defer s.hookWG.Done()
		for _, h := range s.hooks {
			h(ctx, cp)
		}
	}()
}

func expiredReason(c *Child) string {
	if c.LastReason != "" {
		return "precondition_timeout:" + c.LastReason
	}
	return "precondition_timeout"
}

// SliceEvent is the payload of slice events.
type SliceEvent struct {
	PlanID    string       `json:"plan_id"`
	Seq       int          `json:"seq"`
	OrderID   string       `json:"order_id"`
	BrokerID  string       `json:"broker_id"`
	Status    order.Status `json:"status"`
	FilledQty string       `json:"filled_qty"`
	AvgPrice  float64      `json:"avg_price,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func sliceEvent(p *Plan, c *Child, reason string) SliceEvent {
	return SliceEvent{
		PlanID:    p.ID,
		Seq:       c.Seq,
		OrderID:   c.Order.ID,
		BrokerID:  c.Order.BrokerID,
		Status:    c.Order.Status,
		FilledQty: c.Order.FilledQty.String(),
		AvgPrice:  c.Order.AvgFillPrice,
		Reason:    reason,
	}
}
