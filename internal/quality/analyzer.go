// Package quality scores finished execution plans against arrival and
// volume-weighted benchmarks.
package quality

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/apperr"
	"execution-core/internal/execution"
	"execution-core/pkg/logger"
	exchange "execution-core/pkg/exchanges/common"
)

// Benchmarks supplies market benchmarks for a time window.
type Benchmarks interface {
	// IntervalVWAP returns 0 when the window has no traded volume.
	IntervalVWAP(ctx context.Context, symbol string, from, to time.Time) (float64, error)
}

// Chain tries each source in turn and returns the first positive VWAP.
type Chain []Benchmarks

// IntervalVWAP implements Benchmarks.
func (c Chain) IntervalVWAP(ctx context.Context, symbol string, from, to time.Time) (float64, error) {
	var firstErr error
	for _, b := range c {
		v, err := b.IntervalVWAP(ctx, symbol, from, to)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if v > 0 {
			return v, nil
		}
	}
	return 0, firstErr
}

// Config holds the scoring constants.
type Config struct {
	PenaltyPerBps     float64
	ImpactWeight      float64
	TimingWeight      float64
	OpportunityWeight float64
}

// DefaultConfig returns one point per basis point and a 60/30/10 split.
func DefaultConfig() Config {
	return Config{PenaltyPerBps: 1, ImpactWeight: 0.6, TimingWeight: 0.3, OpportunityWeight: 0.1}
}

// Attribution splits slippage into its estimated sources, in bps.
type Attribution struct {
	MarketImpactBps float64 `json:"market_impact_bps"`
	TimingBps       float64 `json:"timing_bps"`
	OpportunityBps  float64 `json:"opportunity_bps"`
}

// Report is the quality assessment of one plan.
type Report struct {
	ParentOrderID   string        `json:"parent_order_id"`
	PlanID          string        `json:"plan_id"`
	Symbol          string        `json:"symbol"`
	Side            exchange.Side `json:"side"`
	StrategyType    string        `json:"strategy_type"`
	TotalQty        float64       `json:"total_qty"`
	ExecutedQty     float64       `json:"executed_qty"`
	FillRate        float64       `json:"fill_rate"`
	Fills           int           `json:"fills"`
	Brokers         []string      `json:"brokers"`
	AvgFillPrice    float64       `json:"avg_fill_price"`
	ArrivalPrice    float64       `json:"arrival_price"`
	VWAPBenchmark   float64       `json:"vwap_benchmark"`
	VWAPSource      string        `json:"vwap_source"`
	SlippageBps     float64       `json:"slippage_bps"`
	VWAPSlippageBps float64       `json:"vwap_slippage_bps"`
	SlippageCost    float64       `json:"slippage_cost"`
	Attribution     Attribution   `json:"attribution"`
	Score           float64       `json:"score"`
	StartedAt       time.Time     `json:"started_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	DurationMs      int64         `json:"duration_ms"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ReportStore persists reports.
type ReportStore interface {
	SaveQualityReport(ctx context.Context, r Report) error
	GetQualityReport(ctx context.Context, parentOrderID string) (Report, error)
}

// Analyzer computes and keeps quality reports.
type Analyzer struct {
	config  Config
	bench   Benchmarks
	store   ReportStore
	log     *zap.Logger
	now     func() time.Time
	mu      sync.RWMutex
	reports map[string]Report
}

// NewAnalyzer creates an analyzer. bench and store may be nil.
func NewAnalyzer(cfg Config, bench Benchmarks, store ReportStore, log *zap.Logger) *Analyzer {
	def := DefaultConfig()
	if cfg.PenaltyPerBps <= 0 {
		cfg.PenaltyPerBps = def.PenaltyPerBps
	}
	if cfg.ImpactWeight+cfg.TimingWeight+cfg.OpportunityWeight <= 0 {
		cfg.ImpactWeight, cfg.TimingWeight, cfg.OpportunityWeight = def.ImpactWeight, def.TimingWeight, def.OpportunityWeight
	}
	return &Analyzer{
		config:  cfg,
		bench:   bench,
		store:   store,
		log:     logger.OrNop(log).Named("quality"),
		now:     time.Now,
		reports: make(map[string]Report),
	}
}

// Analyze scores a plan from its fills. The result depends only on the plan
// and the benchmark source.
func (a *Analyzer) Analyze(ctx context.Context, p execution.Plan) (Report, error) {
	if len(p.Fills) == 0 {
		return Report{}, apperr.Validation("quality.Analyze", "no_fills")
	}
	fills := append([]execution.Fill(nil), p.Fills...)
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].At.Before(fills[j].At) })

	var qty, notional float64
	brokers := map[string]bool{}
	for _, f := range fills {
		q := f.Qty.InexactFloat64()
		qty += q
		notional += q * f.Price
		brokers[f.BrokerID] = true
	}
	if qty <= 0 {
		return Report{}, apperr.Validation("quality.Analyze", "no_fills")
	}
	avg := notional / qty

	arrival := p.Parent.RefPrice
	if arrival <= 0 {
		arrival = fills[0].Price
	}

	from := p.StartedAt
	if from.IsZero() {
		from = p.CreatedAt
	}
	to := p.CompletedAt
	if to.IsZero() {
		to = fills[len(fills)-1].At
	}

	vwap, source := avg, "plan"
	if a.bench != nil {
		v, err := a.bench.IntervalVWAP(ctx, p.Parent.Symbol, from, to)
		switch {
		case err != nil:
			a.log.Warn("vwap benchmark unavailable",
				zap.String("symbol", p.Parent.Symbol),
				zap.Error(err))
		case v > 0:
			vwap, source = v, "market"
		}
	}

	side := p.Parent.Side
	slip, cost := fillSlippage(fills, side, arrival)
	vwapSlip, _ := fillSlippage(fills, side, vwap)
	total := p.Progress.Total.InexactFloat64()

	r := Report{
		ParentOrderID:   p.ParentOrderID,
		PlanID:          p.ID,
		Symbol:          p.Parent.Symbol,
		Side:            side,
		StrategyType:    p.StrategyType,
		TotalQty:        total,
		ExecutedQty:     qty,
		Fills:           len(fills),
		AvgFillPrice:    avg,
		ArrivalPrice:    arrival,
		VWAPBenchmark:   vwap,
		VWAPSource:      source,
		SlippageBps:     slip,
		VWAPSlippageBps: vwapSlip,
		SlippageCost:    cost,
		Attribution:     a.attribute(slip),
		Score:           Score(slip, a.config.PenaltyPerBps),
		StartedAt:       from,
		CompletedAt:     to,
		DurationMs:      to.Sub(from).Milliseconds(),
		CreatedAt:       a.now(),
	}
	if total > 0 {
		r.FillRate = qty / total
	}
	for b := range brokers {
		r.Brokers = append(r.Brokers, b)
	}
	sort.Strings(r.Brokers)
	return r, nil
}

func (a *Analyzer) attribute(bps float64) Attribution {
	sum := a.config.ImpactWeight + a.config.TimingWeight + a.config.OpportunityWeight
	return Attribution{
		MarketImpactBps: bps * a.config.ImpactWeight / sum,
		TimingBps:       bps * a.config.TimingWeight / sum,
		OpportunityBps:  bps * a.config.OpportunityWeight / sum,
	}
}

// fillSlippage signs every fill by its own side, so the buy and sell legs of
// a two-sided plan are each measured against the benchmark. Fills without a
// side take the parent's. Positive bps means worse than the benchmark.
func fillSlippage(fills []execution.Fill, parent exchange.Side, bench float64) (bps, cost float64) {
	if bench <= 0 {
		return 0, 0
	}
	var qty float64
	for _, f := range fills {
		side := f.Side
		if side == "" {
			side = parent
		}
		q := f.Qty.InexactFloat64()
		qty += q
		cost += (f.Price - bench) * q * side.Sign()
	}
	if qty <= 0 {
		return 0, cost
	}
	return cost / (bench * qty) * 1e4, cost
}

// Score maps slippage to [0, 100].
func Score(bps, penaltyPerBps float64) float64 {
	s := 100 - penaltyPerBps*math.Abs(bps)
	return math.Max(0, math.Min(100, s))
}

// HandleCompleted is the scheduler completion hook: it analyzes the plan and
// stores the report.
func (a *Analyzer) HandleCompleted(ctx context.Context, p execution.Plan) {
	r, err := a.Analyze(ctx, p)
	if err != nil {
		a.log.Warn("quality analysis failed", zap.String("plan_id", p.ID), zap.Error(err))
		return
	}
	if err := a.Save(ctx, r); err != nil {
		a.log.Warn("quality report not persisted", zap.String("plan_id", p.ID), zap.Error(err))
	}
	a.log.Info("execution quality",
		zap.String("order_id", r.ParentOrderID),
		zap.Float64("slippage_bps", r.SlippageBps),
		zap.Float64("score", r.Score))
}

// Save records a report in memory and in the store.
func (a *Analyzer) Save(ctx context.Context, r Report) error {
	a.mu.Lock()
	a.reports[r.ParentOrderID] = r
	a.mu.Unlock()
	if a.store == nil {
		return nil
	}
	return a.store.SaveQualityReport(ctx, r)
}

// Get returns the report for a parent order.
func (a *Analyzer) Get(ctx context.Context, parentOrderID string) (Report, error) {
	a.mu.RLock()
	r, ok := a.reports[parentOrderID]
	a.mu.RUnlock()
	if ok {
		return r, nil
	}
	if a.store != nil {
		return a.store.GetQualityReport(ctx, parentOrderID)
	}
	return Report{}, apperr.NotFound("quality.Get", "report:"+parentOrderID)
}
