package reconciliation

import (
	"math"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"execution-core/pkg/config"
)

// Scoring holds the penalty and severity-band constants.
type Scoring struct {
	BasePenalty     float64 `json:"base_penalty"`
	HighPenalty     float64 `json:"high_penalty"`
	HighBandPct     float64 `json:"high_band_pct"`
	MediumBandPct   float64 `json:"medium_band_pct"`
	CriticalBandPct float64 `json:"critical_band_pct"` // zero disables
}

// DefaultScoring charges 10 points per discrepancy plus 20 per high or
// critical one; differences above 50% are high, above 20% medium.
func DefaultScoring() Scoring {
	return Scoring{BasePenalty: 10, HighPenalty: 20, HighBandPct: 50, MediumBandPct: 20}
}

// ScoringFromConfig fills unset catalog values with defaults.
func ScoringFromConfig(c config.ScoringConfig) Scoring {
	s := DefaultScoring()
	if c.BasePenalty > 0 {
		s.BasePenalty = c.BasePenalty
	}
	if c.HighPenalty > 0 {
		s.HighPenalty = c.HighPenalty
	}
	if c.HighBandPct > 0 {
		s.HighBandPct = c.HighBandPct
	}
	if c.MediumBandPct > 0 {
		s.MediumBandPct = c.MediumBandPct
	}
	if c.CriticalBandPct > 0 {
		s.CriticalBandPct = c.CriticalBandPct
	}
	return s
}

// Severity grades a percentage difference.
func (s Scoring) Severity(pct float64) Severity {
	switch {
	case s.CriticalBandPct > 0 && pct > s.CriticalBandPct:
		return SeverityCritical
	case pct > s.HighBandPct:
		return SeverityHigh
	case pct > s.MediumBandPct:
		return SeverityMedium
	}
	return SeverityLow
}

// Score is 100 minus the base penalty per discrepancy and the extra high
// penalty per high or critical discrepancy, clamped to [0, 100].
func (s Scoring) Score(ds []Discrepancy) float64 {
	score := 100 - s.BasePenalty*float64(len(ds))
	for _, d := range ds {
		if d.Severity.AtLeast(SeverityHigh) {
			score -= s.HighPenalty
		}
	}
	return math.Max(0, math.Min(100, score))
}

const eps = 1e-9

// pctOf returns diff relative to base in percent; a zero base yields 100
// for any nonzero diff.
func pctOf(diff, base float64) float64 {
	diff = math.Abs(diff)
	base = math.Abs(base)
	if base < eps {
		if diff < eps {
			return 0
		}
		return 100
	}
	return diff / base * 100
}

// brokerView is one broker's aggregate for a symbol.
type brokerView struct {
	broker string
	qty    float64
	price  float64
	value  float64
	pnl    float64
}

func views(p Position) []brokerView {
	idx := map[string]int{}
	var out []brokerView
	var weights []float64
	for _, h := range p.Holdings {
		i, ok := idx[h.Broker]
		if !ok {
			i = len(out)
			idx[h.Broker] = i
			out = append(out, brokerView{broker: h.Broker})
			weights = append(weights, 0)
		}
		v := &out[i]
		v.qty += h.Qty
		v.value += h.MarketValue
		v.pnl += h.UnrealizedPnL
		w := math.Abs(h.Qty)
		if w == 0 {
			w = 1
		}
		v.price = (v.price*weights[i] + h.CurrentPrice*w) / (weights[i] + w)
		weights[i] += w
	}
	return out
}

// Detector flags cross-broker differences in consolidated positions.
type Detector struct {
	Scoring Scoring
}

// Detect compares brokers holding the same symbol. reachable lists the
// brokers whose fetch succeeded; only they are expected to hold positions.
func (d Detector) Detect(a Account, positions []Position, reachable []string, now time.Time) []Discrepancy {
	var out []Discrepancy
	emit := func(x Discrepancy) {
		x.ID = uuid.NewString()
		x.AccountID = a.ID
		x.DetectedAt = now
		out = append(out, x)
	}
	tol := a.Tolerances

	for _, p := range positions {
		vs := views(p)
		var holders []brokerView
		for _, v := range vs {
			if math.Abs(v.qty) > eps {
				holders = append(holders, v)
			}
		}
		if len(holders) == 0 {
			continue
		}

		if len(a.Symbols) > 0 && !slices.Contains(a.Symbols, p.Symbol) {
			emit(Discrepancy{
				Type:     TypeExtraPosition,
				Symbol:   p.Symbol,
				Broker:   holders[0].broker,
				Actual:   p.NetQty,
				Severity: SeverityLow,
			})
		}

		if len(reachable) > 1 {
			held := map[string]bool{}
			for _, h := range holders {
				held[h.broker] = true
			}
			ref := holders[0]
			for _, b := range reachable {
				if held[b] {
					continue
				}
				emit(Discrepancy{
					Type:          TypeMissingPosition,
					Symbol:        p.Symbol,
					Broker:        b,
					CounterBroker: ref.broker,
					Expected:      ref.qty,
					Difference:    -ref.qty,
					DiffPct:       100,
					Severity:      SeverityMedium,
				})
			}
		}
		if len(holders) < 2 {
			continue
		}

		priceFlagged := map[string]bool{}
		if tol.ValuePct > 0 {
			var sum float64
			var n int
			for _, h := range holders {
				if h.price > 0 {
					sum += h.price
					n++
				}
			}
			if n > 1 {
				avg := sum / float64(n)
				for _, h := range holders {
					if h.price <= 0 {
						continue
					}
					pct := pctOf(h.price-avg, avg)
					if pct > tol.ValuePct+eps {
						priceFlagged[h.broker] = true
						emit(Discrepancy{
							Type:       TypePrice,
							Symbol:     p.Symbol,
							Broker:     h.broker,
							Expected:   avg,
							Actual:     h.price,
							Difference: h.price - avg,
							DiffPct:    pct,
							Severity:   d.Scoring.Severity(pct),
						})
					}
				}
			}
		}

		for i := 0; i < len(holders); i++ {
			for j := i + 1; j < len(holders); j++ {
				x, y := holders[i], holders[j]

				diff := y.qty - x.qty
				pct := pctOf(diff, math.Min(math.Abs(x.qty), math.Abs(y.qty)))
				if math.Abs(diff) > tol.Position+eps || (tol.ValuePct > 0 && pct > tol.ValuePct+eps) {
					emit(Discrepancy{
						Type:          TypeQuantity,
						Symbol:        p.Symbol,
						Broker:        y.broker,
						CounterBroker: x.broker,
						Expected:      x.qty,
						Actual:        y.qty,
						Difference:    diff,
						DiffPct:       pct,
						Severity:      d.Scoring.Severity(pct),
					})
					continue
				}
				if priceFlagged[x.broker] || priceFlagged[y.broker] {
					continue
				}

				if tol.ValuePct > 0 {
					vdiff := y.value - x.value
					vpct := pctOf(vdiff, math.Min(math.Abs(x.value), math.Abs(y.value)))
					if vpct > tol.ValuePct+eps {
						emit(Discrepancy{
							Type:          TypeValue,
							Symbol:        p.Symbol,
							Broker:        y.broker,
							CounterBroker: x.broker,
							Expected:      x.value,
							Actual:        y.value,
							Difference:    vdiff,
							DiffPct:       vpct,
							Severity:      d.Scoring.Severity(vpct),
						})
						continue
					}
				}

				if tol.PnLPct > 0 {
					pdiff := y.pnl - x.pnl
					ppct := pctOf(pdiff, math.Max(math.Abs(x.pnl), math.Abs(y.pnl)))
					if ppct > tol.PnLPct+eps {
						emit(Discrepancy{
							Type:          TypePnL,
							Symbol:        p.Symbol,
							Broker:        y.broker,
							CounterBroker: x.broker,
							Expected:      x.pnl,
							Actual:        y.pnl,
							Difference:    pdiff,
							DiffPct:       ppct,
							Severity:      d.Scoring.Severity(ppct),
						})
					}
				}
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
