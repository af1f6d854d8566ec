package risk

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
)

type staticPositions map[string]float64

func (s staticPositions) NetPosition(account, symbol string) (float64, bool) {
	v, ok := s[account+"|"+symbol]
	return v, ok
}

func TestCheck(t *testing.T) {
	cfg := FromCatalog(config.RiskConfig{
		MaxOrderQty:    100000,
		MinOrderQty:    10,
		MaxNotional:    200000,
		MaxPositionQty: 150000,
		SymbolLimits:   map[string]config.SymbolLimit{"XAUUSD": {MaxOrderQty: 5}},
	})
	mgr := NewManager(cfg, staticPositions{"acc|EURUSD": 100000}, nil)

	tests := []struct {
		name   string
		in     Intent
		reason string
	}{
		{"allowed", Intent{AccountID: "acc", Symbol: "GBPUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1000), Price: 1.27}, ""},
		{"too small", Intent{Symbol: "GBPUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(5)}, "order_qty_below_min:5<10"},
		{"too large", Intent{Symbol: "GBPUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(100001)}, "order_qty_above_max:100001>100000"},
		{"symbol override", Intent{Symbol: "XAUUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(10)}, "order_qty_above_max:10>5"},
		{"notional", Intent{Symbol: "GBPUSD", Side: exchange.SideSell, Qty: decimal.NewFromInt(90000), Price: 3}, "notional_above_max:270000>200000"},
		{"position grows past max", Intent{AccountID: "acc", Symbol: "EURUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(60000)}, "position_above_max:160000>150000"},
		{"reducing is fine", Intent{AccountID: "acc", Symbol: "EURUSD", Side: exchange.SideSell, Qty: decimal.NewFromInt(60000)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mgr.Check(context.Background(), tt.in)
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("unexpected rejection: %v", err)
				}
				return
			}
			if !apperr.Is(err, apperr.KindRiskRejected) || apperr.Reason(err) != tt.reason {
				t.Fatalf("err = %v, want risk_rejected %q", err, tt.reason)
			}
		})
	}

	m := mgr.GetMetrics()
	if m.ChecksTotal != uint64(len(tests)) || m.RejectionsTotal != 5 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestEvaluateWarningLevel(t *testing.T) {
	mgr := NewManager(Config{MaxOrderQty: 100, WarningThreshold: 0.8}, nil, nil)
	dec := mgr.Evaluate(Intent{Symbol: "X", Side: exchange.SideBuy, Qty: decimal.NewFromInt(90)})
	if !dec.Allowed || dec.LimitLevel != LevelWarning || dec.UsageRatio != 0.9 {
		t.Fatalf("decision = %+v", dec)
	}
	if mgr.GetMetrics().WarningsTotal != 1 {
		t.Fatalf("warnings = %d", mgr.GetMetrics().WarningsTotal)
	}

	mgr.UpdateConfig(Config{})
	if err := mgr.Check(context.Background(), Intent{Symbol: "X", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1e9)}); err != nil {
		t.Fatalf("unlimited config rejected: %v", err)
	}
}
