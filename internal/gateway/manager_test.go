package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
	"execution-core/pkg/crypto"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil)
	t.Cleanup(m.Stop)
	return m
}

func TestRegisterAndGet(t *testing.T) {
	m := newTestManager(t, Config{})
	if err := m.Register("A", "paper", paper.New("A")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register("A", "paper", paper.New("A")); !errors.Is(err, ErrDuplicateBroker) {
		t.Fatalf("duplicate err = %v", err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, ErrBrokerNotFound) {
		t.Fatalf("Get missing err = %v", err)
	}
	if _, err := m.Get("A"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != "A" || m.Kind("A") != "paper" {
		t.Fatalf("IDs = %v kind = %q", ids, m.Kind("A"))
	}
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	m := newTestManager(t, Config{FailureThreshold: 2, CircuitTimeout: time.Minute})
	b := paper.New("A")
	b.SetDown(true)
	_ = m.Register("A", "paper", b)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		gw, err := m.Get("A")
		if err != nil {
			t.Fatalf("Get #%d: %v", i, err)
		}
		err = gw.Ping(ctx)
		if !apperr.Is(err, apperr.KindConnectivity) {
			t.Fatalf("Ping err = %v, want connectivity", err)
		}
	}

	if _, err := m.Get("A"); !errors.Is(err, ErrGatewayUnhealthy) {
		t.Fatalf("Get after failures err = %v", err)
	}
	h := m.Health()
	if len(h) != 1 || h[0].Status != exchange.HealthDown || h[0].Failures != 2 || h[0].LastError == "" {
		t.Fatalf("health = %+v", h)
	}

	// The circuit closes once the timeout has passed and a call succeeds.
	base := time.Now()
	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	b.SetDown(false)
	gw, err := m.Get("A")
	if err != nil {
		t.Fatalf("Get after timeout: %v", err)
	}
	if err := gw.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if h := m.Health(); h[0].Status != exchange.HealthHealthy {
		t.Fatalf("status = %s, want healthy", h[0].Status)
	}
}

func TestCallTimeoutIsConnectivity(t *testing.T) {
	m := newTestManager(t, Config{CallTimeout: 20 * time.Millisecond})
	_ = m.Register("slow", "paper", paper.New("slow", paper.WithLatency(time.Second)))

	var changes []exchange.BrokerHealth
	m.OnHealthChange = func(h exchange.BrokerHealth) { changes = append(changes, h) }

	gw, _ := m.Get("slow")
	start := time.Now()
	_, err := gw.ListPositions(context.Background(), exchange.PositionFilter{})
	if !apperr.Is(err, apperr.KindConnectivity) {
		t.Fatalf("err = %v, want connectivity", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("call was not bounded by the timeout")
	}
	if len(changes) != 1 || changes[0].Status != exchange.HealthDegraded {
		t.Fatalf("health changes = %+v", changes)
	}
}

func TestQuotesSkipsFailingBrokers(t *testing.T) {
	m := newTestManager(t, Config{QuoteMaxAge: time.Minute})
	a := paper.New("A")
	a.SetQuote("EURUSD", 1.1000, 1.1002, 1, 1)
	b := paper.New("B")
	b.SetQuote("EURUSD", 1.1001, 1.1004, 1, 1)
	c := paper.New("C") // no quote
	for _, br := range []*paper.Broker{c, b, a} {
		_ = m.Register(br.ID(), "paper", br)
	}

	quotes, err := m.Quotes(context.Background(), "EURUSD")
	if err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if len(quotes) != 2 || quotes[0].BrokerID != "A" || quotes[1].BrokerID != "B" {
		t.Fatalf("quotes = %+v", quotes)
	}

	// Second call is served from the cache.
	before := a.Calls("MarketSnapshot")
	if _, err := m.Quotes(context.Background(), "EURUSD"); err != nil {
		t.Fatalf("Quotes: %v", err)
	}
	if a.Calls("MarketSnapshot") != before {
		t.Fatalf("expected cached quote for A")
	}
	if m.CacheStats().TotalItems != 2 {
		t.Fatalf("cache items = %d", m.CacheStats().TotalItems)
	}
}

func TestQuoteCachesSingleBroker(t *testing.T) {
	m := newTestManager(t, Config{QuoteMaxAge: time.Minute})
	a := paper.New("A")
	a.SetQuote("EURUSD", 1.1000, 1.1002, 1, 1)
	_ = m.Register("A", "paper", a)

	q, err := m.Quote(context.Background(), "A", "EURUSD")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.BrokerID != "A" || q.Bid != 1.1000 {
		t.Fatalf("quote = %+v", q)
	}
	before := a.Calls("MarketSnapshot")
	if _, err := m.Quote(context.Background(), "A", "EURUSD"); err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if a.Calls("MarketSnapshot") != before {
		t.Fatalf("expected cached quote")
	}
	if _, err := m.Quote(context.Background(), "missing", "EURUSD"); !errors.Is(err, ErrBrokerNotFound) {
		t.Fatalf("missing broker err = %v", err)
	}
}

func TestFactoryLoad(t *testing.T) {
	kr := crypto.NewKeyring()
	key := make([]byte, crypto.KeySize)
	_ = kr.Add(1, key)
	sealed, _ := kr.Seal("mt5-1", "bridge-key")

	brokers := []config.BrokerConfig{
		{
			ID: "paper-1", Kind: "paper", Account: "acc", Currency: "USD",
			Paper: config.PaperConfig{
				Quotes:    map[string]config.PaperQuote{"EURUSD": {Bid: 1.1, Ask: 1.1002}},
				Positions: []config.PaperPosition{{Symbol: "EURUSD", Qty: -500, AvgPrice: 1.09}},
			},
		},
		{ID: "mt5-1", Kind: "mt5", BaseURL: "http://127.0.0.1:1", APIKey: sealed},
		{ID: "off", Kind: "alpaca", Disabled: true},
	}

	m := newTestManager(t, Config{})
	if err := m.Load(Factory{Keys: kr}, brokers); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ids := m.IDs(); len(ids) != 2 {
		t.Fatalf("IDs = %v", ids)
	}
	gw, _ := m.Get("paper-1")
	positions, err := gw.ListPositions(context.Background(), exchange.PositionFilter{AccountID: "acc"})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != exchange.PositionShort || positions[0].Qty != 500 {
		t.Fatalf("positions = %+v", positions)
	}

	if _, err := (Factory{}).Build(brokers[1]); err == nil {
		t.Fatalf("expected sealed credential without keyring to fail")
	}
	if _, err := (Factory{}).Build(config.BrokerConfig{ID: "x", Kind: "ftx"}); err == nil {
		t.Fatalf("expected unsupported kind error")
	}
	gw, err = (Factory{DryRun: true}).Build(config.BrokerConfig{ID: "alp", Kind: "alpaca"})
	if err != nil {
		t.Fatalf("dry-run build: %v", err)
	}
	if _, ok := gw.(*paper.Broker); !ok {
		t.Fatalf("dry-run should build a paper broker, got %T", gw)
	}
}

type barsBroker struct {
	*paper.Broker
	vwap float64
	err  error
}

func (b barsBroker) IntervalVWAP(context.Context, string, time.Time, time.Time) (float64, error) {
	return b.vwap, b.err
}

func TestIntervalVWAPUsesFirstBrokerWithBars(t *testing.T) {
	m := newTestManager(t, Config{})
	if v, err := m.IntervalVWAP(context.Background(), "AAPL", time.Time{}, time.Time{}); v != 0 || err != nil {
		t.Fatalf("no sources = %v, %v", v, err)
	}

	for _, reg := range []struct {
		id string
		gw exchange.Gateway
	}{
		{"P", paper.New("P")},
		{"E", barsBroker{Broker: paper.New("E"), err: errors.New("bars down")}},
		{"Z", barsBroker{Broker: paper.New("Z")}},
		{"V", barsBroker{Broker: paper.New("V"), vwap: 187.25}},
	} {
		if err := m.Register(reg.id, "alpaca", reg.gw); err != nil {
			t.Fatalf("Register %s: %v", reg.id, err)
		}
	}
	v, err := m.IntervalVWAP(context.Background(), "AAPL", time.Now().Add(-time.Hour), time.Now())
	if err != nil || v != 187.25 {
		t.Fatalf("IntervalVWAP = %v, %v", v, err)
	}
}
