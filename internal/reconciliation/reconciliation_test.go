package reconciliation

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
	"pgregory.net/rapid"

	"execution-core/internal/apperr"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
	"execution-core/pkg/fx"
)

func newEngine(t *testing.T, brokers ...*paper.Broker) (*Engine, *events.Bus) {
	t.Helper()
	m := gateway.NewManager(gateway.Config{}, nil)
	t.Cleanup(m.Stop)
	for _, b := range brokers {
		if err := m.Register(b.ID(), "paper", b); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	bus := events.NewBus()
	return NewEngine(Config{CallTimeout: time.Second}, m, nil, DefaultScoring(), bus, nil), bus
}

func holding(b *paper.Broker, account, symbol string, qty, price float64) {
	side := exchange.PositionLong
	if qty < 0 {
		side, qty = exchange.PositionShort, -qty
	}
	b.SetPosition(exchange.Position{AccountID: account, Symbol: symbol, Side: side, Qty: qty, AvgPrice: price})
}

func account(tol Tolerances, brokers ...string) Account {
	a := Account{ID: "ACC", MasterCurrency: "USD", Tolerances: tol, Cadence: time.Hour}
	for _, b := range brokers {
		a.SubAccounts = append(a.SubAccounts, SubAccount{Broker: b, Account: strings.ToLower(b) + "-1", Currency: "USD", Active: true})
	}
	return a
}

func mustUpsert(t *testing.T, e *Engine, a Account) {
	t.Helper()
	if err := e.Upsert(a); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
}

func TestQuantityDiscrepancyScoresLow(t *testing.T) {
	a, b := paper.New("A"), paper.New("B")
	holding(a, "a-1", "EURUSD", 10000, 1.1)
	holding(b, "b-1", "EURUSD.m", 10300, 1.1)
	e, bus := newEngine(t, a, b)
	reconciled, unsubscribe := bus.Subscribe(events.EventReconciled, 1)
	defer unsubscribe()
	mustUpsert(t, e, account(Tolerances{Position: 200, ValuePct: 5}, "A", "B"))

	snap, err := e.ReconcileNow(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}
	if len(snap.Discrepancies) != 1 {
		t.Fatalf("discrepancies = %+v", snap.Discrepancies)
	}
	d := snap.Discrepancies[0]
	if d.Type != TypeQuantity || d.Severity != SeverityLow || d.Symbol != "EURUSD" || d.Difference != 300 {
		t.Fatalf("discrepancy = %+v", d)
	}
	if snap.Score != 90 {
		t.Fatalf("score = %v, want 90", snap.Score)
	}

	p, ok := snap.Position("EURUSD")
	if !ok || p.NetQty != 20300 || p.GrossQty != 20300 || p.NetSide != "long" || len(p.Holdings) != 2 {
		t.Fatalf("position = %+v", p)
	}
	if math.Abs(p.Contributions["A"]+p.Contributions["B"]-100) > 1e-9 {
		t.Fatalf("contributions = %v", p.Contributions)
	}

	select {
	case msg := <-reconciled:
		ev := msg.(Reconciled)
		if ev.Score != 90 || ev.Discrepancies != 1 || ev.SnapshotID != snap.ID {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no reconciled event")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	a, b, c := paper.New("A"), paper.New("B"), paper.New("C")
	holding(a, "a-1", "XAUUSD", 10, 2000)
	holding(b, "b-1", "XAUUSD", 4, 2000)
	holding(c, "c-1", "GBPUSD", 1000, 1.25)
	e, _ := newEngine(t, a, b, c)
	mustUpsert(t, e, account(Tolerances{Position: 1, ValuePct: 1}, "A", "B", "C"))

	first, err := e.ReconcileNow(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := e.ReconcileNow(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("snapshot ids must differ")
	}
	if first.Score != second.Score || len(first.Discrepancies) != len(second.Discrepancies) {
		t.Fatalf("passes differ: %v/%d vs %v/%d", first.Score, len(first.Discrepancies), second.Score, len(second.Discrepancies))
	}
	for i := range first.Discrepancies {
		if first.Discrepancies[i].Key() != second.Discrepancies[i].Key() {
			t.Fatalf("discrepancy %d: %s vs %s", i, first.Discrepancies[i].Key(), second.Discrepancies[i].Key())
		}
	}
	if got := len(e.History("ACC", 0)); got != 2 {
		t.Fatalf("history = %d", got)
	}
}

func TestFailedBrokerDegradesPass(t *testing.T) {
	a, b := paper.New("A"), paper.New("B")
	holding(a, "a-1", "EURUSD", 1000, 1.1)
	b.Fail("ListPositions", errors.New("timeout"))
	e, _ := newEngine(t, a, b)
	mustUpsert(t, e, account(Tolerances{Position: 1}, "A", "B"))

	snap, err := e.ReconcileNow(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}
	if len(snap.Discrepancies) != 0 || snap.Score != 100 {
		t.Fatalf("failed broker produced discrepancies: %+v", snap.Discrepancies)
	}
	p, _ := snap.Position("EURUSD")
	if len(p.MissingBrokers) != 1 || p.MissingBrokers[0] != "B" {
		t.Fatalf("missing brokers = %v", p.MissingBrokers)
	}
	var failed BrokerStatus
	for _, s := range snap.Brokers {
		if s.Broker == "B" {
			failed = s
		}
	}
	if failed.OK || !strings.Contains(failed.Error, "timeout") {
		t.Fatalf("status = %+v", failed)
	}

	a.Fail("ListPositions", errors.New("timeout"))
	if _, err := e.ReconcileNow(context.Background(), "ACC"); !apperr.Is(err, apperr.KindConnectivity) {
		t.Fatalf("all down err = %v", err)
	}
	st, _ := e.State("ACC")
	if st.State != StateIdle || st.LastError == "" || st.Runs != 2 {
		t.Fatalf("state = %+v", st)
	}
}

func TestConcurrentPassesAreCoalesced(t *testing.T) {
	a := paper.New("A", paper.WithLatency(50*time.Millisecond))
	holding(a, "a-1", "EURUSD", 1000, 1.1)
	e, _ := newEngine(t, a)
	mustUpsert(t, e, account(Tolerances{}, "A"))

	var wg sync.WaitGroup
	ids := make([]string, 5)
	for i := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := e.ReconcileNow(context.Background(), "ACC")
			if err != nil {
				t.Errorf("ReconcileNow: %v", err)
				return
			}
			ids[i] = snap.ID
		}()
	}
	wg.Wait()
	if n := a.Calls("ListPositions"); n != 1 {
		t.Fatalf("ListPositions calls = %d, want 1", n)
	}
	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("callers saw different snapshots: %v", ids)
		}
	}
}

func TestMissingPriceAndExtraPositions(t *testing.T) {
	a, b, c := paper.New("A"), paper.New("B"), paper.New("C")
	holding(a, "a-1", "AAPL", 100, 190)
	holding(b, "b-1", "AAPL", 100, 190)
	holding(c, "c-1", "AAPL", 100, 230)
	holding(a, "a-1", "TSLA", 5, 250)
	e, _ := newEngine(t, a, b, c)
	acct := account(Tolerances{Position: 1, ValuePct: 10}, "A", "B", "C")
	acct.Symbols = []string{"AAPL"}
	mustUpsert(t, e, acct)

	snap, err := e.ReconcileNow(context.Background(), "ACC")
	if err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}
	count := map[DiscrepancyType]int{}
	for _, d := range snap.Discrepancies {
		count[d.Type]++
		switch d.Type {
		case TypePrice:
			if d.Broker != "C" || d.Severity != SeverityLow {
				t.Errorf("price = %+v", d)
			}
		case TypeMissingPosition:
			if d.Symbol != "TSLA" || d.Severity != SeverityMedium || d.CounterBroker != "A" {
				t.Errorf("missing = %+v", d)
			}
		case TypeExtraPosition:
			if d.Symbol != "TSLA" {
				t.Errorf("extra = %+v", d)
			}
		}
	}
	// C deviates about 13% from the mean price; TSLA is outside the universe
	// and missing at B and C.
	if count[TypePrice] != 1 || count[TypeMissingPosition] != 2 || count[TypeExtraPosition] != 1 || count[TypeValue] != 0 {
		t.Fatalf("counts = %v: %+v", count, snap.Discrepancies)
	}
	if snap.Score != 60 {
		t.Fatalf("score = %v", snap.Score)
	}
}

func TestSeverityBands(t *testing.T) {
	s := DefaultScoring()
	tests := []struct {
		pct  float64
		want Severity
	}{
		{3, SeverityLow},
		{20, SeverityLow},
		{20.5, SeverityMedium},
		{50, SeverityMedium},
		{51, SeverityHigh},
		{500, SeverityHigh},
	}
	for _, tt := range tests {
		if got := s.Severity(tt.pct); got != tt.want {
			t.Errorf("Severity(%v) = %s, want %s", tt.pct, got, tt.want)
		}
	}
	s.CriticalBandPct = 100
	if got := s.Severity(150); got != SeverityCritical {
		t.Fatalf("critical band = %s", got)
	}
}

func TestScoreFormula(t *testing.T) {
	s := DefaultScoring()
	ds := []Discrepancy{{Severity: SeverityLow}, {Severity: SeverityHigh}, {Severity: SeverityCritical}}
	if got := s.Score(ds); got != 30 {
		t.Fatalf("score = %v, want 100-30-40", got)
	}
	if got := s.Score(append(ds, ds...)); got != 0 {
		t.Fatalf("score floor = %v", got)
	}
}

func TestScoreIsMonotonic(t *testing.T) {
	severities := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	rapid.Check(t, func(t *rapid.T) {
		s := DefaultScoring()
		n := rapid.IntRange(0, 20).Draw(t, "n")
		var ds []Discrepancy
		prev := s.Score(nil)
		for i := 0; i < n; i++ {
			ds = append(ds, Discrepancy{Severity: rapid.SampledFrom(severities).Draw(t, "sev")})
			score := s.Score(ds)
			if score > prev || score < 0 || score > 100 {
				t.Fatalf("score went %v -> %v after %d discrepancies", prev, score, len(ds))
			}
			prev = score
		}
	})
}

func TestToleranceBoundary(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tol := float64(rapid.IntRange(0, 1000).Draw(t, "tol"))
		base := float64(rapid.IntRange(1, 100000).Draw(t, "base"))
		extra := float64(rapid.IntRange(0, 2000).Draw(t, "extra"))
		a := Account{ID: "ACC", Tolerances: Tolerances{Position: tol}}
		p := Consolidate([]Holding{
			{Broker: "A", Symbol: "X", Qty: base, CurrentPrice: 1},
			{Broker: "B", Symbol: "X", Qty: base + extra, CurrentPrice: 1},
		}, nil)
		ds := Detector{Scoring: DefaultScoring()}.Detect(a, p, []string{"A", "B"}, time.Now())
		flagged := len(ds) == 1 && ds[0].Type == TypeQuantity
		if flagged != (extra > tol) {
			t.Fatalf("diff %v tol %v flagged=%v (%+v)", extra, tol, flagged, ds)
		}
	})
}

func TestNormalizerSymbols(t *testing.T) {
	n := NewNormalizer(Account{
		MasterCurrency: "USD",
		Aliases:        map[string]map[string]string{"MT5": {"GOLD": "XAUUSD"}},
	}, nil)
	tests := []struct {
		broker, local, want string
	}{
		{"MT5", "gold", "XAUUSD"},
		{"ALP", "GOLD", "GOLD"},
		{"MT5", "EURUSD.pro", "EURUSD"},
		{"MT5", "eur/usd", "EURUSD"},
		{"MT5", "GBPUSD-ECN", "GBPUSD"},
		{"MT5", "USDJPY#", "USDJPY"},
		{"ALP", "BTC-USD", "BTCUSD"},
	}
	for _, tt := range tests {
		if got := n.Symbol(tt.broker, tt.local); got != tt.want {
			t.Errorf("Symbol(%s, %s) = %s, want %s", tt.broker, tt.local, got, tt.want)
		}
	}
}

func TestNormalizerConvertsCurrency(t *testing.T) {
	rates := fx.NewTable("USD", map[string]float64{"EUR": 1.1})
	n := NewNormalizer(Account{MasterCurrency: "USD"}, rates)
	sa := SubAccount{Broker: "A", Account: "a-1"}

	h := n.Holding(sa, exchange.Position{Symbol: "SAP", Side: exchange.PositionLong, Qty: 10, CurrentPrice: 100, UnrealizedPnL: 50, Currency: "EUR"})
	if math.Abs(h.MarketValue-1100) > 1e-9 || math.Abs(h.UnrealizedPnL-55) > 1e-9 || h.Currency != "EUR" {
		t.Fatalf("holding = %+v", h)
	}

	h = n.Holding(sa, exchange.Position{Symbol: "CHFJPY", Side: exchange.PositionShort, Qty: 10, CurrentPrice: 170})
	if h.Currency != "CHF" || h.FXRate != 1 || h.Qty != -10 {
		t.Fatalf("holding = %+v", h)
	}
	if w := n.Warnings(); len(w) != 1 || w[0] != "missing_fx_rate:CHF/USD" {
		t.Fatalf("warnings = %v", w)
	}
}

func TestCurrencyPrecedence(t *testing.T) {
	tests := []struct {
		name                         string
		reported, subAccount, symbol string
		want                         string
	}{
		{"reported wins", "eur", "USD", "GBPUSD", "EUR"},
		{"sub-account next", "", "jpy", "GBPUSD", "JPY"},
		{"symbol prefix last", "", "", "GBPUSD", "GBP"},
		{"nothing to go on", "", "", "FX", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Currency(tt.reported, tt.subAccount, tt.symbol); got != tt.want {
				t.Fatalf("Currency = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestConsolidateNetsLongAndShort(t *testing.T) {
	ps := Consolidate([]Holding{
		{Broker: "A", Symbol: "EURUSD", Qty: 300, AvgPrice: 1.10, MarketValue: 330},
		{Broker: "B", Symbol: "EURUSD", Qty: -100, AvgPrice: 1.14, MarketValue: 114},
	}, []string{"C"})
	if len(ps) != 1 {
		t.Fatalf("positions = %+v", ps)
	}
	p := ps[0]
	if p.NetQty != 200 || p.GrossQty != 400 || p.NetSide != "long" {
		t.Fatalf("position = %+v", p)
	}
	if math.Abs(p.AvgPrice-1.11) > 1e-9 || p.Contributions["A"] != 75 || p.Contributions["B"] != 25 {
		t.Fatalf("avg = %v contributions = %v", p.AvgPrice, p.Contributions)
	}
	if len(p.MissingBrokers) != 1 || p.MissingBrokers[0] != "C" {
		t.Fatalf("missing = %v", p.MissingBrokers)
	}
}

func TestReconcileTrades(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clockA, clockB := t0, t0.Add(300*time.Millisecond)
	a := paper.New("A", paper.WithClock(func() time.Time { return clockA }))
	b := paper.New("B", paper.WithClock(func() time.Time { return clockB }))
	for _, br := range []*paper.Broker{a, b} {
		br.SetQuote("EURUSD", 1.1000, 1.1002, 1e6, 1e6)
	}
	ctx := context.Background()
	submit := func(br *paper.Broker, account string, qty float64) {
		t.Helper()
		if _, err := br.SubmitOrder(ctx, exchange.OrderRequest{AccountID: account, Symbol: "EURUSD", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: qty}); err != nil {
			t.Fatalf("SubmitOrder: %v", err)
		}
	}
	submit(a, "a-1", 1000)
	submit(b, "b-1", 900)
	clockA = t0.Add(time.Minute)
	submit(a, "a-1", 500)

	e, _ := newEngine(t, a, b)
	acct := account(Tolerances{Position: 10, ValuePct: 1, Time: time.Second}, "A", "B")
	mustUpsert(t, e, acct)

	r, err := e.ReconcileTrades(ctx, "ACC", t0.Add(-time.Second), t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ReconcileTrades: %v", err)
	}
	if len(r.Groups) != 2 || len(r.Groups[0].Fills) != 2 || len(r.Groups[1].Fills) != 1 {
		t.Fatalf("groups = %+v", r.Groups)
	}
	var types []DiscrepancyType
	for _, d := range r.Discrepancies {
		types = append(types, d.Type)
	}
	if len(types) != 2 || types[0] != TypeQuantity || types[1] != TypeMissingPosition {
		t.Fatalf("discrepancies = %v", types)
	}
	if r.Score != 80 {
		t.Fatalf("score = %v", r.Score)
	}

	if _, err := e.ReconcileTrades(ctx, "ACC", t0, t0.Add(-time.Second)); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("bad window err = %v", err)
	}
}

func TestGroupFillsSplitsRepeatedBroker(t *testing.T) {
	t0 := time.Now()
	gs := GroupFills([]TradeFill{
		{Broker: "A", Symbol: "X", Side: exchange.SideBuy, Time: t0},
		{Broker: "A", Symbol: "X", Side: exchange.SideBuy, Time: t0.Add(10 * time.Millisecond)},
		{Broker: "B", Symbol: "X", Side: exchange.SideSell, Time: t0.Add(20 * time.Millisecond)},
		{Broker: "B", Symbol: "X", Side: exchange.SideBuy, Time: t0.Add(30 * time.Millisecond)},
	}, time.Second)
	if len(gs) != 3 || len(gs[0].Fills) != 2 {
		t.Fatalf("groups = %+v", gs)
	}
}

func TestReconcileTradesAcrossSubAccountsOnOneBroker(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := t0
	a := paper.New("A", paper.WithClock(func() time.Time { return clock }))
	a.SetQuote("EURUSD", 1.1000, 1.1002, 1e6, 1e6)
	ctx := context.Background()
	for _, o := range []struct {
		account string
		qty     float64
		at      time.Time
	}{
		{"a-1", 100000, t0},
		{"a-2", 150000, t0.Add(100 * time.Millisecond)},
	} {
		clock = o.at
		if _, err := a.SubmitOrder(ctx, exchange.OrderRequest{AccountID: o.account, Symbol: "EURUSD", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: o.qty}); err != nil {
			t.Fatalf("SubmitOrder: %v", err)
		}
	}

	e, _ := newEngine(t, a)
	acct := Account{ID: "ACC", MasterCurrency: "USD", Cadence: time.Hour,
		Tolerances: Tolerances{Position: 10, Time: time.Second},
		SubAccounts: []SubAccount{
			{Broker: "A", Account: "a-1", Currency: "USD", Active: true},
			{Broker: "A", Account: "a-2", Currency: "USD", Active: true},
		}}
	mustUpsert(t, e, acct)

	r, err := e.ReconcileTrades(ctx, "ACC", t0.Add(-time.Second), t0.Add(time.Minute))
	if err != nil {
		t.Fatalf("ReconcileTrades: %v", err)
	}
	if len(r.Groups) != 1 || len(r.Groups[0].Fills) != 2 {
		t.Fatalf("groups = %+v", r.Groups)
	}
	if len(r.Discrepancies) != 1 {
		t.Fatalf("discrepancies = %+v", r.Discrepancies)
	}
	d := r.Discrepancies[0]
	if d.Type != TypeQuantity || d.Broker != "A" || d.Account != "a-2" || d.CounterAccount != "a-1" || d.Difference != 50000 {
		t.Fatalf("discrepancy = %+v", d)
	}
}

func TestReportsAndParquetExport(t *testing.T) {
	a, b := paper.New("A"), paper.New("B")
	holding(a, "a-1", "EURUSD", 10000, 1.1)
	holding(b, "b-1", "EURUSD", 2000, 1.1)
	e, _ := newEngine(t, a, b)
	mustUpsert(t, e, account(Tolerances{Position: 100}, "A", "B"))
	ctx := context.Background()
	from := time.Now().Add(-time.Minute)
	for i := 0; i < 2; i++ {
		if _, err := e.ReconcileNow(ctx, "ACC"); err != nil {
			t.Fatalf("ReconcileNow: %v", err)
		}
	}

	sum, err := e.GenerateReport(ctx, "ACC", ReportSummary, from, time.Time{})
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	s := sum.Summary
	if s.Snapshots != 2 || s.Discrepancies != 1 || s.BySeverity[SeverityHigh] != 1 || s.LatestScore != 70 {
		t.Fatalf("summary = %+v", s)
	}

	disc, err := e.GenerateReport(ctx, "ACC", ReportDiscrepancies, from, time.Time{})
	if err != nil || len(disc.Discrepancies) != 1 {
		t.Fatalf("discrepancies report = %+v, %v", disc, err)
	}
	dir := t.TempDir()
	path, err := ExportParquet(disc, dir)
	if err != nil {
		t.Fatalf("ExportParquet: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(dir, "ACC") {
		t.Fatalf("path = %s", path)
	}
	rows, err := parquet.ReadFile[DiscrepancyRecord](path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 1 || rows[0].Type != "quantity" || rows[0].Severity != "high" {
		t.Fatalf("rows = %+v", rows)
	}

	pos, err := e.GenerateReport(ctx, "ACC", ReportPositions, from, time.Time{})
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	path, err = ExportParquet(pos, dir)
	if err != nil {
		t.Fatalf("ExportParquet positions: %v", err)
	}
	prow, err := parquet.ReadFile[PositionRecord](path)
	if err != nil || len(prow) != 2 {
		t.Fatalf("position rows = %+v, %v", prow, err)
	}

	if _, err := e.GenerateReport(ctx, "ACC", "weekly", from, time.Time{}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("bad type err = %v", err)
	}
}

func TestNetPositionAndResolve(t *testing.T) {
	a, b := paper.New("A"), paper.New("B")
	holding(a, "a-1", "EURUSD", 1000, 1.1)
	holding(b, "b-1", "EURUSD", -400, 1.1)
	e, _ := newEngine(t, a, b)
	mustUpsert(t, e, account(Tolerances{Position: 1}, "A", "B"))
	ctx := context.Background()
	snap, err := e.ReconcileNow(ctx, "ACC")
	if err != nil {
		t.Fatalf("ReconcileNow: %v", err)
	}

	if q, ok := e.NetPosition("ACC", "EURUSD"); !ok || q != 600 {
		t.Fatalf("account net = %v %v", q, ok)
	}
	if q, ok := e.NetPosition("b-1", "EURUSD"); !ok || q != -400 {
		t.Fatalf("sub-account net = %v %v", q, ok)
	}
	if _, ok := e.NetPosition("nobody", "EURUSD"); ok {
		t.Fatalf("unknown account reported a position")
	}

	id := snap.Discrepancies[0].ID
	if err := e.Resolve(ctx, id, "settled by transfer"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	latest, _ := e.LatestSnapshot(ctx, "ACC")
	if !latest.Discrepancies[0].Resolved || latest.Discrepancies[0].Resolution != "settled by transfer" {
		t.Fatalf("resolution not attached: %+v", latest.Discrepancies[0])
	}
	if err := e.Resolve(ctx, "missing", "x"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("unknown discrepancy err = %v", err)
	}
}

func TestAccountValidationAndRemoval(t *testing.T) {
	e, _ := newEngine(t)
	tests := []struct {
		name string
		a    Account
	}{
		{"no id", Account{SubAccounts: []SubAccount{{Broker: "A"}}}},
		{"no subs", Account{ID: "X"}},
		{"negative", Account{ID: "X", SubAccounts: []SubAccount{{Broker: "A"}}, Tolerances: Tolerances{Position: -1}}},
		{"duplicate", Account{ID: "X", SubAccounts: []SubAccount{{Broker: "A", Account: "1"}, {Broker: "A", Account: "1"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.Upsert(tt.a); !apperr.Is(err, apperr.KindValidation) {
				t.Fatalf("err = %v", err)
			}
		})
	}

	mustUpsert(t, e, account(Tolerances{}, "A"))
	if _, err := e.State("ACC"); err != nil {
		t.Fatalf("State: %v", err)
	}
	if !e.RemoveAccount("ACC") || e.RemoveAccount("ACC") {
		t.Fatalf("RemoveAccount misbehaved")
	}
	if _, err := e.ReconcileNow(context.Background(), "ACC"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("removed account err = %v", err)
	}
}

func TestScheduledLoopRuns(t *testing.T) {
	a := paper.New("A")
	holding(a, "a-1", "EURUSD", 1, 1.1)
	e, bus := newEngine(t, a)
	reconciled, unsubscribe := bus.Subscribe(events.EventReconciled, 4)
	defer unsubscribe()
	acct := account(Tolerances{}, "A")
	acct.Cadence = 10 * time.Millisecond
	mustUpsert(t, e, acct)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	defer e.Stop()
	select {
	case <-reconciled:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop never reconciled")
	}
}
