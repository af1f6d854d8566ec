package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/gateway"
	"execution-core/internal/monitor"
	"execution-core/internal/quality"
	"execution-core/internal/reconciliation"
	"execution-core/internal/risk"
	"execution-core/internal/routing"
	"execution-core/internal/settlement"
	"execution-core/internal/strategy"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

const testSecret = "operator-secret"

type testEnv struct {
	srv     *httptest.Server
	a, b    *paper.Broker
	brokers *gateway.Manager
	bus     *events.Bus
}

func newTestAPIServer(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := &testEnv{a: paper.New("A"), b: paper.New("B"), bus: events.NewBus()}
	env.brokers = gateway.NewManager(gateway.Config{QuoteMaxAge: time.Nanosecond}, nil)
	t.Cleanup(env.brokers.Stop)
	for _, br := range []*paper.Broker{env.a, env.b} {
		br.SetQuote("EURUSD", 1.0999, 1.1001, 1e6, 1e6)
		if err := env.brokers.Register(br.ID(), "paper", br); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	signals := strategy.NewSignalBoard(time.Minute)
	sched := execution.NewScheduler(execution.Config{
		Tick:         2 * time.Millisecond,
		Backoff:      5 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
		Workers:      2,
		CallTimeout:  time.Second,
	}, env.brokers, execution.Evaluator{Quotes: env.brokers, Signals: signals}, env.bus, nil)
	analyzer := quality.NewAnalyzer(quality.DefaultConfig(), nil, nil, nil)
	sched.OnComplete(analyzer.HandleCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	rm := risk.NewManager(risk.Config{MaxOrderQty: 1_000_000}, nil, nil)
	catalog := strategy.NewCatalog(strategy.DefaultRegistry())
	svc := execution.NewService(catalog, sched, env.brokers, strategy.NewVolumeProfiles(nil), rm, nil, nil)
	router := routing.NewRouter(env.brokers, rm, env.bus, nil)

	engine := reconciliation.NewEngine(reconciliation.Config{CallTimeout: time.Second}, env.brokers, nil, reconciliation.DefaultScoring(), env.bus, nil)
	err := engine.Upsert(reconciliation.Account{
		ID:             "ACC",
		MasterCurrency: "USD",
		Cadence:        time.Hour,
		Tolerances:     reconciliation.Tolerances{Position: 200},
		SubAccounts: []reconciliation.SubAccount{
			{Broker: "A", Account: "a-1", Currency: "USD", Active: true},
			{Broker: "B", Account: "b-1", Currency: "USD", Active: true},
		},
	})
	if err != nil {
		t.Fatalf("Upsert account: %v", err)
	}
	coord := settlement.NewCoordinator(settlement.DefaultConfig(), env.brokers, engine, engine, env.bus, nil)
	engine.OnSnapshot(coord.HandleSnapshot)

	metrics := monitor.NewSystemMetrics()
	metrics.SetHealthSource(env.brokers)

	s := NewServer(Deps{
		Bus:        env.bus,
		Brokers:    env.brokers,
		Execution:  svc,
		Quality:    analyzer,
		Routing:    router,
		Strategies: catalog,
		Signals:    signals,
		Reconciler: engine,
		Settlement: coord,
		Metrics:    metrics,
	}, Options{JWTSecret: testSecret, ReportDir: t.TempDir(), RateLimit: 1000, RateBurst: 1000}, nil)

	env.srv = httptest.NewServer(s.Router)
	t.Cleanup(env.srv.Close)
	return env
}

func doJSONRequest(t *testing.T, client *http.Client, method, url, token string, payload any, out any) int {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}

func operatorToken(t *testing.T, who string) string {
	t.Helper()
	tok, err := GenerateOperatorToken(who, testSecret, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("GenerateOperatorToken: %v", err)
	}
	return tok
}

type errorBody struct {
	Code  string `json:"code"`
	Error string `json:"error"`
}

func setHolding(b *paper.Broker, account string, qty float64) {
	b.SetPosition(exchange.Position{AccountID: account, Symbol: "EURUSD", Side: exchange.PositionLong, Qty: qty, AvgPrice: 1.1})
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	var health map[string]any
	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/health", "", nil, &health); code != http.StatusOK {
		t.Fatalf("GET /health = %d", code)
	}
	if health["status"] != "ok" || health["brokers"].(float64) != 2 {
		t.Fatalf("health = %v", health)
	}

	var brokers struct {
		Brokers []exchange.BrokerHealth `json:"brokers"`
	}
	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/brokers/health", "", nil, &brokers); code != http.StatusOK {
		t.Fatalf("GET /api/brokers/health = %d", code)
	}
	if len(brokers.Brokers) != 2 {
		t.Fatalf("broker rows = %+v", brokers.Brokers)
	}

	var metrics struct {
		System monitor.Snapshot `json:"system"`
	}
	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/metrics", "", nil, &metrics); code != http.StatusOK {
		t.Fatalf("GET /api/metrics = %d", code)
	}
	if metrics.System.Counters[monitor.HTTPRequests] < 2 {
		t.Fatalf("http request counter = %d", metrics.System.Counters[monitor.HTTPRequests])
	}
}

func TestStrategyOrderRunsToCompletion(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	var res execution.SubmitResult
	code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/orders/strategy", "", map[string]any{
		"strategy_id": "twap",
		"params":      map[string]any{"slice_size_pct": 50},
		"account_id":  "ACC",
		"symbol":      "EURUSD",
		"side":        "buy",
		"qty":         "100",
	}, &res)
	if code != http.StatusAccepted || res.PlanID == "" || res.ParentOrderID == "" {
		t.Fatalf("submit = %d %+v", code, res)
	}

	var plan execution.Plan
	deadline := time.Now().Add(3 * time.Second)
	for {
		if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/plans/"+res.PlanID, "", nil, &plan); code != http.StatusOK {
			t.Fatalf("GET plan = %d", code)
		}
		if plan.Status == execution.PlanCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("plan status = %s", plan.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(plan.Slices) != 2 || !plan.Progress.Remaining.IsZero() {
		t.Fatalf("plan = %+v", plan)
	}

	var list struct {
		Plans []execution.Summary `json:"plans"`
		Count int                 `json:"count"`
	}
	doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/plans?status=completed", "", nil, &list)
	if list.Count != 1 || list.Plans[0].ID != res.PlanID {
		t.Fatalf("plans = %+v", list)
	}

	var report quality.Report
	deadline = time.Now().Add(time.Second)
	for {
		code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/quality/"+res.ParentOrderID, "", nil, &report)
		if code == http.StatusOK {
			break
		}
		if code != http.StatusNotFound || time.Now().After(deadline) {
			t.Fatalf("GET quality = %d", code)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if report.PlanID != res.PlanID || report.FillRate != 1 {
		t.Fatalf("report = %+v", report)
	}

	var eb errorBody
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/plans/"+res.PlanID+"/cancel", "", nil, &eb); code != http.StatusConflict || eb.Code != "conflict" {
		t.Fatalf("cancel completed plan = %d %+v", code, eb)
	}
}

func TestErrorMapping(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invalid side", http.MethodPost, "/api/orders/route", map[string]any{"symbol": "EURUSD", "side": "hold", "qty": 1}, http.StatusBadRequest, "validation"},
		{"zero quantity", http.MethodPost, "/api/orders/route", map[string]any{"symbol": "EURUSD", "side": "buy", "qty": 0}, http.StatusBadRequest, "validation"},
		{"unknown strategy", http.MethodPost, "/api/orders/strategy", map[string]any{"strategy_id": "nope", "symbol": "EURUSD", "side": "buy", "qty": 1}, http.StatusBadRequest, "validation"},
		{"risk limit", http.MethodPost, "/api/orders/route", map[string]any{"symbol": "EURUSD", "side": "buy", "qty": 2_000_000}, http.StatusUnprocessableEntity, "risk_rejected"},
		{"unknown plan", http.MethodGet, "/api/plans/missing", nil, http.StatusNotFound, "not_found"},
		{"unknown account", http.MethodPost, "/api/accounts/NOPE/reconcile", nil, http.StatusNotFound, "not_found"},
		{"no snapshot yet", http.MethodGet, "/api/accounts/ACC/snapshot", nil, http.StatusNotFound, "not_found"},
		{"bad report type", http.MethodGet, "/api/accounts/ACC/reports?type=weird", nil, http.StatusBadRequest, "validation"},
		{"unknown settlement", http.MethodGet, "/api/settlements/missing", nil, http.StatusNotFound, "not_found"},
		{"unknown rule", http.MethodDelete, "/api/routing/rules/missing", nil, http.StatusNotFound, "not_found"},
		{"signal without value", http.MethodPost, "/api/signals", map[string]any{"name": "momentum", "symbol": "EURUSD"}, http.StatusBadRequest, "validation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var eb errorBody
			code := doJSONRequest(t, client, tt.method, env.srv.URL+tt.path, "", tt.body, &eb)
			if code != tt.status || eb.Code != tt.code || eb.Error == "" {
				t.Fatalf("%s %s = %d %+v, want %d %s", tt.method, tt.path, code, eb, tt.status, tt.code)
			}
		})
	}
}

func TestRouteOrderAndRules(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	var rules struct {
		Rules []routing.Rule `json:"rules"`
	}
	code := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/routing/rules/eur", "", map[string]any{
		"priority": 10,
		"symbols":  []string{"EURUSD"},
		"primary":  "B",
	}, &rules)
	if code != http.StatusOK || len(rules.Rules) != 1 || !rules.Rules[0].Enabled {
		t.Fatalf("PUT rule = %d %+v", code, rules)
	}

	var res routing.Result
	code = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/orders/route", "", map[string]any{
		"account_id": "ACC", "symbol": "EURUSD", "side": "sell", "qty": 10,
	}, &res)
	if code != http.StatusOK || res.RuleID != "eur" || len(res.Legs) != 1 || res.Legs[0].BrokerID != "B" {
		t.Fatalf("route = %d %+v", code, res)
	}

	if code := doJSONRequest(t, client, http.MethodDelete, env.srv.URL+"/api/routing/rules/eur", "", nil, nil); code != http.StatusNoContent {
		t.Fatalf("DELETE rule = %d", code)
	}
}

func TestStrategyAndSignalUpdates(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	var def strategy.Definition
	code := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/strategies/fast-twap", "", map[string]any{
		"type": "TWAP", "params": map[string]any{"slice_size_pct": 25},
	}, &def)
	if code != http.StatusOK || def.ID != "fast-twap" || def.Type != "twap" {
		t.Fatalf("PUT strategy = %d %+v", code, def)
	}
	var eb errorBody
	if code := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/strategies/x", "", map[string]any{"type": "martingale"}, &eb); code != http.StatusBadRequest {
		t.Fatalf("unknown type = %d %+v", code, eb)
	}

	var sig strategy.SignalValue
	code = doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/signals", "", map[string]any{
		"name": "momentum", "symbol": "EURUSD", "value": 0.7,
	}, &sig)
	if code != http.StatusOK || sig.Value != 0.7 {
		t.Fatalf("POST signal = %d %+v", code, sig)
	}
}

func TestReconcileAndSettleOverHTTP(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()
	setHolding(env.a, "a-1", 10000)
	setHolding(env.b, "b-1", 13000)

	var snap reconciliation.Snapshot
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/accounts/ACC/reconcile", "", nil, &snap); code != http.StatusOK {
		t.Fatalf("reconcile = %d", code)
	}
	if len(snap.Discrepancies) != 1 || snap.Score >= 100 {
		t.Fatalf("snapshot = %+v", snap)
	}

	var list struct {
		Instructions []settlement.Instruction `json:"instructions"`
	}
	doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/settlements?account_id=ACC&status=pending", "", nil, &list)
	if len(list.Instructions) != 1 || list.Instructions[0].Type != settlement.TypeTransfer {
		t.Fatalf("instructions = %+v", list.Instructions)
	}
	id := list.Instructions[0].ID

	var eb errorBody
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+id+"/process", "", nil, &eb); code != http.StatusUnauthorized || eb.Code != "missing_token" {
		t.Fatalf("process without token = %d %+v", code, eb)
	}
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+id+"/process", "garbage", nil, &eb); code != http.StatusUnauthorized || eb.Code != "invalid_token" {
		t.Fatalf("process with bad token = %d %+v", code, eb)
	}

	var done settlement.Instruction
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+id+"/process", operatorToken(t, "ops"), nil, &done); code != http.StatusOK {
		t.Fatalf("process = %d", code)
	}
	if done.Status != settlement.StatusCompleted || len(done.Legs) != 2 {
		t.Fatalf("processed = %+v", done)
	}

	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/accounts/ACC/snapshot", "", nil, &snap); code != http.StatusOK {
		t.Fatalf("snapshot = %d", code)
	}
	if !snap.Discrepancies[0].Resolved {
		t.Fatalf("discrepancy not resolved: %+v", snap.Discrepancies[0])
	}

	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/accounts/ACC/reconcile", "", nil, &snap); code != http.StatusOK || snap.Score != 100 {
		t.Fatalf("re-reconcile = %d score %v", code, snap.Score)
	}

	var state reconciliation.AccountState
	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/accounts/ACC/state", "", nil, &state); code != http.StatusOK || state.State != reconciliation.StateIdle {
		t.Fatalf("state = %d %+v", code, state)
	}

	var exported struct {
		Report reconciliation.Report `json:"report"`
		File   string                `json:"file"`
	}
	if code := doJSONRequest(t, client, http.MethodGet, env.srv.URL+"/api/accounts/ACC/reports?type=summary&export=true", "", nil, &exported); code != http.StatusOK {
		t.Fatalf("report = %d", code)
	}
	if exported.File == "" || exported.Report.Summary == nil || exported.Report.Summary.Snapshots != 2 {
		t.Fatalf("report = %+v", exported)
	}
}

func TestApprovalRecordsTokenSubject(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()
	tok := operatorToken(t, "alice")

	var in settlement.Instruction
	code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements", tok, map[string]any{
		"account_id": "ACC", "type": "correction", "severity": "high", "symbol": "EURUSD", "reason": "manual price fix",
	}, &in)
	if code != http.StatusCreated || in.RequiredApprovals != 1 || in.Status != settlement.StatusPending {
		t.Fatalf("create = %d %+v", code, in)
	}

	var eb errorBody
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+in.ID+"/process", tok, nil, &eb); code != http.StatusConflict || eb.Code != "conflict" {
		t.Fatalf("process before approval = %d %+v", code, eb)
	}

	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+in.ID+"/approve", tok, map[string]any{"approver": "mallory", "note": "ok"}, &in); code != http.StatusOK {
		t.Fatalf("approve = %d", code)
	}
	if len(in.Approvals) != 1 || in.Approvals[0].Approver != "alice" {
		t.Fatalf("approvals = %+v", in.Approvals)
	}
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+in.ID+"/approve", tok, nil, &eb); code != http.StatusConflict {
		t.Fatalf("second approval by same operator = %d %+v", code, eb)
	}

	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+in.ID+"/process", tok, nil, &in); code != http.StatusOK || in.Status != settlement.StatusCompleted {
		t.Fatalf("process = %d %+v", code, in)
	}
	if code := doJSONRequest(t, client, http.MethodPost, env.srv.URL+"/api/settlements/"+in.ID+"/cancel", tok, nil, &eb); code != http.StatusConflict {
		t.Fatalf("cancel completed = %d %+v", code, eb)
	}
}

func TestUpsertAccountValidatesBrokers(t *testing.T) {
	env := newTestAPIServer(t)
	client := env.srv.Client()

	var eb errorBody
	code := doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/accounts/NEW", "", map[string]any{
		"master_currency": "USD",
		"sub_accounts":    []map[string]any{{"broker": "Z", "account": "z-1"}},
	}, &eb)
	if code != http.StatusBadRequest || eb.Code != "validation" {
		t.Fatalf("unknown broker = %d %+v", code, eb)
	}

	var acct reconciliation.Account
	code = doJSONRequest(t, client, http.MethodPut, env.srv.URL+"/api/accounts/NEW", "", map[string]any{
		"master_currency": "USD",
		"cadence_sec":     30,
		"tolerances":      map[string]any{"position": 1},
		"sub_accounts":    []map[string]any{{"broker": "A", "account": "a-2"}, {"broker": "B", "account": "b-2", "active": false}},
	}, &acct)
	if code != http.StatusOK || acct.ID != "NEW" || acct.Cadence != 30*time.Second || len(acct.SubAccounts) != 2 {
		t.Fatalf("upsert = %d %+v", code, acct)
	}
	if !acct.SubAccounts[0].Active || acct.SubAccounts[1].Active {
		t.Fatalf("sub accounts = %+v", acct.SubAccounts)
	}
}

func TestGRPCHealthFollowsBrokerEvents(t *testing.T) {
	env := newTestAPIServer(t)
	hs := NewHealthService(env.brokers, nil)
	ctx := context.Background()

	if st, err := hs.Check(ctx, ""); err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("overall = %v, %v", st, err)
	}
	if st, err := hs.Check(ctx, BrokerService("A")); err != nil || st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("broker A = %v, %v", st, err)
	}

	hs.Update(exchange.BrokerHealth{BrokerID: "A", Status: exchange.HealthDown})
	if st, _ := hs.Check(ctx, BrokerService("A")); st != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("broker A after down = %v", st)
	}
	if st, _ := hs.Check(ctx, BrokerService("B")); st != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("broker B = %v", st)
	}
	if _, err := hs.Check(ctx, BrokerService("Z")); err == nil {
		t.Fatalf("unknown broker should not be registered")
	}
}

func TestTopicFilter(t *testing.T) {
	tests := []struct {
		raw  string
		e    events.Event
		want bool
	}{
		{"", events.EventReconciled, true},
		{"plan.", events.EventPlanCompleted, true},
		{"plan.", events.EventSettlementCreated, false},
		{"plan., settlement.", events.EventSettlementCreated, true},
	}
	for _, tt := range tests {
		if got := topicFilter(tt.raw)(tt.e); got != tt.want {
			t.Errorf("topicFilter(%q)(%s) = %v, want %v", tt.raw, tt.e, got, tt.want)
		}
	}
}
