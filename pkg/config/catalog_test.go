package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

const sampleCatalog = `
brokers:
  - id: paper-a
    kind: paper
    currency: USD
    paper:
      fill_mode: immediate
      quotes:
        EURUSD: {bid: 1.1, ask: 1.1002, bid_size: 1000000, ask_size: 1000000}
  - id: mt5-live
    kind: mt5
    base_url: http://localhost:5000
    api_key: secret
strategies:
  - id: twap-1h
    type: TWAP
    params:
      horizon_ms: 3600000
      slice_size_pct: 10
routing_rules:
  - id: eur-split
    priority: 10
    symbols: [EURUSD]
    allocations:
      - {broker: paper-a, percent: 60}
      - {broker: mt5-live, percent: 40}
accounts:
  - id: main
    master_currency: USD
    cadence: 30s
    tolerances: {position: 0.01, value_pct: 1}
    sub_accounts:
      - {broker: paper-a, account: A1}
      - {broker: mt5-live, account: M1, active: false}
volume_profiles:
  "*":
    - {offset: 0s, weight: 1}
    - {offset: 30m, weight: 2}
watch_symbols: [EURUSD]
`

func TestParseCatalog(t *testing.T) {
	c, err := ParseCatalog([]byte(sampleCatalog))
	if err != nil {
		t.Fatalf("ParseCatalog: %v", err)
	}
	if len(c.Brokers) != 2 || c.Brokers[0].Paper.Quotes["EURUSD"].Ask != 1.1002 {
		t.Fatalf("brokers = %+v", c.Brokers)
	}
	if got := c.Strategies[0].Params["slice_size_pct"]; got != 10 {
		t.Fatalf("slice_size_pct = %v (%T)", got, got)
	}
	acc := c.Accounts[0]
	if acc.Cadence != 30*time.Second || acc.Tolerances.ValuePct != 1 {
		t.Fatalf("account = %+v", acc)
	}
	if !acc.SubAccounts[0].IsActive() || acc.SubAccounts[1].IsActive() {
		t.Fatalf("active flags wrong: %+v", acc.SubAccounts)
	}
	if !c.RoutingRules[0].IsEnabled() {
		t.Fatalf("rule should default to enabled")
	}
	if p := c.VolumeProfiles["*"]; len(p) != 2 || p[1].Offset != 30*time.Minute {
		t.Fatalf("profile = %+v", p)
	}
}

func TestCatalogValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"unknown kind", "brokers: [{id: x, kind: ftx}]", "unknown kind"},
		{"duplicate broker", "brokers: [{id: x, kind: paper}, {id: x, kind: paper}]", "duplicate broker"},
		{"rule unknown broker", "brokers: [{id: x, kind: paper}]\nrouting_rules: [{id: r, primary: y}]", "unknown broker"},
		{"account unknown broker", "accounts: [{id: a, sub_accounts: [{broker: z}]}]", "unknown broker"},
		{"strategy without type", "strategies: [{id: s}]", "needs id and type"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseCatalog([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadEnvDefaults(t *testing.T) {
	t.Setenv("SCHEDULER_TICK_MS", "250")
	t.Setenv("API_RATE_LIMIT", "5")
	dir := t.TempDir()
	wd, _ := os.Getwd()
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(wd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SchedulerTick != 250*time.Millisecond || cfg.APIRateLimit != 5 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Port != "8080" || cfg.BrokerTimeout != 5*time.Second || cfg.DBPath != "./data/execution.db" {
		t.Fatalf("defaults wrong: %+v", cfg)
	}
}

func TestShippedCatalogLoads(t *testing.T) {
	c, err := LoadCatalog("../../config/catalog.yaml")
	if err != nil {
		t.Fatalf("load shipped catalog: %v", err)
	}
	if len(c.Brokers) < 2 || len(c.Accounts) == 0 || len(c.RoutingRules) == 0 {
		t.Fatalf("shipped catalog too sparse: %+v", c)
	}
	if got := c.Accounts[0].Cadence; got != 5*time.Minute {
		t.Fatalf("cadence = %v, want 5m", got)
	}
	if pts := c.VolumeProfiles["EURUSD"]; len(pts) != 4 || pts[1].Offset != 15*time.Minute {
		t.Fatalf("EURUSD profile = %+v", pts)
	}
}
