package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Catalog is the YAML-described set of brokers, strategies, routing rules
// and accounts the service starts with.
type Catalog struct {
	Brokers        []BrokerConfig           `yaml:"brokers"`
	Strategies     []StrategyConfig         `yaml:"strategies"`
	RoutingRules   []RoutingRuleConfig      `yaml:"routing_rules"`
	Accounts       []AccountConfig          `yaml:"accounts"`
	VolumeProfiles map[string][]ProfilePoint `yaml:"volume_profiles"`
	Risk           RiskConfig               `yaml:"risk"`
	Settlement     SettlementConfig         `yaml:"settlement"`
	Scoring        ScoringConfig            `yaml:"scoring"`
	FX             FXConfig                 `yaml:"fx"`
	WatchSymbols   []string                 `yaml:"watch_symbols"`
}

// BrokerConfig describes one broker gateway.
type BrokerConfig struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"` // paper, mt5, alpaca, zerodha
	Disabled bool   `yaml:"disabled"`
	Account  string `yaml:"account"`
	Currency string `yaml:"currency"`

	BaseURL     string  `yaml:"base_url"`
	DataURL     string  `yaml:"data_url"`
	APIKey      string  `yaml:"api_key"`
	APISecret   string  `yaml:"api_secret"`
	AccessToken string  `yaml:"access_token"`
	Exchange    string  `yaml:"exchange"`
	Product     string  `yaml:"product"`
	RPS         float64 `yaml:"rps"`
	Burst       int     `yaml:"burst"`

	Paper PaperConfig `yaml:"paper"`
}

// PaperConfig seeds the simulated broker.
type PaperConfig struct {
	FillMode    string                `yaml:"fill_mode"` // immediate, resting
	SlippageBps float64               `yaml:"slippage_bps"`
	LatencyMs   int                   `yaml:"latency_ms"`
	Quotes      map[string]PaperQuote `yaml:"quotes"`
	Positions   []PaperPosition       `yaml:"positions"`
}

// PaperQuote is a static top-of-book.
type PaperQuote struct {
	Bid     float64 `yaml:"bid"`
	Ask     float64 `yaml:"ask"`
	BidSize float64 `yaml:"bid_size"`
	AskSize float64 `yaml:"ask_size"`
}

// PaperPosition is an opening position on the simulated broker.
type PaperPosition struct {
	Account  string  `yaml:"account"`
	Symbol   string  `yaml:"symbol"`
	Qty      float64 `yaml:"qty"` // signed
	AvgPrice float64 `yaml:"avg_price"`
}

// StrategyConfig is a named, parameterized strategy instance.
type StrategyConfig struct {
	ID     string         `yaml:"id"`
	Name   string         `yaml:"name"`
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

// RoutingRuleConfig mirrors routing.Rule.
type RoutingRuleConfig struct {
	ID           string             `yaml:"id"`
	Name         string             `yaml:"name"`
	Priority     int                `yaml:"priority"`
	Enabled      *bool              `yaml:"enabled"`
	Symbols      []string           `yaml:"symbols"`
	MinQty       float64            `yaml:"min_qty"`
	MaxQty       float64            `yaml:"max_qty"`
	Window       *WindowConfig      `yaml:"window"`
	MaxSpreadBps float64            `yaml:"max_spread_bps"`
	Allocations  []AllocationConfig `yaml:"allocations"`
	Primary      string             `yaml:"primary"`
	Fallbacks    []string           `yaml:"fallbacks"`
}

// WindowConfig is a daily HH:MM time window.
type WindowConfig struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
	TZ    string `yaml:"tz"`
}

// AllocationConfig is one leg of a split rule.
type AllocationConfig struct {
	Broker  string  `yaml:"broker"`
	Percent float64 `yaml:"percent"`
}

// AccountConfig describes a logical account spread across brokers.
type AccountConfig struct {
	ID             string                       `yaml:"id"`
	Name           string                       `yaml:"name"`
	MasterCurrency string                       `yaml:"master_currency"`
	Cadence        time.Duration                `yaml:"cadence"`
	Tolerances     TolerancesConfig             `yaml:"tolerances"`
	SubAccounts    []SubAccountConfig           `yaml:"sub_accounts"`
	SymbolAliases  map[string]map[string]string `yaml:"symbol_aliases"`
	Symbols        []string                     `yaml:"symbols"`
}

// TolerancesConfig bounds acceptable cross-broker differences.
type TolerancesConfig struct {
	Position float64 `yaml:"position"`
	ValuePct float64 `yaml:"value_pct"`
	PnLPct   float64 `yaml:"pnl_pct"`
	TimeMs   int64   `yaml:"time_ms"`
}

// SubAccountConfig links an account to one broker-side account.
type SubAccountConfig struct {
	Broker   string `yaml:"broker"`
	Account  string `yaml:"account"`
	Currency string `yaml:"currency"`
	Active   *bool  `yaml:"active"`
}

// ProfilePoint is one bucket of an intraday volume curve.
type ProfilePoint struct {
	Offset time.Duration `yaml:"offset"`
	Weight float64       `yaml:"weight"`
}

// RiskConfig holds pre-trade limits.
type RiskConfig struct {
	MaxOrderQty    float64                `yaml:"max_order_qty"`
	MinOrderQty    float64                `yaml:"min_order_qty"`
	MaxNotional    float64                `yaml:"max_notional"`
	MaxPositionQty float64                `yaml:"max_position_qty"`
	SymbolLimits   map[string]SymbolLimit `yaml:"symbol_limits"`
}

// SymbolLimit overrides the global limits for one symbol.
type SymbolLimit struct {
	MaxOrderQty    float64 `yaml:"max_order_qty"`
	MaxPositionQty float64 `yaml:"max_position_qty"`
}

// SettlementConfig tunes the settlement coordinator.
type SettlementConfig struct {
	MinSeverity       string `yaml:"min_severity"`
	RequiredApprovals int    `yaml:"required_approvals"`
	AutoProcess       bool   `yaml:"auto_process"`
}

// ScoringConfig tunes reconciliation scoring.
type ScoringConfig struct {
	BasePenalty     float64 `yaml:"base_penalty"`
	HighPenalty     float64 `yaml:"high_penalty"`
	HighBandPct     float64 `yaml:"high_band_pct"`
	MediumBandPct   float64 `yaml:"medium_band_pct"`
	CriticalBandPct float64 `yaml:"critical_band_pct"`
}

// FXConfig seeds the rate table. Rates are the pivot value of one unit.
type FXConfig struct {
	Pivot string             `yaml:"pivot"`
	Rates map[string]float64 `yaml:"rates"`
}

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML catalog.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks ids and cross references.
func (c *Catalog) Validate() error {
	brokers := make(map[string]bool, len(c.Brokers))
	for _, b := range c.Brokers {
		if b.ID == "" {
			return fmt.Errorf("catalog: broker without id")
		}
		if brokers[b.ID] {
			return fmt.Errorf("catalog: duplicate broker %q", b.ID)
		}
		switch strings.ToLower(b.Kind) {
		case "paper", "mt5", "alpaca", "zerodha":
		default:
			return fmt.Errorf("catalog: broker %q has unknown kind %q", b.ID, b.Kind)
		}
		brokers[b.ID] = true
	}

	seen := make(map[string]bool)
	for _, s := range c.Strategies {
		if s.ID == "" || s.Type == "" {
			return fmt.Errorf("catalog: strategy needs id and type")
		}
		if seen[s.ID] {
			return fmt.Errorf("catalog: duplicate strategy %q", s.ID)
		}
		seen[s.ID] = true
	}

	for _, r := range c.RoutingRules {
		if r.ID == "" {
			return fmt.Errorf("catalog: routing rule without id")
		}
		for _, a := range r.Allocations {
			if !brokers[a.Broker] {
				return fmt.Errorf("catalog: rule %q references unknown broker %q", r.ID, a.Broker)
			}
		}
		for _, b := range append([]string{r.Primary}, r.Fallbacks...) {
			if b != "" && !brokers[b] {
				return fmt.Errorf("catalog: rule %q references unknown broker %q", r.ID, b)
			}
		}
	}

	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("catalog: account without id")
		}
		for _, sa := range a.SubAccounts {
			if !brokers[sa.Broker] {
				return fmt.Errorf("catalog: account %q references unknown broker %q", a.ID, sa.Broker)
			}
		}
	}
	return nil
}

// IsActive reports whether the sub-account takes part in reconciliation.
// Unset means active.
func (s SubAccountConfig) IsActive() bool {
	return s.Active == nil || *s.Active
}

// IsEnabled reports whether the rule is enabled. Unset means enabled.
func (r RoutingRuleConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}
