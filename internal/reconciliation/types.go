// Package reconciliation compares the positions one logical account holds at
// several brokers, flags cross-broker discrepancies and scores the account.
package reconciliation

import (
	"sort"
	"strings"
	"time"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

// Severity grades a discrepancy.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool { return s.Rank() >= min.Rank() }

// ParseSeverity accepts any case; ok is false for unknown names.
func ParseSeverity(v string) (Severity, bool) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	return s, s.Rank() > 0
}

// DiscrepancyType names what differs.
type DiscrepancyType string

const (
	TypeQuantity        DiscrepancyType = "quantity"
	TypePrice           DiscrepancyType = "price"
	TypeValue           DiscrepancyType = "value"
	TypePnL             DiscrepancyType = "pnl"
	TypeMissingPosition DiscrepancyType = "missing_position"
	TypeExtraPosition   DiscrepancyType = "extra_position"
)

// State is where an account's reconciliation pass currently is.
type State string

const (
	StateIdle          State = "idle"
	StateCollecting    State = "collecting"
	StateConsolidating State = "consolidating"
	StateScoring       State = "scoring"
)

// Tolerances bound the acceptable cross-broker differences. A zero
// percentage disables the relative check it governs.
type Tolerances struct {
	Position float64       `json:"position"`
	ValuePct float64       `json:"value_pct"`
	PnLPct   float64       `json:"pnl_pct"`
	Time     time.Duration `json:"time"`
}

// SubAccount is one broker-side account of a reconciliation account.
type SubAccount struct {
	Broker   string `json:"broker"`
	Account  string `json:"account"`
	Currency string `json:"currency,omitempty"`
	Active   bool   `json:"active"`
}

// Account is a logical account spread across brokers.
type Account struct {
	ID             string                       `json:"id"`
	Name           string                       `json:"name,omitempty"`
	MasterCurrency string                       `json:"master_currency"`
	Cadence        time.Duration                `json:"cadence"`
	Tolerances     Tolerances                   `json:"tolerances"`
	SubAccounts    []SubAccount                 `json:"sub_accounts"`
	Aliases        map[string]map[string]string `json:"symbol_aliases,omitempty"`
	Symbols        []string                     `json:"symbols,omitempty"`
}

// AccountFromConfig converts a catalog entry.
func AccountFromConfig(c config.AccountConfig) Account {
	a := Account{
		ID:             c.ID,
		Name:           c.Name,
		MasterCurrency: c.MasterCurrency,
		Cadence:        c.Cadence,
		Tolerances: Tolerances{
			Position: c.Tolerances.Position,
			ValuePct: c.Tolerances.ValuePct,
			PnLPct:   c.Tolerances.PnLPct,
			Time:     time.Duration(c.Tolerances.TimeMs) * time.Millisecond,
		},
		Aliases: c.SymbolAliases,
		Symbols: c.Symbols,
	}
	for _, sa := range c.SubAccounts {
		a.SubAccounts = append(a.SubAccounts, SubAccount{
			Broker:   sa.Broker,
			Account:  sa.Account,
			Currency: sa.Currency,
			Active:   sa.IsActive(),
		})
	}
	return a
}

func (a *Account) normalize() error {
	const op = "reconciliation.Account"
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return apperr.Validation(op, "account_id_required")
	}
	if len(a.SubAccounts) == 0 {
		return apperr.Validation(op, "sub_accounts_required")
	}
	seen := map[string]bool{}
	for _, sa := range a.SubAccounts {
		if sa.Broker == "" {
			return apperr.Validation(op, "sub_account_broker_required")
		}
		k := sa.Broker + "|" + sa.Account
		if seen[k] {
			return apperr.Validationf(op, "duplicate_sub_account:%s", k)
		}
		seen[k] = true
	}
	t := a.Tolerances
	if t.Position < 0 || t.ValuePct < 0 || t.PnLPct < 0 || t.Time < 0 {
		return apperr.Validation(op, "negative_tolerance")
	}
	a.MasterCurrency = strings.ToUpper(strings.TrimSpace(a.MasterCurrency))
	if a.MasterCurrency == "" {
		a.MasterCurrency = "USD"
	}
	if a.Cadence <= 0 {
		a.Cadence = 5 * time.Minute
	}
	if a.Tolerances.Time == 0 {
		a.Tolerances.Time = time.Second
	}
	for i, s := range a.Symbols {
		a.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return nil
}

func (a Account) active() []SubAccount {
	var out []SubAccount
	for _, sa := range a.SubAccounts {
		if sa.Active {
			out = append(out, sa)
		}
	}
	return out
}

func (a Account) clone() Account {
	cp := a
	cp.SubAccounts = append([]SubAccount(nil), a.SubAccounts...)
	cp.Symbols = append([]string(nil), a.Symbols...)
	if a.Aliases != nil {
		cp.Aliases = make(map[string]map[string]string, len(a.Aliases))
		for b, m := range a.Aliases {
			inner := make(map[string]string, len(m))
			for k, v := range m {
				inner[k] = v
			}
			cp.Aliases[b] = inner
		}
	}
	return cp
}

// Holding is one broker's normalized position. Quantities are signed;
// monetary fields are in the account's master currency.
type Holding struct {
	Broker        string  `json:"broker"`
	Account       string  `json:"account"`
	LocalSymbol   string  `json:"local_symbol"`
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgPrice      float64 `json:"avg_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`
	Margin        float64 `json:"margin"`
	Currency      string  `json:"currency"`
	FXRate        float64 `json:"fx_rate"`
}

// Position is the consolidated view of one canonical symbol.
type Position struct {
	Symbol         string             `json:"symbol"`
	NetQty         float64            `json:"net_qty"`
	GrossQty       float64            `json:"gross_qty"`
	NetSide        string             `json:"net_side"`
	AvgPrice       float64            `json:"avg_price"`
	MarketValue    float64            `json:"market_value"`
	UnrealizedPnL  float64            `json:"unrealized_pnl"`
	Margin         float64            `json:"margin"`
	Contributions  map[string]float64 `json:"contributions"`
	Holdings       []Holding          `json:"holdings"`
	MissingBrokers []string           `json:"missing_brokers,omitempty"`
}

// Discrepancy is one flagged difference. Broker reported Actual; the
// counter broker (if any) reported Expected. Account and CounterAccount name
// the sub-accounts when the comparison is per sub-account.
type Discrepancy struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Type           DiscrepancyType `json:"type"`
	Symbol         string          `json:"symbol"`
	Broker         string          `json:"broker"`
	Account        string          `json:"account,omitempty"`
	CounterBroker  string          `json:"counter_broker,omitempty"`
	CounterAccount string          `json:"counter_account,omitempty"`
	Expected       float64         `json:"expected"`
	Actual         float64         `json:"actual"`
	Difference     float64         `json:"difference"`
	DiffPct        float64         `json:"diff_pct"`
	Severity       Severity        `json:"severity"`
	DetectedAt     time.Time       `json:"detected_at"`
	Resolved       bool            `json:"resolved"`
	Resolution     string          `json:"resolution,omitempty"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

// Key identifies the same discrepancy across passes.
func (d Discrepancy) Key() string {
	pair := []string{d.Broker, d.CounterBroker}
	sort.Strings(pair)
	return strings.Join([]string{d.AccountID, string(d.Type), d.Symbol, pair[0], pair[1]}, "|")
}

// BrokerStatus records how a broker fetch went in one pass.
type BrokerStatus struct {
	Broker    string `json:"broker"`
	Account   string `json:"account"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Items     int    `json:"items"`
}

// Snapshot is the immutable result of one reconciliation pass.
type Snapshot struct {
	ID             string         `json:"id"`
	AccountID      string         `json:"account_id"`
	MasterCurrency string         `json:"master_currency"`
	Score          float64        `json:"score"`
	Positions      []Position     `json:"positions"`
	Discrepancies  []Discrepancy  `json:"discrepancies"`
	Brokers        []BrokerStatus `json:"brokers"`
	Warnings       []string       `json:"warnings,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	CreatedAt      time.Time      `json:"created_at"`
	DurationMs     int64          `json:"duration_ms"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Positions = make([]Position, len(s.Positions))
	for i, p := range s.Positions {
		q := p
		q.Holdings = append([]Holding(nil), p.Holdings...)
		q.MissingBrokers = append([]string(nil), p.MissingBrokers...)
		q.Contributions = make(map[string]float64, len(p.Contributions))
		for k, v := range p.Contributions {
			q.Contributions[k] = v
		}
		cp.Positions[i] = q
	}
	cp.Discrepancies = append([]Discrepancy(nil), s.Discrepancies...)
	cp.Brokers = append([]BrokerStatus(nil), s.Brokers...)
	cp.Warnings = append([]string(nil), s.Warnings...)
	return cp
}

// Position returns the consolidated position for symbol.
func (s Snapshot) Position(symbol string) (Position, bool) {
	for _, p := range s.Positions {
		if p.Symbol == symbol {
			return p, true
		}
	}
	return Position{}, false
}

// Reconciled is the payload of the reconciled event.
type Reconciled struct {
	AccountID     string    `json:"account_id"`
	SnapshotID    string    `json:"snapshot_id"`
	Score         float64   `json:"score"`
	Discrepancies int       `json:"discrepancies"`
	At            time.Time `json:"at"`
}
