package reconciliation

import (
	"fmt"
	"sort"
	"strings"

	exchange "execution-core/pkg/exchanges/common"
)

// Rates converts amounts between currencies.
type Rates interface {
	Convert(amount float64, from, to string) (float64, error)
}

// DefaultSuffixes are broker symbol decorations removed before matching.
var DefaultSuffixes = []string{".PRO", ".ECN", "-ECN", ".RAW", ".STD", ".M", ".I", ".C", "#", "+"}

// Normalizer maps broker-local symbols to canonical ones and expresses
// monetary fields in a master currency.
type Normalizer struct {
	aliases  map[string]map[string]string
	suffixes []string
	rates    Rates
	master   string

	warnings map[string]bool
}

// NewNormalizer builds a normalizer for one account. rates may be nil, in
// which case every foreign amount is kept at a rate of 1.
func NewNormalizer(a Account, rates Rates) *Normalizer {
	n := &Normalizer{
		aliases:  make(map[string]map[string]string, len(a.Aliases)),
		suffixes: DefaultSuffixes,
		rates:    rates,
		master:   a.MasterCurrency,
		warnings: map[string]bool{},
	}
	for broker, m := range a.Aliases {
		inner := make(map[string]string, len(m))
		for local, canonical := range m {
			inner[strings.ToUpper(strings.TrimSpace(local))] = strings.ToUpper(strings.TrimSpace(canonical))
		}
		n.aliases[broker] = inner
	}
	return n
}

// Symbol returns the canonical spelling of a broker-local symbol.
func (n *Normalizer) Symbol(broker, local string) string {
	s := strings.ToUpper(strings.TrimSpace(local))
	if m, ok := n.aliases[broker]; ok {
		if c, ok := m[s]; ok {
			return c
		}
	}
	for _, suf := range n.suffixes {
		if len(s) > len(suf) && strings.HasSuffix(s, suf) {
			s = strings.TrimSuffix(s, suf)
			break
		}
	}
	return strings.NewReplacer("/", "", "_", "", "-", "", ".", "", " ", "").Replace(s)
}

// Currency infers the currency of a position: the reported one, then the
// sub-account's, then the first three letters of the symbol.
func Currency(reported, subAccount, symbol string) string {
	switch {
	case reported != "":
		return strings.ToUpper(reported)
	case subAccount != "":
		return strings.ToUpper(subAccount)
	case len(symbol) >= 3:
		return symbol[:3]
	}
	return ""
}

func (n *Normalizer) rate(ccy string) float64 {
	if ccy == "" || ccy == n.master {
		return 1
	}
	if n.rates != nil {
		if r, err := n.rates.Convert(1, ccy, n.master); err == nil && r > 0 {
			return r
		}
	}
	n.warnings[fmt.Sprintf("missing_fx_rate:%s/%s", ccy, n.master)] = true
	return 1
}

// Holding normalizes one broker position.
func (n *Normalizer) Holding(sa SubAccount, p exchange.Position) Holding {
	symbol := n.Symbol(sa.Broker, p.Symbol)
	ccy := Currency(p.Currency, sa.Currency, symbol)
	r := n.rate(ccy)
	price := p.CurrentPrice
	if price == 0 {
		price = p.AvgPrice
	}
	mv := p.MarketValue
	if mv == 0 {
		mv = p.Qty * price
	}
	return Holding{
		Broker:        sa.Broker,
		Account:       sa.Account,
		LocalSymbol:   p.Symbol,
		Symbol:        symbol,
		Qty:           p.SignedQty(),
		AvgPrice:      p.AvgPrice,
		CurrentPrice:  price,
		MarketValue:   mv * r,
		UnrealizedPnL: p.UnrealizedPnL * r,
		Margin:        p.Margin * r,
		Currency:      ccy,
		FXRate:        r,
	}
}

// Warnings lists the distinct problems met while normalizing.
func (n *Normalizer) Warnings() []string {
	out := make([]string, 0, len(n.warnings))
	for w := range n.warnings {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}
