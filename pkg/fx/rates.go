// Package fx keeps the exchange-rate table used to express positions in an
// account's master currency.
package fx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned when no rate is known for a currency.
var ErrUnknownCurrency = errors.New("unknown currency")

// Table stores the value of one unit of each currency in pivot units.
type Table struct {
	mu        sync.RWMutex
	pivot     string
	rates     map[string]decimal.Decimal
	updatedAt time.Time
}

// NewTable creates a table around pivot, seeded with rates expressed as the
// pivot value of one unit of each currency (e.g. EUR: 1.08 for a USD pivot).
func NewTable(pivot string, seed map[string]float64) *Table {
	pivot = strings.ToUpper(pivot)
	if pivot == "" {
		pivot = "USD"
	}
	t := &Table{
		pivot: pivot,
		rates: map[string]decimal.Decimal{pivot: decimal.NewFromInt(1)},
	}
	for ccy, v := range seed {
		if v > 0 {
			t.rates[strings.ToUpper(ccy)] = decimal.NewFromFloat(v)
		}
	}
	if len(seed) > 0 {
		t.updatedAt = time.Now()
	}
	return t
}

// Pivot returns the pivot currency code.
func (t *Table) Pivot() string { return t.pivot }

// Update replaces known rates; currencies absent from rates keep their value.
func (t *Table) Update(rates map[string]decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ccy, v := range rates {
		if v.IsPositive() {
			t.rates[strings.ToUpper(ccy)] = v
		}
	}
	t.rates[t.pivot] = decimal.NewFromInt(1)
	t.updatedAt = time.Now()
}

// Rate returns how many units of to one unit of from is worth.
func (t *Table) Rate(from, to string) (decimal.Decimal, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	t.mu.RLock()
	f, okFrom := t.rates[from]
	d, okTo := t.rates[to]
	t.mu.RUnlock()
	if !okFrom {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, from)
	}
	if !okTo {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownCurrency, to)
	}
	return f.Div(d), nil
}

// Convert expresses amount of from in to.
func (t *Table) Convert(amount float64, from, to string) (float64, error) {
	r, err := t.Rate(from, to)
	if err != nil {
		return amount, err
	}
	v, _ := decimal.NewFromFloat(amount).Mul(r).Float64()
	return v, nil
}

// Snapshot returns a copy of all rates as floats.
func (t *Table) Snapshot() map[string]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]float64, len(t.rates))
	for ccy, v := range t.rates {
		out[ccy], _ = v.Float64()
	}
	return out
}

// UpdatedAt returns the time of the last successful update.
func (t *Table) UpdatedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.updatedAt
}
