package routing

import (
	"fmt"
	"math"
	"strings"
	"time"

	"execution-core/internal/apperr"
	"execution-core/pkg/config"
)

// Window is a daily time-of-day window, possibly wrapping midnight.
type Window struct {
	Start string `json:"start"`
	End   string `json:"end"`
	TZ    string `json:"tz,omitempty"`

	loc        *time.Location
	start, end int // minutes after midnight
}

func (w *Window) compile() error {
	loc := time.UTC
	if w.TZ != "" {
		l, err := time.LoadLocation(w.TZ)
		if err != nil {
			return apperr.Validationf("routing.Window", "invalid_tz:%s", w.TZ)
		}
		loc = l
	}
	start, err := minutes(w.Start)
	if err != nil {
		return err
	}
	end, err := minutes(w.End)
	if err != nil {
		return err
	}
	w.loc, w.start, w.end = loc, start, end
	return nil
}

func minutes(hhmm string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, apperr.Validationf("routing.Window", "invalid_time:%s", hhmm)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether t falls inside the window. Start is inclusive,
// end exclusive.
func (w *Window) Contains(t time.Time) bool {
	loc := w.loc
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	m := lt.Hour()*60 + lt.Minute()
	if w.start <= w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// Allocation is one broker's share of a split order.
type Allocation struct {
	Broker  string  `json:"broker"`
	Percent float64 `json:"percent"`
}

// Rule selects brokers for orders matching its conditions.
type Rule struct {
	ID           string       `json:"id"`
	Name         string       `json:"name,omitempty"`
	Priority     int          `json:"priority"`
	Enabled      bool         `json:"enabled"`
	Symbols      []string     `json:"symbols,omitempty"`
	MinQty       float64      `json:"min_qty,omitempty"`
	MaxQty       float64      `json:"max_qty,omitempty"`
	Window       *Window      `json:"window,omitempty"`
	MaxSpreadBps float64      `json:"max_spread_bps,omitempty"`
	Allocations  []Allocation `json:"allocations,omitempty"`
	Primary      string       `json:"primary,omitempty"`
	Fallbacks    []string     `json:"fallbacks,omitempty"`
}

// RuleFromConfig converts a catalog entry.
func RuleFromConfig(c config.RoutingRuleConfig) Rule {
	r := Rule{
		ID:           c.ID,
		Name:         c.Name,
		Priority:     c.Priority,
		Enabled:      c.IsEnabled(),
		Symbols:      c.Symbols,
		MinQty:       c.MinQty,
		MaxQty:       c.MaxQty,
		MaxSpreadBps: c.MaxSpreadBps,
		Primary:      c.Primary,
		Fallbacks:    c.Fallbacks,
	}
	if c.Window != nil {
		r.Window = &Window{Start: c.Window.Start, End: c.Window.End, TZ: c.Window.TZ}
	}
	for _, a := range c.Allocations {
		r.Allocations = append(r.Allocations, Allocation{Broker: a.Broker, Percent: a.Percent})
	}
	return r
}

// normalize validates the rule and prepares it for matching.
func (r *Rule) normalize() error {
	const op = "routing.Rule"
	r.ID = strings.TrimSpace(r.ID)
	if r.ID == "" {
		return apperr.Validation(op, "rule_id_required")
	}
	for i, s := range r.Symbols {
		r.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	if r.MinQty < 0 || r.MaxQty < 0 || (r.MaxQty > 0 && r.MinQty > r.MaxQty) {
		return apperr.Validationf(op, "invalid_qty_band:%g-%g", r.MinQty, r.MaxQty)
	}
	if r.MaxSpreadBps < 0 {
		return apperr.Validation(op, "invalid_max_spread_bps")
	}
	if r.Window != nil {
		if err := r.Window.compile(); err != nil {
			return err
		}
	}
	switch {
	case len(r.Allocations) > 0 && r.Primary != "":
		return apperr.Validation(op, "allocations_and_primary_are_exclusive")
	case len(r.Allocations) > 0:
		var sum float64
		seen := map[string]bool{}
		for _, a := range r.Allocations {
			if a.Broker == "" || a.Percent <= 0 {
				return apperr.Validationf(op, "invalid_allocation:%s", a.Broker)
			}
			if seen[a.Broker] {
				return apperr.Validationf(op, "duplicate_allocation:%s", a.Broker)
			}
			seen[a.Broker] = true
			sum += a.Percent
		}
		if math.Abs(sum-100) > 1e-9 {
			return apperr.Validation(op, fmt.Sprintf("allocations_must_sum_to_100:%g", sum))
		}
	case r.Primary == "":
		return apperr.Validation(op, "primary_or_allocations_required")
	}
	return nil
}

// Brokers lists every broker the rule may send to.
func (r *Rule) Brokers() []string {
	if len(r.Allocations) > 0 {
		out := make([]string, len(r.Allocations))
		for i, a := range r.Allocations {
			out[i] = a.Broker
		}
		return out
	}
	return append([]string{r.Primary}, r.Fallbacks...)
}

// matches checks the order-level conditions. The spread ceiling is checked
// separately because it needs quotes.
func (r *Rule) matches(symbol string, qty float64, now time.Time) bool {
	if !r.Enabled {
		return false
	}
	if len(r.Symbols) > 0 {
		found := false
		for _, s := range r.Symbols {
			if s == symbol || s == "*" {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if r.MinQty > 0 && qty < r.MinQty {
		return false
	}
	if r.MaxQty > 0 && qty > r.MaxQty {
		return false
	}
	if r.Window != nil && !r.Window.Contains(now) {
		return false
	}
	return true
}

func (r *Rule) clone() Rule {
	cp := *r
	cp.Symbols = append([]string(nil), r.Symbols...)
	cp.Allocations = append([]Allocation(nil), r.Allocations...)
	cp.Fallbacks = append([]string(nil), r.Fallbacks...)
	if r.Window != nil {
		w := *r.Window
		cp.Window = &w
	}
	return cp
}
