package strategy

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
)

// Params are free-form strategy parameters as decoded from YAML or JSON.
type Params map[string]any

// Merge returns a copy of p with overrides applied on top.
func (p Params) Merge(overrides Params) Params {
	out := make(Params, len(p)+len(overrides))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

// Float reads a numeric parameter.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, apperr.Validationf("strategy.params", "invalid_number:%s", key)
		}
		return f, nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		if err != nil {
			return 0, apperr.Validationf("strategy.params", "invalid_number:%s", key)
		}
		return f, nil
	}
	return 0, apperr.Validationf("strategy.params", "invalid_number:%s", key)
}

// Int reads an integer parameter.
func (p Params) Int(key string, def int) (int, error) {
	f, err := p.Float(key, float64(def))
	if err != nil {
		return 0, err
	}
	if f != float64(int(f)) {
		return 0, apperr.Validationf("strategy.params", "invalid_integer:%s", key)
	}
	return int(f), nil
}

// String reads a string parameter.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Duration reads a duration given either as milliseconds or as a Go
// duration string ("90s").
func (p Params) Duration(key string, def time.Duration) (time.Duration, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return def, nil
	}
	if s, ok := v.(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, nil
		}
	}
	ms, err := p.Float(key, 0)
	if err != nil {
		return 0, apperr.Validationf("strategy.params", "invalid_duration:%s", key)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// precision returns the number of decimal places slices are truncated to:
// the qty_precision parameter, else the parent quantity's own precision.
func precision(p Params, qty decimal.Decimal) (int32, error) {
	def := int(0)
	if exp := qty.Exponent(); exp < 0 {
		def = int(-exp)
	}
	n, err := p.Int("qty_precision", def)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 12 {
		return 0, apperr.Validationf("strategy.params", "invalid_qty_precision:%d", n)
	}
	return int32(n), nil
}

// percent reads a percentage in (0, 100].
func percent(p Params, key string, def float64) (float64, error) {
	pct, err := p.Float(key, def)
	if err != nil {
		return 0, err
	}
	if pct <= 0 || pct > 100 {
		return 0, apperr.Validationf("strategy.params", "%s_out_of_range:%g", key, pct)
	}
	return pct, nil
}
