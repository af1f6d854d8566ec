package fx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Source fetches rates as pivot value per unit of currency.
type Source interface {
	Fetch(ctx context.Context) (map[string]decimal.Decimal, error)
}

// HTTPSource reads a `{"base": "USD", "rates": {"EUR": 0.92}}` document where
// each rate is units of currency per one unit of base.
type HTTPSource struct {
	URL        string
	Pivot      string
	HTTPClient *http.Client
}

type ratesResponse struct {
	Base  string             `json:"base"`
	Rates map[string]float64 `json:"rates"`
}

// Fetch implements Source.
func (s *HTTPSource) Fetch(ctx context.Context) (map[string]decimal.Decimal, error) {
	client := s.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var data ratesResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	if len(data.Rates) == 0 {
		return nil, fmt.Errorf("empty rate document")
	}
	if s.Pivot != "" && data.Base != "" && !strings.EqualFold(s.Pivot, data.Base) {
		return nil, fmt.Errorf("rate base %s does not match pivot %s", data.Base, s.Pivot)
	}

	out := make(map[string]decimal.Decimal, len(data.Rates))
	for ccy, perBase := range data.Rates {
		if perBase <= 0 {
			continue
		}
		out[strings.ToUpper(ccy)] = decimal.NewFromInt(1).Div(decimal.NewFromFloat(perBase))
	}
	return out, nil
}

// Refresher polls a Source on a fixed interval and feeds the Table.
type Refresher struct {
	table    *Table
	source   Source
	interval time.Duration
	attempts int
	baseWait time.Duration
	log      *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRefresher creates a refresher; interval defaults to five minutes.
func NewRefresher(table *Table, source Source, interval time.Duration, log *zap.Logger) *Refresher {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Refresher{
		table:    table,
		source:   source,
		interval: interval,
		attempts: 3,
		baseWait: time.Second,
		log:      log.Named("fx"),
	}
}

// Start fetches once and then keeps polling until ctx ends or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	if err := r.Refresh(ctx); err != nil {
		r.log.Warn("initial exchange rate fetch failed", zap.Error(err))
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					r.log.Warn("exchange rate fetch failed", zap.Error(err))
				}
			}
		}
	}()
}

// Refresh fetches with exponential backoff between attempts.
func (r *Refresher) Refresh(ctx context.Context) error {
	var lastErr error
	for i := 0; i < r.attempts; i++ {
		if i > 0 {
			delay := r.baseWait * time.Duration(1<<uint(i-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		rates, err := r.source.Fetch(ctx)
		if err == nil {
			r.table.Update(rates)
			r.log.Debug("exchange rates updated", zap.Int("currencies", len(rates)))
			return nil
		}
		lastErr = err
		r.log.Debug("exchange rate fetch attempt failed", zap.Int("attempt", i+1), zap.Error(err))
	}
	return lastErr
}

// Stop halts polling.
func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
	}
}
