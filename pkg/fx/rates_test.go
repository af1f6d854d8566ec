package fx

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTableConvert(t *testing.T) {
	table := NewTable("USD", map[string]float64{"EUR": 1.08, "JPY": 0.0067})

	cases := []struct {
		name     string
		amount   float64
		from, to string
		want     float64
	}{
		{"same currency", 100, "USD", "USD", 100},
		{"eur to usd", 100, "EUR", "USD", 108},
		{"usd to eur", 108, "usd", "eur", 100},
		{"eur to jpy", 1, "EUR", "JPY", 1.08 / 0.0067},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := table.Convert(tc.amount, tc.from, tc.to)
			if err != nil {
				t.Fatalf("Convert: %v", err)
			}
			if math.Abs(got-tc.want) > 1e-6 {
				t.Fatalf("Convert = %v, want %v", got, tc.want)
			}
		})
	}

	if _, err := table.Convert(1, "CHF", "USD"); !errors.Is(err, ErrUnknownCurrency) {
		t.Fatalf("expected ErrUnknownCurrency, got %v", err)
	}
}

func TestRefresherUsesHTTPSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"base":"USD","rates":{"EUR":0.5,"GBP":0.25}}`))
	}))
	defer srv.Close()

	table := NewTable("USD", nil)
	r := NewRefresher(table, &HTTPSource{URL: srv.URL, Pivot: "USD"}, time.Hour, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	got, err := table.Convert(1, "EUR", "USD")
	if err != nil || got != 2 {
		t.Fatalf("EUR->USD = %v, %v; want 2", got, err)
	}
	if table.UpdatedAt().IsZero() {
		t.Fatalf("expected UpdatedAt to be set")
	}
}

type failingSource struct{ calls int }

func (f *failingSource) Fetch(context.Context) (map[string]decimal.Decimal, error) {
	f.calls++
	return nil, errors.New("down")
}

func TestRefresherRetriesThenFails(t *testing.T) {
	src := &failingSource{}
	r := NewRefresher(NewTable("USD", nil), src, time.Hour, nil)
	r.baseWait = time.Millisecond
	if err := r.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error")
	}
	if src.calls != 3 {
		t.Fatalf("calls = %d, want 3", src.calls)
	}
}
