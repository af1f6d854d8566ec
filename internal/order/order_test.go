package order

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/apperr"
	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/exchanges/paper"
)

func TestValidate(t *testing.T) {
	base := func() Order {
		return Order{Symbol: "EURUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(10)}
	}
	tests := []struct {
		name   string
		mutate func(o *Order)
		reason string
	}{
		{"ok", func(o *Order) {}, ""},
		{"zero qty", func(o *Order) { o.Qty = decimal.Zero }, "quantity_must_be_positive:0"},
		{"negative qty", func(o *Order) { o.Qty = decimal.NewFromInt(-1) }, "quantity_must_be_positive:-1"},
		{"no symbol", func(o *Order) { o.Symbol = " " }, "symbol_required"},
		{"bad side", func(o *Order) { o.Side = "HOLD" }, "invalid_side:HOLD"},
		{"limit without price", func(o *Order) { o.Type = exchange.OrderTypeLimit }, "limit_price_required"},
		{"stop without trigger", func(o *Order) { o.Type = exchange.OrderTypeStop }, "stop_price_required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := base()
			tt.mutate(&o)
			err := o.Validate()
			if tt.reason == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !apperr.Is(err, apperr.KindValidation) || apperr.Reason(err) != tt.reason {
				t.Fatalf("err = %v, want validation %q", err, tt.reason)
			}
		})
	}
}

func TestTransitionIsMonotonic(t *testing.T) {
	now := time.Now()
	o := &Order{}
	for _, s := range []Status{StatusReady, StatusWorking, StatusWorking, StatusFilled} {
		if err := o.Transition(s, now); err != nil {
			t.Fatalf("Transition(%s): %v", s, err)
		}
	}
	for _, s := range []Status{StatusPending, StatusWorking, StatusCancelled} {
		if err := o.Transition(s, now); !apperr.Is(err, apperr.KindConflict) {
			t.Fatalf("Transition(filled->%s) err = %v, want conflict", s, err)
		}
	}
	if o.Status != StatusFilled {
		t.Fatalf("status = %s", o.Status)
	}

	w := &Order{Status: StatusWorking}
	if err := w.Transition(StatusReady, now); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("backward move err = %v", err)
	}
}

func TestApplyKeepsFillsMonotonic(t *testing.T) {
	now := time.Now()
	o := &Order{Qty: decimal.NewFromInt(100), Status: StatusWorking}
	if err := o.Apply(exchange.StatusPartial, 40, 1.1, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	// A stale report must not reduce the filled quantity.
	if err := o.Apply(exchange.StatusPartial, 10, 1.2, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !o.FilledQty.Equal(decimal.NewFromInt(40)) || o.AvgFillPrice != 1.1 {
		t.Fatalf("filled = %s avg = %v", o.FilledQty, o.AvgFillPrice)
	}
	if err := o.Apply(exchange.StatusFilled, 100, 1.15, now); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if o.Status != StatusFilled || !o.Remaining().IsZero() {
		t.Fatalf("status = %s remaining = %s", o.Status, o.Remaining())
	}
}

func TestSubmitAndRefresh(t *testing.T) {
	ctx := context.Background()
	b := paper.New("A", paper.WithFillMode(paper.FillResting))
	b.SetQuote("EURUSD", 1.1, 1.1002, 1e6, 1e6)

	o := &Order{ID: "child-1", BrokerID: "A", Symbol: "EURUSD", Side: exchange.SideBuy, Qty: decimal.NewFromInt(1000)}
	if err := Submit(ctx, b, o, nil); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if o.Status != StatusWorking || o.ExchangeOrderID == "" {
		t.Fatalf("after submit: %+v", o)
	}

	if changed, err := Refresh(ctx, b, o); err != nil || changed {
		t.Fatalf("Refresh before fill = %v, %v", changed, err)
	}
	if err := b.FillOrder(o.ExchangeOrderID, 400, 1.1001); err != nil {
		t.Fatalf("FillOrder: %v", err)
	}
	if changed, err := Refresh(ctx, b, o); err != nil || !changed {
		t.Fatalf("Refresh after partial = %v, %v", changed, err)
	}
	if !o.FilledQty.Equal(decimal.NewFromInt(400)) || o.Status != StatusWorking {
		t.Fatalf("after partial: filled=%s status=%s", o.FilledQty, o.Status)
	}
	_ = b.FillByClientID("child-1", 1.1003)
	if _, err := Refresh(ctx, b, o); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if o.Status != StatusFilled {
		t.Fatalf("status = %s, want filled", o.Status)
	}
}

func TestSubmitFailureMarksFailed(t *testing.T) {
	b := paper.New("A")
	b.Fail("SubmitOrder", errors.New("insufficient margin"))
	o := &Order{ID: "x", Symbol: "EURUSD", Side: exchange.SideSell, Qty: decimal.NewFromInt(1)}
	if err := Submit(context.Background(), b, o, nil); err == nil {
		t.Fatalf("expected error")
	}
	if o.Status != StatusFailed || o.Error != "insufficient margin" {
		t.Fatalf("order = %+v", o)
	}
}

func TestPoolBoundsWorkers(t *testing.T) {
	p := NewPool(2)
	release := make(chan struct{})
	var ran atomic.Int32

	for i := 0; i < 2; i++ {
		if !p.TryGo(func() { <-release; ran.Add(1) }) {
			t.Fatalf("TryGo #%d rejected", i)
		}
	}
	if p.TryGo(func() {}) {
		t.Fatalf("TryGo accepted work beyond capacity")
	}
	if p.Busy() != 2 {
		t.Fatalf("Busy = %d", p.Busy())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := p.Go(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Go err = %v", err)
	}

	close(release)
	p.Wait()
	if ran.Load() != 2 {
		t.Fatalf("ran = %d", ran.Load())
	}
	if err := p.Go(context.Background(), func() { ran.Add(1) }); err != nil {
		t.Fatalf("Go: %v", err)
	}
	p.Close()
	if ran.Load() != 3 {
		t.Fatalf("ran = %d", ran.Load())
	}
	if err := p.Go(context.Background(), func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("Go after close err = %v", err)
	}
}
