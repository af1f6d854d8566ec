package paper

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	exchange "execution-core/pkg/exchanges/common"
)

func TestImmediateFillUpdatesPosition(t *testing.T) {
	ctx := context.Background()
	b := New("A", WithCurrency("USD"))
	b.SetQuote("EURUSD", 1.1000, 1.1002, 1e6, 1e6)

	res, err := b.SubmitOrder(ctx, exchange.OrderRequest{
		ClientID: "c1", AccountID: "acc", Symbol: "EURUSD",
		Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: 10000,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.Status != exchange.StatusFilled || res.FilledQty != 10000 || math.Abs(res.AvgPrice-1.1002) > 1e-12 {
		t.Fatalf("unexpected result %+v", res)
	}

	// Sell part of it back at the bid.
	if _, err := b.SubmitOrder(ctx, exchange.OrderRequest{
		AccountID: "acc", Symbol: "EURUSD", Side: exchange.SideSell, Type: exchange.OrderTypeMarket, Qty: 4000,
	}); err != nil {
		t.Fatalf("SubmitOrder sell: %v", err)
	}

	positions, err := b.ListPositions(ctx, exchange.PositionFilter{AccountID: "acc"})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.Side != exchange.PositionLong || p.Qty != 6000 || p.Currency != "USD" {
		t.Fatalf("unexpected position %+v", p)
	}
	wantRealized := (1.1000 - 1.1002) * 4000
	if math.Abs(p.RealizedPnL-wantRealized) > 1e-9 {
		t.Fatalf("realized = %v, want %v", p.RealizedPnL, wantRealized)
	}
}

func TestRestingOrdersAndCancel(t *testing.T) {
	ctx := context.Background()
	b := New("B", WithFillMode(FillResting))
	b.SetQuote("XAUUSD", 2000, 2001, 10, 10)

	res, err := b.SubmitOrder(ctx, exchange.OrderRequest{ClientID: "slice-1", Symbol: "XAUUSD", Side: exchange.SideBuy, Qty: 5})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.Status != exchange.StatusNew {
		t.Fatalf("status = %s, want NEW", res.Status)
	}

	if err := b.FillByClientID("slice-1", 2000.5); err != nil {
		t.Fatalf("FillByClientID: %v", err)
	}
	orders, _ := b.ListOrders(ctx, exchange.OrderFilter{ClientIDs: []string{"slice-1"}})
	if len(orders) != 1 || orders[0].Status != exchange.StatusFilled {
		t.Fatalf("orders = %+v", orders)
	}
	if err := b.CancelOrder(ctx, "XAUUSD", res.ExchangeOrderID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel filled order err = %v", err)
	}

	res2, _ := b.SubmitOrder(ctx, exchange.OrderRequest{Symbol: "XAUUSD", Side: exchange.SideSell, Qty: 1})
	if err := b.CancelOrder(ctx, "XAUUSD", res2.ExchangeOrderID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	open, _ := b.ListOrders(ctx, exchange.OrderFilter{OnlyOpen: true})
	if len(open) != 0 {
		t.Fatalf("open orders = %d, want 0", len(open))
	}
}

func TestFailureInjectionAndLatency(t *testing.T) {
	b := New("C", WithLatency(50*time.Millisecond))
	b.Fail("ListPositions", errors.New("boom"))

	if _, err := b.ListPositions(context.Background(), exchange.PositionFilter{}); err == nil {
		t.Fatalf("expected injected failure")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := b.Ping(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Ping err = %v, want deadline exceeded", err)
	}
	if b.Calls("Ping") != 1 {
		t.Fatalf("Ping calls = %d", b.Calls("Ping"))
	}
}

func TestMarketOrderWithoutQuoteRejected(t *testing.T) {
	b := New("D")
	_, err := b.SubmitOrder(context.Background(), exchange.OrderRequest{Symbol: "GBPUSD", Side: exchange.SideBuy, Qty: 1, Type: exchange.OrderTypeMarket})
	if !errors.Is(err, ErrNoQuote) {
		t.Fatalf("err = %v, want ErrNoQuote", err)
	}
}
