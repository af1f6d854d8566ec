package mt5

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	exchange "execution-core/pkg/exchanges/common"
)

func newBridge(t *testing.T, connected bool) (*httptest.Server, *[]placeOrderBody) {
	t.Helper()
	var placed []placeOrderBody
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "running", "mt5_connected": connected})
	})
	mux.HandleFunc("/api/v1/market/EURUSD", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "k" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"EURUSD","bid":1.1,"ask":1.1002,"spread":0.0002,"timestamp":1700000000000,"volume":12}`))
	})
	mux.HandleFunc("/api/v1/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			var b placeOrderBody
			_ = json.NewDecoder(r.Body).Decode(&b)
			placed = append(placed, b)
			_, _ = w.Write([]byte(`{"success":true,"order_id":4242,"retcode":10009}`))
			return
		}
		_, _ = w.Write([]byte(`[{"ticket":7,"time_setup":1700000000,"type":3,"volume_initial":2,"volume_current":0.5,"price_open":1.2,"symbol":"EURUSD","comment":"slice-7"}]`))
	})
	mux.HandleFunc("/api/v1/positions", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"ticket":1,"type":0,"volume":1.0,"price_open":1.10,"price_current":1.12,"profit":20,"swap":-1,"symbol":"EURUSD"},
			{"ticket":2,"type":0,"volume":3.0,"price_open":1.14,"price_current":1.12,"profit":-60,"swap":0,"symbol":"EURUSD"},
			{"ticket":3,"type":1,"volume":0.5,"price_open":1.27,"price_current":1.26,"profit":5,"swap":0,"symbol":"GBPUSD"}
		]`))
	})
	mux.HandleFunc("/api/v1/positions/1/close", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"Close failed: market closed"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &placed
}

func TestSubmitOrderUsesTouchPrice(t *testing.T) {
	srv, placed := newBridge(t, true)
	c := New(Config{BaseURL: srv.URL, APIKey: "k", AccountID: "mt5-1"})

	res, err := c.SubmitOrder(context.Background(), exchange.OrderRequest{
		ClientID: "plan-1-slice-0", Symbol: "EURUSD", Side: exchange.SideBuy, Qty: 0.5,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExchangeOrderID != "4242" || res.Status != exchange.StatusFilled || res.AvgPrice != 1.1002 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(*placed) != 1 || (*placed)[0].Type != "buy" || *(*placed)[0].Price != 1.1002 || (*placed)[0].Comment != "plan-1-slice-0" {
		t.Fatalf("unexpected order body %+v", *placed)
	}
}

func TestListPositionsMergesTickets(t *testing.T) {
	srv, _ := newBridge(t, true)
	c := New(Config{BaseURL: srv.URL, APIKey: "k", AccountID: "mt5-1", Currency: "USD"})

	positions, err := c.ListPositions(context.Background(), exchange.PositionFilter{})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 2 {
		t.Fatalf("positions = %d, want 2", len(positions))
	}
	eur := positions[0]
	if eur.Symbol != "EURUSD" || eur.Qty != 4 || eur.Side != exchange.PositionLong {
		t.Fatalf("eur = %+v", eur)
	}
	if want := (1.10*1 + 1.14*3) / 4; eur.AvgPrice < want-1e-9 || eur.AvgPrice > want+1e-9 {
		t.Fatalf("avg = %v, want %v", eur.AvgPrice, want)
	}
	if eur.UnrealizedPnL != -41 {
		t.Fatalf("pnl = %v, want -41", eur.UnrealizedPnL)
	}
	if positions[1].Side != exchange.PositionShort || positions[1].AccountID != "mt5-1" {
		t.Fatalf("gbp = %+v", positions[1])
	}
}

func TestListOrdersPartialFill(t *testing.T) {
	srv, _ := newBridge(t, true)
	c := New(Config{BaseURL: srv.URL, APIKey: "k"})

	orders, err := c.ListOrders(context.Background(), exchange.OrderFilter{ClientIDs: []string{"slice-7"}})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].Side != exchange.SideSell || orders[0].FilledQty != 1.5 || orders[0].Status != exchange.StatusPartial {
		t.Fatalf("orders = %+v", orders)
	}
}

func TestPingAndErrors(t *testing.T) {
	srv, _ := newBridge(t, false)
	c := New(Config{BaseURL: srv.URL})

	if err := c.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Ping err = %v, want ErrNotConnected", err)
	}
	if _, err := c.MarketSnapshot(context.Background(), "EURUSD"); err == nil {
		t.Fatalf("expected unauthorized error without api key")
	}
	if err := c.CancelOrder(context.Background(), "EURUSD", "1"); err == nil {
		t.Fatalf("expected close failure")
	}
	if err := c.CancelOrder(context.Background(), "EURUSD", "abc"); err == nil {
		t.Fatalf("expected invalid ticket error")
	}
}
