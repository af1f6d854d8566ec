package zerodha

import (
	"context"
	"errors"
	"testing"

	kiteconnect "github.com/zerodha/gokiteconnect/v4"

	exchange "execution-core/pkg/exchanges/common"
)

type fakeKite struct {
	params    []kiteconnect.OrderParams
	positions kiteconnect.Positions
	orders    kiteconnect.Orders
	quote     kiteconnect.Quote
	err       error
}

func (f *fakeKite) PlaceOrder(_ string, p kiteconnect.OrderParams) (kiteconnect.OrderResponse, error) {
	f.params = append(f.params, p)
	return kiteconnect.OrderResponse{OrderID: "250101000001"}, f.err
}

func (f *fakeKite) CancelOrder(string, string, *string) (kiteconnect.OrderResponse, error) {
	return kiteconnect.OrderResponse{}, f.err
}

func (f *fakeKite) GetOrders() (kiteconnect.Orders, error)       { return f.orders, f.err }
func (f *fakeKite) GetPositions() (kiteconnect.Positions, error) { return f.positions, f.err }

func (f *fakeKite) GetQuote(...string) (kiteconnect.Quote, error) { return f.quote, f.err }

func (f *fakeKite) GetUserProfile() (kiteconnect.UserProfile, error) {
	return kiteconnect.UserProfile{}, f.err
}

func TestSubmitOrderParams(t *testing.T) {
	api := &fakeKite{}
	g := newGateway(Params{AccountID: "kite-1"}, api)

	res, err := g.SubmitOrder(context.Background(), exchange.OrderRequest{
		ClientID: "plan-abcdefgh-slice-12", Symbol: "INFY", Side: exchange.SideBuy,
		Type: exchange.OrderTypeLimit, Qty: 25, Price: 1520.5,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExchangeOrderID != "250101000001" || res.Status != exchange.StatusNew {
		t.Fatalf("result = %+v", res)
	}
	p := api.params[0]
	if p.Exchange != "NSE" || p.Product != "MIS" || p.OrderType != "LIMIT" || p.TransactionType != "BUY" || p.Quantity != 25 {
		t.Fatalf("params = %+v", p)
	}
	if len(p.Tag) != maxTagLen {
		t.Fatalf("tag %q not truncated", p.Tag)
	}

	if _, err := g.SubmitOrder(context.Background(), exchange.OrderRequest{Symbol: "INFY", Side: exchange.SideBuy, Qty: 1.5}); !errors.Is(err, ErrFractionalQty) {
		t.Fatalf("err = %v, want ErrFractionalQty", err)
	}
}

func TestPositionsOrdersQuote(t *testing.T) {
	api := &fakeKite{
		positions: kiteconnect.Positions{Net: []kiteconnect.Position{
			{Tradingsymbol: "INFY", Quantity: -10, AveragePrice: 1500, LastPrice: 1490, Unrealised: 100},
		}},
		orders: kiteconnect.Orders{
			{OrderID: "1", Tag: "c1", TradingSymbol: "INFY", TransactionType: "SELL", OrderType: "MARKET", Status: "COMPLETE", Quantity: 10, FilledQuantity: 10, AveragePrice: 1499},
			{OrderID: "2", Tag: "c2", TradingSymbol: "INFY", TransactionType: "BUY", OrderType: "LIMIT", Status: "OPEN", Quantity: 10, FilledQuantity: 3, Price: 1480},
		},
	}
	// Quote's element type is unnamed; start from its zero value.
	api.quote = kiteconnect.Quote{}
	qd := api.quote["NSE:INFY"]
	qd.LastPrice = 1490
	qd.Depth.Buy[0].Price = 1489.5
	qd.Depth.Sell[0].Price = 1490.5
	api.quote["NSE:INFY"] = qd

	g := newGateway(Params{AccountID: "kite-1"}, api)
	ctx := context.Background()

	positions, err := g.ListPositions(ctx, exchange.PositionFilter{})
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Side != exchange.PositionShort || positions[0].Qty != 10 || positions[0].Currency != "INR" {
		t.Fatalf("positions = %+v", positions)
	}

	orders, err := g.ListOrders(ctx, exchange.OrderFilter{OnlyOpen: true})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(orders) != 1 || orders[0].ClientID != "c2" || orders[0].Status != exchange.StatusPartial {
		t.Fatalf("open orders = %+v", orders)
	}

	q, err := g.MarketSnapshot(ctx, "INFY")
	if err != nil {
		t.Fatalf("MarketSnapshot: %v", err)
	}
	if q.Bid != 1489.5 || q.Ask != 1490.5 || q.Time.IsZero() {
		t.Fatalf("quote = %+v", q)
	}
	if _, err := g.MarketSnapshot(ctx, "TCS"); err == nil {
		t.Fatalf("expected missing quote error")
	}
}
