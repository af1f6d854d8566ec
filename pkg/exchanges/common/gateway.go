package common

import "context"

// Gateway abstracts a broker endpoint. Every method is a network round trip
// and may fail or stall independently of other brokers.
type Gateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	ListPositions(ctx context.Context, filter PositionFilter) ([]Position, error)
	ListOrders(ctx context.Context, filter OrderFilter) ([]OrderInfo, error)
	MarketSnapshot(ctx context.Context, symbol string) (Quote, error)
	Ping(ctx context.Context) error
}
