package gateway

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	exchange "execution-core/pkg/exchanges/common"
	"execution-core/pkg/logger"
	"execution-core/pkg/telemetry"
)

// observable wraps a Gateway with a span and log lines per call.
type observable struct {
	id  string
	gw  exchange.Gateway
	log *zap.Logger
}

var _ exchange.Gateway = (*observable)(nil)

// Wrap adds tracing and logging to gw.
func Wrap(id string, gw exchange.Gateway, log *zap.Logger) exchange.Gateway {
	return &observable{
		id:  id,
		gw:  gw,
		log: logger.OrNop(log).Named("broker").With(zap.String("broker", id)),
	}
}

func (o *observable) span(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	attrs = append(attrs, attribute.String("broker.id", o.id))
	ctx, span := telemetry.StartSpan(ctx, "broker."+method, attrs...)
	return ctx, func(err error) { telemetry.EndSpan(span, err) }
}

func (o *observable) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderResult, error) {
	ctx, end := o.span(ctx, "SubmitOrder", attribute.String("symbol", req.Symbol))

	o.log.Info("placing order",
		zap.String("client_id", req.ClientID),
		zap.String("symbol", req.Symbol),
		zap.String("side", string(req.Side)),
		zap.Float64("qty", req.Qty))

	res, err := o.gw.SubmitOrder(ctx, req)
	end(err)
	if err != nil {
		o.log.Warn("place order failed", zap.String("client_id", req.ClientID), zap.Error(err))
		return res, err
	}
	o.log.Info("order placed",
		zap.String("client_id", req.ClientID),
		zap.String("order_id", res.ExchangeOrderID),
		zap.String("status", string(res.Status)))
	return res, nil
}

func (o *observable) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	ctx, end := o.span(ctx, "CancelOrder", attribute.String("symbol", symbol))
	err := o.gw.CancelOrder(ctx, symbol, exchangeOrderID)
	end(err)
	if err != nil {
		o.log.Warn("cancel failed", zap.String("order_id", exchangeOrderID), zap.Error(err))
	}
	return err
}

func (o *observable) ListPositions(ctx context.Context, f exchange.PositionFilter) ([]exchange.Position, error) {
	ctx, end := o.span(ctx, "ListPositions", attribute.String("account", f.AccountID))
	out, err := o.gw.ListPositions(ctx, f)
	end(err)
	if err != nil {
		o.log.Warn("list positions failed", zap.Error(err))
		return nil, err
	}
	o.log.Debug("positions fetched", zap.Int("count", len(out)))
	return out, nil
}

func (o *observable) ListOrders(ctx context.Context, f exchange.OrderFilter) ([]exchange.OrderInfo, error) {
	ctx, end := o.span(ctx, "ListOrders", attribute.String("symbol", f.Symbol))
	out, err := o.gw.ListOrders(ctx, f)
	end(err)
	if err != nil {
		o.log.Warn("list orders failed", zap.Error(err))
		return nil, err
	}
	o.log.Debug("orders fetched", zap.Int("count", len(out)))
	return out, nil
}

func (o *observable) MarketSnapshot(ctx context.Context, symbol string) (exchange.Quote, error) {
	ctx, end := o.span(ctx, "MarketSnapshot", attribute.String("symbol", symbol))
	q, err := o.gw.MarketSnapshot(ctx, symbol)
	end(err)
	if err != nil {
		o.log.Debug("snapshot failed", zap.String("symbol", symbol), zap.Error(err))
	}
	return q, err
}

func (o *observable) Ping(ctx context.Context) error {
	ctx, end := o.span(ctx, "Ping")
	err := o.gw.Ping(ctx)
	end(err)
	if err != nil {
		o.log.Warn("ping failed", zap.Error(err))
	}
	return err
}
