package order

import (
	"context"
	"time"

	"go.uber.org/zap"

	"execution-core/internal/apperr"
	exchange "execution-core/pkg/exchanges/common"
)

// Submit sends o to gw and folds the acknowledgement into it. The order
// moves to working before the call; a rejected submission leaves it failed
// with the error recorded. The returned error is the broker error, if any.
func Submit(ctx context.Context, gw exchange.Gateway, o *Order, log *zap.Logger) error {
	now := time.Now()
	if o.Status == "" || o.Status == StatusPending {
		if err := o.Transition(StatusReady, now); err != nil {
			return err
		}
	}
	if err := o.Transition(StatusWorking, now); err != nil {
		return err
	}

	res, err := gw.SubmitOrder(ctx, o.Request())
	if err != nil {
		o.Error = apperr.Reason(err)
		_ = o.Transition(StatusFailed, time.Now())
		if log != nil {
			log.Warn("order submit failed",
				zap.String("order_id", o.ID),
				zap.String("broker", o.BrokerID),
				zap.String("symbol", o.Symbol),
				zap.Error(err))
		}
		return err
	}

	o.ExchangeOrderID = res.ExchangeOrderID
	if err := o.Apply(res.Status, res.FilledQty, res.AvgPrice, time.Now()); err != nil {
		return err
	}
	if o.Status == StatusFailed && o.Error == "" {
		o.Error = "rejected_by_broker"
	}
	if log != nil {
		log.Debug("order submitted",
			zap.String("order_id", o.ID),
			zap.String("broker", o.BrokerID),
			zap.String("exchange_order_id", o.ExchangeOrderID),
			zap.String("status", string(o.Status)),
			zap.String("filled", o.FilledQty.String()))
	}
	return nil
}

// Refresh polls the broker for the order's current state. An order the
// broker no longer lists is left unchanged.
func Refresh(ctx context.Context, gw exchange.Gateway, o *Order) (bool, error) {
	if o.ExchangeOrderID == "" && o.ID == "" {
		return false, nil
	}
	ids := []string{o.ID}
	if o.ExchangeOrderID != "" {
		ids = append(ids, o.ExchangeOrderID)
	}
	infos, err := gw.ListOrders(ctx, exchange.OrderFilter{
		AccountID: o.AccountID,
		Symbol:    o.Symbol,
		ClientIDs: ids,
	})
	if err != nil {
		return false, err
	}
	for _, info := range infos {
		if info.ExchangeOrderID != o.ExchangeOrderID && info.ClientID != o.ID {
			continue
		}
		before := o.FilledQty
		prev := o.Status
		if err := o.Apply(info.Status, info.FilledQty, info.AvgPrice, time.Now()); err != nil {
			return false, err
		}
		return !o.FilledQty.Equal(before) || o.Status != prev, nil
	}
	return false, nil
}
