package api

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"execution-core/internal/events"
	"execution-core/pkg/logger"
	exchange "execution-core/pkg/exchanges/common"
)

// HealthSource lists broker health rows.
type HealthSource interface {
	Health() []exchange.BrokerHealth
}

// HealthService serves grpc.health.v1 for the process ("") and for each
// broker as "broker/<id>". Degraded brokers still report SERVING.
type HealthService struct {
	srv    *health.Server
	source HealthSource
	log    *zap.Logger
}

// NewHealthService creates the service and seeds it from source.
func NewHealthService(source HealthSource, log *zap.Logger) *HealthService {
	h := &HealthService{
		srv:    health.NewServer(),
		source: source,
		log:    logger.OrNop(log).Named("grpc_health"),
	}
	h.Sync()
	return h
}

// RegisterGRPC registers the health service on gs.
func (h *HealthService) RegisterGRPC(gs *grpc.Server) {
	healthpb.RegisterHealthServer(gs, h.srv)
}

// BrokerService is the health service name of a broker.
func BrokerService(id string) string { return "broker/" + id }

func servingStatus(s exchange.HealthStatus) healthpb.HealthCheckResponse_ServingStatus {
	if s == exchange.HealthDown {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Update records one broker row and recomputes the overall status.
func (h *HealthService) Update(row exchange.BrokerHealth) {
	h.srv.SetServingStatus(BrokerService(row.BrokerID), servingStatus(row.Status))
	h.overall()
}

// Sync reloads every broker row from the source.
func (h *HealthService) Sync() {
	if h.source == nil {
		h.srv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return
	}
	for _, row := range h.source.Health() {
		h.srv.SetServingStatus(BrokerService(row.BrokerID), servingStatus(row.Status))
	}
	h.overall()
}

// overall is SERVING while at least one broker is up or none is configured.
func (h *HealthService) overall() {
	status := healthpb.HealthCheckResponse_SERVING
	if h.source != nil {
		rows := h.source.Health()
		up := 0
		for _, r := range rows {
			if r.Status != exchange.HealthDown {
				up++
			}
		}
		if len(rows) > 0 && up == 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.srv.SetServingStatus("", status)
}

// Watch applies broker health events until ctx ends.
func (h *HealthService) Watch(ctx context.Context, bus *events.Bus) {
	ch, unsub := bus.Subscribe(events.EventBrokerHealth, 64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			if row, ok := v.(exchange.BrokerHealth); ok {
				h.Update(row)
				h.log.Debug("broker health updated", zap.String("broker", row.BrokerID), zap.String("status", string(row.Status)))
			}
		}
	}
}

// Shutdown marks every service NOT_SERVING.
func (h *HealthService) Shutdown() { h.srv.Shutdown() }

// Check answers a health probe without a gRPC round trip.
func (h *HealthService) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := h.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}
