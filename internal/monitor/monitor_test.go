package monitor

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/reconciliation"
	"execution-core/internal/settlement"
	exchange "execution-core/pkg/exchanges/common"
)

func TestLatencyHistogramWindow(t *testing.T) {
	h := NewLatencyHistogram(4)
	if s := h.Stats(); s.Count != 0 {
		t.Fatalf("empty stats = %+v", s)
	}
	for _, v := range []float64{100, 1, 2, 3, 4} {
		h.Record(v)
	}
	s := h.Stats()
	if s.Count != 4 || s.Min != 1 || s.Max != 4 || s.Avg != 2.5 {
		t.Fatalf("stats = %+v", s)
	}
	h.RecordDuration(10 * time.Millisecond)
	if s := h.Stats(); s.Max != 10 || s.Min != 2 {
		t.Fatalf("stats after eviction = %+v", s)
	}
}

func TestRulesEvaluate(t *testing.T) {
	r := DefaultRules()
	tests := []struct {
		name  string
		msg   events.Message
		alert bool
		level Level
	}{
		{"broker down", events.Message{Event: events.EventBrokerHealth, Payload: exchange.BrokerHealth{BrokerID: "A", Status: exchange.HealthDown}}, true, LevelCritical},
		{"broker healthy", events.Message{Event: events.EventBrokerHealth, Payload: exchange.BrokerHealth{BrokerID: "A", Status: exchange.HealthHealthy}}, false, ""},
		{"low score", events.Message{Event: events.EventReconciled, Payload: reconciliation.Reconciled{AccountID: "ACC", Score: 60}}, true, LevelWarning},
		{"good score", events.Message{Event: events.EventReconciled, Payload: reconciliation.Reconciled{AccountID: "ACC", Score: 90}}, false, ""},
		{"medium discrepancy", events.Message{Event: events.EventDiscrepancyDetected, Payload: reconciliation.Discrepancy{Severity: reconciliation.SeverityMedium}}, false, ""},
		{"critical discrepancy", events.Message{Event: events.EventDiscrepancyDetected, Payload: reconciliation.Discrepancy{Severity: reconciliation.SeverityCritical}}, true, LevelCritical},
		{"settlement failed", events.Message{Event: events.EventSettlementUpdated, Payload: settlement.Instruction{ID: "s", Status: settlement.StatusFailed}}, true, LevelCritical},
		{"settlement retried", events.Message{Event: events.EventSettlementUpdated, Payload: settlement.Instruction{ID: "s", Status: settlement.StatusFailed, RetriedBy: "t"}}, false, ""},
		{"plan abandoned", events.Message{Event: events.EventPlanAbandoned, Payload: execution.Summary{ID: "p"}}, true, LevelWarning},
		{"plan completed", events.Message{Event: events.EventPlanCompleted, Payload: execution.Summary{ID: "p"}}, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := r.Evaluate(tt.msg)
			if ok != tt.alert {
				t.Fatalf("alert = %v, want %v", ok, tt.alert)
			}
			if ok && a.Level != tt.level {
				t.Fatalf("level = %s, want %s", a.Level, tt.level)
			}
		})
	}
}

func TestMonitorCountsAndAlerts(t *testing.T) {
	bus := events.NewBus()
	metrics := NewSystemMetrics()
	alerts := make(chan Alert, 4)
	m := New(bus, metrics, DefaultRules(), SinkFunc(func(a Alert) error {
		alerts <- a
		return nil
	}), nil)
	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)

	bus.Publish(events.EventPlanCreated, execution.Summary{ID: "p"})
	bus.Publish(events.EventReconciled, reconciliation.Reconciled{AccountID: "ACC", Score: 50, Discrepancies: 5})

	select {
	case a := <-alerts:
		if a.Source != "reconciliation/ACC" || a.At.IsZero() {
			t.Fatalf("alert = %+v", a)
		}
	case <-time.After(time.Second):
		t.Fatal("no alert")
	}
	cancel()
	m.Wait()

	if metrics.Count(PlansCreated) != 1 || metrics.Count(Reconciliations) != 1 || metrics.Count(AlertsRaised) != 1 {
		t.Fatalf("counters = %+v", metrics.Snapshot().Counters)
	}
	if s := metrics.Snapshot(); s.Scores["ACC"] != 50 {
		t.Fatalf("scores = %+v", s.Scores)
	}
}
