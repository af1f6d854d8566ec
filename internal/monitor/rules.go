package monitor

import (
	"fmt"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/reconciliation"
	"execution-core/internal/routing"
	"execution-core/internal/settlement"
	exchange "execution-core/pkg/exchanges/common"
)

// Rules decides which events become alerts.
type Rules struct {
	// MinScore raises a warning when a reconciliation scores below it.
	MinScore float64
	// MinSeverity is the lowest discrepancy severity that alerts.
	MinSeverity reconciliation.Severity
}

// DefaultRules alerts on scores under 80 and high discrepancies.
func DefaultRules() Rules {
	return Rules{MinScore: 80, MinSeverity: reconciliation.SeverityHigh}
}

// Evaluate returns the alert for msg, if any.
func (r Rules) Evaluate(msg events.Message) (Alert, bool) {
	switch p := msg.Payload.(type) {
	case exchange.BrokerHealth:
		switch p.Status {
		case exchange.HealthDown:
			return Alert{Level: LevelCritical, Source: "broker/" + p.BrokerID, Message: "broker down: " + p.LastError}, true
		case exchange.HealthDegraded:
			return Alert{Level: LevelWarning, Source: "broker/" + p.BrokerID, Message: "broker degraded: " + p.LastError}, true
		}
	case reconciliation.Reconciled:
		if p.Score < r.MinScore {
			return Alert{
				Level:   LevelWarning,
				Source:  "reconciliation/" + p.AccountID,
				Message: fmt.Sprintf("reconciliation score %.0f with %d discrepancies", p.Score, p.Discrepancies),
			}, true
		}
	case reconciliation.Discrepancy:
		if p.Severity.AtLeast(r.MinSeverity) {
			level := LevelWarning
			if p.Severity == reconciliation.SeverityCritical {
				level = LevelCritical
			}
			return Alert{
				Level:   level,
				Source:  "reconciliation/" + p.AccountID,
				Message: fmt.Sprintf("%s %s discrepancy on %s at %s: expected %g, actual %g", p.Severity, p.Type, p.Symbol, p.Broker, p.Expected, p.Actual),
			}, true
		}
	case settlement.Instruction:
		if msg.Event == events.EventSettlementUpdated && p.Status == settlement.StatusFailed && p.RetriedBy == "" {
			return Alert{Level: LevelCritical, Source: "settlement/" + p.AccountID, Message: fmt.Sprintf("settlement %s failed: %s", p.ID, p.Error)}, true
		}
	case execution.Summary:
		if msg.Event == events.EventPlanAbandoned {
			return Alert{Level: LevelWarning, Source: "plan/" + p.ID, Message: fmt.Sprintf("plan %s for %s abandoned", p.ID, p.Symbol)}, true
		}
	case routing.Result:
		if p.Partial {
			return Alert{Level: LevelWarning, Source: "router", Message: fmt.Sprintf("order %s routed partially", p.Order.ID)}, true
		}
	}
	return Alert{}, false
}

// count maps an event to the counters it advances.
func count(m *SystemMetrics, msg events.Message) {
	switch msg.Event {
	case events.EventPlanCreated:
		m.Inc(PlansCreated)
	case events.EventPlanCompleted:
		m.Inc(PlansCompleted)
	case events.EventPlanAbandoned:
		m.Inc(PlansAbandoned)
	case events.EventPlanCancelled:
		m.Inc(PlansCancelled)
	case events.EventSliceExecuted:
		m.Inc(SlicesExecuted)
	case events.EventSliceFailed:
		m.Inc(SlicesFailed)
	case events.EventOrderRouted:
		m.Inc(OrdersRouted)
		if r, ok := msg.Payload.(routing.Result); ok && r.Partial {
			m.Inc(RoutesPartial)
		}
	case events.EventReconciled:
		m.Inc(Reconciliations)
		if r, ok := msg.Payload.(reconciliation.Reconciled); ok {
			m.SetScore(r.AccountID, r.Score)
		}
	case events.EventDiscrepancyDetected:
		m.Inc(Discrepancies)
	case events.EventSettlementCreated:
		m.Inc(SettlementsCreated)
	case events.EventSettlementUpdated:
		if in, ok := msg.Payload.(settlement.Instruction); ok {
			switch in.Status {
			case settlement.StatusCompleted:
				m.Inc(SettlementsCompleted)
			case settlement.StatusFailed:
				if in.RetriedBy == "" {
					m.Inc(SettlementsFailed)
				}
			}
		}
	case events.EventBrokerHealth:
		m.Inc(BrokerHealthChanges)
	}
}
