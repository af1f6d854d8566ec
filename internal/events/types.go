package events

// Event enumerates high-level topics inside the execution core.
type Event string

const (
	EventPlanCreated   Event = "plan.created"
	EventPlanStarted   Event = "plan.started"
	EventPlanCompleted Event = "plan.completed"
	EventPlanAbandoned Event = "plan.abandoned"
	EventPlanCancelled Event = "plan.cancelled"
	EventSliceExecuted Event = "slice.executed"
	EventSliceFailed   Event = "slice.failed"

	EventOrderRouted Event = "order.routed"

	EventReconciled          Event = "reconciled"
	EventDiscrepancyDetected Event = "discrepancy.detected"

	EventSettlementCreated Event = "settlement.created"
	EventSettlementUpdated Event = "settlement.updated"

	EventBrokerHealth Event = "broker.health"
)

// Message is what wildcard subscribers receive: the topic travels with the
// payload.
type Message struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload"`
}

// Publisher is the write side of the bus, accepted by components that only
// emit events.
type Publisher interface {
	Publish(e Event, payload any)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(Event, any) {}
