// Package settlement turns reconciliation discrepancies into instructions
// that move or adjust positions at the brokers.
package settlement

import (
	"time"

	"execution-core/internal/reconciliation"
	"execution-core/pkg/config"
	exchange "execution-core/pkg/exchanges/common"
)

// Type is the kind of corrective action.
type Type string

const (
	TypeTransfer   Type = "transfer"
	TypeAdjustment Type = "adjustment"
	TypeCorrection Type = "correction"
	TypeRebalance  Type = "rebalance"
)

func (t Type) valid() bool {
	switch t {
	case TypeTransfer, TypeAdjustment, TypeCorrection, TypeRebalance:
		return true
	}
	return false
}

// Status is the lifecycle of an instruction.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Priority orders instructions for operators.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// PriorityFor maps a discrepancy severity to a priority.
func PriorityFor(s reconciliation.Severity) Priority {
	switch s {
	case reconciliation.SeverityCritical:
		return PriorityUrgent
	case reconciliation.SeverityHigh:
		return PriorityHigh
	case reconciliation.SeverityMedium:
		return PriorityNormal
	}
	return PriorityLow
}

// Approval is one recorded operator sign-off.
type Approval struct {
	Approver string    `json:"approver"`
	Note     string    `json:"note,omitempty"`
	At       time.Time `json:"at"`
}

// Leg is one broker order placed while processing.
type Leg struct {
	Broker          string               `json:"broker"`
	Account         string               `json:"account"`
	Symbol          string               `json:"symbol"`
	Side            exchange.Side        `json:"side"`
	Qty             float64              `json:"qty"`
	ClientID        string               `json:"client_id"`
	ExchangeOrderID string               `json:"exchange_order_id,omitempty"`
	Status          exchange.OrderStatus `json:"status,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// Executed reports whether the broker accepted the leg.
func (l Leg) Executed() bool { return l.ExchangeOrderID != "" && l.Error == "" }

// Instruction is a settlement work item.
type Instruction struct {
	ID                string                  `json:"id"`
	AccountID         string                  `json:"account_id"`
	DiscrepancyID     string                  `json:"discrepancy_id,omitempty"`
	DiscrepancyKey    string                  `json:"discrepancy_key,omitempty"`
	Type              Type                    `json:"type"`
	Status            Status                  `json:"status"`
	Priority          Priority                `json:"priority"`
	Severity          reconciliation.Severity `json:"severity"`
	Symbol            string                  `json:"symbol"`
	FromBroker        string                  `json:"from_broker,omitempty"`
	ToBroker          string                  `json:"to_broker,omitempty"`
	Broker            string                  `json:"broker,omitempty"`
	Side              exchange.Side           `json:"side,omitempty"`
	Qty               float64                 `json:"qty"`
	Reason            string                  `json:"reason,omitempty"`
	RequiredApprovals int                     `json:"required_approvals"`
	Approvals         []Approval              `json:"approvals,omitempty"`
	Legs              []Leg                   `json:"legs,omitempty"`
	Error             string                  `json:"error,omitempty"`
	RetryOf           string                  `json:"retry_of,omitempty"`
	RetriedBy         string                  `json:"retried_by,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	UpdatedAt         time.Time               `json:"updated_at"`
	CompletedAt       *time.Time              `json:"completed_at,omitempty"`
}

// Open reports whether the instruction still blocks a new one for the
// same discrepancy. A failed instruction blocks until it is retried.
func (in Instruction) Open() bool {
	return in.Status != StatusCompleted && in.Status != StatusCancelled
}

// NeedsApproval reports whether processing must wait for sign-offs.
func (in Instruction) NeedsApproval() bool {
	return in.Severity.AtLeast(reconciliation.SeverityHigh) && len(in.Approvals) < in.RequiredApprovals
}

func (in Instruction) clone() Instruction {
	cp := in
	cp.Approvals = append([]Approval(nil), in.Approvals...)
	cp.Legs = append([]Leg(nil), in.Legs...)
	if in.CompletedAt != nil {
		t := *in.CompletedAt
		cp.CompletedAt = &t
	}
	return cp
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	AccountID string
	Status    Status
	Type      Type
}

func (f Filter) matches(in Instruction) bool {
	return (f.AccountID == "" || f.AccountID == in.AccountID) &&
		(f.Status == "" || f.Status == in.Status) &&
		(f.Type == "" || f.Type == in.Type)
}

// Config tunes the coordinator.
type Config struct {
	MinSeverity       reconciliation.Severity
	RequiredApprovals int
	AutoProcess       bool
	CallTimeout       time.Duration
}

// DefaultConfig creates instructions from medium severity upwards and
// requires one approval for high and critical ones.
func DefaultConfig() Config {
	return Config{MinSeverity: reconciliation.SeverityMedium, RequiredApprovals: 1, CallTimeout: 10 * time.Second}
}

// ConfigFromCatalog fills unset catalog values with defaults.
func ConfigFromCatalog(c config.SettlementConfig) Config {
	cfg := DefaultConfig()
	if s, ok := reconciliation.ParseSeverity(c.MinSeverity); ok {
		cfg.MinSeverity = s
	}
	if c.RequiredApprovals > 0 {
		cfg.RequiredApprovals = c.RequiredApprovals
	}
	cfg.AutoProcess = c.AutoProcess
	return cfg
}
