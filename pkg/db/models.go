package db

import "time"

// PlanRow is a persisted execution plan. Body holds the JSON document.
type PlanRow struct {
	ID            string
	ParentOrderID string
	Symbol        string
	StrategyType  string
	Status        string
	Body          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// QualityReportRow is a persisted execution quality report.
type QualityReportRow struct {
	ParentOrderID string
	PlanID        string
	Symbol        string
	Score         float64
	SlippageBps   float64
	Body          []byte
	CreatedAt     time.Time
}

// SnapshotRow is a persisted reconciliation snapshot.
type SnapshotRow struct {
	ID            string
	AccountID     string
	Score         float64
	Discrepancies int
	DurationMs    int64
	Body          []byte
	CreatedAt     time.Time
}

// DiscrepancyRow indexes one discrepancy of a snapshot and carries its
// resolution state.
type DiscrepancyRow struct {
	ID         string
	SnapshotID string
	AccountID  string
	Type       string
	Symbol     string
	Broker     string
	Severity   string
	DiffPct    float64
	Resolved   bool
	Resolution string
	ResolvedAt *time.Time
	DetectedAt time.Time
}

// InstructionRow is a persisted settlement instruction.
type InstructionRow struct {
	ID            string
	AccountID     string
	DiscrepancyID string
	Type          string
	Status        string
	Priority      string
	RetryOf       string
	Body          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
