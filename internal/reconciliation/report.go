package reconciliation

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"execution-core/internal/apperr"
)

// ReportType selects the content of a generated report.
type ReportType string

const (
	ReportSummary       ReportType = "summary"
	ReportPositions     ReportType = "positions"
	ReportDiscrepancies ReportType = "discrepancies"
	ReportTrades        ReportType = "trades"
)

// ParseReportType validates a report type name.
func ParseReportType(s string) (ReportType, bool) {
	switch t := ReportType(s); t {
	case ReportSummary, ReportPositions, ReportDiscrepancies, ReportTrades:
		return t, true
	}
	return "", false
}

// Summary aggregates the snapshots of a window.
type Summary struct {
	Snapshots     int                     `json:"snapshots"`
	AvgScore      float64                 `json:"avg_score"`
	MinScore      float64                 `json:"min_score"`
	MaxScore      float64                 `json:"max_score"`
	LatestScore   float64                 `json:"latest_score"`
	Discrepancies int                     `json:"discrepancies"`
	Unresolved    int                     `json:"unresolved"`
	BySeverity    map[Severity]int        `json:"by_severity"`
	ByType        map[DiscrepancyType]int `json:"by_type"`
}

// Report is a generated account report.
type Report struct {
	ID            string        `json:"id"`
	AccountID     string        `json:"account_id"`
	Type          ReportType    `json:"type"`
	From          time.Time     `json:"from"`
	To            time.Time     `json:"to"`
	GeneratedAt   time.Time     `json:"generated_at"`
	SnapshotID    string        `json:"snapshot_id,omitempty"`
	Summary       *Summary      `json:"summary,omitempty"`
	Positions     []Position    `json:"positions,omitempty"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
	Trades        *TradeReport  `json:"trades,omitempty"`
}

// GenerateReport builds a report of the given type over [from, to]. A zero
// to means now.
func (e *Engine) GenerateReport(ctx context.Context, accountID string, typ ReportType, from, to time.Time) (Report, error) {
	const op = "reconciliation.GenerateReport"
	if _, ok := ParseReportType(string(typ)); !ok {
		return Report{}, apperr.Validationf(op, "unknown_report_type:%s", typ)
	}
	if _, ok := e.Account(accountID); !ok {
		return Report{}, apperr.NotFound(op, "account:"+accountID)
	}
	if to.IsZero() {
		to = e.now()
	}
	if to.Before(from) {
		return Report{}, apperr.Validation(op, "invalid_window")
	}
	r := Report{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Type:        typ,
		From:        from,
		To:          to,
		GeneratedAt: e.now(),
	}

	if typ == ReportTrades {
		tr, err := e.ReconcileTrades(ctx, accountID, from, to)
		if err != nil {
			return Report{}, err
		}
		r.Trades = &tr
		return r, nil
	}

	snaps, err := e.snapshotsBetween(ctx, accountID, from, to)
	if err != nil {
		return Report{}, err
	}
	switch typ {
	case ReportSummary:
		s := summarize(snaps)
		r.Summary = &s
	case ReportPositions:
		if len(snaps) == 0 {
			return Report{}, apperr.NotFound(op, "snapshot:"+accountID)
		}
		last := snaps[len(snaps)-1]
		r.SnapshotID = last.ID
		r.Positions = last.Positions
	case ReportDiscrepancies:
		r.Discrepancies = latestByKey(snaps)
	}
	return r, nil
}

// summarize expects snaps in chronological order.
func summarize(snaps []Snapshot) Summary {
	s := Summary{
		BySeverity: map[Severity]int{},
		ByType:     map[DiscrepancyType]int{},
	}
	if len(snaps) == 0 {
		return s
	}
	s.Snapshots = len(snaps)
	s.MinScore, s.MaxScore = math.Inf(1), math.Inf(-1)
	var sum float64
	for _, snap := range snaps {
		sum += snap.Score
		s.MinScore = math.Min(s.MinScore, snap.Score)
		s.MaxScore = math.Max(s.MaxScore, snap.Score)
	}
	s.AvgScore = sum / float64(len(snaps))
	s.LatestScore = snaps[len(snaps)-1].Score
	for _, d := range latestByKey(snaps) {
		s.Discrepancies++
		s.BySeverity[d.Severity]++
		s.ByType[d.Type]++
		if !d.Resolved {
			s.Unresolved++
		}
	}
	return s
}

// latestByKey keeps the most recent occurrence of each discrepancy.
func latestByKey(snaps []Snapshot) []Discrepancy {
	byKey := map[string]Discrepancy{}
	for _, snap := range snaps {
		for _, d := range snap.Discrepancies {
			byKey[d.Key()] = d
		}
	}
	out := make([]Discrepancy, 0, len(byKey))
	for _, d := range byKey {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Key() < out[j].Key()
	})
	return out
}

// PositionRecord is the parquet row of a positions report.
type PositionRecord struct {
	Account       string  `parquet:"account"`
	Symbol        string  `parquet:"symbol"`
	Broker        string  `parquet:"broker"`
	SubAccount    string  `parquet:"sub_account"`
	Qty           float64 `parquet:"qty"`
	AvgPrice      float64 `parquet:"avg_price"`
	CurrentPrice  float64 `parquet:"current_price"`
	MarketValue   float64 `parquet:"market_value"`
	UnrealizedPnL float64 `parquet:"unrealized_pnl"`
	Currency      string  `parquet:"currency"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"`
}

// DiscrepancyRecord is the parquet row of discrepancy and trade reports.
type DiscrepancyRecord struct {
	ID            string  `parquet:"id"`
	Account       string  `parquet:"account"`
	Type          string  `parquet:"type"`
	Symbol        string  `parquet:"symbol"`
	Broker        string  `parquet:"broker"`
	CounterBroker string  `parquet:"counter_broker"`
	Expected      float64 `parquet:"expected"`
	Actual        float64 `parquet:"actual"`
	Difference    float64 `parquet:"difference"`
	DiffPct       float64 `parquet:"diff_pct"`
	Severity      string  `parquet:"severity"`
	Resolved      bool    `parquet:"resolved"`
	DetectedAt    int64   `parquet:"detected_at,timestamp(millisecond)"`
}

// SummaryRecord is the parquet row of a summary report.
type SummaryRecord struct {
	Account       string  `parquet:"account"`
	From          int64   `parquet:"from,timestamp(millisecond)"`
	To            int64   `parquet:"to,timestamp(millisecond)"`
	Snapshots     int64   `parquet:"snapshots"`
	AvgScore      float64 `parquet:"avg_score"`
	MinScore      float64 `parquet:"min_score"`
	MaxScore      float64 `parquet:"max_score"`
	LatestScore   float64 `parquet:"latest_score"`
	Discrepancies int64   `parquet:"discrepancies"`
	Unresolved    int64   `parquet:"unresolved"`
}

// ExportParquet writes the report rows under
// <dir>/<account>/<type>-<timestamp>.parquet and returns the path.
func ExportParquet(r Report, dir string) (string, error) {
	name := fmt.Sprintf("%s-%s.parquet", r.Type, r.GeneratedAt.UTC().Format("20060102T150405"))
	path := filepath.Join(dir, r.AccountID, name)
	switch r.Type {
	case ReportSummary:
		s := r.Summary
		if s == nil {
			s = &Summary{}
		}
		return path, writeParquetFile(path, []SummaryRecord{{
			Account:       r.AccountID,
			From:          r.From.UnixMilli(),
			To:            r.To.UnixMilli(),
			Snapshots:     int64(s.Snapshots),
			AvgScore:      s.AvgScore,
			MinScore:      s.MinScore,
			MaxScore:      s.MaxScore,
			LatestScore:   s.LatestScore,
			Discrepancies: int64(s.Discrepancies),
			Unresolved:    int64(s.Unresolved),
		}})
	case ReportPositions:
		var rows []PositionRecord
		for _, p := range r.Positions {
			for _, h := range p.Holdings {
				rows = append(rows, PositionRecord{
					Account:       r.AccountID,
					Symbol:        p.Symbol,
					Broker:        h.Broker,
					SubAccount:    h.Account,
					Qty:           h.Qty,
					AvgPrice:      h.AvgPrice,
					CurrentPrice:  h.CurrentPrice,
					MarketValue:   h.MarketValue,
					UnrealizedPnL: h.UnrealizedPnL,
					Currency:      h.Currency,
					Timestamp:     r.GeneratedAt.UnixMilli(),
				})
			}
		}
		return path, writeParquetFile(path, rows)
	case ReportDiscrepancies, ReportTrades:
		ds := r.Discrepancies
		if r.Trades != nil {
			ds = r.Trades.Discrepancies
		}
		rows := make([]DiscrepancyRecord, 0, len(ds))
		for _, d := range ds {
			rows = append(rows, DiscrepancyRecord{
				ID:            d.ID,
				Account:       d.AccountID,
				Type:          string(d.Type),
				Symbol:        d.Symbol,
				Broker:        d.Broker,
				CounterBroker: d.CounterBroker,
				Expected:      d.Expected,
				Actual:        d.Actual,
				Difference:    d.Difference,
				DiffPct:       d.DiffPct,
				Severity:      string(d.Severity),
				Resolved:      d.Resolved,
				DetectedAt:    d.DetectedAt.UnixMilli(),
			})
		}
		return path, writeParquetFile(path, rows)
	}
	return "", apperr.Validationf("reconciliation.ExportParquet", "unknown_report_type:%s", r.Type)
}

func writeParquetFile[T any](path string, records []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return parquet.WriteFile(path, records)
}
