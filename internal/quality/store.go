package quality

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"execution-core/internal/apperr"
	"execution-core/pkg/db"
)

// DBStore keeps reports in the quality_reports table. With a batch writer,
// saves are queued and flushed together.
type DBStore struct {
	store *db.Store
	batch *db.BatchWriter
}

// NewDBStore wraps s. batch may be nil for synchronous writes.
func NewDBStore(s *db.Store, batch *db.BatchWriter) *DBStore {
	return &DBStore{store: s, batch: batch}
}

// SaveQualityReport implements ReportStore.
func (d *DBStore) SaveQualityReport(ctx context.Context, r Report) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	row := db.QualityReportRow{
		ParentOrderID: r.ParentOrderID,
		PlanID:        r.PlanID,
		Symbol:        r.Symbol,
		Score:         r.Score,
		SlippageBps:   r.SlippageBps,
		Body:          body,
		CreatedAt:     r.CreatedAt,
	}
	if d.batch != nil {
		d.batch.Write(d.store.QualityReportOp(row))
		return nil
	}
	return d.store.UpsertQualityReport(ctx, row)
}

// GetQualityReport implements ReportStore.
func (d *DBStore) GetQualityReport(ctx context.Context, parentOrderID string) (Report, error) {
	row, err := d.store.GetQualityReport(ctx, parentOrderID)
	if errors.Is(err, db.ErrNotFound) {
		return Report{}, apperr.NotFound("quality.Get", "report:"+parentOrderID)
	}
	if err != nil {
		return Report{}, err
	}
	var r Report
	if err := json.Unmarshal(row.Body, &r); err != nil {
		return Report{}, fmt.Errorf("decode quality report %s: %w", parentOrderID, err)
	}
	return r, nil
}
