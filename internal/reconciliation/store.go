package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"execution-core/internal/apperr"
	"execution-core/pkg/db"
)

// DBStore keeps snapshots in reconciliation_snapshots and indexes their
// discrepancies, with resolution state, in the discrepancies table.
type DBStore struct {
	store *db.Store
}

// NewDBStore wraps s.
func NewDBStore(s *db.Store) *DBStore { return &DBStore{store: s} }

// SaveSnapshot implements SnapshotStore.
func (d *DBStore) SaveSnapshot(ctx context.Context, s Snapshot) error {
	body, err := json.Marshal(s)
	if err != nil {
		return err
	}
	rows := make([]db.DiscrepancyRow, 0, len(s.Discrepancies))
	for _, x := range s.Discrepancies {
		rows = append(rows, db.DiscrepancyRow{
			ID:         x.ID,
			AccountID:  x.AccountID,
			Type:       string(x.Type),
			Symbol:     x.Symbol,
			Broker:     x.Broker,
			Severity:   string(x.Severity),
			DiffPct:    x.DiffPct,
			DetectedAt: x.DetectedAt,
		})
	}
	return d.store.InsertSnapshot(ctx, db.SnapshotRow{
		ID:            s.ID,
		AccountID:     s.AccountID,
		Score:         s.Score,
		Discrepancies: len(s.Discrepancies),
		DurationMs:    s.DurationMs,
		Body:          body,
		CreatedAt:     s.CreatedAt,
	}, rows)
}

// LatestSnapshot implements SnapshotStore.
func (d *DBStore) LatestSnapshot(ctx context.Context, accountID string) (Snapshot, error) {
	row, err := d.store.LatestSnapshot(ctx, accountID)
	if errors.Is(err, db.ErrNotFound) {
		return Snapshot{}, apperr.NotFound("reconciliation.LatestSnapshot", "snapshot:"+accountID)
	}
	if err != nil {
		return Snapshot{}, err
	}
	return d.decode(ctx, row)
}

// ListSnapshots implements SnapshotStore.
func (d *DBStore) ListSnapshots(ctx context.Context, accountID string, from, to time.Time) ([]Snapshot, error) {
	rows, err := d.store.ListSnapshots(ctx, accountID, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		s, err := d.decode(ctx, row)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ResolveDiscrepancy implements SnapshotStore.
func (d *DBStore) ResolveDiscrepancy(ctx context.Context, id, resolution string, at time.Time) error {
	err := d.store.ResolveDiscrepancy(ctx, id, resolution, at)
	if errors.Is(err, db.ErrNotFound) {
		return apperr.NotFound("reconciliation.Resolve", "discrepancy:"+id)
	}
	return err
}

// decode restores the snapshot body and overlays stored resolutions.
func (d *DBStore) decode(ctx context.Context, row db.SnapshotRow) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(row.Body, &s); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", row.ID, err)
	}
	if len(s.Discrepancies) == 0 {
		return s, nil
	}
	rows, err := d.store.ListDiscrepancies(ctx, row.ID)
	if err != nil {
		return Snapshot{}, err
	}
	byID := make(map[string]db.DiscrepancyRow, len(rows))
	for _, r := range rows {
		byID[r.ID] = r
	}
	for i, x := range s.Discrepancies {
		if r, ok := byID[x.ID]; ok && r.Resolved {
			s.Discrepancies[i].Resolved = true
			s.Discrepancies[i].Resolution = r.Resolution
			s.Discrepancies[i].ResolvedAt = r.ResolvedAt
		}
	}
	return s, nil
}
