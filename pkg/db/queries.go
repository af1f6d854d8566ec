package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("record not found")

// Store holds the typed queries of every table.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over db.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ----------------------------------------
// Execution plans
// ----------------------------------------

// UpsertPlan inserts or replaces a plan row.
func (s *Store) UpsertPlan(ctx context.Context, p PlanRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO execution_plans (id, parent_order_id, symbol, strategy_type, status, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, p.ID, p.ParentOrderID, p.Symbol, p.StrategyType, p.Status, string(p.Body), millis(p.CreatedAt), millis(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert plan: %w", err)
	}
	return nil
}

// GetPlan returns a plan by id.
func (s *Store) GetPlan(ctx context.Context, id string) (PlanRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, parent_order_id, symbol, strategy_type, status, body, created_at, updated_at
		FROM execution_plans WHERE id = ?
	`, id)
	return scanPlan(row)
}

// ListPlans returns the newest plans, optionally filtered by status.
func (s *Store) ListPlans(ctx context.Context, status string, limit int) ([]PlanRow, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_order_id, symbol, strategy_type, status, body, created_at, updated_at
		FROM execution_plans
		WHERE (? = '' OR status = ?)
		ORDER BY created_at DESC, id
		LIMIT ?
	`, status, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer rows.Close()

	var out []PlanRow
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPlan(r scanner) (PlanRow, error) {
	var (
		p                  PlanRow
		body               string
		created, updatedAt int64
	)
	if err := r.Scan(&p.ID, &p.ParentOrderID, &p.Symbol, &p.StrategyType, &p.Status, &body, &created, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PlanRow{}, ErrNotFound
		}
		return PlanRow{}, fmt.Errorf("scan plan: %w", err)
	}
	p.Body = []byte(body)
	p.CreatedAt, p.UpdatedAt = fromMillis(created), fromMillis(updatedAt)
	return p, nil
}

// ----------------------------------------
// Quality reports
// ----------------------------------------

// QualityReportOp is the write of a quality report row, for batching.
func (s *Store) QualityReportOp(r QualityReportRow) WriteOp {
	return WriteOp{
		Table: "quality_reports",
		Query: `
		INSERT INTO quality_reports (parent_order_id, plan_id, symbol, score, slippage_bps, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(parent_order_id) DO UPDATE SET
			plan_id = excluded.plan_id,
			score = excluded.score,
			slippage_bps = excluded.slippage_bps,
			body = excluded.body,
			created_at = excluded.created_at
	`,
		Args: []any{r.ParentOrderID, r.PlanID, r.Symbol, r.Score, r.SlippageBps, string(r.Body), millis(r.CreatedAt)},
	}
}

// UpsertQualityReport writes a quality report row immediately.
func (s *Store) UpsertQualityReport(ctx context.Context, r QualityReportRow) error {
	op := s.QualityReportOp(r)
	if _, err := s.db.ExecContext(ctx, op.Query, op.Args...); err != nil {
		return fmt.Errorf("upsert quality report: %w", err)
	}
	return nil
}

// GetQualityReport returns the report of a parent order.
func (s *Store) GetQualityReport(ctx context.Context, parentOrderID string) (QualityReportRow, error) {
	var (
		r       QualityReportRow
		body    string
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT parent_order_id, plan_id, symbol, score, slippage_bps, body, created_at
		FROM quality_reports WHERE parent_order_id = ?
	`, parentOrderID).Scan(&r.ParentOrderID, &r.PlanID, &r.Symbol, &r.Score, &r.SlippageBps, &body, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return QualityReportRow{}, ErrNotFound
	}
	if err != nil {
		return QualityReportRow{}, fmt.Errorf("query quality report: %w", err)
	}
	r.Body = []byte(body)
	r.CreatedAt = fromMillis(created)
	return r, nil
}

// ----------------------------------------
// Reconciliation snapshots and discrepancies
// ----------------------------------------

// InsertSnapshot stores a snapshot and its discrepancy index in one
// transaction.
func (s *Store) InsertSnapshot(ctx context.Context, snap SnapshotRow, discs []DiscrepancyRow) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO reconciliation_snapshots (id, account_id, score, discrepancies, duration_ms, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, snap.ID, snap.AccountID, snap.Score, snap.Discrepancies, snap.DurationMs, string(snap.Body), millis(snap.CreatedAt)); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	for _, d := range discs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO discrepancies (id, snapshot_id, account_id, type, symbol, broker, severity, diff_pct, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, snap.ID, d.AccountID, d.Type, d.Symbol, d.Broker, d.Severity, d.DiffPct, millis(d.DetectedAt)); err != nil {
			return fmt.Errorf("insert discrepancy %s: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

const snapshotColumns = `id, account_id, score, discrepancies, duration_ms, body, created_at`

func scanSnapshot(r scanner) (SnapshotRow, error) {
	var (
		s       SnapshotRow
		body    string
		created int64
	)
	if err := r.Scan(&s.ID, &s.AccountID, &s.Score, &s.Discrepancies, &s.DurationMs, &body, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return SnapshotRow{}, ErrNotFound
		}
		return SnapshotRow{}, fmt.Errorf("scan snapshot: %w", err)
	}
	s.Body = []byte(body)
	s.CreatedAt = fromMillis(created)
	return s, nil
}

// LatestSnapshot returns the newest snapshot of an account.
func (s *Store) LatestSnapshot(ctx context.Context, accountID string) (SnapshotRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM reconciliation_snapshots
		WHERE account_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`, accountID)
	return scanSnapshot(row)
}

// ListSnapshots returns an account's snapshots in [from, to], oldest first.
func (s *Store) ListSnapshots(ctx context.Context, accountID string, from, to time.Time) ([]SnapshotRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM reconciliation_snapshots
		WHERE account_id = ? AND created_at >= ? AND created_at <= ?
		ORDER BY created_at, rowid
	`, accountID, millis(from), millis(to))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []SnapshotRow
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

// ListDiscrepancies returns the discrepancy index of a snapshot.
func (s *Store) ListDiscrepancies(ctx context.Context, snapshotID string) ([]DiscrepancyRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, snapshot_id, account_id, type, symbol, broker, severity, diff_pct,
		       resolved, resolution, resolved_at, detected_at
		FROM discrepancies
		WHERE snapshot_id = ?
		ORDER BY symbol, id
	`, snapshotID)
	if err != nil {
		return nil, fmt.Errorf("query discrepancies: %w", err)
	}
	defer rows.Close()

	var out []DiscrepancyRow
	for rows.Next() {
		var (
			d          DiscrepancyRow
			resolved   int
			resolvedAt sql.NullInt64
			detected   int64
		)
		if err := rows.Scan(&d.ID, &d.SnapshotID, &d.AccountID, &d.Type, &d.Symbol, &d.Broker, &d.Severity, &d.DiffPct,
			&resolved, &d.Resolution, &resolvedAt, &detected); err != nil {
			return nil, fmt.Errorf("scan discrepancy: %w", err)
		}
		d.Resolved = resolved != 0
		if resolvedAt.Valid {
			t := fromMillis(resolvedAt.Int64)
			d.ResolvedAt = &t
		}
		d.DetectedAt = fromMillis(detected)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDiscrepancy marks a discrepancy resolved.
func (s *Store) ResolveDiscrepancy(ctx context.Context, id, note string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE discrepancies SET resolved = 1, resolution = ?, resolved_at = ?
		WHERE id = ?
	`, note, millis(at), id)
	if err != nil {
		return fmt.Errorf("resolve discrepancy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ----------------------------------------
// Settlement instructions
// ----------------------------------------

// UpsertInstruction inserts or replaces an instruction row.
func (s *Store) UpsertInstruction(ctx context.Context, in InstructionRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settlement_instructions (id, account_id, discrepancy_id, type, status, priority, retry_of, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			priority = excluded.priority,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, in.ID, in.AccountID, in.DiscrepancyID, in.Type, in.Status, in.Priority, in.RetryOf, string(in.Body), millis(in.CreatedAt), millis(in.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert instruction: %w", err)
	}
	return nil
}

// ListInstructions returns every instruction, oldest first.
func (s *Store) ListInstructions(ctx context.Context) ([]InstructionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, discrepancy_id, type, status, priority, retry_of, body, created_at, updated_at
		FROM settlement_instructions
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("query instructions: %w", err)
	}
	defer rows.Close()

	var out []InstructionRow
	for rows.Next() {
		var (
			in                 InstructionRow
			body               string
			created, updatedAt int64
		)
		if err := rows.Scan(&in.ID, &in.AccountID, &in.DiscrepancyID, &in.Type, &in.Status, &in.Priority, &in.RetryOf,
			&body, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan instruction: %w", err)
		}
		in.Body = []byte(body)
		in.CreatedAt, in.UpdatedAt = fromMillis(created), fromMillis(updatedAt)
		out = append(out, in)
	}
	return out, rows.Err()
}
