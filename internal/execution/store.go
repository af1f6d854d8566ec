package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"execution-core/internal/apperr"
	"execution-core/pkg/db"
)

// DBStore keeps plans in the execution_plans table. It implements PlanStore
// and PlanReader.
type DBStore struct {
	store *db.Store
}

// NewDBStore wraps s.
func NewDBStore(s *db.Store) *DBStore { return &DBStore{store: s} }

// SavePlan implements PlanStore.
func (d *DBStore) SavePlan(ctx context.Context, p Plan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return d.store.UpsertPlan(ctx, db.PlanRow{
		ID:            p.ID,
		ParentOrderID: p.ParentOrderID,
		Symbol:        p.Parent.Symbol,
		StrategyType:  p.StrategyType,
		Status:        string(p.Status),
		Body:          body,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	})
}

// GetPlan implements PlanReader.
func (d *DBStore) GetPlan(ctx context.Context, id string) (Plan, error) {
	row, err := d.store.GetPlan(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return Plan{}, apperr.NotFound("execution.GetPlan", "plan:"+id)
	}
	if err != nil {
		return Plan{}, err
	}
	var p Plan
	if err := json.Unmarshal(row.Body, &p); err != nil {
		return Plan{}, fmt.Errorf("decode plan %s: %w", id, err)
	}
	return p, nil
}
