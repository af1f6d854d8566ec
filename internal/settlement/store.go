package settlement

import (
	"context"
	"encoding/json"
	"fmt"

	"execution-core/pkg/db"
)

// DBStore keeps instructions in the settlement_instructions table.
type DBStore struct {
	store *db.Store
}

// NewDBStore wraps s.
func NewDBStore(s *db.Store) *DBStore { return &DBStore{store: s} }

// SaveInstruction implements Store.
func (d *DBStore) SaveInstruction(ctx context.Context, in Instruction) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return d.store.UpsertInstruction(ctx, db.InstructionRow{
		ID:            in.ID,
		AccountID:     in.AccountID,
		DiscrepancyID: in.DiscrepancyID,
		Type:          string(in.Type),
		Status:        string(in.Status),
		Priority:      string(in.Priority),
		RetryOf:       in.RetryOf,
		Body:          body,
		CreatedAt:     in.CreatedAt,
		UpdatedAt:     in.UpdatedAt,
	})
}

// ListInstructions implements Store.
func (d *DBStore) ListInstructions(ctx context.Context) ([]Instruction, error) {
	rows, err := d.store.ListInstructions(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Instruction, 0, len(rows))
	for _, row := range rows {
		var in Instruction
		if err := json.Unmarshal(row.Body, &in); err != nil {
			return nil, fmt.Errorf("decode instruction %s: %w", row.ID, err)
		}
		out = append(out, in)
	}
	return out, nil
}
