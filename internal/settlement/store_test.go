package settlement

import (
	"context"
	"testing"

	"execution-core/pkg/db"
)

func TestInstructionsPersistAcrossRestart(t *testing.T) {
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	store := NewDBStore(database.Store())

	f := newFixture(t, DefaultConfig(), 10000, 13000)
	f.coord.SetStore(store)
	snap := f.reconcile(t)
	in, _, err := f.coord.FromDiscrepancy(context.Background(), snap.Discrepancies[0])
	if err != nil {
		t.Fatalf("FromDiscrepancy: %v", err)
	}
	if _, err := f.coord.Approve(context.Background(), in.ID, "alice", ""); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	restarted := NewCoordinator(DefaultConfig(), nil, f.engine, f.engine, f.bus, nil)
	restarted.SetStore(store)
	if err := restarted.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, err := restarted.Get(in.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusPending || len(got.Approvals) != 1 || got.DiscrepancyKey != in.DiscrepancyKey {
		t.Fatalf("restored = %+v", got)
	}
	if _, created, _ := restarted.FromDiscrepancy(context.Background(), snap.Discrepancies[0]); created {
		t.Fatalf("restored instruction did not block a duplicate")
	}
}
