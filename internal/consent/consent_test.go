package consent

import (
	"context"
	"testing"
	"time"

	"crisiswatch/internal/database"
)

func newTestRegistry(t *testing.T) *SQLRegistry {
	t.Helper()
	db, err := database.New("sqlite://:memory:")
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return NewSQLRegistry(db)
}

func TestSQLRegistry_WithdrawAndGrant(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	withdrawn, err := r.IsWithdrawn(ctx, "user-1")
	if err != nil || withdrawn {
		t.Fatalf("fresh subject: withdrawn=%v err=%v", withdrawn, err)
	}

	if err := r.Withdraw(ctx, "user-1", "user-1", "asked to stop"); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if withdrawn, _ := r.IsWithdrawn(ctx, "user-1"); !withdrawn {
		t.Fatal("expected consent withdrawn")
	}
	if withdrawn, _ := r.IsWithdrawn(ctx, "user-2"); withdrawn {
		t.Error("withdrawal leaked to another subject")
	}

	// Withdrawing twice is not an error.
	if err := r.Withdraw(ctx, "user-1", "mod-1", ""); err != nil {
		t.Fatalf("second Withdraw failed: %v", err)
	}

	if err := r.Grant(ctx, "user-1", "user-1"); err != nil {
		t.Fatalf("Grant failed: %v", err)
	}
	if withdrawn, _ := r.IsWithdrawn(ctx, "user-1"); withdrawn {
		t.Error("expected consent restored after Grant")
	}
}

func TestSQLRegistry_History(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	r.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	_ = r.Withdraw(ctx, "user-1", "user-1", "no thanks")
	_ = r.Grant(ctx, "user-1", "mod-1")

	events, err := r.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Action != ActionWithdraw || events[0].Reason != "no thanks" {
		t.Errorf("first event = %+v", events[0])
	}
	if events[1].Action != ActionGrant || events[1].Actor != "mod-1" {
		t.Errorf("second event = %+v", events[1])
	}
	if !events[1].OccurredAt.After(events[0].OccurredAt) {
		t.Error("events out of order")
	}
}

func TestMemoryRegistry(t *testing.T) {
	ctx := context.Background()
	var r Registry = NewMemoryRegistry()

	_ = r.Withdraw(ctx, "user-1", "user-1", "")
	if withdrawn, _ := r.IsWithdrawn(ctx, "user-1"); !withdrawn {
		t.Fatal("expected withdrawn")
	}
	_ = r.Grant(ctx, "user-1", "user-1")
	if withdrawn, _ := r.IsWithdrawn(ctx, "user-1"); withdrawn {
		t.Fatal("expected granted")
	}
}
