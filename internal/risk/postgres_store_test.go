//go:build integration

package risk

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/geoanomaly/internal/geo"
	"github.com/mbd888/geoanomaly/internal/pagination"
	"github.com/mbd888/geoanomaly/internal/testutil"
)

func TestPostgresAssessment_RecordAndList(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	now := time.Now().Truncate(time.Microsecond)
	d := 12.5
	first := &Assessment{
		ID:            "asm_pg_1",
		UserID:        "user_pg",
		Score:         0.6,
		Factors:       map[string]float64{FactorDistance: 1},
		Slot:          geo.SlotKey{Day: geo.Weekday, Slot: "morning"},
		Location:      geo.Point{Lat: 1, Lon: 2},
		TransactionAt: now,
		EvaluatedAt:   now,
	}
	second := &Assessment{
		ID:               "asm_pg_2",
		UserID:           "user_pg",
		Score:            1.0,
		IsAnomaly:        true,
		Factors:          map[string]float64{FactorDistance: 1, FactorTime: 1},
		NearestClusterKm: &d,
		Slot:             geo.SlotKey{Day: geo.Weekend, Slot: "night"},
		Seller:           "shop",
		TransactionAt:    now,
		EvaluatedAt:      now.Add(time.Second),
	}
	for _, a := range []*Assessment{first, second} {
		if err := store.Record(ctx, a); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	got, err := store.ListByUser(ctx, "user_pg", 10, nil)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 assessments, got %d", len(got))
	}
	if got[0].ID != "asm_pg_2" || !got[0].IsAnomaly || got[0].Seller != "shop" {
		t.Errorf("latest = %+v", got[0])
	}
	if got[0].NearestClusterKm == nil || *got[0].NearestClusterKm != 12.5 {
		t.Errorf("nearest = %v", got[0].NearestClusterKm)
	}
	if got[0].Slot != second.Slot {
		t.Errorf("slot = %v", got[0].Slot)
	}
	if got[1].NearestClusterKm != nil {
		t.Errorf("expected nil nearest for cold start, got %v", *got[1].NearestClusterKm)
	}

	older, err := store.ListByUser(ctx, "user_pg", 10, &pagination.Cursor{CreatedAt: got[0].EvaluatedAt, ID: got[0].ID})
	if err != nil {
		t.Fatalf("ListByUser with cursor failed: %v", err)
	}
	if len(older) != 1 || older[0].ID != "asm_pg_1" {
		t.Errorf("expected only asm_pg_1 after cursor, got %d rows", len(older))
	}
}
