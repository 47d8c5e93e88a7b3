package health

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vitalsync/backend/internal/data/repos/testutil"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
)

func str(s string) *string { return &s }

func TestMetricSampleUpsertMerge(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewMetricSampleRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	owner := uuid.NewString()
	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	first := &types.MetricSample{
		OwnerID:     owner,
		ExternalID:  str("hk-1"),
		Timestamp:   ts,
		MetricType:  "heart_rate",
		MetricValue: 60,
		Unit:        str("bpm"),
		SourceName:  str("Watch"),
	}
	if err := repo.UpsertBatch(dbc, []*types.MetricSample{first}); err != nil {
		t.Fatalf("first upsert failed: %v", err)
	}

	// Same identity, new value, null optionals. Value and timestamp must be
	// replaced while unit and source survive.
	second := &types.MetricSample{
		OwnerID:     owner,
		ExternalID:  str("hk-1"),
		Timestamp:   ts.Add(time.Minute),
		MetricType:  "heart_rate",
		MetricValue: 72,
	}
	if err := repo.UpsertBatch(dbc, []*types.MetricSample{second}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	rows, err := repo.GetByExternalIDs(dbc, owner, []string{"hk-1"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("re-upserting the same identity must not add rows, got %d", len(rows))
	}
	got := rows[0]
	if got.MetricValue != 72 {
		t.Fatalf("value not replaced, got %v", got.MetricValue)
	}
	if !got.Timestamp.Equal(ts.Add(time.Minute)) {
		t.Fatalf("timestamp not replaced, got %v", got.Timestamp)
	}
	if got.Unit == nil || *got.Unit != "bpm" {
		t.Fatalf("null incoming unit must keep the stored one, got %v", got.Unit)
	}
	if got.SourceName == nil || *got.SourceName != "Watch" {
		t.Fatalf("null incoming source must keep the stored one, got %v", got.SourceName)
	}
}

func TestMetricSampleTombstoneAndResurrect(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewMetricSampleRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	owner := uuid.NewString()
	ts := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	row := &types.MetricSample{
		OwnerID:     owner,
		ExternalID:  str("hk-1"),
		Timestamp:   ts,
		MetricType:  "steps",
		MetricValue: 1200,
	}
	if err := repo.UpsertBatch(dbc, []*types.MetricSample{row}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	stamped, err := repo.Tombstone(dbc, owner, []string{"hk-1", "absent"}, time.Now())
	if err != nil {
		t.Fatalf("tombstone failed: %v", err)
	}
	if len(stamped) != 1 || !stamped[0].Equal(ts) {
		t.Fatalf("tombstone must return the timestamps of the rows it hit, got %v", stamped)
	}

	rows, err := repo.GetByExternalIDs(dbc, owner, []string{"hk-1"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DeletedAt == nil {
		t.Fatal("tombstone must set deleted_at, not remove the row")
	}

	// A second delete of the same identity is a no-op.
	stamped, err = repo.Tombstone(dbc, owner, []string{"hk-1"}, time.Now())
	if err != nil {
		t.Fatalf("repeat tombstone failed: %v", err)
	}
	if len(stamped) != 0 {
		t.Fatalf("already-deleted rows must not be stamped again, got %v", stamped)
	}

	// Re-upserting the identity resurrects it.
	if err := repo.UpsertBatch(dbc, []*types.MetricSample{{
		OwnerID:     owner,
		ExternalID:  str("hk-1"),
		Timestamp:   ts,
		MetricType:  "steps",
		MetricValue: 900,
	}}); err != nil {
		t.Fatalf("resurrect upsert failed: %v", err)
	}
	rows, err = repo.GetByExternalIDs(dbc, owner, []string{"hk-1"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(rows) != 1 || rows[0].DeletedAt != nil {
		t.Fatal("upsert must clear deleted_at")
	}
	if rows[0].MetricValue != 900 {
		t.Fatalf("resurrected value = %v, want 900", rows[0].MetricValue)
	}
}

func TestMetricSamplePruneBefore(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	repo := NewMetricSampleRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	owner := uuid.NewString()
	cutoff := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	rows := []*types.MetricSample{
		{OwnerID: owner, ExternalID: str("old"), Timestamp: cutoff.Add(-time.Hour), MetricType: "steps", MetricValue: 1},
		{OwnerID: owner, ExternalID: str("at-cutoff"), Timestamp: cutoff, MetricType: "steps", MetricValue: 2},
		{OwnerID: owner, ExternalID: str("new"), Timestamp: cutoff.Add(time.Hour), MetricType: "steps", MetricValue: 3},
	}
	if err := repo.UpsertBatch(dbc, rows); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	n, err := repo.PruneBefore(dbc, owner, cutoff)
	if err != nil {
		t.Fatalf("prune failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	kept, err := repo.GetByExternalIDs(dbc, owner, []string{"old", "at-cutoff", "new"})
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if len(kept) != 2 {
		t.Fatalf("expected 2 surviving rows, got %d", len(kept))
	}
}
