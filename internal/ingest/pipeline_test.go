package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	"github.com/vitalsync/backend/internal/data/repos/testutil"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
)

// The pipeline manages its own transactions, so these tests write real rows
// and clean up by owner instead of rolling back a wrapping transaction.
func newTestPipeline(t *testing.T) (*Pipeline, *gorm.DB, string) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	metrics := healthrepo.NewMetricSampleRepo(db, log)
	events := healthrepo.NewEventSampleRepo(db, log)
	rollups := healthrepo.NewRollupRepo(db, log)
	p := NewPipeline(db, log, metrics, events, rollups, DefaultAggregationClasses(), DefaultRetention)

	owner := uuid.NewString()
	t.Cleanup(func() {
		for _, table := range []string{
			"health_metric_samples", "health_event_samples",
			"health_rollup_hourly", "health_rollup_daily",
		} {
			db.Exec(fmt.Sprintf("DELETE FROM %s WHERE owner_id = ?", table), owner)
		}
	})
	return p, db, owner
}

func csvBatch(lines ...string) []byte {
	header := "metric_type,event_type,op,metric_value,hk_uuid,unit,timestamp"
	return []byte(strings.Join(append([]string{header}, lines...), "\n"))
}

func fetchMetrics(t *testing.T, db *gorm.DB, owner string, ids ...string) []*types.MetricSample {
	t.Helper()
	repo := healthrepo.NewMetricSampleRepo(db, testutil.Logger(t))
	rows, err := repo.GetByExternalIDs(dbctx.Context{Ctx: context.Background()}, owner, ids)
	if err != nil {
		t.Fatalf("fetch metrics: %v", err)
	}
	return rows
}

func fetchEvents(t *testing.T, db *gorm.DB, owner string, ids ...string) []*types.EventSample {
	t.Helper()
	repo := healthrepo.NewEventSampleRepo(db, testutil.Logger(t))
	rows, err := repo.GetByExternalIDs(dbctx.Context{Ctx: context.Background()}, owner, ids)
	if err != nil {
		t.Fatalf("fetch events: %v", err)
	}
	return rows
}

func TestPipelineEndToEnd(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	hour := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	ts := hour.Add(10 * time.Minute).Format(time.RFC3339)

	res, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf("heart_rate,,upsert,60,hr-1,bpm,%s", ts),
		fmt.Sprintf("heart_rate,,upsert,80,hr-2,bpm,%s", hour.Add(20*time.Minute).Format(time.RFC3339)),
		fmt.Sprintf("steps,,upsert,1200,st-1,count,%s", ts),
		fmt.Sprintf(",workout_distance_km,upsert,12.5,w-1,km,%s", ts),
		fmt.Sprintf(",workout_energy_kcal,upsert,850,w-1,kcal,%s", ts),
	))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Mirrored != 5 {
		t.Fatalf("mirrored = %d, want 5", res.Mirrored)
	}

	if got := fetchMetrics(t, db, owner, "hr-1", "hr-2", "st-1"); len(got) != 3 {
		t.Fatalf("expected 3 metric rows, got %d", len(got))
	}

	flags := fetchEvents(t, db, owner, "w-1|long_run", "w-1|hard_workout")
	if len(flags) != 2 {
		t.Fatalf("expected both derived flags, got %d", len(flags))
	}
	for _, f := range flags {
		if f.DeletedAt != nil {
			t.Fatalf("flag %s must be live", *f.ExternalID)
		}
		if f.Value != 1 {
			t.Fatalf("flag value = %v, want 1", f.Value)
		}
	}

	rollups := healthrepo.NewRollupRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	hr, err := rollups.GetHourly(dbc, owner, "heart_rate", hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("rollup lookup: %v", err)
	}
	if len(hr) != 1 || hr[0].AvgValue == nil || *hr[0].AvgValue != 70 {
		t.Fatalf("unexpected heart_rate hourly bucket %+v", hr)
	}
	day := hour.Truncate(24 * time.Hour)
	st, err := rollups.GetDaily(dbc, owner, "steps", day, day.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("rollup lookup: %v", err)
	}
	if len(st) != 1 || st[0].SumValue == nil || *st[0].SumValue != 1200 {
		t.Fatalf("unexpected steps daily bucket %+v", st)
	}
}

func TestPipelineReingestIsIdempotent(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	hour := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	batch := csvBatch(
		fmt.Sprintf("steps,,upsert,1000,st-1,count,%s", hour.Add(5*time.Minute).Format(time.RFC3339)),
		fmt.Sprintf("steps,,upsert,2000,st-2,count,%s", hour.Add(15*time.Minute).Format(time.RFC3339)),
	)

	for i := 0; i < 2; i++ {
		if _, err := p.Run(context.Background(), owner, batch); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	if got := fetchMetrics(t, db, owner, "st-1", "st-2"); len(got) != 2 {
		t.Fatalf("re-ingestion must not duplicate rows, got %d", len(got))
	}

	rollups := healthrepo.NewRollupRepo(db, testutil.Logger(t))
	st, err := rollups.GetHourly(dbctx.Context{Ctx: context.Background()}, owner, "steps", hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("rollup lookup: %v", err)
	}
	if len(st) != 1 || *st[0].SumValue != 3000 || st[0].N != 2 {
		t.Fatalf("re-ingestion must not inflate rollups, got %+v", st)
	}
}

func TestPipelineRepeatedIdentityInOneBatch(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	hour := time.Now().UTC().Add(-4 * time.Hour).Truncate(time.Hour)
	// Same hk_uuid twice in one export. The batch must land as a single row
	// carrying the last value, with the earlier unit preserved.
	batch := csvBatch(
		fmt.Sprintf("heart_rate,,upsert,60,hr-dup,bpm,%s", hour.Add(5*time.Minute).Format(time.RFC3339)),
		fmt.Sprintf("heart_rate,,upsert,72,hr-dup,,%s", hour.Add(10*time.Minute).Format(time.RFC3339)),
	)

	res, err := p.Run(context.Background(), owner, batch)
	if err != nil {
		t.Fatalf("duplicated identity must not fail the batch: %v", err)
	}
	if res.Mirrored != 1 {
		t.Fatalf("Mirrored = %d, want 1 after collapsing the duplicate", res.Mirrored)
	}

	got := fetchMetrics(t, db, owner, "hr-dup")
	if len(got) != 1 {
		t.Fatalf("expected a single row, got %d", len(got))
	}
	if got[0].MetricValue != 72 {
		t.Fatalf("value = %v, want the last occurrence's 72", got[0].MetricValue)
	}
	if got[0].Unit == nil || *got[0].Unit != "bpm" {
		t.Fatalf("earlier unit must survive the later null, got %v", got[0].Unit)
	}
}

func TestPipelineDeleteEmptiesBucket(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	hour := time.Now().UTC().Add(-3 * time.Hour).Truncate(time.Hour)
	ts := hour.Add(30 * time.Minute).Format(time.RFC3339)

	if _, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf("steps,,upsert,500,st-only,count,%s", ts),
	)); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	// Deleting the bucket's only sample must tombstone the row and make the
	// bucket disappear, even though the delete row itself carries no
	// resolvable timestamp.
	if _, err := p.Run(context.Background(), owner, csvBatch(
		"steps,,delete,0,st-only,,",
	)); err != nil {
		t.Fatalf("delete batch failed: %v", err)
	}

	rows := fetchMetrics(t, db, owner, "st-only")
	if len(rows) != 1 || rows[0].DeletedAt == nil {
		t.Fatal("delete must tombstone the mirrored row")
	}

	rollups := healthrepo.NewRollupRepo(db, testutil.Logger(t))
	st, err := rollups.GetHourly(dbctx.Context{Ctx: context.Background()}, owner, "steps", hour, hour.Add(time.Hour))
	if err != nil {
		t.Fatalf("rollup lookup: %v", err)
	}
	if len(st) != 0 {
		t.Fatalf("emptied bucket must be absent, got %+v", st)
	}
}

func TestPipelineDerivedFlagsFollowBaseRows(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	hour := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	ts := hour.Format(time.RFC3339)

	// Below both thresholds: no flags.
	if _, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf(",workout_distance_km,upsert,8,w-1,km,%s", ts),
	)); err != nil {
		t.Fatalf("first batch failed: %v", err)
	}
	if flags := fetchEvents(t, db, owner, "w-1|long_run"); len(flags) != 0 {
		t.Fatalf("no flag expected below threshold, got %d", len(flags))
	}

	// A later batch revises the distance upward: the flag appears.
	if _, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf(",workout_distance_km,upsert,12,w-1,km,%s", ts),
	)); err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	flags := fetchEvents(t, db, owner, "w-1|long_run")
	if len(flags) != 1 || flags[0].DeletedAt != nil {
		t.Fatal("expected a live long-run flag after the revision")
	}

	// Revised back down: the flag is retracted, not left stale.
	if _, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf(",workout_distance_km,upsert,5,w-1,km,%s", ts),
	)); err != nil {
		t.Fatalf("third batch failed: %v", err)
	}
	flags = fetchEvents(t, db, owner, "w-1|long_run")
	if len(flags) != 1 || flags[0].DeletedAt == nil {
		t.Fatal("expected the flag to be tombstoned after the downward revision")
	}

	// Deleting the workout retracts everything.
	if _, err := p.Run(context.Background(), owner, csvBatch(
		",workout_distance_km,delete,0,w-1,,",
	)); err != nil {
		t.Fatalf("delete batch failed: %v", err)
	}
	for _, row := range fetchEvents(t, db, owner, "w-1", "w-1|long_run", "w-1|hard_workout") {
		if row.DeletedAt == nil {
			t.Fatalf("row %s must be tombstoned after the workout delete", *row.ExternalID)
		}
	}
}

func TestPipelineValidationAbortsBatch(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	ts := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	_, err := p.Run(context.Background(), owner, csvBatch(
		fmt.Sprintf("heart_rate,,upsert,60,hr-ok,bpm,%s", ts),
		fmt.Sprintf("heart_rate,,upsert,70,,bpm,%s", ts),
	))
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	if got := fetchMetrics(t, db, owner, "hr-ok"); len(got) != 0 {
		t.Fatal("a failed batch must not commit partial rows")
	}
}

func TestPipelineRejectsMissingOwner(t *testing.T) {
	p, _, _ := newTestPipeline(t)

	if _, err := p.Run(context.Background(), "", csvBatch()); err == nil {
		t.Fatal("expected an error for a missing owner identity")
	}
}

func TestPipelineUnresolvableTimestampsMirrorNothing(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	// Upserts only, none with a parseable timestamp: the batch short-circuits
	// as a zero-row success without touching storage.
	res, err := p.Run(context.Background(), owner, csvBatch(
		"heart_rate,,upsert,60,hr-1,bpm,not-a-time",
		"heart_rate,,upsert,70,hr-2,bpm,",
	))
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if res.Mirrored != 0 {
		t.Fatalf("mirrored = %d, want 0", res.Mirrored)
	}
	if got := fetchMetrics(t, db, owner, "hr-1", "hr-2"); len(got) != 0 {
		t.Fatalf("nothing should be written, got %d rows", len(got))
	}
}

func TestPipelineEmptyBatchShortCircuits(t *testing.T) {
	p, _, owner := newTestPipeline(t)

	res, err := p.Run(context.Background(), owner, nil)
	if err != nil {
		t.Fatalf("empty batch failed: %v", err)
	}
	if res.Mirrored != 0 {
		t.Fatalf("mirrored = %d, want 0", res.Mirrored)
	}
}

func TestPipelineConcurrentSameOwner(t *testing.T) {
	p, db, owner := newTestPipeline(t)

	ts := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour).Format(time.RFC3339)

	// Two overlapping batches upsert the same identity; one carries the unit,
	// the other a revised value. The advisory lock serializes them, so the
	// unit must survive regardless of which batch wins the value.
	withUnit := csvBatch(fmt.Sprintf("steps,,upsert,100,st-1,count,%s", ts))
	revised := csvBatch(fmt.Sprintf("steps,,upsert,200,st-1,,%s", ts))

	errs := make(chan error, 2)
	for _, batch := range [][]byte{withUnit, revised} {
		batch := batch
		go func() {
			_, err := p.Run(context.Background(), owner, batch)
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent run failed: %v", err)
		}
	}

	rows := fetchMetrics(t, db, owner, "st-1")
	if len(rows) != 1 {
		t.Fatalf("overlapping upserts must converge on one row, got %d", len(rows))
	}
	if rows[0].Unit == nil || *rows[0].Unit != "count" {
		t.Fatal("unit must survive the overlapping null-unit upsert")
	}
	if v := rows[0].MetricValue; v != 100 && v != 200 {
		t.Fatalf("value = %v, want one of the submitted values", v)
	}
}

func TestPipelineConcurrentOwners(t *testing.T) {
	p, db, ownerA := newTestPipeline(t)
	ownerB := uuid.NewString()
	t.Cleanup(func() {
		for _, table := range []string{
			"health_metric_samples", "health_event_samples",
			"health_rollup_hourly", "health_rollup_daily",
		} {
			db.Exec(fmt.Sprintf("DELETE FROM %s WHERE owner_id = ?", table), ownerB)
		}
	})

	hour := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Hour)
	batch := func() []byte {
		return csvBatch(
			fmt.Sprintf("steps,,upsert,100,st-1,count,%s", hour.Format(time.RFC3339)),
		)
	}

	errs := make(chan error, 2)
	for _, owner := range []string{ownerA, ownerB} {
		owner := owner
		go func() {
			_, err := p.Run(context.Background(), owner, batch())
			errs <- err
		}()
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent run failed: %v", err)
		}
	}

	for _, owner := range []string{ownerA, ownerB} {
		if got := fetchMetrics(t, db, owner, "st-1"); len(got) != 1 {
			t.Fatalf("owner %s missing mirrored row", owner)
		}
	}
}
