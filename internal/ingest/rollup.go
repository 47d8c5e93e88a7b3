package ingest

import (
	"time"

	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// RollupWindow computes the recomputation window for one granularity: the
// span of this batch's upserted metric timestamps, widened to cover the
// timestamps of any rows tombstoned by the batch, then snapped outward to
// bucket boundaries. Returns ok=false when the batch touched no metric rows.
func RollupWindow(upserted, tombstoned Touched, granularity time.Duration) (from, to time.Time, ok bool) {
	var span Touched
	if upserted.Any {
		span.Add(upserted.Min)
		span.Add(upserted.Max)
	}
	if tombstoned.Any {
		span.Add(tombstoned.Min)
		span.Add(tombstoned.Max)
	}
	if !span.Any {
		return time.Time{}, time.Time{}, false
	}
	from = span.Min.UTC().Truncate(granularity)
	to = span.Max.UTC().Truncate(granularity).Add(granularity)
	return from, to, true
}

// RollupRecomputer keeps the hourly and daily bucket tables an exact
// materialized view of the current metric rows.
type RollupRecomputer struct {
	rollups healthrepo.RollupRepo
	classes AggregationClasses
	log     *logger.Logger
}

func NewRollupRecomputer(rollups healthrepo.RollupRepo, classes AggregationClasses, baseLog *logger.Logger) *RollupRecomputer {
	return &RollupRecomputer{
		rollups: rollups,
		classes: classes,
		log:     baseLog.With("component", "RollupRecomputer"),
	}
}

func (r *RollupRecomputer) RecomputeHourly(dbc dbctx.Context, ownerID string, res *MetricWriteResult) error {
	from, to, ok := RollupWindow(res.Upserted, res.Tombstoned, time.Hour)
	if !ok {
		return nil
	}
	return r.rollups.RecomputeHourly(dbc, ownerID, from, to, r.classes.Average, r.classes.Sum)
}

func (r *RollupRecomputer) RecomputeDaily(dbc dbctx.Context, ownerID string, res *MetricWriteResult) error {
	from, to, ok := RollupWindow(res.Upserted, res.Tombstoned, 24*time.Hour)
	if !ok {
		return nil
	}
	return r.rollups.RecomputeDaily(dbc, ownerID, from, to, r.classes.Average, r.classes.Sum)
}
