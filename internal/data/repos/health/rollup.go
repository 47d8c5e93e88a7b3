package health

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

type RollupRepo interface {
	RecomputeHourly(dbc dbctx.Context, ownerID string, from, to time.Time, avgTypes, sumTypes []string) error
	RecomputeDaily(dbc dbctx.Context, ownerID string, from, to time.Time, avgTypes, sumTypes []string) error
	GetHourly(dbc dbctx.Context, ownerID, metricType string, from, to time.Time) ([]*types.RollupHourly, error)
	GetDaily(dbc dbctx.Context, ownerID, metricType string, from, to time.Time) ([]*types.RollupDaily, error)
}

type rollupRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRollupRepo(db *gorm.DB, baseLog *logger.Logger) RollupRepo {
	return &rollupRepo{
		db:  db,
		log: baseLog.With("repo", "RollupRepo"),
	}
}

// RecomputeHourly rebuilds every hourly bucket intersecting [from, to) from
// the current non-deleted metric rows. Buckets are replaced wholesale: the
// window is cleared first, so a bucket whose last sample was tombstoned
// disappears instead of lingering with stale aggregates.
func (r *rollupRepo) RecomputeHourly(dbc dbctx.Context, ownerID string, from, to time.Time, avgTypes, sumTypes []string) error {
	return r.recompute(dbc, "health_rollup_hourly", "hour", ownerID, from, to, avgTypes, sumTypes)
}

// RecomputeDaily is the day-granularity counterpart of RecomputeHourly.
func (r *rollupRepo) RecomputeDaily(dbc dbctx.Context, ownerID string, from, to time.Time, avgTypes, sumTypes []string) error {
	return r.recompute(dbc, "health_rollup_daily", "day", ownerID, from, to, avgTypes, sumTypes)
}

func (r *rollupRepo) recompute(dbc dbctx.Context, table, granularity, ownerID string, from, to time.Time, avgTypes, sumTypes []string) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	// Slice params feed IN-list expansion; an empty class list must still
	// produce valid SQL.
	if len(avgTypes) == 0 {
		avgTypes = []string{""}
	}
	if len(sumTypes) == 0 {
		sumTypes = []string{""}
	}

	del := fmt.Sprintf(`
		DELETE FROM %s
		WHERE owner_id = ? AND bucket_ts >= ? AND bucket_ts < ?
	`, table)
	if err := transaction.WithContext(dbc.Ctx).Exec(del, ownerID, from, to).Error; err != nil {
		return fmt.Errorf("clear %s window: %w", table, err)
	}

	// timestamp is timestamptz; truncating through AT TIME ZONE 'UTC' pins
	// bucket boundaries to UTC wall time regardless of the session time zone.
	ins := fmt.Sprintf(`
		INSERT INTO %s
			(owner_id, bucket_ts, metric_type, avg_value, sum_value, min_value, max_value, n, context)
		SELECT
			owner_id,
			date_trunc('%s', timestamp AT TIME ZONE 'UTC') AT TIME ZONE 'UTC' AS bucket_ts,
			metric_type,
			AVG(CASE WHEN metric_type IN ? THEN metric_value END) AS avg_value,
			SUM(CASE WHEN metric_type IN ? THEN metric_value END) AS sum_value,
			MIN(metric_value) AS min_value,
			MAX(metric_value) AS max_value,
			COUNT(*) AS n,
			(array_agg(context ORDER BY timestamp DESC) FILTER (WHERE context IS NOT NULL))[1] AS context
		FROM health_metric_samples
		WHERE owner_id = ?
		  AND deleted_at IS NULL
		  AND timestamp >= ? AND timestamp < ?
		GROUP BY owner_id, 2, metric_type
	`, table, granularity)
	if err := transaction.WithContext(dbc.Ctx).Exec(ins, avgTypes, sumTypes, ownerID, from, to).Error; err != nil {
		return fmt.Errorf("recompute %s: %w", table, err)
	}
	return nil
}

func (r *rollupRepo) GetHourly(dbc dbctx.Context, ownerID, metricType string, from, to time.Time) ([]*types.RollupHourly, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RollupHourly
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ? AND metric_type = ? AND bucket_ts >= ? AND bucket_ts < ?", ownerID, metricType, from, to).
		Order("bucket_ts ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *rollupRepo) GetDaily(dbc dbctx.Context, ownerID, metricType string, from, to time.Time) ([]*types.RollupDaily, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RollupDaily
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ? AND metric_type = ? AND bucket_ts >= ? AND bucket_ts < ?", ownerID, metricType, from, to).
		Order("bucket_ts ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
