package health

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

type MetricSampleRepo interface {
	UpsertBatch(dbc dbctx.Context, rows []*types.MetricSample) error
	Tombstone(dbc dbctx.Context, ownerID string, externalIDs []string, at time.Time) ([]time.Time, error)
	PruneBefore(dbc dbctx.Context, ownerID string, cutoff time.Time) (int64, error)
	GetByExternalIDs(dbc dbctx.Context, ownerID string, externalIDs []string) ([]*types.MetricSample, error)
}

type metricSampleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMetricSampleRepo(db *gorm.DB, baseLog *logger.Logger) MetricSampleRepo {
	return &metricSampleRepo{
		db:  db,
		log: baseLog.With("repo", "MetricSampleRepo"),
	}
}

// UpsertBatch inserts rows keyed by (owner_id, external_id). On conflict the
// value, timestamps and type are always overwritten by the incoming row;
// optional fields keep the stored value unless the incoming one is non-null.
// A successful upsert always clears deleted_at, resurrecting tombstoned rows.
func (r *metricSampleRepo) UpsertBatch(dbc dbctx.Context, rows []*types.MetricSample) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "external_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"metric_value":     gorm.Expr("excluded.metric_value"),
			"timestamp":        gorm.Expr("excluded.timestamp"),
			"metric_type":      gorm.Expr("excluded.metric_type"),
			"end_ts":           gorm.Expr("COALESCE(excluded.end_ts, health_metric_samples.end_ts)"),
			"unit":             gorm.Expr("COALESCE(excluded.unit, health_metric_samples.unit)"),
			"source_bundle_id": gorm.Expr("COALESCE(excluded.source_bundle_id, health_metric_samples.source_bundle_id)"),
			"source_name":      gorm.Expr("COALESCE(excluded.source_name, health_metric_samples.source_name)"),
			"source_version":   gorm.Expr("COALESCE(excluded.source_version, health_metric_samples.source_version)"),
			"was_user_entered": gorm.Expr("COALESCE(excluded.was_user_entered, health_metric_samples.was_user_entered)"),
			"context":          gorm.Expr("COALESCE(excluded.context, health_metric_samples.context)"),
			"deleted_at":       gorm.Expr("NULL"),
		}),
	}).Create(&rows).Error
}

// Tombstone soft-deletes all live rows matching the given identities and
// returns their timestamps so the caller can widen the rollup window.
func (r *metricSampleRepo) Tombstone(dbc dbctx.Context, ownerID string, externalIDs []string, at time.Time) ([]time.Time, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var stamped []time.Time
	err := transaction.WithContext(dbc.Ctx).Raw(`
		UPDATE health_metric_samples
		SET deleted_at = ?
		WHERE owner_id = ? AND external_id IN ? AND deleted_at IS NULL
		RETURNING timestamp
	`, at, ownerID, externalIDs).Scan(&stamped).Error
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

// PruneBefore hard-deletes rows that have fallen out of the retention window.
// Tombstoned rows age out the same way.
func (r *metricSampleRepo) PruneBefore(dbc dbctx.Context, ownerID string, cutoff time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).Exec(`
		DELETE FROM health_metric_samples
		WHERE owner_id = ? AND timestamp < ?
	`, ownerID, cutoff)
	return res.RowsAffected, res.Error
}

func (r *metricSampleRepo) GetByExternalIDs(dbc dbctx.Context, ownerID string, externalIDs []string) ([]*types.MetricSample, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.MetricSample
	if len(externalIDs) == 0 {
		return out, nil
	}
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ? AND external_id IN ?", ownerID, externalIDs).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
