package health

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

type EventSampleRepo interface {
	UpsertBatch(dbc dbctx.Context, rows []*types.EventSample) error
	Tombstone(dbc dbctx.Context, ownerID string, externalIDs []string, at time.Time) ([]time.Time, error)
	TombstoneByIdentity(dbc dbctx.Context, ownerID, externalID, eventType string, at time.Time) (bool, error)
	GetActiveByExternalID(dbc dbctx.Context, ownerID, externalID string) ([]*types.EventSample, error)
	GetByExternalIDs(dbc dbctx.Context, ownerID string, externalIDs []string) ([]*types.EventSample, error)
	PruneBefore(dbc dbctx.Context, ownerID string, cutoff time.Time) (int64, error)
}

type eventSampleRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEventSampleRepo(db *gorm.DB, baseLog *logger.Logger) EventSampleRepo {
	return &eventSampleRepo{
		db:  db,
		log: baseLog.With("repo", "EventSampleRepo"),
	}
}

// UpsertBatch mirrors event rows keyed by (owner_id, external_id, event_type).
// Merge semantics match the metric table: value/timestamp/type always win,
// optional fields are last-non-null-wins, deleted_at is cleared.
func (r *eventSampleRepo) UpsertBatch(dbc dbctx.Context, rows []*types.EventSample) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "external_id"}, {Name: "event_type"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"value":            gorm.Expr("excluded.value"),
			"timestamp":        gorm.Expr("excluded.timestamp"),
			"end_ts":           gorm.Expr("COALESCE(excluded.end_ts, health_event_samples.end_ts)"),
			"unit":             gorm.Expr("COALESCE(excluded.unit, health_event_samples.unit)"),
			"source_bundle_id": gorm.Expr("COALESCE(excluded.source_bundle_id, health_event_samples.source_bundle_id)"),
			"source_name":      gorm.Expr("COALESCE(excluded.source_name, health_event_samples.source_name)"),
			"source_version":   gorm.Expr("COALESCE(excluded.source_version, health_event_samples.source_version)"),
			"was_user_entered": gorm.Expr("COALESCE(excluded.was_user_entered, health_event_samples.was_user_entered)"),
			"context":          gorm.Expr("COALESCE(excluded.context, health_event_samples.context)"),
			"deleted_at":       gorm.Expr("NULL"),
		}),
	}).Create(&rows).Error
}

// Tombstone soft-deletes every live row carrying one of the given external
// identities, across all event types. A workout delete arrives as a single
// identity but covers all of its exported rows.
func (r *eventSampleRepo) Tombstone(dbc dbctx.Context, ownerID string, externalIDs []string, at time.Time) ([]time.Time, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(externalIDs) == 0 {
		return nil, nil
	}
	var stamped []time.Time
	err := transaction.WithContext(dbc.Ctx).Raw(`
		UPDATE health_event_samples
		SET deleted_at = ?
		WHERE owner_id = ? AND external_id IN ? AND deleted_at IS NULL
		RETURNING timestamp
	`, at, ownerID, externalIDs).Scan(&stamped).Error
	if err != nil {
		return nil, err
	}
	return stamped, nil
}

// TombstoneByIdentity soft-deletes a single (external_id, event_type) row.
// Used to retract derived flags whose predicate no longer holds.
func (r *eventSampleRepo) TombstoneByIdentity(dbc dbctx.Context, ownerID, externalID, eventType string, at time.Time) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).Exec(`
		UPDATE health_event_samples
		SET deleted_at = ?
		WHERE owner_id = ? AND external_id = ? AND event_type = ? AND deleted_at IS NULL
	`, at, ownerID, externalID, eventType)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *eventSampleRepo) GetActiveByExternalID(dbc dbctx.Context, ownerID, externalID string) ([]*types.EventSample, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.EventSample
	if err := transaction.WithContext(dbc.Ctx).
		Where("owner_id = ? AND external_id = ? AND deleted_at IS NULL", ownerID, externalID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *eventSampleRepo) GetByExternalIDs(dbc dbctx.Context, ownerID string, externalIDs []string) ([]*types.EventSample, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.EventSample
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

func (r *eventSampleRepo) PruneBefore(dbc dbctx.Context, ownerID string, cutoff time.Time) (int64, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(dbc.Ctx).Exec(`
		DELETE FROM health_event_samples
		WHERE owner_id = ? AND timestamp < ?
	`, ownerID, cutoff)
	return res.RowsAffected, res.Error
}
