package health

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// MetricSample is one continuous-valued observation mirrored from the source
// device. Identity for upserts is (owner_id, external_id); rows without an
// external identity are legacy and never written by the ingest pipeline.
// Deletes are tombstones (deleted_at), not row removal.
type MetricSample struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID string    `gorm:"column:owner_id;not null;uniqueIndex:ux_metric_samples_owner_external,priority:1;index:idx_metric_samples_owner_type_ts,priority:1" json:"owner_id"`

	ExternalID *string `gorm:"column:external_id;uniqueIndex:ux_metric_samples_owner_external,priority:2" json:"external_id,omitempty"`

	Timestamp time.Time  `gorm:"column:timestamp;not null;index:idx_metric_samples_owner_type_ts,priority:3" json:"timestamp"`
	EndTs     *time.Time `gorm:"column:end_ts" json:"end_ts,omitempty"`

	MetricType  string  `gorm:"column:metric_type;not null;index:idx_metric_samples_owner_type_ts,priority:2" json:"metric_type"`
	MetricValue float64 `gorm:"column:metric_value;not null" json:"metric_value"`
	Unit        *string `gorm:"column:unit" json:"unit,omitempty"`

	SourceBundleID *string `gorm:"column:source_bundle_id" json:"source_bundle_id,omitempty"`
	SourceName     *string `gorm:"column:source_name" json:"source_name,omitempty"`
	SourceVersion  *string `gorm:"column:source_version" json:"source_version,omitempty"`
	WasUserEntered *bool   `gorm:"column:was_user_entered" json:"was_user_entered,omitempty"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time  `gorm:"not null;default:now()" json:"created_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (MetricSample) TableName() string { return "health_metric_samples" }
