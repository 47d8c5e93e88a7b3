package health

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// EventSample is one discrete occurrence: a workout segment exported by the
// source device, or a server-derived flag. A single workout exports several
// rows sharing the workout's external id (distance, duration, energy), so
// identity here is (owner_id, external_id, event_type). Derived flags computed
// by the ingest engine use the composite identity "<workout_id>|<flag>".
type EventSample struct {
	ID      uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID string    `gorm:"column:owner_id;not null;uniqueIndex:ux_event_samples_owner_external_type,priority:1;index:idx_event_samples_owner_type_ts,priority:1" json:"owner_id"`

	ExternalID *string `gorm:"column:external_id;uniqueIndex:ux_event_samples_owner_external_type,priority:2" json:"external_id,omitempty"`

	Timestamp time.Time  `gorm:"column:timestamp;not null;index:idx_event_samples_owner_type_ts,priority:3" json:"timestamp"`
	EndTs     *time.Time `gorm:"column:end_ts" json:"end_ts,omitempty"`

	EventType string  `gorm:"column:event_type;not null;uniqueIndex:ux_event_samples_owner_external_type,priority:3;index:idx_event_samples_owner_type_ts,priority:2" json:"event_type"`
	Value     float64 `gorm:"column:value;not null" json:"value"`
	Unit      *string `gorm:"column:unit" json:"unit,omitempty"`

	SourceBundleID *string `gorm:"column:source_bundle_id" json:"source_bundle_id,omitempty"`
	SourceName     *string `gorm:"column:source_name" json:"source_name,omitempty"`
	SourceVersion  *string `gorm:"column:source_version" json:"source_version,omitempty"`
	WasUserEntered *bool   `gorm:"column:was_user_entered" json:"was_user_entered,omitempty"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context,omitempty"`

	CreatedAt time.Time  `gorm:"not null;default:now()" json:"created_at"`
	DeletedAt *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
}

func (EventSample) TableName() string { return "health_event_samples" }
