package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// IngestTask is one queued batch ingestion. Workers claim runnable rows with
// FOR UPDATE SKIP LOCKED; failed rows become runnable again after a retry
// delay until attempts are exhausted, and running rows with a stale heartbeat
// are reclaimed.
type IngestTask struct {
	ID       uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerID  string    `gorm:"column:owner_id;not null;index" json:"owner_id"`
	TaskType string    `gorm:"column:task_type;not null;index" json:"task_type"`

	Status   string `gorm:"column:status;not null;index" json:"status"`
	Stage    string `gorm:"column:stage;not null" json:"stage"`
	Progress int    `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts int    `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Message  string `gorm:"column:message" json:"message,omitempty"`
	Error    string `gorm:"column:error" json:"error,omitempty"`

	LockedAt    *time.Time `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`

	Payload datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result  datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (IngestTask) TableName() string { return "ingest_task" }

const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusFailed    = "failed"
	TaskStatusSucceeded = "succeeded"
	TaskStatusCanceled  = "canceled"
)
