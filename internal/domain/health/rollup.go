package health

import (
	"time"

	"gorm.io/datatypes"
)

// RollupHourly is a materialized aggregate of non-deleted metric samples over
// one hour. Buckets are owned entirely by the rollup recomputer and replaced
// wholesale whenever their window is touched; they are never incremented.
type RollupHourly struct {
	OwnerID    string    `gorm:"column:owner_id;primaryKey" json:"owner_id"`
	MetricType string    `gorm:"column:metric_type;primaryKey" json:"metric_type"`
	BucketTs   time.Time `gorm:"column:bucket_ts;primaryKey" json:"bucket_ts"`

	AvgValue *float64 `gorm:"column:avg_value" json:"avg_value,omitempty"`
	SumValue *float64 `gorm:"column:sum_value" json:"sum_value,omitempty"`
	MinValue *float64 `gorm:"column:min_value" json:"min_value,omitempty"`
	MaxValue *float64 `gorm:"column:max_value" json:"max_value,omitempty"`
	N        int64    `gorm:"column:n" json:"n"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context,omitempty"`
}

func (RollupHourly) TableName() string { return "health_rollup_hourly" }

// RollupDaily is the day-granularity counterpart of RollupHourly.
type RollupDaily struct {
	OwnerID    string    `gorm:"column:owner_id;primaryKey" json:"owner_id"`
	MetricType string    `gorm:"column:metric_type;primaryKey" json:"metric_type"`
	BucketTs   time.Time `gorm:"column:bucket_ts;primaryKey" json:"bucket_ts"`

	AvgValue *float64 `gorm:"column:avg_value" json:"avg_value,omitempty"`
	SumValue *float64 `gorm:"column:sum_value" json:"sum_value,omitempty"`
	MinValue *float64 `gorm:"column:min_value" json:"min_value,omitempty"`
	MaxValue *float64 `gorm:"column:max_value" json:"max_value,omitempty"`
	N        int64    `gorm:"column:n" json:"n"`

	Context datatypes.JSON `gorm:"column:context;type:jsonb" json:"context,omitempty"`
}

func (RollupDaily) TableName() string { return "health_rollup_daily" }
