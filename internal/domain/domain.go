package domain

import (
	"github.com/vitalsync/backend/internal/domain/health"
	"github.com/vitalsync/backend/internal/domain/jobs"
)

type MetricSample = health.MetricSample
type EventSample = health.EventSample
type RollupHourly = health.RollupHourly
type RollupDaily = health.RollupDaily

type IngestTask = jobs.IngestTask

const (
	TaskStatusQueued    = jobs.TaskStatusQueued
	TaskStatusRunning   = jobs.TaskStatusRunning
	TaskStatusFailed    = jobs.TaskStatusFailed
	TaskStatusSucceeded = jobs.TaskStatusSucceeded
	TaskStatusCanceled  = jobs.TaskStatusCanceled
)
