package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/envutil"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// IngestNotifier publishes task lifecycle events so clients polling upload
// status can react promptly. Delivery is best-effort; the queue row remains
// the source of truth.
type IngestNotifier interface {
	TaskProgress(ownerID string, task *types.IngestTask, stage string, progress int, message string)
	TaskFailed(ownerID string, task *types.IngestTask, stage string, errorMessage string)
	TaskDone(ownerID string, task *types.IngestTask)
}

type ingestEvent struct {
	OwnerID  string    `json:"owner_id"`
	TaskID   string    `json:"task_id"`
	TaskType string    `json:"task_type"`
	Event    string    `json:"event"`
	Stage    string    `json:"stage,omitempty"`
	Progress int       `json:"progress,omitempty"`
	Message  string    `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

type redisNotifier struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisNotifier connects to REDIS_ADDR and publishes lifecycle events on
// REDIS_CHANNEL (default "ingest").
func NewRedisNotifier(log *logger.Logger) (IngestNotifier, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := envutil.String("REDIS_ADDR", "")
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}
	channel := envutil.String("REDIS_CHANNEL", "ingest")

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisNotifier{
		log:     log.With("service", "RedisIngestNotifier"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (n *redisNotifier) publish(ev ingestEvent) {
	ev.At = time.Now().UTC()
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channel, raw).Err(); err != nil {
		n.log.Warn("Publish failed", "event", ev.Event, "task_id", ev.TaskID, "error", err)
	}
}

func (n *redisNotifier) TaskProgress(ownerID string, task *types.IngestTask, stage string, progress int, message string) {
	n.publish(ingestEvent{
		OwnerID:  ownerID,
		TaskID:   task.ID.String(),
		TaskType: task.TaskType,
		Event:    "progress",
		Stage:    stage,
		Progress: progress,
		Message:  message,
	})
}

func (n *redisNotifier) TaskFailed(ownerID string, task *types.IngestTask, stage string, errorMessage string) {
	n.publish(ingestEvent{
		OwnerID:  ownerID,
		TaskID:   task.ID.String(),
		TaskType: task.TaskType,
		Event:    "failed",
		Stage:    stage,
		Error:    errorMessage,
	})
}

func (n *redisNotifier) TaskDone(ownerID string, task *types.IngestTask) {
	n.publish(ingestEvent{
		OwnerID:  ownerID,
		TaskID:   task.ID.String(),
		TaskType: task.TaskType,
		Event:    "done",
	})
}

type logNotifier struct {
	log *logger.Logger
}

// NewLogNotifier is the fallback when Redis is not configured.
func NewLogNotifier(log *logger.Logger) IngestNotifier {
	return &logNotifier{log: log.With("service", "LogIngestNotifier")}
}

func (n *logNotifier) TaskProgress(ownerID string, task *types.IngestTask, stage string, progress int, message string) {
	n.log.Debug("Task progress", "owner_id", ownerID, "task_id", task.ID, "stage", stage, "progress", progress, "message", message)
}

func (n *logNotifier) TaskFailed(ownerID string, task *types.IngestTask, stage string, errorMessage string) {
	n.log.Warn("Task failed", "owner_id", ownerID, "task_id", task.ID, "stage", stage, "error", errorMessage)
}

func (n *logNotifier) TaskDone(ownerID string, task *types.IngestTask) {
	n.log.Info("Task done", "owner_id", ownerID, "task_id", task.ID)
}
