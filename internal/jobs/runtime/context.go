package runtime

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepo "github.com/vitalsync/backend/internal/data/repos/jobs"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/services"
)

// Context is the execution handle for one claimed ingest task. It wraps the
// mutable task row, the task repo, and the notifier, and is the only
// sanctioned way for handlers to report progress or terminate execution.
type Context struct {
	Ctx     context.Context
	DB      *gorm.DB
	Task    *types.IngestTask
	Repo    jobrepo.IngestTaskRepo
	Notify  services.IngestNotifier
	payload map[string]any
}

// NewContext constructs a runtime.Context for a claimed task, eagerly
// decoding the payload JSON. A decode failure leaves the payload empty;
// handlers validate required fields themselves.
func NewContext(ctx context.Context, db *gorm.DB, task *types.IngestTask, repo jobrepo.IngestTaskRepo, notify services.IngestNotifier) *Context {
	c := &Context{
		Ctx:    ctx,
		DB:     db,
		Task:   task,
		Repo:   repo,
		Notify: notify,
	}
	_ = c.decodePayload()
	return c
}

func (c *Context) decodePayload() error {
	if c.Task == nil || len(c.Task.Payload) == 0 {
		c.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(c.Task.Payload, &m); err != nil {
		c.payload = map[string]any{}
		return err
	}
	c.payload = m
	return nil
}

// Payload never returns nil; an unset or unparseable payload reads as empty.
func (c *Context) Payload() map[string]any {
	if c.payload == nil {
		c.payload = map[string]any{}
	}
	return c.payload
}

// PayloadString reads a payload field as a non-empty string.
func (c *Context) PayloadString(key string) (string, bool) {
	v, ok := c.Payload()[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Progress publishes a non-terminal status update, guarded so a canceled
// task is never overwritten.
func (c *Context) Progress(stage string, pct int, msg string) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()

	if c.Repo != nil && c.Task != nil && c.Task.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Task.ID, []string{"canceled"}, map[string]interface{}{
			"stage":        stage,
			"progress":     pct,
			"message":      msg,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Task != nil {
		c.Task.Stage = stage
		c.Task.Progress = pct
		c.Task.Message = msg
		c.Task.HeartbeatAt = &now
		c.Task.UpdatedAt = now
	}

	if c.Notify != nil && c.Task != nil {
		c.Notify.TaskProgress(c.Task.OwnerID, c.Task, stage, pct, msg)
	}
}

// Fail marks the task terminally failed for this attempt; the queue's retry
// policy decides whether it becomes runnable again.
func (c *Context) Fail(stage string, err error) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if c.Repo != nil && c.Task != nil && c.Task.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Task.ID, []string{"canceled"}, map[string]interface{}{
			"status":        "failed",
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if c.Task != nil {
		c.Task.Status = "failed"
		c.Task.Stage = stage
		c.Task.Message = ""
		c.Task.Error = msg
		c.Task.LastErrorAt = &now
		c.Task.LockedAt = nil
		c.Task.UpdatedAt = now
	}

	if c.Notify != nil && c.Task != nil {
		c.Notify.TaskFailed(c.Task.OwnerID, c.Task, stage, msg)
	}
}

// Succeed marks the task done and stores a result payload.
func (c *Context) Succeed(finalStage string, result any) {
	if c == nil {
		return
	}
	ctx := c.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if c.Repo != nil && c.Task != nil && c.Task.ID != uuid.Nil {
		ok, _ := c.Repo.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, c.Task.ID, []string{"canceled"}, map[string]interface{}{
			"status":       "succeeded",
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if c.Task != nil {
		c.Task.Status = "succeeded"
		c.Task.Stage = finalStage
		c.Task.Progress = 100
		c.Task.Message = ""
		c.Task.Error = ""
		c.Task.Result = res
		c.Task.LockedAt = nil
		c.Task.HeartbeatAt = &now
		c.Task.UpdatedAt = now
	}

	if c.Notify != nil && c.Task != nil {
		c.Notify.TaskDone(c.Task.OwnerID, c.Task)
	}
}
