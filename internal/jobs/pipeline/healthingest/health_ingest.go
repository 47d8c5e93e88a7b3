package healthingest

import (
	"encoding/base64"
	"fmt"

	"github.com/vitalsync/backend/internal/ingest"
	"github.com/vitalsync/backend/internal/jobs/runtime"
	"github.com/vitalsync/backend/internal/platform/logger"
)

const TaskType = "health_ingest"

// Handler drives the ingest pipeline for one queued batch. The payload
// carries the base64 CSV; the owner identity comes from the task row, which
// was written by the authenticated enqueue path, never from the batch.
type Handler struct {
	pipeline *ingest.Pipeline
	log      *logger.Logger
}

func NewHandler(pipeline *ingest.Pipeline, baseLog *logger.Logger) *Handler {
	return &Handler{
		pipeline: pipeline,
		log:      baseLog.With("task", TaskType),
	}
}

func (h *Handler) Type() string { return TaskType }

func (h *Handler) Run(tc *runtime.Context) error {
	if tc.Task == nil {
		return nil
	}
	ownerID := tc.Task.OwnerID
	if ownerID == "" {
		tc.Fail("validate", fmt.Errorf("task has no owner"))
		return nil
	}

	b64, ok := tc.PayloadString("payload_b64")
	if !ok {
		tc.Fail("validate", fmt.Errorf("missing payload_b64"))
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		tc.Fail("validate", fmt.Errorf("decode payload: %w", err))
		return nil
	}

	tc.Progress("mirror", 10, "Mirroring batch")
	res, err := h.pipeline.Run(tc.Ctx, ownerID, raw)
	if err != nil {
		tc.Fail("mirror", err)
		return nil
	}

	tc.Succeed("done", res)
	return nil
}
