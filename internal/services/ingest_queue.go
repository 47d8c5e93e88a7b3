package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	jobrepo "github.com/vitalsync/backend/internal/data/repos/jobs"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// IngestQueue enqueues validated batches for the worker pool. The upload
// surface that produces batches lives elsewhere; this is the boundary it
// hands them across.
type IngestQueue interface {
	EnqueueCSV(ctx context.Context, ownerID string, taskType string, csvBytes []byte) (*types.IngestTask, error)
}

type ingestQueue struct {
	repo jobrepo.IngestTaskRepo
	log  *logger.Logger
}

func NewIngestQueue(repo jobrepo.IngestTaskRepo, baseLog *logger.Logger) IngestQueue {
	return &ingestQueue{
		repo: repo,
		log:  baseLog.With("service", "IngestQueue"),
	}
}

func (q *ingestQueue) EnqueueCSV(ctx context.Context, ownerID string, taskType string, csvBytes []byte) (*types.IngestTask, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("owner id required")
	}
	if len(csvBytes) == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	payload, err := json.Marshal(map[string]any{
		"payload_b64": base64.StdEncoding.EncodeToString(csvBytes),
	})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	task := &types.IngestTask{
		OwnerID:  ownerID,
		TaskType: taskType,
		Status:   "queued",
		Stage:    "queued",
		Payload:  datatypes.JSON(payload),
		Result:   datatypes.JSON([]byte("{}")),
	}
	created, err := q.repo.Create(dbctx.Context{Ctx: ctx}, []*types.IngestTask{task})
	if err != nil {
		return nil, fmt.Errorf("enqueue ingest task: %w", err)
	}
	q.log.Info("Batch enqueued", "owner_id", ownerID, "task_id", created[0].ID, "bytes", len(csvBytes))
	return created[0], nil
}
