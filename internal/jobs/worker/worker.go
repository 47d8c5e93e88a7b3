package worker

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	jobrepo "github.com/vitalsync/backend/internal/data/repos/jobs"
	"github.com/vitalsync/backend/internal/jobs/runtime"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/envutil"
	"github.com/vitalsync/backend/internal/platform/logger"
	"github.com/vitalsync/backend/internal/services"
)

// Worker polls the ingest task queue and dispatches claimed tasks to
// registered handlers. Worker concurrency bounds cross-owner parallelism;
// per-owner serialization is the pipeline's advisory lock, not the queue.
type Worker struct {
	db       *gorm.DB
	log      *logger.Logger
	repo     jobrepo.IngestTaskRepo
	registry *runtime.Registry
	notify   services.IngestNotifier
}

func NewWorker(db *gorm.DB, baseLog *logger.Logger, repo jobrepo.IngestTaskRepo, registry *runtime.Registry, notify services.IngestNotifier) *Worker {
	return &Worker{
		db:       db,
		log:      baseLog.With("component", "IngestWorker"),
		repo:     repo,
		registry: registry,
		notify:   notify,
	}
}

func (w *Worker) Start(ctx context.Context) {
	concurrency := envutil.Int("WORKER_CONCURRENCY", 4)
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info("Starting ingest worker pool", "concurrency", concurrency)

	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	maxAttempts := envutil.Int("WORKER_MAX_ATTEMPTS", 5)
	retryDelay := envutil.Duration("WORKER_RETRY_DELAY", 30*time.Second)
	staleRunning := envutil.Duration("WORKER_STALE_RUNNING", 30*time.Minute)

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			task, err := w.repo.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, maxAttempts, retryDelay, staleRunning)
			if err != nil {
				w.log.Warn("ClaimNextRunnable failed", "worker_id", workerID, "error", err)
				continue
			}
			if task == nil {
				continue
			}

			h, ok := w.registry.Get(task.TaskType)
			tc := runtime.NewContext(ctx, w.db, task, w.repo, w.notify)

			if !ok {
				w.log.Warn("No handler registered for task_type",
					"worker_id", workerID,
					"task_type", task.TaskType,
					"task_id", task.ID,
				)
				tc.Fail("dispatch", &missingHandlerError{TaskType: task.TaskType})
				continue
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						w.log.Error("Task handler panic",
							"worker_id", workerID,
							"task_id", task.ID,
							"task_type", task.TaskType,
							"panic", r,
						)
						tc.Fail("panic", fmt.Errorf("panic: %v", r))
					}
				}()

				if runErr := h.Run(tc); runErr != nil {
					// Handlers normally call tc.Fail themselves; this is a
					// safety net.
					tc.Fail("run", runErr)
				}
			}()
		}
	}
}

type missingHandlerError struct{ TaskType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for task_type=" + e.TaskType
}
