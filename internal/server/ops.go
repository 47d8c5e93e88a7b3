package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	jobrepo "github.com/vitalsync/backend/internal/data/repos/jobs"
	apperrors "github.com/vitalsync/backend/internal/pkg/errors"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// Ops is the worker's operational HTTP surface: liveness, readiness, and
// queue depth. The upload/query API is a separate service and not served
// here.
type Ops struct {
	log   *logger.Logger
	db    *gorm.DB
	tasks jobrepo.IngestTaskRepo
}

func NewOps(db *gorm.DB, tasks jobrepo.IngestTaskRepo, baseLog *logger.Logger) *Ops {
	return &Ops{
		log:   baseLog.With("component", "OpsServer"),
		db:    db,
		tasks: tasks,
	}
}

func (o *Ops) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("vitalsync-worker"))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/readyz", func(c *gin.Context) {
		sqlDB, err := o.db.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.GET("/tasks/:id", func(c *gin.Context) {
		id, err := uuid.Parse(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.ErrInvalidArgument.Error()})
			return
		}
		task, err := o.tasks.GetByID(dbctx.Context{Ctx: c.Request.Context()}, id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if task == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": apperrors.ErrNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, task)
	})

	r.GET("/queue", func(c *gin.Context) {
		depth, err := o.tasks.QueueDepth(dbctx.Context{Ctx: c.Request.Context()})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"depth": depth, "at": time.Now().UTC()})
	})

	return r
}
