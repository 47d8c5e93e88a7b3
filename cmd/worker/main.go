package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/vitalsync/backend/internal/data/db"
	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	jobrepo "github.com/vitalsync/backend/internal/data/repos/jobs"
	"github.com/vitalsync/backend/internal/ingest"
	"github.com/vitalsync/backend/internal/jobs/pipeline/healthingest"
	"github.com/vitalsync/backend/internal/jobs/runtime"
	"github.com/vitalsync/backend/internal/jobs/worker"
	"github.com/vitalsync/backend/internal/observability"
	"github.com/vitalsync/backend/internal/platform/envutil"
	"github.com/vitalsync/backend/internal/platform/logger"
	"github.com/vitalsync/backend/internal/server"
	"github.com/vitalsync/backend/internal/services"
)

func main() {
	logMode := envutil.String("LOG_MODE", "development")
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	otelShutdown := observability.InitTracing(context.Background(), log, observability.Config{
		ServiceName: envutil.String("SERVICE_NAME", "vitalsync-worker"),
		Environment: envutil.String("ENVIRONMENT", "development"),
		Version:     envutil.String("SERVICE_VERSION", ""),
	})
	if otelShutdown != nil {
		defer func() {
			if err := otelShutdown(context.Background()); err != nil {
				log.Warn("Trace shutdown failed", "error", err)
			}
		}()
	}

	pg, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := pg.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres automigrate failed", "error", err)
	}
	gdb := pg.DB()

	metricRepo := healthrepo.NewMetricSampleRepo(gdb, log)
	eventRepo := healthrepo.NewEventSampleRepo(gdb, log)
	rollupRepo := healthrepo.NewRollupRepo(gdb, log)
	taskRepo := jobrepo.NewIngestTaskRepo(gdb, log)

	classes, err := ingest.LoadAggregationClasses(envutil.String("AGGREGATION_CLASSES_PATH", ""))
	if err != nil {
		log.Fatal("Aggregation classes load failed", "error", err)
	}
	retention := envutil.Duration("MIRROR_RETENTION", ingest.DefaultRetention)

	pipeline := ingest.NewPipeline(gdb, log, metricRepo, eventRepo, rollupRepo, classes, retention)

	notify, err := services.NewRedisNotifier(log)
	if err != nil {
		log.Warn("Redis notifier unavailable, falling back to log notifier", "error", err)
		notify = services.NewLogNotifier(log)
	}

	registry := runtime.NewRegistry()
	if err := registry.Register(healthingest.NewHandler(pipeline, log)); err != nil {
		log.Fatal("Handler registration failed", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	worker.NewWorker(gdb, log, taskRepo, registry, notify).Start(ctx)

	ops := server.NewOps(gdb, taskRepo, log)
	httpServer := &http.Server{
		Addr:    envutil.String("OPS_ADDR", ":8081"),
		Handler: ops.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("Ops server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error("Worker shut down with error", "error", err)
		os.Exit(1)
	}
	log.Info("Worker shut down")
}
