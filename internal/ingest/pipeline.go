package ingest

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// ownerLockKeyspace is the advisory-lock keyspace shared by every pipeline
// instance; the second lock key is hashtext(owner_id).
const ownerLockKeyspace = 42

var tracer = otel.Tracer("github.com/vitalsync/backend/internal/ingest")

// Pipeline runs one batch end to end: decode, retention filter, mirror
// writes, derived-flag recomputation, then hourly and daily rollups. All
// mirror mutations for a single owner are serialized by a transaction-scoped
// advisory lock; batches for different owners proceed in parallel.
type Pipeline struct {
	db        *gorm.DB
	log       *logger.Logger
	writer    *MirrorWriter
	derived   *DerivedRecomputer
	rollups   *RollupRecomputer
	metrics   healthrepo.MetricSampleRepo
	events    healthrepo.EventSampleRepo
	retention time.Duration
}

func NewPipeline(
	db *gorm.DB,
	baseLog *logger.Logger,
	metrics healthrepo.MetricSampleRepo,
	events healthrepo.EventSampleRepo,
	rollups healthrepo.RollupRepo,
	classes AggregationClasses,
	retention time.Duration,
) *Pipeline {
	if retention <= 0 {
		retention = DefaultRetention
	}
	log := baseLog.With("component", "IngestPipeline")
	return &Pipeline{
		db:        db,
		log:       log,
		writer:    NewMirrorWriter(metrics, events, baseLog),
		derived:   NewDerivedRecomputer(events, baseLog),
		rollups:   NewRollupRecomputer(rollups, classes, baseLog),
		metrics:   metrics,
		events:    events,
		retention: retention,
	}
}

type Result struct {
	Mirrored int `json:"mirrored"`
}

// Run processes one validated batch for the authenticated owner. Fatal errors
// (validation, exhausted conflict retries) leave the raw mirror untouched and
// must be re-submitted by the caller; rollup and derived failures degrade
// without rolling back committed raw writes.
func (p *Pipeline) Run(ctx context.Context, ownerID string, raw []byte) (*Result, error) {
	ctx, span := tracer.Start(ctx, "ingest.batch", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if ownerID == "" {
		return nil, &ValidationError{Table: "batch", Reason: "missing owner identity"}
	}

	rows, err := DecodeBatch(raw, ownerID)
	if err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return nil, err
	}
	rows = ApplyRetention(rows, p.retention)
	// A batch with nothing mirrorable, including one whose timestamps all
	// failed to resolve, is a zero-row success, not an error.
	if len(rows) == 0 {
		p.log.Info("Batch has no mirrorable rows, skipping storage", "owner_id", ownerID)
		return &Result{Mirrored: 0}, nil
	}

	var eventRows, metricRows []Row
	var newest time.Time
	for _, r := range rows {
		if r.IsEvent() {
			eventRows = append(eventRows, r)
		} else {
			metricRows = append(metricRows, r)
		}
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}

	now := time.Now().UTC()

	// Retention pruning of stored rows is hygiene, not correctness: a prune
	// failure is logged and the batch continues.
	if !newest.IsZero() {
		if err := p.prune(ctx, ownerID, newest.Add(-p.retention)); err != nil {
			p.log.Warn("Retention pruning failed", "owner_id", ownerID, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("batch.events", len(eventRows)),
		attribute.Int("batch.metrics", len(metricRows)),
	)

	var evRes *EventWriteResult
	var mRes *MetricWriteResult
	mirrorCtx, mirrorSpan := tracer.Start(ctx, "ingest.mirror")
	err = withRetry(mirrorCtx, p.log, "mirror", func() error {
		return p.db.WithContext(mirrorCtx).Transaction(func(tx *gorm.DB) error {
			if err := p.lockOwner(tx, ownerID); err != nil {
				return fmt.Errorf("acquire owner lock: %w", err)
			}
			dbc := dbctx.Context{Ctx: mirrorCtx, Tx: tx}

			var err error
			if evRes, err = p.writer.ApplyEvents(dbc, ownerID, eventRows, now); err != nil {
				return err
			}
			if mRes, err = p.writer.ApplyMetrics(dbc, ownerID, metricRows, now); err != nil {
				return err
			}

			// Each workout recomputes inside a savepoint so one failure
			// cannot poison the raw transaction or the other workouts.
			for i, workoutID := range evRes.TouchedWorkouts {
				sp := fmt.Sprintf("derived_%d", i)
				tx.SavePoint(sp)
				if err := p.derived.RecomputeWorkout(dbc, ownerID, workoutID, now); err != nil {
					tx.RollbackTo(sp)
					p.log.Warn("Derived flag recomputation failed",
						"owner_id", ownerID,
						"workout_id", workoutID,
						"error", err,
					)
				}
			}
			return nil
		})
	})
	if err != nil {
		mirrorSpan.SetStatus(codes.Error, "mirror failed")
		mirrorSpan.End()
		return nil, err
	}
	mirrorSpan.End()

	// Rollups commit after the raw mirror; their failure never unwinds
	// ingested data and surfaces only as bucket staleness.
	if err := p.recomputeRollup(ctx, ownerID, "rollup_hourly", func(dbc dbctx.Context) error {
		return p.rollups.RecomputeHourly(dbc, ownerID, mRes)
	}); err != nil {
		p.log.Warn("Hourly rollup recomputation failed", "owner_id", ownerID, "error", err)
	}
	if err := p.recomputeRollup(ctx, ownerID, "rollup_daily", func(dbc dbctx.Context) error {
		return p.rollups.RecomputeDaily(dbc, ownerID, mRes)
	}); err != nil {
		p.log.Warn("Daily rollup recomputation failed", "owner_id", ownerID, "error", err)
	}

	res := &Result{Mirrored: evRes.Mirrored + mRes.Mirrored}
	p.log.Info("Batch mirrored",
		"owner_id", ownerID,
		"events", len(eventRows),
		"metrics", len(metricRows),
		"mirrored", res.Mirrored,
	)
	return res, nil
}

func (p *Pipeline) prune(ctx context.Context, ownerID string, cutoff time.Time) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := p.lockOwner(tx, ownerID); err != nil {
			return err
		}
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		if _, err := p.events.PruneBefore(dbc, ownerID, cutoff); err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if _, err := p.metrics.PruneBefore(dbc, ownerID, cutoff); err != nil {
			return fmt.Errorf("prune metrics: %w", err)
		}
		return nil
	})
}

func (p *Pipeline) recomputeRollup(ctx context.Context, ownerID, stage string, fn func(dbc dbctx.Context) error) error {
	ctx, span := tracer.Start(ctx, "ingest."+stage)
	defer span.End()
	return withRetry(ctx, p.log, stage, func() error {
		return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := p.lockOwner(tx, ownerID); err != nil {
				return err
			}
			return fn(dbctx.Context{Ctx: ctx, Tx: tx})
		})
	})
}

func (p *Pipeline) lockOwner(tx *gorm.DB, ownerID string) error {
	return tx.Exec(`SELECT pg_advisory_xact_lock(?, hashtext(?))`, ownerLockKeyspace, ownerID).Error
}
