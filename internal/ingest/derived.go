package ingest

import (
	"fmt"
	"time"

	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// Base event types a workout exports, all sharing the workout's external id.
const (
	EventTypeWorkoutDistance = "workout_distance_km"
	EventTypeWorkoutDuration = "workout_duration_min"
	EventTypeWorkoutEnergy   = "workout_energy_kcal"
)

// Derived flag event types written by this engine, keyed
// "<workout_id>|<flag>" so they never collide with source identities.
const (
	DerivedTypeLongRun     = "derived_long_run"
	DerivedTypeHardWorkout = "derived_hard_workout"

	flagSuffixLongRun     = "long_run"
	flagSuffixHardWorkout = "hard_workout"
)

const (
	longRunDistanceKm      = 10.0
	hardWorkoutEnergyKcal  = 800.0
	hardWorkoutDurationMin = 60.0
)

// WorkoutFacts is the current non-deleted base state of one workout.
type WorkoutFacts struct {
	DistanceKm  *float64
	DurationMin *float64
	EnergyKcal  *float64
	Start       time.Time
	Any         bool
}

func workoutFacts(rows []*types.EventSample) WorkoutFacts {
	var f WorkoutFacts
	for _, row := range rows {
		v := row.Value
		switch row.EventType {
		case EventTypeWorkoutDistance:
			f.DistanceKm = &v
		case EventTypeWorkoutDuration:
			f.DurationMin = &v
		case EventTypeWorkoutEnergy:
			f.EnergyKcal = &v
		default:
			continue
		}
		if !f.Any || row.Timestamp.Before(f.Start) {
			f.Start = row.Timestamp
		}
		f.Any = true
	}
	return f
}

func (f WorkoutFacts) LongRun() bool {
	return f.DistanceKm != nil && *f.DistanceKm >= longRunDistanceKm
}

func (f WorkoutFacts) HardWorkout() bool {
	if f.EnergyKcal != nil && *f.EnergyKcal >= hardWorkoutEnergyKcal {
		return true
	}
	return f.DurationMin != nil && *f.DurationMin >= hardWorkoutDurationMin
}

// DerivedRecomputer keeps derived flags a pure function of their workout's
// current base rows. Recomputation is idempotent and order-independent.
type DerivedRecomputer struct {
	events healthrepo.EventSampleRepo
	log    *logger.Logger
}

func NewDerivedRecomputer(events healthrepo.EventSampleRepo, baseLog *logger.Logger) *DerivedRecomputer {
	return &DerivedRecomputer{
		events: events,
		log:    baseLog.With("component", "DerivedRecomputer"),
	}
}

// RecomputeWorkout re-reads the workout's live base rows and reconciles both
// derived flags: upsert when the predicate holds, tombstone when it does not
// or when the base rows are entirely gone.
func (d *DerivedRecomputer) RecomputeWorkout(dbc dbctx.Context, ownerID, workoutID string, now time.Time) error {
	rows, err := d.events.GetActiveByExternalID(dbc, ownerID, workoutID)
	if err != nil {
		return fmt.Errorf("load base rows for %s: %w", workoutID, err)
	}
	facts := workoutFacts(rows)

	if err := d.reconcileFlag(dbc, ownerID, workoutID, flagSuffixLongRun, DerivedTypeLongRun, facts, facts.Any && facts.LongRun(), now); err != nil {
		return err
	}
	return d.reconcileFlag(dbc, ownerID, workoutID, flagSuffixHardWorkout, DerivedTypeHardWorkout, facts, facts.Any && facts.HardWorkout(), now)
}

func (d *DerivedRecomputer) reconcileFlag(dbc dbctx.Context, ownerID, workoutID, suffix, eventType string, facts WorkoutFacts, hold bool, now time.Time) error {
	identity := workoutID + "|" + suffix
	if !hold {
		if _, err := d.events.TombstoneByIdentity(dbc, ownerID, identity, eventType, now); err != nil {
			return fmt.Errorf("retract %s for %s: %w", eventType, workoutID, err)
		}
		return nil
	}
	flag := &types.EventSample{
		OwnerID:    ownerID,
		ExternalID: &identity,
		Timestamp:  facts.Start,
		EventType:  eventType,
		Value:      1,
	}
	if err := d.events.UpsertBatch(dbc, []*types.EventSample{flag}); err != nil {
		return fmt.Errorf("assert %s for %s: %w", eventType, workoutID, err)
	}
	return nil
}
