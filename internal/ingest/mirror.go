package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"gorm.io/datatypes"

	healthrepo "github.com/vitalsync/backend/internal/data/repos/health"
	types "github.com/vitalsync/backend/internal/domain"
	"github.com/vitalsync/backend/internal/platform/dbctx"
	"github.com/vitalsync/backend/internal/platform/logger"
)

// Touched accumulates the time window actually written by a batch, used to
// bound rollup recomputation.
type Touched struct {
	Min, Max time.Time
	Any      bool
}

func (t *Touched) Add(ts time.Time) {
	if ts.IsZero() {
		return
	}
	if !t.Any {
		t.Min, t.Max, t.Any = ts, ts, true
		return
	}
	if ts.Before(t.Min) {
		t.Min = ts
	}
	if ts.After(t.Max) {
		t.Max = ts
	}
}

type EventWriteResult struct {
	Mirrored int
	// TouchedWorkouts is every distinct workout identity whose rows were
	// upserted or tombstoned by this batch; each one gets its derived flags
	// recomputed.
	TouchedWorkouts []string
}

type MetricWriteResult struct {
	Mirrored   int
	Upserted   Touched
	Tombstoned Touched
}

// MirrorWriter applies one batch's upserts and deletes against the mirror
// tables, preserving identity and tombstone invariants.
type MirrorWriter struct {
	metrics healthrepo.MetricSampleRepo
	events  healthrepo.EventSampleRepo
	log     *logger.Logger
}

func NewMirrorWriter(metrics healthrepo.MetricSampleRepo, events healthrepo.EventSampleRepo, baseLog *logger.Logger) *MirrorWriter {
	return &MirrorWriter{
		metrics: metrics,
		events:  events,
		log:     baseLog.With("component", "MirrorWriter"),
	}
}

// ApplyEvents partitions event-class rows into deletes and upserts and applies
// both. Deletes are applied first and never require a valid timestamp; upserts
// without an external identity fail the whole batch before anything is
// written to this table.
func (w *MirrorWriter) ApplyEvents(dbc dbctx.Context, ownerID string, rows []Row, now time.Time) (*EventWriteResult, error) {
	deletes, upserts := partition(rows)

	for _, r := range upserts {
		if r.ExternalID == "" {
			return nil, &ValidationError{Table: types.EventSample{}.TableName(), Reason: "upsert rows missing external identity"}
		}
	}

	deleteIDs := resolvableIDs(deletes)
	if _, err := w.events.Tombstone(dbc, ownerID, deleteIDs, now); err != nil {
		return nil, err
	}

	samples := make([]*types.EventSample, 0, len(upserts))
	for _, r := range upserts {
		samples = append(samples, toEventSample(r))
	}
	samples = collapseEventDuplicates(samples)
	if err := w.events.UpsertBatch(dbc, samples); err != nil {
		return nil, err
	}

	res := &EventWriteResult{Mirrored: len(samples) + len(deleteIDs)}
	seen := map[string]bool{}
	for _, r := range upserts {
		if r.IsWorkout() && !seen[r.ExternalID] {
			seen[r.ExternalID] = true
			res.TouchedWorkouts = append(res.TouchedWorkouts, r.ExternalID)
		}
	}
	for _, id := range deleteIDs {
		// Composite identities belong to derived rows; they are outputs of
		// recomputation, never triggers for it.
		if strings.Contains(id, "|") || seen[id] {
			continue
		}
		seen[id] = true
		res.TouchedWorkouts = append(res.TouchedWorkouts, id)
	}
	return res, nil
}

// ApplyMetrics mirrors metric-class rows and reports the touched time
// windows. The tombstone window comes from the timestamps of the rows
// actually soft-deleted, so removing the only sample in a bucket still forces
// that bucket's recomputation.
func (w *MirrorWriter) ApplyMetrics(dbc dbctx.Context, ownerID string, rows []Row, now time.Time) (*MetricWriteResult, error) {
	deletes, upserts := partition(rows)

	for _, r := range upserts {
		if r.ExternalID == "" {
			return nil, &ValidationError{Table: types.MetricSample{}.TableName(), Reason: "upsert rows missing external identity"}
		}
	}

	res := &MetricWriteResult{}

	deleteIDs := resolvableIDs(deletes)
	stamped, err := w.metrics.Tombstone(dbc, ownerID, deleteIDs, now)
	if err != nil {
		return nil, err
	}
	for _, ts := range stamped {
		res.Tombstoned.Add(ts)
	}

	samples := make([]*types.MetricSample, 0, len(upserts))
	for _, r := range upserts {
		samples = append(samples, toMetricSample(r))
		res.Upserted.Add(r.Timestamp)
	}
	samples = collapseMetricDuplicates(samples)
	if err := w.metrics.UpsertBatch(dbc, samples); err != nil {
		return nil, err
	}

	res.Mirrored = len(samples) + len(deleteIDs)
	return res, nil
}

// A re-export can repeat an identity within one batch. A single multi-row
// INSERT ... ON CONFLICT cannot touch the same conflict row twice, so
// duplicates are collapsed first, merged the way sequential upserts would
// land: value, timestamp and type from the last occurrence, optional fields
// last-non-null-wins.
func collapseMetricDuplicates(rows []*types.MetricSample) []*types.MetricSample {
	if len(rows) < 2 {
		return rows
	}
	idx := make(map[string]int, len(rows))
	out := make([]*types.MetricSample, 0, len(rows))
	for _, r := range rows {
		key := ""
		if r.ExternalID != nil {
			key = *r.ExternalID
		}
		if i, ok := idx[key]; ok {
			dst := out[i]
			dst.MetricValue = r.MetricValue
			dst.Timestamp = r.Timestamp
			dst.MetricType = r.MetricType
			dst.EndTs = laterTime(dst.EndTs, r.EndTs)
			dst.Unit = laterStr(dst.Unit, r.Unit)
			dst.SourceBundleID = laterStr(dst.SourceBundleID, r.SourceBundleID)
			dst.SourceName = laterStr(dst.SourceName, r.SourceName)
			dst.SourceVersion = laterStr(dst.SourceVersion, r.SourceVersion)
			dst.WasUserEntered = laterBool(dst.WasUserEntered, r.WasUserEntered)
			if len(r.Context) > 0 {
				dst.Context = r.Context
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, r)
	}
	return out
}

func collapseEventDuplicates(rows []*types.EventSample) []*types.EventSample {
	if len(rows) < 2 {
		return rows
	}
	idx := make(map[string]int, len(rows))
	out := make([]*types.EventSample, 0, len(rows))
	for _, r := range rows {
		key := "\x00" + r.EventType
		if r.ExternalID != nil {
			key = *r.ExternalID + key
		}
		if i, ok := idx[key]; ok {
			dst := out[i]
			dst.Value = r.Value
			dst.Timestamp = r.Timestamp
			dst.EndTs = laterTime(dst.EndTs, r.EndTs)
			dst.Unit = laterStr(dst.Unit, r.Unit)
			dst.SourceBundleID = laterStr(dst.SourceBundleID, r.SourceBundleID)
			dst.SourceName = laterStr(dst.SourceName, r.SourceName)
			dst.SourceVersion = laterStr(dst.SourceVersion, r.SourceVersion)
			dst.WasUserEntered = laterBool(dst.WasUserEntered, r.WasUserEntered)
			if len(r.Context) > 0 {
				dst.Context = r.Context
			}
			continue
		}
		idx[key] = len(out)
		out = append(out, r)
	}
	return out
}

func laterStr(stored, incoming *string) *string {
	if incoming != nil {
		return incoming
	}
	return stored
}

func laterTime(stored, incoming *time.Time) *time.Time {
	if incoming != nil {
		return incoming
	}
	return stored
}

func laterBool(stored, incoming *bool) *bool {
	if incoming != nil {
		return incoming
	}
	return stored
}

func partition(rows []Row) (deletes, upserts []Row) {
	for _, r := range rows {
		if r.Op == OpDelete {
			deletes = append(deletes, r)
		} else {
			upserts = append(upserts, r)
		}
	}
	return deletes, upserts
}

func resolvableIDs(rows []Row) []string {
	seen := map[string]bool{}
	var ids []string
	for _, r := range rows {
		if r.ExternalID == "" || seen[r.ExternalID] {
			continue
		}
		seen[r.ExternalID] = true
		ids = append(ids, r.ExternalID)
	}
	return ids
}

func toMetricSample(r Row) *types.MetricSample {
	return &types.MetricSample{
		OwnerID:        r.OwnerID,
		ExternalID:     strPtr(r.ExternalID),
		Timestamp:      r.Timestamp,
		EndTs:          timePtr(r.EndTs),
		MetricType:     r.Type,
		MetricValue:    r.Value,
		Unit:           strPtr(r.Unit),
		SourceBundleID: strPtr(r.SourceBundleID),
		SourceName:     strPtr(r.SourceName),
		SourceVersion:  strPtr(r.SourceVersion),
		WasUserEntered: r.WasUserEntered,
		Context:        contextJSON(r.Context),
	}
}

func toEventSample(r Row) *types.EventSample {
	return &types.EventSample{
		OwnerID:        r.OwnerID,
		ExternalID:     strPtr(r.ExternalID),
		Timestamp:      r.Timestamp,
		EndTs:          timePtr(r.EndTs),
		EventType:      r.Type,
		Value:          r.Value,
		Unit:           strPtr(r.Unit),
		SourceBundleID: strPtr(r.SourceBundleID),
		SourceName:     strPtr(r.SourceName),
		SourceVersion:  strPtr(r.SourceVersion),
		WasUserEntered: r.WasUserEntered,
		Context:        contextJSON(r.Context),
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func timePtr(ts time.Time) *time.Time {
	if ts.IsZero() {
		return nil
	}
	return &ts
}

func contextJSON(ctx *RowContext) datatypes.JSON {
	if ctx == nil {
		return nil
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
