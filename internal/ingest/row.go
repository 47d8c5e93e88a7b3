package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// RowContext is the free-form context metadata carried on a sample, stored as
// one JSONB column on the mirror tables.
type RowContext struct {
	Timezone     string `json:"timezone,omitempty"`
	UTCOffsetMin *int   `json:"utc_offset_min,omitempty"`
	PlaceCountry string `json:"place_country,omitempty"`
	PlaceRegion  string `json:"place_region,omitempty"`
	PlaceCity    string `json:"place_city,omitempty"`
}

// Row is one normalized candidate row decoded from a batch. OwnerID is always
// the caller-authenticated identity; whatever the batch itself claimed is
// discarded. A zero Timestamp means the source value was missing or
// unparseable.
type Row struct {
	OwnerID    string
	Op         Op
	ExternalID string
	Type       string
	Value      float64
	Unit       string
	Timestamp  time.Time
	EndTs      time.Time

	SourceBundleID string
	SourceName     string
	SourceVersion  string
	WasUserEntered *bool

	Context *RowContext
}

// IsEvent reports whether the row belongs to the events class. Workout
// segments and generic events route to the event table; everything else is a
// raw metric sample.
func (r Row) IsEvent() bool {
	return strings.HasPrefix(r.Type, "event_") || strings.HasPrefix(r.Type, "workout_")
}

func (r Row) IsWorkout() bool {
	return strings.HasPrefix(r.Type, "workout_")
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp coerces a source timestamp to UTC. Invalid values come back
// as the zero time rather than an error; the retention filter and mirror
// writer decide what "missing" means per row class.
func parseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	return time.Time{}
}

// DecodeBatch decodes raw CSV bytes into normalized rows. Every row is
// stamped with the authenticated owner regardless of any owner column in the
// batch. Rows with no metric/event type are dropped. Only a structurally
// unreadable CSV is an error; bad field values are coerced, not raised.
func DecodeBatch(raw []byte, ownerID string) ([]Row, error) {
	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode batch header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}

	field := func(record []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var rows []Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode batch row: %w", err)
		}

		rowType := field(record, "metric_type")
		if rowType == "" {
			rowType = field(record, "event_type")
		}
		if rowType == "" {
			continue
		}

		op := OpUpsert
		if strings.EqualFold(field(record, "op"), string(OpDelete)) {
			op = OpDelete
		}

		value, _ := strconv.ParseFloat(field(record, "metric_value"), 64)

		row := Row{
			OwnerID:        ownerID,
			Op:             op,
			ExternalID:     field(record, "hk_uuid"),
			Type:           rowType,
			Value:          value,
			Unit:           field(record, "unit"),
			Timestamp:      parseTimestamp(field(record, "timestamp")),
			EndTs:          parseTimestamp(field(record, "end_ts")),
			SourceBundleID: field(record, "source_bundle_id"),
			SourceName:     field(record, "source_name"),
			SourceVersion:  field(record, "source_version"),
		}

		if v := field(record, "was_user_entered"); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				row.WasUserEntered = &b
			}
		}

		row.Context = parseContext(
			field(record, "timezone"),
			field(record, "utc_offset_min"),
			field(record, "place_country"),
			field(record, "place_region"),
			field(record, "place_city"),
		)

		rows = append(rows, row)
	}
	return rows, nil
}

func parseContext(tz, offset, country, region, city string) *RowContext {
	if tz == "" && offset == "" && country == "" && region == "" && city == "" {
		return nil
	}
	ctx := &RowContext{
		Timezone:     tz,
		PlaceCountry: country,
		PlaceRegion:  region,
		PlaceCity:    city,
	}
	if offset != "" {
		if n, err := strconv.Atoi(offset); err == nil {
			ctx.UTCOffsetMin = &n
		}
	}
	return ctx
}
