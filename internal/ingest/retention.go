package ingest

import "time"

// DefaultRetention matches the source device's export window: the mirror
// keeps a rolling 60 days relative to the newest timestamp in each batch.
const DefaultRetention = 60 * 24 * time.Hour

// ApplyRetention drops rows older than the retention window, measured from
// the batch's newest resolvable timestamp. Delete tombstones are always
// retained regardless of age: a delete must never be silently dropped by
// timestamp filtering. Upsert rows with no resolvable timestamp are dropped
// here too, since the mirror cannot key a sample to a point in time.
//
// If no row has a resolvable timestamp, only delete rows survive; a batch
// with neither yields an empty slice and the pipeline short-circuits.
func ApplyRetention(rows []Row, retention time.Duration) []Row {
	var newest time.Time
	for _, r := range rows {
		if !r.Timestamp.IsZero() && r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}

	out := make([]Row, 0, len(rows))
	if newest.IsZero() {
		for _, r := range rows {
			if r.Op == OpDelete {
				out = append(out, r)
			}
		}
		return out
	}

	cutoff := newest.Add(-retention)
	for _, r := range rows {
		if r.Op == OpDelete {
			out = append(out, r)
			continue
		}
		if r.Timestamp.IsZero() || r.Timestamp.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return out
}
