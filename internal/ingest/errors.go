package ingest

import "fmt"

// ValidationError is fatal to the batch: it is reported to the caller and no
// partial mutation of the offending table is committed.
type ValidationError struct {
	Table  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("batch validation failed for %s: %s", e.Table, e.Reason)
}
