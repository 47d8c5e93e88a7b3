package ingest

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vitalsync/backend/internal/platform/logger"
)

const (
	maxWriteAttempts = 3
	retryBaseDelay   = 200 * time.Millisecond
)

// isTransient reports whether an error is a conflict worth retrying:
// serialization failures and deadlocks. Everything else (including
// validation errors) propagates immediately.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock detected") || strings.Contains(msg, "could not serialize")
}

// withRetry runs fn up to maxWriteAttempts times, sleeping a jittered,
// growing delay between transient failures. The terminal error is returned
// unwrapped so callers can still classify it.
func withRetry(ctx context.Context, log *logger.Logger, stage string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxWriteAttempts {
			return err
		}
		delay := retryBaseDelay*time.Duration(attempt) + time.Duration(rand.Int63n(int64(retryBaseDelay)))
		log.Warn("Transient write conflict, backing off",
			"stage", stage,
			"attempt", attempt,
			"delay", delay.String(),
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
