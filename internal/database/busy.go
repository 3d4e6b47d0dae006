package database

import (
	"context"
	"strings"
	"time"
)

const (
	busyRetryAttempts = 3
	busyRetryBase     = 50 * time.Millisecond
)

// IsBusy reports whether err is SQLite telling us the single writer slot is
// taken. The driver surfaces this as message text, not a typed error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "sqlite_busy")
}

// WithBusyRetry runs fn, retrying busy errors in-process with exponential
// delay (50ms, 100ms) before giving up. Non-busy errors return immediately.
func WithBusyRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := busyRetryBase
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		err = fn()
		if !IsBusy(err) {
			return err
		}
	}
	return err
}
