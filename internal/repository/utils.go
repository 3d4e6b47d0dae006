package repository

import (
	"math"
	"time"
)

// timeLayout is the ISO-8601 UTC millisecond format every TEXT timestamp
// column stores. Values written with it sort lexically in time order, which
// the job-queue claim predicate and the fail-cooldown filter both rely on.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// formatTimePtr renders an optional timestamp as a bind value: NULL when nil.
func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// parseStoredTime tolerates the canonical layout plus plain RFC3339, which
// strftime-produced column defaults also satisfy.
func parseStoredTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339, s)
	return t
}

// boolToInt maps a flag to its 0/1 SQLite column representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// roundToPlaces rounds a float to the given number of decimal places,
// used by the request-log latency/error-rate aggregates.
func roundToPlaces(val float64, places int) float64 {
	mult := math.Pow(10, float64(places))
	return math.Round(val*mult) / mult
}
