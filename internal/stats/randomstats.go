// Package stats keeps the in-process counters behind the /random handler's
// result distribution and the /metrics stub: a 60s sliding window plus
// lifetime totals that round-trip through runtime_settings so they survive
// a restart.
package stats

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/user/image-random-service/internal/runtimesettings"
)

const (
	windowDuration   = 60 * time.Second
	settingsTotalKey = "stats.random.total"
)

// Result is the outcome label attached to one /random request.
type Result string

const (
	ResultOK      Result = "ok"
	ResultNoMatch Result = "no_match"
	ResultError   Result = "error"
)

type sample struct {
	at     time.Time
	result Result
}

// Totals is the lifetime (persisted) counter set, keyed by result.
type Totals map[Result]int64

// Stats guards the sliding window and lifetime totals behind one mutex.
type Stats struct {
	mu           sync.Mutex
	window       *list.List // of sample, oldest at front
	totals       Totals
	inFlight     int
	latencySum   float64 // seconds, lifetime
	latencyCount int64
}

// New builds an empty Stats. Call LoadFromSettings after to restore
// lifetime totals persisted by a prior process.
func New() *Stats {
	return &Stats{
		window: list.New(),
		totals: make(Totals),
	}
}

// LoadFromSettings restores lifetime totals from runtime_settings, if any
// were persisted by a previous process.
func (s *Stats) LoadFromSettings(ctx context.Context, store *runtimesettings.Store) error {
	setting, err := store.Get(ctx, settingsTotalKey)
	if err != nil {
		return err
	}
	if setting == nil {
		return nil
	}
	var totals Totals
	if err := json.Unmarshal([]byte(setting.ValueJSON), &totals); err != nil {
		return nil // corrupt/old-format value: start fresh rather than fail boot
	}
	s.mu.Lock()
	s.totals = totals
	s.mu.Unlock()
	return nil
}

// Flush persists the current lifetime totals, called periodically from a
// worker SubLoop.
func (s *Stats) Flush(ctx context.Context, store *runtimesettings.Store) error {
	s.mu.Lock()
	totals := make(Totals, len(s.totals))
	for k, v := range s.totals {
		totals[k] = v
	}
	s.mu.Unlock()

	valueJSON, err := json.Marshal(totals)
	if err != nil {
		return err
	}
	return store.Set(ctx, settingsTotalKey, string(valueJSON), "worker")
}

// BeginRequest marks one in-flight /random request; call the returned func
// when it completes with the final result. The elapsed time between the two
// calls feeds the latency summary.
func (s *Stats) BeginRequest() func(result Result) {
	start := time.Now()
	s.mu.Lock()
	s.inFlight++
	s.mu.Unlock()

	return func(result Result) {
		now := time.Now()
		s.mu.Lock()
		defer s.mu.Unlock()
		s.inFlight--
		s.totals[result]++
		s.latencySum += now.Sub(start).Seconds()
		s.latencyCount++
		s.window.PushBack(sample{at: now, result: result})
		s.evictOlderThan(now.Add(-windowDuration))
	}
}

func (s *Stats) evictOlderThan(cutoff time.Time) {
	for e := s.window.Front(); e != nil; {
		next := e.Next()
		if e.Value.(sample).at.Before(cutoff) {
			s.window.Remove(e)
		}
		e = next
	}
}

// Snapshot is a point-in-time view of the window and lifetime totals.
type Snapshot struct {
	WindowSeconds int            `json:"window_seconds"`
	WindowCounts  map[Result]int `json:"window_counts"`
	InFlight      int            `json:"in_flight"`
	LifetimeTotal Totals         `json:"lifetime_total"`
	LatencySum    float64        `json:"latency_sum_seconds"`
	LatencyCount  int64          `json:"latency_count"`
}

// Snapshot renders the current window and lifetime totals.
func (s *Stats) Snapshot() Snapshot {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictOlderThan(now.Add(-windowDuration))

	window := make(map[Result]int)
	for e := s.window.Front(); e != nil; e = e.Next() {
		window[e.Value.(sample).result]++
	}
	lifetime := make(Totals, len(s.totals))
	for k, v := range s.totals {
		lifetime[k] = v
	}
	return Snapshot{
		WindowSeconds: int(windowDuration.Seconds()),
		WindowCounts:  window,
		InFlight:      s.inFlight,
		LifetimeTotal: lifetime,
		LatencySum:    s.latencySum,
		LatencyCount:  s.latencyCount,
	}
}
