package selector

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy is one of the selection algorithms for credential choice.
type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyLeastError Strategy = "least_error"
	StrategyWeighted   Strategy = "weighted"
)

// TokenCandidate is the selector's view of one credential.
type TokenCandidate struct {
	ID           int64
	Enabled      bool
	Weight       int
	ErrorCount   int
	BackoffUntil *time.Time
}

// NoTokenAvailable is raised when no candidate is eligible.
type NoTokenAvailable struct {
	NextRetryAt *time.Time
}

func (e *NoTokenAvailable) Error() string { return "no eligible token available" }

// thread-safe random source shared across weighted draws.
var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Eligible returns candidates that are enabled and past their backoff,
// sorted ascending by id for deterministic ordering.
func Eligible(candidates []TokenCandidate, now time.Time) []TokenCandidate {
	out := make([]TokenCandidate, 0, len(candidates))
	for _, c := range candidates {
		if !c.Enabled {
			continue
		}
		if c.BackoffUntil != nil && now.Before(*c.BackoffUntil) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func nextRetryAt(candidates []TokenCandidate, now time.Time) *time.Time {
	var best *time.Time
	for _, c := range candidates {
		if !c.Enabled || c.BackoffUntil == nil {
			continue
		}
		if best == nil || c.BackoffUntil.Before(*best) {
			t := *c.BackoffUntil
			best = &t
		}
	}
	return best
}

// Selector chooses an eligible credential according to the configured
// strategy, keeping round-robin cursor state across calls.
type Selector struct {
	mu        sync.Mutex
	lastRRIDs map[Strategy]int64
}

// New returns an empty Selector.
func New() *Selector {
	return &Selector{lastRRIDs: make(map[Strategy]int64)}
}

// Pick selects a candidate id using strategy. r is the caller-supplied draw
// in [0,1) used by the weighted strategy; pass a fresh random value per call
// in production and a fixed value in tests for determinism.
func (s *Selector) Pick(candidates []TokenCandidate, now time.Time, strategy Strategy, r float64) (int64, error) {
	eligible := Eligible(candidates, now)
	if len(eligible) == 0 {
		return 0, &NoTokenAvailable{NextRetryAt: nextRetryAt(candidates, now)}
	}

	switch strategy {
	case StrategyLeastError:
		return s.pickLeastError(eligible), nil
	case StrategyWeighted:
		return s.pickWeighted(eligible, r), nil
	case StrategyRoundRobin, "":
		return s.pickRoundRobin(StrategyRoundRobin, eligible), nil
	default:
		return 0, fmt.Errorf("selector: unknown strategy %q", strategy)
	}
}

// pickRoundRobin returns the next eligible id after the strategy's last
// pick: the exact successor if last is still present, else the smallest
// eligible id greater than last (skipping ids that dropped out of
// eligibility), wrapping to the smallest eligible id past the end.
func (s *Selector) pickRoundRobin(key Strategy, eligible []TokenCandidate) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.lastRRIDs[key]
	if !ok {
		s.lastRRIDs[key] = eligible[0].ID
		return eligible[0].ID
	}

	chosen := eligible[0].ID
	for i, c := range eligible {
		if c.ID == last {
			chosen = eligible[(i+1)%len(eligible)].ID
			break
		}
		if c.ID > last {
			chosen = c.ID
			break
		}
	}
	s.lastRRIDs[key] = chosen
	return chosen
}

func (s *Selector) pickLeastError(eligible []TokenCandidate) int64 {
	min := eligible[0].ErrorCount
	for _, c := range eligible {
		if c.ErrorCount < min {
			min = c.ErrorCount
		}
	}
	subset := make([]TokenCandidate, 0, len(eligible))
	for _, c := range eligible {
		if c.ErrorCount == min {
			subset = append(subset, c)
		}
	}
	return s.pickRoundRobin(StrategyLeastError, subset)
}

func (s *Selector) pickWeighted(eligible []TokenCandidate, r float64) int64 {
	total := 0
	for _, c := range eligible {
		if c.Weight > 0 {
			total += c.Weight
		}
	}
	if total <= 0 {
		return s.pickRoundRobin(StrategyWeighted, eligible)
	}
	if r < 0 || r >= 1 {
		r = randFloat()
	}
	target := r * float64(total)
	cumulative := 0.0
	for _, c := range eligible {
		if c.Weight <= 0 {
			continue
		}
		cumulative += float64(c.Weight)
		if target < cumulative {
			return c.ID
		}
	}
	return eligible[len(eligible)-1].ID
}
