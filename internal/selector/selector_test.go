package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPick_RoundRobinVisitsAscendingAndWraps(t *testing.T) {
	now := time.Now()
	candidates := []TokenCandidate{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true},
		{ID: 3, Enabled: true},
	}
	s := New()

	var seen []int64
	for i := 0; i < 4; i++ {
		id, err := s.Pick(candidates, now, StrategyRoundRobin, 0)
		require.NoError(t, err)
		seen = append(seen, id)
	}
	require.Equal(t, []int64{1, 2, 3, 1}, seen)
}

func TestPick_RoundRobinSkipsBackedOff(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	candidates := []TokenCandidate{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: true, BackoffUntil: &future},
		{ID: 3, Enabled: true},
	}
	s := New()

	first, err := s.Pick(candidates, now, StrategyRoundRobin, 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), first)

	second, err := s.Pick(candidates, now, StrategyRoundRobin, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), second)
}

func TestPick_WeightedZeroAtRZero(t *testing.T) {
	now := time.Now()
	candidates := []TokenCandidate{
		{ID: 5, Enabled: true, Weight: 3},
		{ID: 9, Enabled: true, Weight: 1},
	}
	s := New()
	id, err := s.Pick(candidates, now, StrategyWeighted, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), id)
}

func TestPick_WeightedFallsBackToRoundRobinWhenAllZero(t *testing.T) {
	now := time.Now()
	candidates := []TokenCandidate{
		{ID: 1, Enabled: true, Weight: 0},
		{ID: 2, Enabled: true, Weight: 0},
	}
	s := New()
	id, err := s.Pick(candidates, now, StrategyWeighted, 0.9)
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func TestPick_NoEligibleReturnsNoTokenAvailable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	candidates := []TokenCandidate{
		{ID: 1, Enabled: true, BackoffUntil: &future},
		{ID: 2, Enabled: false},
	}
	s := New()
	_, err := s.Pick(candidates, now, StrategyRoundRobin, 0)
	require.Error(t, err)
	var notAvail *NoTokenAvailable
	require.ErrorAs(t, err, &notAvail)
	require.NotNil(t, notAvail.NextRetryAt)
}

func TestBinding_EffectiveProxyID(t *testing.T) {
	now := time.Now()
	expired := now.Add(-time.Minute)
	live := now.Add(time.Minute)
	override := int64(99)

	b1 := Binding{PrimaryProxyID: 1, OverrideProxyID: &override, OverrideExpiresAt: &live}
	require.Equal(t, int64(99), b1.EffectiveProxyID(now))

	b2 := Binding{PrimaryProxyID: 1, OverrideProxyID: &override, OverrideExpiresAt: &expired}
	require.Equal(t, int64(1), b2.EffectiveProxyID(now))

	b3 := Binding{PrimaryProxyID: 1}
	require.Equal(t, int64(1), b3.EffectiveProxyID(now))
}
