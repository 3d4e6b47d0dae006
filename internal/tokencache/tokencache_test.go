package tokencache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGet_CachesUntilMargin(t *testing.T) {
	var calls int32
	refresh := func(key string) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "token-" + key, time.Minute, nil
	}
	c := New(refresh, 10*time.Second)
	now := time.Now()

	tok, err := c.Get("a", now)
	require.NoError(t, err)
	require.Equal(t, "token-a", tok)

	tok2, err := c.Get("a", now.Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, "token-a", tok2)
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))

	_, err = c.Get("a", now.Add(55*time.Second))
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestGet_SingleFlightPerKey(t *testing.T) {
	var calls int32
	start := make(chan struct{})
	refresh := func(key string) (string, time.Duration, error) {
		<-start
		atomic.AddInt32(&calls, 1)
		return "token", time.Minute, nil
	}
	c := New(refresh, time.Second)
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Get("shared", now)
		}()
	}
	close(start)
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&calls), "only the first caller refreshes; the rest observe the now-cached token")
}

func TestInvalidate_ForcesRefresh(t *testing.T) {
	var calls int32
	refresh := func(key string) (string, time.Duration, error) {
		atomic.AddInt32(&calls, 1)
		return "token", time.Hour, nil
	}
	c := New(refresh, time.Second)
	now := time.Now()

	_, _ = c.Get("a", now)
	c.Invalidate("a")
	_, _ = c.Get("a", now)

	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}
