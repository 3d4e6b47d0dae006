//go:build e2e
// +build e2e

package e2e_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/image-random-service/tests/testutil"
)

// loadResult aggregates one concurrent run against /random.
type loadResult struct {
	Total  int64
	Errors int64
	QPS    float64
	P50    time.Duration
	P99    time.Duration
	Max    time.Duration
}

// runLoad hammers url with `concurrency` goroutines for `duration`.
func runLoad(url string, concurrency int, duration time.Duration) loadResult {
	var (
		total, errors int64
		mu            sync.Mutex
		latencies     []time.Duration
		wg            sync.WaitGroup
		deadline      = time.Now().Add(duration)
	)

	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client := &http.Client{Timeout: 5 * time.Second}
			for time.Now().Before(deadline) {
				start := time.Now()
				resp, err := client.Get(url)
				elapsed := time.Since(start)
				atomic.AddInt64(&total, 1)
				if err != nil {
					atomic.AddInt64(&errors, 1)
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					atomic.AddInt64(&errors, 1)
				}
				mu.Lock()
				latencies = append(latencies, elapsed)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	res := loadResult{Total: total, Errors: errors}
	if duration > 0 {
		res.QPS = float64(total) / duration.Seconds()
	}
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		res.P50 = latencies[len(latencies)/2]
		res.P99 = latencies[len(latencies)*99/100]
		res.Max = latencies[len(latencies)-1]
	}
	return res
}

func TestRandomEndpointThroughputSmoke(t *testing.T) {
	if testing.Short() {
		t.Skip("load smoke skipped in -short mode")
	}

	app := testutil.NewApp(t, testutil.AppConfig{})

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("bench-bytes"))
	}))
	defer upstream.Close()

	for i := 0; i < 50; i++ {
		testutil.InsertImage(t, app.DB, testutil.ImageFixture{
			IllustID:    int64(9000 + i),
			Extension:   "jpg",
			OriginalURL: fmt.Sprintf("%s/%d.jpg", upstream.URL, 9000+i),
			RandomKey:   float64(i) / 50.0,
		})
	}

	res := runLoad(app.Server.URL+"/random?format=json", 8, 2*time.Second)
	t.Logf("random/json: total=%d errors=%d qps=%.0f p50=%s p99=%s max=%s",
		res.Total, res.Errors, res.QPS, res.P50, res.P99, res.Max)

	require.Greater(t, res.Total, int64(0))
	require.Zero(t, res.Errors)
}
