package handler

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/stats"
)

// MetricsHandler renders a minimal Prometheus-text-format view over the
// random-request stats snapshot: the cumulative result counters, the
// in-flight gauge, and the trailing-window counts, admin-authenticated.
func MetricsHandler(s *stats.Stats) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap := s.Snapshot()

		var b strings.Builder
		b.WriteString("# HELP random_requests_total Cumulative /random outcomes by result.\n")
		b.WriteString("# TYPE random_requests_total counter\n")
		for result, count := range snap.LifetimeTotal {
			fmt.Fprintf(&b, "random_requests_total{result=%q} %d\n", string(result), count)
		}
		b.WriteString("# HELP random_requests_in_flight Requests to /random currently being served.\n")
		b.WriteString("# TYPE random_requests_in_flight gauge\n")
		fmt.Fprintf(&b, "random_requests_in_flight %d\n", snap.InFlight)
		b.WriteString("# HELP random_latency_seconds Time spent serving /random requests.\n")
		b.WriteString("# TYPE random_latency_seconds summary\n")
		fmt.Fprintf(&b, "random_latency_seconds_sum %g\n", snap.LatencySum)
		fmt.Fprintf(&b, "random_latency_seconds_count %d\n", snap.LatencyCount)
		b.WriteString("# HELP random_requests_window_total /random outcomes in the trailing window.\n")
		b.WriteString("# TYPE random_requests_window_total gauge\n")
		for result, count := range snap.WindowCounts {
			fmt.Fprintf(&b, "random_requests_window_total{result=%q,window_seconds=%q} %d\n",
				string(result), fmt.Sprint(snap.WindowSeconds), count)
		}

		c.Data(http.StatusOK, "text/plain; version=0.0.4", []byte(b.String()))
	}
}
