// Package selector picks an eligible upstream credential and resolves its
// bound proxy, classifying outbound failures to drive backoff/override
// recovery actions.
package selector

import "time"

// JobBackoffSeconds is the job-queue retry schedule: attempt 0
// has no meaning (jobs start at attempt 0 before their first failure);
// 1->5, 2->30, 3->120, 4->600, 5->1800, then a geometric tail capped at 6h.
func JobBackoffSeconds(attempt int) int {
	schedule := []int{0, 5, 30, 120, 600, 1800}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return capInt(1800*pow2(attempt-5), 6*3600)
}

// TokenRefreshBackoffSeconds is the two-track schedule for access-token
// refresh failures: transient failures reuse the job backoff tail; auth
// failures (HTTP 400/401/403) escalate on a much longer multi-day schedule.
func TokenRefreshBackoffSeconds(attempt int, authClass bool) int {
	if !authClass {
		return JobBackoffSeconds(attempt)
	}
	schedule := []int{0, 3600, 21600, 86400, 3 * 86400, 7 * 86400}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return capInt(7*86400*pow2(attempt-5), 30*86400)
}

// ProxyOverrideTTLSeconds is the time-boxed proxy-override schedule
// installed after proxy_connect/proxy_auth failures: attempt 0->0,
// 1->20m, 2->1h, 3->6h, then a geometric tail capped at 24h.
func ProxyOverrideTTLSeconds(attempt int) int {
	schedule := []int{0, 20 * 60, 3600, 6 * 3600}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return capInt(6*3600*pow2(attempt-3), 24*3600)
}

// PixivRateLimitBackoffSeconds is the credential backoff schedule installed
// after a classified pixiv_rate_limit failure: attempt 0->0, 1->1m, 2->5m,
// 3->15m, 4->1h, 5->6h, then a geometric tail capped at 24h.
func PixivRateLimitBackoffSeconds(attempt int) int {
	schedule := []int{0, 60, 300, 900, 3600, 21600}
	if attempt < len(schedule) {
		return schedule[attempt]
	}
	return capInt(21600*pow2(attempt-5), 24*3600)
}

// StorageBusyJitter returns a jittered defer window of 2-5s for storage-busy
// job deferrals, using r in [0,1) supplied by the caller for determinism in
// tests.
func StorageBusyJitter(r float64) time.Duration {
	return time.Duration(2000+int(r*3000)) * time.Millisecond
}

func pow2(n int) int {
	if n < 0 {
		return 1
	}
	v := 1
	for i := 0; i < n; i++ {
		v *= 2
	}
	return v
}

func capInt(v, max int) int {
	if v > max {
		return max
	}
	return v
}
