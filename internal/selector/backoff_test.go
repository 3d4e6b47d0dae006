package selector

import "testing"

func TestJobBackoffSeconds(t *testing.T) {
	cases := map[int]int{0: 0, 1: 5, 2: 30, 3: 120, 4: 600, 5: 1800}
	for attempt, want := range cases {
		if got := JobBackoffSeconds(attempt); got != want {
			t.Errorf("JobBackoffSeconds(%d) = %d, want %d", attempt, got, want)
		}
	}
	if got := JobBackoffSeconds(6); got != 3600 {
		t.Errorf("JobBackoffSeconds(6) = %d, want 3600", got)
	}
	if got := JobBackoffSeconds(20); got != 6*3600 {
		t.Errorf("JobBackoffSeconds(20) = %d, want cap 21600", got)
	}
}

func TestProxyOverrideTTLSeconds(t *testing.T) {
	cases := map[int]int{0: 0, 1: 1200, 2: 3600, 3: 21600}
	for attempt, want := range cases {
		if got := ProxyOverrideTTLSeconds(attempt); got != want {
			t.Errorf("ProxyOverrideTTLSeconds(%d) = %d, want %d", attempt, got, want)
		}
	}
	if got := ProxyOverrideTTLSeconds(10); got != 24*3600 {
		t.Errorf("ProxyOverrideTTLSeconds(10) = %d, want cap 86400", got)
	}
}

func TestPixivRateLimitBackoffSeconds(t *testing.T) {
	cases := map[int]int{0: 0, 1: 60, 2: 300, 3: 900, 4: 3600, 5: 21600}
	for attempt, want := range cases {
		if got := PixivRateLimitBackoffSeconds(attempt); got != want {
			t.Errorf("PixivRateLimitBackoffSeconds(%d) = %d, want %d", attempt, got, want)
		}
	}
	if got := PixivRateLimitBackoffSeconds(8); got != 24*3600 {
		t.Errorf("PixivRateLimitBackoffSeconds(8) = %d, want cap 86400", got)
	}
}

func TestClassifyProxyError(t *testing.T) {
	if ClassifyProxyError("received 407 from proxy") != ErrorKindProxyAuth {
		t.Error("expected proxy_auth for 407")
	}
	if ClassifyProxyError("Proxy Authentication Required") != ErrorKindProxyAuth {
		t.Error("expected proxy_auth for auth keyword")
	}
	if ClassifyProxyError("connection refused") != ErrorKindProxyConnect {
		t.Error("expected proxy_connect for generic error")
	}
}

func TestIsPixivRateLimit(t *testing.T) {
	if !IsPixivRateLimit(403, "You have hit the Rate Limit, try again later") {
		t.Error("expected rate limit detection")
	}
	if IsPixivRateLimit(403, "forbidden") {
		t.Error("expected no rate limit for generic 403 body")
	}
	if IsPixivRateLimit(404, "rate limit") {
		t.Error("expected no rate limit classification for non-403 status")
	}
}
