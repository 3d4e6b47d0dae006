package streamfetch

import (
	"errors"
	"net/http"
	"testing"

	"github.com/user/image-random-service/internal/apperror"
)

func TestClassifyTransportErrorProxyAuth(t *testing.T) {
	err := classifyTransportError(errors.New("proxyconnect tcp: 407 auth required"))
	appErr, ok := err.(*apperror.Error)
	if !ok {
		t.Fatalf("expected *apperror.Error, got %T", err)
	}
	if appErr.Code != apperror.CodeProxyAuthFailed {
		t.Fatalf("code = %v, want %v", appErr.Code, apperror.CodeProxyAuthFailed)
	}
}

func TestClassifyTransportErrorGenericProxy(t *testing.T) {
	err := classifyTransportError(errors.New("proxyconnect tcp: connection refused"))
	appErr := err.(*apperror.Error)
	if appErr.Code != apperror.CodeProxyConnectFail {
		t.Fatalf("code = %v, want %v", appErr.Code, apperror.CodeProxyConnectFail)
	}
}

func TestClassifyTransportErrorNonProxy(t *testing.T) {
	err := classifyTransportError(errors.New("read: connection reset by peer"))
	appErr := err.(*apperror.Error)
	if appErr.Code != apperror.CodeUpstreamStream {
		t.Fatalf("code = %v, want %v", appErr.Code, apperror.CodeUpstreamStream)
	}
}

func TestClassifyStatusError(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   apperror.Code
	}{
		{http.StatusForbidden, "rate limit exceeded", apperror.CodeUpstreamRate},
		{http.StatusForbidden, "access denied", apperror.CodeUpstream403},
		{http.StatusNotFound, "", apperror.CodeUpstream404},
		{http.StatusTooManyRequests, "", apperror.CodeUpstreamRate},
		{http.StatusInternalServerError, "boom", apperror.CodeUpstreamStream},
	}
	for _, c := range cases {
		err := classifyStatusError(c.status, c.body)
		appErr := err.(*apperror.Error)
		if appErr.Code != c.want {
			t.Errorf("classifyStatusError(%d, %q) code = %v, want %v", c.status, c.body, appErr.Code, c.want)
		}
		if appErr.StatusCode != http.StatusBadGateway {
			t.Errorf("classifyStatusError(%d, %q) http status = %d, want 502", c.status, c.body, appErr.StatusCode)
		}
	}
}

func TestTruncate(t *testing.T) {
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	if got := truncate(string(long)); len(got) != 200 {
		t.Fatalf("truncate length = %d, want 200", len(got))
	}
	if got := truncate("short"); got != "short" {
		t.Fatalf("truncate(%q) = %q, want unchanged", "short", got)
	}
}
