package selector

import "strings"

// OutboundErrorKind is the closed classification of an outbound failure
// used to pick a recovery action.
type OutboundErrorKind string

const (
	ErrorKindProxyConnect   OutboundErrorKind = "proxy_connect"
	ErrorKindProxyAuth      OutboundErrorKind = "proxy_auth"
	ErrorKindPixivRateLimit OutboundErrorKind = "pixiv_rate_limit"
)

// ClassifyProxyError inspects a client-level proxy error message: "407" or
// "proxy authentication" (case-insensitive) indicates an auth failure;
// anything else proxy-related is a connect failure.
func ClassifyProxyError(message string) OutboundErrorKind {
	lower := strings.ToLower(message)
	if strings.Contains(lower, "407") || strings.Contains(lower, "proxy authentication") {
		return ErrorKindProxyAuth
	}
	return ErrorKindProxyConnect
}

// IsPixivRateLimit reports whether a 403 response body indicates an
// upstream rate limit rather than a generic forbidden response.
func IsPixivRateLimit(statusCode int, bodyText string) bool {
	if statusCode != 403 {
		return false
	}
	return strings.Contains(strings.ToLower(bodyText), "rate limit")
}
