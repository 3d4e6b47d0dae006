// Package redact scrubs secrets out of strings, byte slices, and nested
// map/slice values before they reach a log sink or persisted error column.
package redact

import (
	"regexp"
	"strings"
)

const Redacted = "***"

var sensitiveKeyParts = []string{
	"refresh",
	"token",
	"api_key",
	"apikey",
	"authorization",
	"password",
	"secret",
	"cookie",
}

var (
	bearerRe       = regexp.MustCompile(`(?i)\bBearer\s+(\S+)`)
	refreshQueryRe = regexp.MustCompile(`(?i)(refresh_token=)([^&\s]+)`)
	uriInTextRe    = regexp.MustCompile(`(?i)(?:https?|socks[45])://[^\s"']+`)
	proxyURIRe     = regexp.MustCompile(`(?i)^(https?|socks[45])://(.+)$`)
)

const trailingPunct = ".,);:]}"

// IsSensitiveKey reports whether key's lowercased form contains any of the
// closed set of sensitive substrings.
func IsSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

func redactSingleProxyURI(text string) string {
	m := proxyURIRe.FindStringSubmatch(text)
	if m == nil {
		return text
	}
	scheme, rest := m[1], m[2]
	if !strings.Contains(rest, "@") || !strings.Contains(rest, ":") {
		return text
	}
	at := strings.LastIndex(rest, "@")
	userinfo, hostpart := rest[:at], rest[at+1:]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return text
	}
	username := userinfo[:colon]
	return scheme + "://" + username + ":" + Redacted + "@" + hostpart
}

func stripTrailingPunct(uri string) (string, string) {
	suffix := ""
	for len(uri) > 0 && strings.ContainsRune(trailingPunct, rune(uri[len(uri)-1])) {
		suffix = string(uri[len(uri)-1]) + suffix
		uri = uri[:len(uri)-1]
	}
	return uri, suffix
}

// ProxyURI strips the password from any proxy URI found mid-text, keeping
// the username and preserving trailing punctuation around the match.
func ProxyURI(text string) string {
	return uriInTextRe.ReplaceAllStringFunc(text, func(full string) string {
		core, suffix := stripTrailingPunct(full)
		return redactSingleProxyURI(core) + suffix
	})
}

// Text runs the full text-scrubbing pass: proxy URIs, Bearer tokens, and
// refresh_token query parameters.
func Text(text string) string {
	text = ProxyURI(text)
	text = bearerRe.ReplaceAllString(text, "Bearer "+Redacted)
	text = refreshQueryRe.ReplaceAllString(text, "${1}"+Redacted)
	return text
}

// Any recursively scrubs a value of unknown shape: strings and byte slices
// pass through Text; map keys matching IsSensitiveKey become "***";
// everything else recurses into nested maps/slices.
func Any(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case string:
		return Text(v)
	case []byte:
		return []byte(Text(string(v)))
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			if IsSensitiveKey(k) {
				out[k] = Redacted
			} else {
				out[k] = Any(val)
			}
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			out[i] = Any(val)
		}
		return out
	default:
		return value
	}
}

// Truncate clamps s to at most n runes, used for the bounded last_error
// columns on images and jobs.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
