package outbound

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// UpstreamUserAgent identifies an Android-app OAuth client profile, the
// upstream convention for endpoints that reject generic desktop UAs.
const UpstreamUserAgent = "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)"

// ClientOptions configures a factory-built client.
type ClientOptions struct {
	// ProxyURL is the effective proxy (as resolved by the selector), or ""
	// for a direct connection.
	ProxyURL string
	// Streaming selects the zero-timeout client used for byte streaming;
	// false selects the bounded-timeout client used for API calls.
	Streaming bool
}

// Factory builds *http.Client instances bound to a specific proxy. Every
// Build call creates a fresh transport; streaming and regular clients differ
// only in their timeout.
type Factory struct {
	regularTimeout time.Duration
}

// NewFactory returns a Factory with the given regular (non-streaming)
// request timeout.
func NewFactory(regularTimeout time.Duration) *Factory {
	if regularTimeout <= 0 {
		regularTimeout = 120 * time.Second
	}
	return &Factory{regularTimeout: regularTimeout}
}

// Build returns an *http.Client configured per opts. A non-empty ProxyURL
// is parsed and installed as the transport's proxy. http/https proxies are
// fully supported; socks5 URLs are accepted and handed to the transport
// as-is, which dials them via its built-in SOCKS5 support.
func (f *Factory) Build(opts ClientOptions) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
	}

	if opts.ProxyURL != "" {
		u, err := url.Parse(opts.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("outbound: invalid proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}

	timeout := f.regularTimeout
	if opts.Streaming {
		timeout = 0
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// BaseHeaders returns the fixed headers every outbound request carries:
// Referer and the upstream UA identifying the Android app profile.
func BaseHeaders(referer string) http.Header {
	h := make(http.Header)
	h.Set("Referer", referer)
	h.Set("User-Agent", UpstreamUserAgent)
	return h
}
