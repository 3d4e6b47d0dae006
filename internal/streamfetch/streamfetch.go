// Package streamfetch forwards an upstream byte stream (pixiv image /
// ugoira frame data) through the service's outbound client, mapping
// transport and status failures to the closed error-code set.
package streamfetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/outbound"
)

// Request describes one upstream fetch.
type Request struct {
	URL      string
	ProxyURL string // "" for a direct connection
	Referer  string
	Range    string // raw Range header value, "" if absent
}

// Response wraps the upstream body and the headers worth propagating. The
// caller must call Close when done, including on early client disconnect.
type Response struct {
	Body          io.ReadCloser
	StatusCode    int // 200 or 206
	ContentType   string
	ContentLength string
	AcceptRanges  string
	ContentRange  string

	client *http.Client
}

// Close releases the response body and idles out the underlying client's
// connection pool entry for this request. Safe to call multiple times.
func (r *Response) Close() error {
	if r == nil || r.Body == nil {
		return nil
	}
	err := r.Body.Close()
	if r.client != nil {
		r.client.CloseIdleConnections()
	}
	return err
}

// Fetcher streams upstream bytes through a proxy-aware client built per call.
type Fetcher struct {
	factory *outbound.Factory
}

// New builds a Fetcher bound to factory.
func New(factory *outbound.Factory) *Fetcher {
	return &Fetcher{factory: factory}
}

// Stream issues the fetch and returns a Response positioned at the upstream
// body, or a classified *apperror.Error.
func (f *Fetcher) Stream(ctx context.Context, req Request) (*Response, error) {
	client, err := f.factory.Build(outbound.ClientOptions{ProxyURL: req.ProxyURL, Streaming: true})
	if err != nil {
		return nil, apperror.New(apperror.CodeProxyConnectFail, http.StatusBadGateway, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, apperror.New(apperror.CodeUpstreamStream, http.StatusBadGateway, err.Error())
	}
	httpReq.Header = outbound.BaseHeaders(req.Referer)
	if req.Range != "" {
		httpReq.Header.Set("Range", req.Range)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		client.CloseIdleConnections()
		return nil, classifyTransportError(err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		client.CloseIdleConnections()
		return nil, classifyStatusError(resp.StatusCode, string(body))
	}

	return &Response{
		Body:          resp.Body,
		StatusCode:    resp.StatusCode,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.Header.Get("Content-Length"),
		AcceptRanges:  resp.Header.Get("Accept-Ranges"),
		ContentRange:  resp.Header.Get("Content-Range"),
		client:        client,
	}, nil
}

// classifyTransportError distinguishes proxy-layer failures from generic
// network errors by inspecting the error text for proxy dial/auth keywords,
// the only signal net/http surfaces for a failed CONNECT.
func classifyTransportError(err error) error {
	msg := err.Error()
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "proxyconnect") || strings.Contains(lower, "proxy") {
		if strings.Contains(lower, "407") || strings.Contains(lower, "auth") {
			return apperror.New(apperror.CodeProxyAuthFailed, http.StatusBadGateway, msg)
		}
		return apperror.New(apperror.CodeProxyConnectFail, http.StatusBadGateway, msg)
	}
	return apperror.New(apperror.CodeUpstreamStream, http.StatusBadGateway, msg)
}

// classifyStatusError maps a non-2xx upstream response to a stable code.
func classifyStatusError(status int, body string) error {
	lower := strings.ToLower(body)
	switch status {
	case http.StatusForbidden:
		if strings.Contains(lower, "rate limit") {
			return apperror.New(apperror.CodeUpstreamRate, http.StatusBadGateway,
				fmt.Sprintf("upstream 403 rate-limited: %s", truncate(body)))
		}
		return apperror.New(apperror.CodeUpstream403, http.StatusBadGateway,
			fmt.Sprintf("upstream 403: %s", truncate(body)))
	case http.StatusNotFound:
		return apperror.New(apperror.CodeUpstream404, http.StatusBadGateway, "upstream 404")
	case http.StatusTooManyRequests:
		return apperror.New(apperror.CodeUpstreamRate, http.StatusBadGateway, "upstream 429")
	default:
		return apperror.New(apperror.CodeUpstreamStream, http.StatusBadGateway,
			fmt.Sprintf("upstream status %d: %s", status, truncate(body)))
	}
}

func truncate(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
