package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/user/image-random-service/internal/outbound"
)

const appAPIBaseURL = "https://app-api.pixiv.net"

// illustDetailEnvelope is the minimal subset of the upstream app-API's
// /v1/illust/detail response this service hydrates onto a catalog row.
// Parsing the full upstream schema is out of scope here;
// this covers exactly what illustMetadata needs.
type illustDetailEnvelope struct {
	Illust *illustMetadata `json:"illust"`
}

// DefaultMetadataFetcher calls the upstream app-API's illust-detail
// endpoint through client (already bound to the chosen credential's proxy)
// and decodes the minimal metadata shape the hydrate handler applies.
func DefaultMetadataFetcher(ctx context.Context, client *http.Client, accessToken string, illustID int64) (*illustMetadata, error) {
	endpoint := fmt.Sprintf("%s/v1/illust/detail?illust_id=%d", appAPIBaseURL, illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", outbound.UpstreamUserAgent)
	req.Header.Set("Accept-Language", "en_US")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("illust/detail: status %d", resp.StatusCode)
	}

	var env illustDetailEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("illust/detail: decode: %w", err)
	}
	if env.Illust == nil {
		return nil, fmt.Errorf("illust/detail: empty response")
	}
	return env.Illust, nil
}

// httpURLResolver implements URLResolver by re-fetching an illustration's
// detail payload and picking out its page's original image URL. Only the
// bytes needed for that one field are kept; the rest of the payload the
// upstream API returns is discarded, matching the same out-of-scope
// boundary DefaultMetadataFetcher observes.
type httpURLResolver struct {
	client *http.Client
}

// NewHTTPURLResolver builds a URLResolver that calls the upstream app-API
// directly (no proxy/credential rotation) — heal_url is a low-volume,
// best-effort path triggered only after a broken-image detection.
func NewHTTPURLResolver(client *http.Client) URLResolver {
	return &httpURLResolver{client: client}
}

type illustDetailPageResponse struct {
	Illust *struct {
		MetaSinglePage struct {
			OriginalImageURL string `json:"original_image_url"`
		} `json:"meta_single_page"`
		MetaPages []struct {
			ImageURLs struct {
				Original string `json:"original"`
			} `json:"image_urls"`
		} `json:"meta_pages"`
	} `json:"illust"`
}

func (r *httpURLResolver) ResolveOriginalURL(ctx context.Context, illustID int64, pageIndex int) (string, error) {
	endpoint := fmt.Sprintf("%s/v1/illust/detail?illust_id=%d", appAPIBaseURL, illustID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", outbound.UpstreamUserAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("illust/detail: status %d", resp.StatusCode)
	}

	var parsed illustDetailPageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("illust/detail: decode: %w", err)
	}
	if parsed.Illust == nil {
		return "", fmt.Errorf("illust/detail: empty response")
	}
	if pageIndex == 0 && parsed.Illust.MetaSinglePage.OriginalImageURL != "" {
		return parsed.Illust.MetaSinglePage.OriginalImageURL, nil
	}
	if pageIndex >= 0 && pageIndex < len(parsed.Illust.MetaPages) {
		if u := parsed.Illust.MetaPages[pageIndex].ImageURLs.Original; u != "" {
			return u, nil
		}
	}
	return "", fmt.Errorf("heal_url: page %d not found in upstream response", pageIndex)
}
