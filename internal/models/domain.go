// Package models defines the domain models for the image random-pick service.
package models

import "time"

// ImageStatus is the lifecycle state of a catalog image.
type ImageStatus int

const (
	ImageActive   ImageStatus = 1
	ImageDisabled ImageStatus = 2
	ImageBroken   ImageStatus = 3
	ImageDeleted  ImageStatus = 4
)

// Orientation classifies an image's aspect ratio.
type Orientation int

const (
	OrientationPortrait  Orientation = 1
	OrientationLandscape Orientation = 2
	OrientationSquare    Orientation = 3
)

// IllustType distinguishes upstream illustration kinds.
type IllustType int

const (
	IllustTypeIllust IllustType = 0
	IllustTypeManga  IllustType = 1
	IllustTypeUgoira IllustType = 2
)

// Image is a single catalog page, identified by (illust_id, page_index).
type Image struct {
	ID             int64       `json:"id"`
	IllustID       int64       `json:"illust_id"`
	PageIndex      int         `json:"page_index"`
	Extension      string      `json:"extension"`
	OriginalURL    string      `json:"-"`
	ProxyPath      string      `json:"proxy_path"`
	RandomKey      float64     `json:"-"`
	Width          *int        `json:"width,omitempty"`
	Height         *int        `json:"height,omitempty"`
	AspectRatio    *float64    `json:"aspect_ratio,omitempty"`
	Orientation    *Orientation `json:"orientation,omitempty"`
	XRestrict      *int        `json:"x_restrict,omitempty"`
	AIType         *int        `json:"ai_type,omitempty"`
	IllustType     *IllustType `json:"illust_type,omitempty"`
	UserID         *int64      `json:"user_id,omitempty"`
	UserName       *string     `json:"user_name,omitempty"`
	Title          *string     `json:"title,omitempty"`
	CreatedAtPixiv *string     `json:"created_at_pixiv,omitempty"`
	BookmarkCount  int         `json:"bookmark_count"`
	ViewCount      int         `json:"view_count"`
	CommentCount   int         `json:"comment_count"`
	Status         ImageStatus `json:"status"`
	FailCount      int         `json:"-"`
	LastFailAt     *string     `json:"-"`
	LastOkAt       *string     `json:"-"`
	LastErrorCode  *string     `json:"-"`
	LastErrorMsg   *string     `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// HasCompleteMetadata reports whether the image already has width, height,
// author and title; false means it still needs an opportunistic hydrate.
func (img *Image) HasCompleteMetadata() bool {
	return img.Width != nil && img.Height != nil && img.UserID != nil && img.Title != nil
}

// Tag is a unique label attachable to images.
type Tag struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// PixivToken is an upstream OAuth credential.
type PixivToken struct {
	ID                 int64      `json:"id"`
	Name               string     `json:"name"`
	RefreshTokenEnc    []byte     `json:"-"`
	RefreshTokenMasked string     `json:"refresh_token_masked"`
	Enabled            bool       `json:"enabled"`
	Weight             int        `json:"weight"`
	ErrorCount         int        `json:"error_count"`
	BackoffUntil       *time.Time `json:"backoff_until,omitempty"`
	LastOkAt           *time.Time `json:"last_ok_at,omitempty"`
	LastFailAt         *time.Time `json:"last_fail_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProxyScheme enumerates the forward-proxy schemes accepted at import.
type ProxyScheme string

const (
	ProxySchemeHTTP   ProxyScheme = "http"
	ProxySchemeHTTPS  ProxyScheme = "https"
	ProxySchemeSocks4 ProxyScheme = "socks4"
	ProxySchemeSocks5 ProxyScheme = "socks5"
)

// ProxyEndpoint is a managed forward-proxy egress.
type ProxyEndpoint struct {
	ID                int64       `json:"id"`
	Scheme            ProxyScheme `json:"scheme"`
	Host              string      `json:"host"`
	Port              int         `json:"port"`
	Username          string      `json:"username"`
	PasswordEnc       []byte      `json:"-"`
	Enabled           bool        `json:"enabled"`
	Source            string      `json:"source"`
	LastLatencyMs     *int        `json:"last_latency_ms,omitempty"`
	LastOkAt          *time.Time  `json:"last_ok_at,omitempty"`
	LastFailAt        *time.Time  `json:"last_fail_at,omitempty"`
	SuccessCount      int         `json:"success_count"`
	FailureCount      int         `json:"failure_count"`
	BlacklistedUntil  *time.Time  `json:"blacklisted_until,omitempty"`
	LastError         *string     `json:"last_error,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// ProxyPool is a named set of proxy endpoints.
type ProxyPool struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ProxyPoolEndpoint is a pool membership with a per-binding weight.
type ProxyPoolEndpoint struct {
	PoolID     int64 `json:"pool_id"`
	EndpointID int64 `json:"endpoint_id"`
	Enabled    bool  `json:"enabled"`
	Weight     int   `json:"weight"`
}

// TokenProxyBinding pins a credential to a primary proxy within a pool, with
// an optional time-boxed override installed after proxy-class failures.
type TokenProxyBinding struct {
	ID                int64      `json:"id"`
	TokenID           int64      `json:"token_id"`
	PoolID            int64      `json:"pool_id"`
	PrimaryProxyID    int64      `json:"primary_proxy_id"`
	OverrideProxyID   *int64     `json:"override_proxy_id,omitempty"`
	OverrideExpiresAt *time.Time `json:"override_expires_at,omitempty"`
}

// EffectiveProxyID returns the override proxy if live, else the primary.
func (b *TokenProxyBinding) EffectiveProxyID(now time.Time) int64 {
	if b.OverrideProxyID != nil && b.OverrideExpiresAt != nil && now.Before(*b.OverrideExpiresAt) {
		return *b.OverrideProxyID
	}
	return b.PrimaryProxyID
}

// HydrationRun is a long-running batch descriptor referenced by a driving job.
type HydrationRun struct {
	ID          int64      `json:"id"`
	RefID       string     `json:"ref_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	SummaryJSON *string    `json:"summary_json,omitempty"`
}

// APIKey is a public-surface credential; only its HMAC and hint are stored.
type APIKey struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	KeyHash   string    `json:"-"`
	KeyHint   string    `json:"key_hint"`
	Enabled   bool      `json:"enabled"`
	RPM       int       `json:"rpm"`
	Burst     int       `json:"burst"`
	CreatedAt time.Time `json:"created_at"`
}

// Import is a provenance record for a single ingested URL.
type Import struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	SourceURL  string    `json:"-"`
	Status     string    `json:"status"`
	ImageID    *int64    `json:"image_id,omitempty"`
	Error      *string   `json:"error,omitempty"`
}

// RequestLog is an observability record of one HTTP request.
type RequestLog struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	StatusCode int       `json:"status_code"`
	DurationMs int64     `json:"duration_ms"`
	APIKeyID   *int64    `json:"api_key_id,omitempty"`
	ErrorCode  *string   `json:"error_code,omitempty"`
}

// AdminAudit is a provenance record of an admin-surface mutation.
type AdminAudit struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	DetailJSON *string   `json:"detail_json,omitempty"`
}

// Author is a distinct upstream illustrator derived from the image table,
// surfaced on the public /authors listing.
type Author struct {
	UserID     int64  `json:"user_id"`
	UserName   string `json:"user_name"`
	ImageCount int64  `json:"image_count"`
}
