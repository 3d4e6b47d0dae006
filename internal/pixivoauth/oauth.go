// Package pixivoauth implements the pixiv app-API OAuth refresh-token
// exchange (the same endpoint and field set as pixivpy's auth flow), used to
// mint short-lived access tokens from the long-lived refresh tokens stored
// in PixivTokenRepository.
package pixivoauth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://oauth.secure.pixiv.net"
	tokenPath      = "/auth/token"

	appOS        = "android"
	appOSVersion = "11"
	appVersion   = "5.0.234"
)

// Config holds the OAuth client credentials.
type Config struct {
	ClientID     string
	ClientSecret string
	HashSecret   string // optional; enables X-Client-Time/X-Client-Hash headers
	BaseURL      string // optional override, defaults to defaultBaseURL
}

// Token is the subset of the refresh response the service persists.
type Token struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	Scope        string
	UserID       string
}

// AuthError marks a non-2xx response from the OAuth endpoint, carrying the
// HTTP status so callers can distinguish credential failures (400/401/403)
// from transient upstream trouble.
type AuthError struct {
	StatusCode int
	Body       string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pixiv oauth refresh failed: status %d: %s", e.StatusCode, e.Body)
}

// IsAuthFailure reports whether err represents a credential-level rejection
// (the refresh token itself is bad) rather than a transient failure.
func IsAuthFailure(err error) bool {
	var ae *AuthError
	if e, ok := err.(*AuthError); ok {
		ae = e
	} else {
		return false
	}
	switch ae.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}

// Refresh exchanges refreshToken for a new access token. client should be
// built without a streaming timeout override (regular, short-lived request).
func Refresh(ctx context.Context, client *http.Client, cfg Config, refreshToken string) (*Token, error) {
	base := cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	endpoint := strings.TrimRight(base, "/") + tokenPath

	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	form.Set("client_secret", cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("get_secure_url", "1")
	form.Set("include_policy", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "PixivAndroidApp/5.0.234 (Android 11; Pixel 5)")
	req.Header.Set("Accept-Language", "en_US")
	req.Header.Set("App-OS", appOS)
	req.Header.Set("App-OS-Version", appOSVersion)
	req.Header.Set("App-Version", appVersion)
	if cfg.HashSecret != "" {
		clientTime := time.Now().UTC().Format("2006-01-02T15:04:05+00:00")
		sum := md5.Sum([]byte(clientTime + cfg.HashSecret))
		req.Header.Set("X-Client-Time", clientTime)
		req.Header.Set("X-Client-Hash", hex.EncodeToString(sum[:]))
	}

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
		return nil, &AuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return parseTokenResponse(body)
}

type tokenResponseEnvelope struct {
	Response *tokenResponseBody `json:"response"`
	*tokenResponseBody
}

type tokenResponseBody struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    json.Number `json:"expires_in"`
	RefreshToken string      `json:"refresh_token"`
	Scope        string      `json:"scope"`
	User         *struct {
		ID json.Number `json:"id"`
	} `json:"user"`
}

func parseTokenResponse(body []byte) (*Token, error) {
	var env tokenResponseEnvelope
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("pixiv oauth: unreadable response: %w", err)
	}

	body2 := env.tokenResponseBody
	if env.Response != nil {
		body2 = env.Response
	}
	if body2 == nil || body2.AccessToken == "" || body2.TokenType == "" {
		return nil, fmt.Errorf("pixiv oauth: response missing access_token/token_type")
	}

	expiresInSec, err := strconv.Atoi(body2.ExpiresIn.String())
	if err != nil {
		return nil, fmt.Errorf("pixiv oauth: unreadable expires_in: %w", err)
	}

	tok := &Token{
		AccessToken:  body2.AccessToken,
		TokenType:    body2.TokenType,
		ExpiresIn:    time.Duration(expiresInSec) * time.Second,
		RefreshToken: body2.RefreshToken,
		Scope:        body2.Scope,
	}
	if body2.User != nil {
		tok.UserID = body2.User.ID.String()
	}
	return tok, nil
}
