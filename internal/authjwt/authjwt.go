// Package authjwt implements a minimal HMAC-SHA256 (HS256) JSON Web Token
// issuer and verifier for the admin bearer surface. Only the claims and
// algorithm the admin login flow needs are supported.
package authjwt

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrExpired is returned when a token's exp claim has passed.
	ErrExpired = errors.New("authjwt: token expired")
	// ErrInvalidSignature is returned when the signature does not verify.
	ErrInvalidSignature = errors.New("authjwt: invalid signature")
	// ErrMalformed is returned for any structurally invalid token.
	ErrMalformed = errors.New("authjwt: malformed token")
)

var header = map[string]string{"alg": "HS256", "typ": "JWT"}

// Claims is the minimal claim set issued for admin sessions.
type Claims struct {
	Subject   string `json:"sub"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// Issuer signs and verifies tokens with a single symmetric secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// DefaultTTL is the admin token's documented default lifetime.
const DefaultTTL = time.Hour

// NewIssuer builds an Issuer keyed by secret, using ttl for newly issued
// tokens (DefaultTTL if ttl <= 0).
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

func b64(raw []byte) string { return base64.RawURLEncoding.EncodeToString(raw) }

func b64Decode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }

// Issue mints a token for subject, valid from now for the issuer's TTL.
func (iss *Issuer) Issue(subject string, now time.Time) (string, error) {
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	claims := Claims{Subject: subject, IssuedAt: now.Unix(), ExpiresAt: now.Add(iss.ttl).Unix()}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	signingInput := b64(headerJSON) + "." + b64(claimsJSON)
	sig := iss.sign(signingInput)
	return signingInput + "." + b64(sig), nil
}

func (iss *Issuer) sign(signingInput string) []byte {
	mac := hmac.New(sha256.New, iss.secret)
	mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

// Verify checks the token's signature and expiry, returning its claims.
// requiredSubject, if non-empty, must exactly match the token's subject.
func (iss *Issuer) Verify(token string, requiredSubject string, now time.Time) (*Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, ErrMalformed
	}

	sig, err := b64Decode(parts[2])
	if err != nil {
		return nil, ErrMalformed
	}
	want := iss.sign(parts[0] + "." + parts[1])
	if subtle.ConstantTimeCompare(sig, want) != 1 {
		return nil, ErrInvalidSignature
	}

	claimsJSON, err := b64Decode(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}
	var claims Claims
	if err := json.Unmarshal(claimsJSON, &claims); err != nil {
		return nil, ErrMalformed
	}

	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrExpired
	}
	if requiredSubject != "" && claims.Subject != requiredSubject {
		return nil, fmt.Errorf("authjwt: unexpected subject %q", claims.Subject)
	}
	return &claims, nil
}
