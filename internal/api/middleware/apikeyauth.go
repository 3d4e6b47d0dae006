package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/models"
	"github.com/user/image-random-service/internal/repository"
)

// HashAPIKey renders the HMAC-SHA-256 of an api key under secret, hex
// encoded — this, never the plaintext key, is what gets persisted and
// compared.
func HashAPIKey(secret, apiKey string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(apiKey))
	return hex.EncodeToString(mac.Sum(nil))
}

type cachedKey struct {
	key       *models.APIKey
	cachedAt  time.Time
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// APIKeyAuth gates a route group on header X-API-Key, looked up by its
// HMAC-SHA-256 hash through a 5s in-process cache, then rate-limited by a
// token bucket keyed on api_key_id. When required is false, a
// missing key is allowed through unauthenticated; a present-but-invalid key
// is always rejected.
func APIKeyAuth(repo repository.APIKeyRepository, secret string, required bool, defaultRPM, defaultBurst int) gin.HandlerFunc {
	var (
		cacheMu sync.Mutex
		cache   = make(map[string]cachedKey)

		bucketMu sync.Mutex
		buckets  = make(map[int64]*bucket)
	)

	const cacheTTL = 5 * time.Second

	lookup := func(ctx *gin.Context, hash string) (*models.APIKey, error) {
		now := time.Now()
		cacheMu.Lock()
		if entry, ok := cache[hash]; ok && now.Sub(entry.cachedAt) < cacheTTL {
			cacheMu.Unlock()
			return entry.key, nil
		}
		cacheMu.Unlock()

		key, err := repo.FindByKeyHash(ctx.Request.Context(), hash)
		if err != nil {
			return nil, err
		}
		cacheMu.Lock()
		cache[hash] = cachedKey{key: key, cachedAt: now}
		cacheMu.Unlock()
		return key, nil
	}

	allow := func(apiKeyID int64, rpm, burst int) bool {
		bucketMu.Lock()
		defer bucketMu.Unlock()
		b, ok := buckets[apiKeyID]
		now := time.Now()
		if !ok {
			b = &bucket{tokens: float64(burst), lastRefill: now}
			buckets[apiKeyID] = b
		}
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * (float64(rpm) / 60.0)
		if b.tokens > float64(burst) {
			b.tokens = float64(burst)
		}
		b.lastRefill = now
		if b.tokens < 1 {
			return false
		}
		b.tokens--
		return true
	}

	return func(c *gin.Context) {
		raw := c.GetHeader("X-API-Key")
		if raw == "" {
			if required {
				abortAppError(c, apperror.CodeUnauthorized, 401, "missing api key")
				return
			}
			c.Next()
			return
		}

		hash := HashAPIKey(secret, raw)
		key, err := lookup(c, hash)
		if err != nil || key == nil || !key.Enabled {
			abortAppError(c, apperror.CodeUnauthorized, 401, "invalid api key")
			return
		}

		rpm, burst := key.RPM, key.Burst
		if rpm <= 0 {
			rpm = defaultRPM
		}
		if burst <= 0 {
			burst = defaultBurst
		}
		if !allow(key.ID, rpm, burst) {
			abortAppError(c, apperror.CodeRateLimited, 429, "rate limited")
			return
		}

		c.Set("api_key_id", key.ID)
		c.Next()
	}
}
