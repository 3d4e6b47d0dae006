package middleware

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/gin-gonic/gin"
)

// RequestID assigns every response a req_<16 hex chars> id,
// reusing an inbound X-Request-Id when the caller already supplied one.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = "req_" + randomHex(8)
		}
		c.Set("request_id", id)
		c.Header("X-Request-Id", id)
		c.Next()
	}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is fatal-grade in practice; fall back to a
		// fixed-but-valid-shaped id rather than panicking mid-request.
		return "0000000000000000"[:n*2]
	}
	return hex.EncodeToString(buf)
}
