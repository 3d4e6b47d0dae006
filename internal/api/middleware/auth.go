package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/apperror"
	"github.com/user/image-random-service/internal/authjwt"
)

// bearerToken extracts the token from a well-formed "Bearer <token>"
// Authorization header, or ok=false if the header is missing or malformed.
func bearerToken(c *gin.Context) (string, bool) {
	auth := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}

func abortAppError(c *gin.Context, code apperror.Code, status int, message string) {
	requestID, _ := c.Get("request_id")
	rid, _ := requestID.(string)
	err := apperror.New(code, status, apperror.NormalizeMessage(code, message))
	c.AbortWithStatusJSON(status, err.Body(rid))
}

// RequireAdmin verifies the request carries a bearer JWT issued by issuer
// whose subject equals adminUsername. A missing or non-bearer header is
// UNAUTHORIZED; a well-formed but wrong-subject or expired token is
// FORBIDDEN.
func RequireAdmin(issuer *authjwt.Issuer, adminUsername string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortAppError(c, apperror.CodeUnauthorized, 401, "missing bearer token")
			return
		}

		claims, err := issuer.Verify(token, adminUsername, time.Now())
		if err != nil {
			abortAppError(c, apperror.CodeForbidden, 403, err.Error())
			return
		}

		c.Set("admin_subject", claims.Subject)
		c.Next()
	}
}
