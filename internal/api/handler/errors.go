package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/user/image-random-service/internal/apperror"
)

// requestID returns the id the RequestID middleware attached to c, or the
// envelope's own unknown-id sentinel if somehow absent.
func requestID(c *gin.Context) string {
	if v, ok := c.Get("request_id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return apperror.UnknownRequestID
}

// writeAppError localizes err's message and renders the shared
// {ok:false,code,message,request_id,details} envelope, aborting the chain.
func writeAppError(c *gin.Context, err *apperror.Error) {
	c.AbortWithStatusJSON(err.StatusCode, err.Body(requestID(c)))
}

// badRequest is a shorthand for the common 400 case.
func badRequest(c *gin.Context, message string) {
	writeAppError(c, apperror.New(apperror.CodeBadRequest, 400, message))
}
