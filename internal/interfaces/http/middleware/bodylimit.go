package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/erp/datasync/internal/interfaces/http/dto"
)

// ErrCodeRequestTooLarge is answered with 413
const ErrCodeRequestTooLarge = "ERR_REQUEST_TOO_LARGE"

// BodyLimit rejects bodies larger than maxBytes. Sync writes carry whole
// collections, so the limit guards the store as much as the server.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reject early when the declared length is already too large
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge,
				dto.NewErrorResponseWithRequestID(ErrCodeRequestTooLarge, "Request body exceeds maximum allowed size", c.GetString(requestIDKey)))
			return
		}

		// Wrap the body with a limited reader; streamed bodies have no
		// Content-Length
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
