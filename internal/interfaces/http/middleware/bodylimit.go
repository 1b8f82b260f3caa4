package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apihub/backend/internal/interfaces/http/dto"
)

// BodyLimit caps the request body size. Usage ingest and admin payloads
// are small, so anything past the limit is rejected before the handler
// reads it.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, dto.NewErrorResponseWithRequestID(
				dto.ErrCodeRequestTooLarge,
				"Request body exceeds maximum allowed size",
				c.GetString("request_id"),
			))
			return
		}

		// Chunked requests bypass ContentLength, so the body reader
		// enforces the same cap during streaming reads.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}
