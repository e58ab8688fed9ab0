// Package middleware contains gin middleware shared by the admin HTTP
// surface.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/strangerrelay/relaycore/internal/logging"
)

// HeaderXCorrelationID is the header key carrying the correlation id.
const HeaderXCorrelationID = "X-Correlation-ID"

// CorrelationID stamps every request with a correlation id, reusing one
// supplied by the caller or minting a fresh one, and mirrors it back on
// the response header.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(HeaderXCorrelationID)
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		c.Header(HeaderXCorrelationID, correlationID)
		c.Set(string(logging.CorrelationIDKey), correlationID)
		c.Next()
	}
}
