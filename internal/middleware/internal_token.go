package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/liverec/backend/pkg/response"
)

// InternalToken guards internal endpoints with a static bearer secret. With no secret configured the
// endpoint is unavailable rather than open.
func InternalToken(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			response.ServiceUnavailable(c, "internal token is not configured")
			c.Abort()
			return
		}
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			response.Unauthorized(c, "missing bearer token")
			c.Abort()
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			response.Unauthorized(c, "invalid token")
			c.Abort()
			return
		}
		c.Next()
	}
}
