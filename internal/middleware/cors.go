package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// CORS provides Cross-Origin Resource Sharing support
// Note: the status page and /metrics deliberately skip CORS headers, since
// they're operator-facing and guarded by management basic auth, not meant
// to be fetched cross-origin.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/" || strings.HasPrefix(path, "/metrics") {
			c.Next()
			return
		}

		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		// Credentials are not required for bearer-token style API calls
		// Avoid enabling credentials with wildcard origin
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "false")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE, PATCH")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
