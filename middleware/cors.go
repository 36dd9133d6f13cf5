package middleware

import (
	"net/http"
	"os"
	"strings"

	"famcal-api/pkg/appenv"

	"github.com/gin-gonic/gin"
)

// CORSMiddleware configures cross-origin access for the browser client.
// Sessions ride in http-only cookies, so allowed origins are always reflected
// (never "*": the wildcard is incompatible with credentialed requests).
//   - In development, any origin is reflected for convenience.
//   - In production, only origins listed in the comma-separated
//     ALLOWED_ORIGINS env var are reflected; everything else gets no CORS
//     headers and the browser blocks the request.
func CORSMiddleware() gin.HandlerFunc {
	isDev := appenv.IsDevelopment() && gin.Mode() != gin.ReleaseMode

	allowed := make(map[string]struct{})
	for _, o := range strings.Split(os.Getenv("ALLOWED_ORIGINS"), ",") {
		if origin := strings.TrimSpace(o); origin != "" {
			allowed[origin] = struct{}{}
		}
	}

	const (
		allowedMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
		allowedHeaders = "Origin, Content-Type, Authorization"
	)

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		c.Header("Vary", "Origin")

		_, ok := allowed[origin]
		if origin != "" && (ok || isDev) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", allowedMethods)
			c.Header("Access-Control-Allow-Headers", allowedHeaders)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		if c.Request.Method == http.MethodOptions {
			// Preflight. A disallowed origin gets a bare 204 without the
			// headers above, which the browser treats as a denial.
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
