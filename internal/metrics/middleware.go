package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const unknownRoute = "unknown"

// Middleware records HTTP request duration per route template.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unknownRoute
		}
		httpRequestDuration.
			WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
