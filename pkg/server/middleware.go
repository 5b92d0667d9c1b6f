package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// requestLogger logs one entry per request, tagged with the bus it serves.
// Failed requests carry the handler error; successful ones log at debug.
func requestLogger(log logrus.FieldLogger, bus string) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"bus":      bus,
			"method":   c.Request.Method,
			"route":    route,
			"status":   status,
			"duration": time.Since(start).Round(time.Microsecond),
			"client":   c.ClientIP(),
		})
		if err := c.Errors.Last(); err != nil {
			entry = entry.WithError(err.Err)
		}

		switch {
		case status >= http.StatusInternalServerError:
			entry.Error("bus request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("bus request rejected")
		default:
			entry.Debug("bus request served")
		}
	}
}
