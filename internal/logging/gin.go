package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// GinLogrusLogger returns gin middleware that logs each request through the
// shared logrus logger. Streaming requests log after the stream finishes, so
// latency covers the full response.
func GinLogrusLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    path,
			"latency": time.Since(start).Round(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Error(c.Errors.ByType(gin.ErrorTypePrivate).String())
			return
		}
		if c.Writer.Status() >= 500 {
			entry.Error("request failed")
		} else {
			entry.Debug("request completed")
		}
	}
}

// GinLogrusRecovery returns gin middleware that recovers from panics and
// logs the panic value before answering 500.
func GinLogrusRecovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		logger.WithField("panic", recovered).Errorf("panic recovered: %s %s", c.Request.Method, c.Request.URL.Path)
		c.AbortWithStatusJSON(500, gin.H{"error": gin.H{"message": "internal server error", "type": "server_error"}})
	})
}
