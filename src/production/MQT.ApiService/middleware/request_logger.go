package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	logger "gitlab.com/maplesense1/mpt.edge_gateway/src/production/MQT.Logger"
)

// RequestLogger writes one structured entry per request
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		entry := log.Logger.Debug()
		if status >= 500 {
			entry = log.Logger.Error()
		} else if status >= 400 {
			entry = log.Logger.Warn()
		}
		if subject, ok := GetSubjectFromGinContext(c); ok {
			entry = entry.Str("subject", subject)
		}
		entry.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}
