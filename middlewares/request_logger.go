package middlewares

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/lfglabs-dev/api.calorily.com/logger"
	"github.com/lfglabs-dev/api.calorily.com/metrics"
)

// RequestLogger logs every request through zerolog and records it in the
// API metrics, labelled by route template rather than raw path.
func RequestLogger() gin.HandlerFunc {
	log := logger.WithComponent("http")
	return func(c *gin.Context) {
		timer := metrics.NewTimer()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := timer.Duration()

		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		timer.ObserveDurationVec(metrics.APIRequestDuration, route)

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if userID := c.GetString(UserIDKey); userID != "" {
			ev = ev.Str("user_id", userID)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("latency", elapsed).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}
