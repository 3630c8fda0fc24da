package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/logger"
)

// RequestLogger логирует каждый запрос: маршрут, статус, длительность и бота-вызывающего.
// Должен стоять после RequestIDs, чтобы в записи попали trace_id и correlation_id.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		log := logger.FromContext(c.Request.Context())
		status := c.Writer.Status()

		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		if service := c.GetString(ContextService); service != "" {
			ev = ev.Str("bot_name", service)
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			ev = ev.Str("errors", errs.String())
		}

		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("Запрос обработан")
	}
}
