package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/logger"
)

// Recovery перехватывает панику в обработчике, логирует stack trace
// и отвечает 500 без деталей паники.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			if r == http.ErrAbortHandler {
				panic(r)
			}

			logger.Ctx(c.Request.Context()).Error().
				Str("method", c.Request.Method).
				Str("path", c.FullPath()).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Перехвачена паника в HTTP handler")

			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Внутренняя ошибка сервера",
			})
		}()
		c.Next()
	}
}
