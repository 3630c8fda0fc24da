package middleware

import "github.com/gin-gonic/gin"

// SecurityHeaders добавляет заголовки безопасности к ответам API.
// Ответы содержат балансы пользователей, поэтому кеширование запрещено.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		c.Next()
	}
}
