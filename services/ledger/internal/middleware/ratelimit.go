package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"example.com/stars-ledger/pkg/logger"
)

// rateLimitScript — INCR с EXPIRE на первом запросе окна.
var rateLimitScript = redis.NewScript(`
	local current = redis.call("INCR", KEYS[1])
	if current == 1 then
		redis.call("EXPIRE", KEYS[1], ARGV[1])
	end
	return current
`)

// RateLimitMiddleware — фиксированное окно в Redis.
// Ключ — имя сервиса из токена, без авторизации — IP клиента.
type RateLimitMiddleware struct {
	redis  redis.UniversalClient
	limit  int
	window time.Duration
}

// RateLimitConfig — параметры rate limiter.
type RateLimitConfig struct {
	Redis  redis.UniversalClient
	Limit  int
	Window time.Duration
}

// NewRateLimitMiddleware создаёт rate limiter. По умолчанию 300 запросов в минуту.
func NewRateLimitMiddleware(cfg RateLimitConfig) *RateLimitMiddleware {
	if cfg.Limit <= 0 {
		cfg.Limit = 300
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &RateLimitMiddleware{redis: cfg.Redis, limit: cfg.Limit, window: cfg.Window}
}

// Handle возвращает gin middleware.
func (m *RateLimitMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		subject := c.GetString(ContextService)
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}
		key := "ledger:rate:" + subject

		count, err := rateLimitScript.Run(ctx, m.redis, []string{key}, int(m.window.Seconds())).Int()
		if err != nil {
			// fail-open: недоступный Redis не останавливает платежи
			logger.Ctx(ctx).Warn().Err(err).Msg("Ошибка проверки rate limit")
			c.Next()
			return
		}

		remaining := max(m.limit-count, 0)
		c.Header("X-RateLimit-Limit", strconv.Itoa(m.limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		if count > m.limit {
			logger.Ctx(ctx).Warn().Str("subject", subject).Int("limit", m.limit).Msg("Rate limit превышен")
			c.Header("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": fmt.Sprintf("Превышен лимит запросов. Попробуйте через %d секунд", int(m.window.Seconds())),
			})
			return
		}

		c.Next()
	}
}
