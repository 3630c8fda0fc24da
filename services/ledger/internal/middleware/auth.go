// Package middleware — HTTP middleware API леджера.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/jwt"
	"example.com/stars-ledger/pkg/logger"
)

// Ключи gin.Context.
const (
	ContextService = "service"
	ContextClaims  = "claims"
)

// TokenValidator — проверка сервисного токена (обычно *jwt.Manager).
type TokenValidator interface {
	ValidateWithBlacklist(ctx context.Context, tokenString string) (*jwt.Claims, error)
}

// AuthMiddleware проверяет Bearer RS256 токен вызывающего бота.
type AuthMiddleware struct {
	validator TokenValidator
}

// NewAuthMiddleware создаёт middleware аутентификации.
func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: validator}
}

// Handle проверяет токен и кладёт claims в контекст.
func (m *AuthMiddleware) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		log := logger.FromContext(c.Request.Context())

		token := bearerToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Требуется сервисный токен",
			})
			return
		}

		claims, err := m.validator.ValidateWithBlacklist(c.Request.Context(), token)
		if err != nil {
			log.Warn().Err(err).Msg("Ошибка валидации сервисного токена")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Невалидный токен",
			})
			return
		}

		c.Set(ContextService, claims.Service)
		c.Set(ContextClaims, claims)
		c.Next()
	}
}

// RequireScope пропускает запрос, только если у токена есть право scope.
// Без AuthMiddleware в цепочке (авторизация выключена) пропускает всё.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, ok := c.Get(ContextClaims)
		if !ok {
			c.Next()
			return
		}
		claims, _ := v.(*jwt.Claims)
		if claims == nil || !claims.HasScope(scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "permission_denied",
				"message": "Недостаточно прав: требуется " + scope,
			})
			return
		}
		c.Next()
	}
}

func bearerToken(c *gin.Context) string {
	h := c.GetHeader("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}
