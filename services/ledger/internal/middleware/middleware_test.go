package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/stars-ledger/pkg/jwt"
	"example.com/stars-ledger/pkg/logger"
)

type validatorFunc func(ctx context.Context, token string) (*jwt.Claims, error)

func (f validatorFunc) ValidateWithBlacklist(ctx context.Context, token string) (*jwt.Claims, error) {
	return f(ctx, token)
}

func acceptToken(scopes ...string) TokenValidator {
	return validatorFunc(func(_ context.Context, token string) (*jwt.Claims, error) {
		if token != "good" {
			return nil, errors.New("bad signature")
		}
		return &jwt.Claims{Service: "neuro_bot", Scopes: scopes}, nil
	})
}

func newEngine(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/x", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service":        c.GetString(ContextService),
			"trace_id":       logger.TraceIDFromContext(c.Request.Context()),
			"correlation_id": logger.CorrelationIDFromContext(c.Request.Context()),
		})
	})
	return r
}

func do(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"без токена", "", http.StatusUnauthorized},
		{"не bearer", "Basic abc", http.StatusUnauthorized},
		{"невалидный токен", "Bearer bad", http.StatusUnauthorized},
		{"валидный токен", "Bearer good", http.StatusOK},
		{"регистр схемы не важен", "bearer good", http.StatusOK},
	}

	r := newEngine(NewAuthMiddleware(acceptToken()).Handle())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, map[string]string{"Authorization": tt.header})
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRequireScope(t *testing.T) {
	t.Run("право есть", func(t *testing.T) {
		r := newEngine(NewAuthMiddleware(acceptToken(jwt.ScopeBalanceWrite)).Handle(), RequireScope(jwt.ScopeBalanceWrite))
		assert.Equal(t, http.StatusOK, do(r, map[string]string{"Authorization": "Bearer good"}).Code)
	})

	t.Run("права нет", func(t *testing.T) {
		r := newEngine(NewAuthMiddleware(acceptToken(jwt.ScopeBalanceRead)).Handle(), RequireScope(jwt.ScopeBalanceWrite))
		assert.Equal(t, http.StatusForbidden, do(r, map[string]string{"Authorization": "Bearer good"}).Code)
	})

	t.Run("авторизация выключена", func(t *testing.T) {
		r := newEngine(RequireScope(jwt.ScopeBalanceWrite))
		assert.Equal(t, http.StatusOK, do(r, nil).Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rl := NewRateLimitMiddleware(RateLimitConfig{Redis: client, Limit: 2, Window: time.Minute})
	r := newEngine(NewAuthMiddleware(acceptToken()).Handle(), rl.Handle())
	auth := map[string]string{"Authorization": "Bearer good"}

	assert.Equal(t, http.StatusOK, do(r, auth).Code)
	w := do(r, auth)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = do(r, auth)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get("Retry-After"))
	assert.True(t, mr.Exists("ledger:rate:neuro_bot"))
}

func TestRateLimitMiddleware_FailOpen(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	rl := NewRateLimitMiddleware(RateLimitConfig{Redis: client, Limit: 1})
	r := newEngine(rl.Handle())

	require.Equal(t, http.StatusOK, do(r, nil).Code)
	assert.Equal(t, http.StatusOK, do(r, nil).Code)
}

func TestRequestIDs(t *testing.T) {
	r := newEngine(RequestIDs())

	t.Run("из заголовков", func(t *testing.T) {
		w := do(r, map[string]string{HeaderTraceID: "trace-1", HeaderCorrelationID: "corr-1"})
		assert.Equal(t, "trace-1", w.Header().Get(HeaderTraceID))
		assert.Equal(t, "corr-1", w.Header().Get(HeaderCorrelationID))
		assert.Contains(t, w.Body.String(), `"trace_id":"trace-1"`)
	})

	t.Run("генерация", func(t *testing.T) {
		w := do(r, nil)
		traceID := w.Header().Get(HeaderTraceID)
		assert.NotEmpty(t, traceID)
		assert.Equal(t, traceID, w.Header().Get(HeaderCorrelationID))
	})
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Recovery())
	r.GET("/x", func(*gin.Context) { panic("boom") })

	w := do(r, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal_error")
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger.Init(logger.Config{Level: "debug", Output: &buf, Service: "ledger"})
	t.Cleanup(func() { logger.Init(logger.Config{Level: "info"}) })

	r := newEngine(RequestIDs(), func(c *gin.Context) { c.Set(ContextService, "neuro_bot") }, RequestLogger())
	do(r, map[string]string{HeaderTraceID: "trace-7"})

	var record map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &record))
	assert.Equal(t, "Запрос обработан", record["message"])
	assert.Equal(t, "trace-7", record["trace_id"])
	assert.Equal(t, "neuro_bot", record["bot_name"])
	assert.Equal(t, "/x", record["path"])
	assert.EqualValues(t, http.StatusOK, record["status"])
}

func TestSecurityHeaders(t *testing.T) {
	w := do(newEngine(SecurityHeaders()), nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
