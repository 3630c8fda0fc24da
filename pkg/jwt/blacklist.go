package jwt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	prefixToken   = "jwt:blacklist:"   // jwt:blacklist:{jti}
	prefixService = "jwt:invalidated:" // jwt:invalidated:{service}
)

// Blacklist — отозванные токены в Redis.
type Blacklist struct {
	redis redis.UniversalClient
}

// NewBlacklist создаёт blacklist.
func NewBlacklist(client redis.UniversalClient) *Blacklist {
	return &Blacklist{redis: client}
}

// Add отзывает токен до момента его истечения.
func (b *Blacklist) Add(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.Set(ctx, prefixToken+jti, "1", ttl).Err(); err != nil {
		return fmt.Errorf("ошибка добавления токена в blacklist: %w", err)
	}
	return nil
}

// Check — отозван ли токен.
func (b *Blacklist) Check(ctx context.Context, jti string) (bool, error) {
	n, err := b.redis.Exists(ctx, prefixToken+jti).Result()
	if err != nil {
		return false, fmt.Errorf("ошибка проверки blacklist: %w", err)
	}
	return n > 0, nil
}

// InvalidateService отзывает все токены сервиса, выпущенные до текущего момента
// (например, при утечке токена бота).
func (b *Blacklist) InvalidateService(ctx context.Context, service string, ttl time.Duration) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	if err := b.redis.Set(ctx, prefixService+service, ts, ttl).Err(); err != nil {
		return fmt.Errorf("ошибка отзыва токенов сервиса: %w", err)
	}
	return nil
}

// IsServiceInvalidated — выпущен ли токен до отзыва токенов сервиса.
func (b *Blacklist) IsServiceInvalidated(ctx context.Context, service string, issuedAt time.Time) (bool, error) {
	val, err := b.redis.Get(ctx, prefixService+service).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ошибка проверки отзыва сервиса: %w", err)
	}

	invalidatedAt, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return false, fmt.Errorf("ошибка парсинга timestamp отзыва: %w", err)
	}
	return issuedAt.Unix() < invalidatedAt, nil
}
