// Package healthcheck — проверки готовности для /readyz.
package healthcheck

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"gorm.io/gorm"

	"example.com/stars-ledger/pkg/logger"
)

// Check — одна проверка зависимости.
type Check func(ctx context.Context) error

// MySQL проверяет доступность MySQL через пул GORM.
func MySQL(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("mysql: %w", err)
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			return fmt.Errorf("mysql ping: %w", err)
		}
		return nil
	}
}

// Redis проверяет доступность Redis.
func Redis(rdb redis.UniversalClient) Check {
	return func(ctx context.Context) error {
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		return nil
	}
}

// Kafka проверяет, что хотя бы один брокер принимает соединение.
func Kafka(brokers []string) Check {
	return func(ctx context.Context) error {
		var errs []error
		for _, addr := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", addr)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			_ = conn.Close()
			return nil
		}
		if len(errs) == 0 {
			return errors.New("kafka: брокеры не заданы")
		}
		return fmt.Errorf("kafka: %w", errors.Join(errs...))
	}
}

// Optional — проверка зависимости, без которой сервис работает в деградированном режиме.
// Сбой логируется, но готовность не снимает.
func Optional(name string, check Check) Check {
	return func(ctx context.Context) error {
		if err := check(ctx); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("dependency", name).Msg("Необязательная зависимость недоступна")
		}
		return nil
	}
}

// Composite выполняет проверки по порядку и возвращает первую ошибку.
func Composite(checks ...Check) func(context.Context) error {
	return func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}
