package db

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/stars-ledger/pkg/config"
)

// ConnectRedis создаёт клиент Redis и проверяет доступность.
// Redis для леджера — только ускоритель (кэш идемпотентности, rate limit),
// поэтому ошибка ping возвращается вместе с рабочим клиентом.
func ConnectRedis(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return client, fmt.Errorf("ошибка ping Redis: %w", err)
	}
	return client, nil
}
