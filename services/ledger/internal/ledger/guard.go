// Package ledger — журнал платежей (PaymentLedger) и хранилище балансов (BalanceStore).
//
// Оба компонента ходят в MySQL через репозитории. Каждый вызов хранилища
// ограничен таймаутом и проходит через circuit breaker; таймауты, открытый
// breaker и сбои драйвера возвращаются как domain.ErrStore.
package ledger

import (
	"context"
	"errors"
	"time"

	"example.com/stars-ledger/pkg/circuitbreaker"
	"example.com/stars-ledger/services/ledger/internal/domain"
)

// GuardConfig — таймаут и настройки breaker для вызовов хранилища.
type GuardConfig struct {
	Timeout time.Duration
	Breaker circuitbreaker.Settings
}

// DefaultGuardConfig — 3s на вызов, breaker по умолчанию.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{Timeout: 3 * time.Second, Breaker: circuitbreaker.DefaultSettings()}
}

type guard struct {
	breaker *circuitbreaker.Breaker
	timeout time.Duration
}

func newGuard(name string, cfg GuardConfig) *guard {
	settings := cfg.Breaker
	// бизнес-ошибки (нет средств, дубликат) breaker не открывают
	settings.IsFailure = func(err error) bool {
		return !domain.IsBusiness(err) && !errors.Is(err, context.Canceled)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultGuardConfig().Timeout
	}
	return &guard{breaker: circuitbreaker.New(name, settings), timeout: cfg.Timeout}
}

// run выполняет fn с таймаутом через breaker.
func (g *guard) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(ctx)
	})
	return domain.NewStoreError(op, err)
}
