package ledger

import (
	"context"
	"errors"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/repository"
)

// BalanceStore — баланс пользователя в звёздах.
type BalanceStore interface {
	// Read возвращает баланс; для пользователя без строки — 0.
	Read(ctx context.Context, telegramID string) (int64, error)

	// Adjust атомарно применяет delta. Если списание увело бы баланс в минус —
	// domain.ErrInsufficientFunds без изменений. Повтор operationID не применяется дважды.
	Adjust(ctx context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error)

	// History — записанный результат операции или domain.ErrOperationNotFound.
	History(ctx context.Context, operationID string) (*domain.AdjustResult, error)
}

type balanceStore struct {
	repo  repository.BalanceRepository
	guard *guard
}

// NewBalanceStore создаёт BalanceStore поверх репозитория.
func NewBalanceStore(repo repository.BalanceRepository, cfg GuardConfig) BalanceStore {
	return &balanceStore{repo: repo, guard: newGuard("balance-store", cfg)}
}

func (s *balanceStore) Read(ctx context.Context, telegramID string) (int64, error) {
	var balance int64
	err := s.guard.run(ctx, "balances.read", func(ctx context.Context) error {
		var err error
		balance, err = s.repo.Read(ctx, telegramID)
		return err
	})
	return balance, err
}

func (s *balanceStore) Adjust(ctx context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error) {
	var res *domain.AdjustResult
	err := s.guard.run(ctx, "balances.adjust", func(ctx context.Context) error {
		var err error
		res, err = s.repo.Adjust(ctx, telegramID, operationID, delta)
		return err
	})

	switch {
	case err == nil && res.Replayed:
		metrics.BalanceAdjustments.WithLabelValues("replayed").Inc()
	case err == nil:
		metrics.BalanceAdjustments.WithLabelValues("applied").Inc()
	case errors.Is(err, domain.ErrInsufficientFunds):
		metrics.BalanceAdjustments.WithLabelValues("insufficient_funds").Inc()
	default:
		metrics.BalanceAdjustments.WithLabelValues("store_error").Inc()
		logger.Ctx(ctx).Error().Err(err).
			Str("telegram_id", telegramID).
			Int64("delta", delta).
			Msg("Ошибка изменения баланса")
	}
	return res, err
}

func (s *balanceStore) History(ctx context.Context, operationID string) (*domain.AdjustResult, error) {
	var res *domain.AdjustResult
	err := s.guard.run(ctx, "balances.history", func(ctx context.Context) error {
		var err error
		res, err = s.repo.History(ctx, operationID)
		return err
	})
	return res, err
}
