package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/stars-ledger/services/ledger/internal/domain"
)

// errHistoryRace — параллельная транзакция успела записать историю той же операции.
var errHistoryRace = errors.New("история операции записана параллельно")

// BalanceRepository — user_balances и balance_history.
type BalanceRepository interface {
	// Read возвращает баланс или 0, если строки ещё нет.
	Read(ctx context.Context, telegramID string) (int64, error)

	// Adjust атомарно меняет баланс на delta и пишет историю в той же транзакции.
	// Списание выполняется условным UPDATE ... WHERE balance + delta >= 0;
	// если условие не выполнено — domain.ErrInsufficientFunds без изменений.
	// Повтор с тем же operationID возвращает записанный результат (Replayed).
	Adjust(ctx context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error)

	// History возвращает запись истории операции или domain.ErrOperationNotFound.
	History(ctx context.Context, operationID string) (*domain.AdjustResult, error)
}

type balanceRepository struct {
	db *gorm.DB
}

// NewBalanceRepository создаёт репозиторий балансов.
func NewBalanceRepository(db *gorm.DB) BalanceRepository {
	return &balanceRepository{db: db}
}

func (r *balanceRepository) Read(ctx context.Context, telegramID string) (int64, error) {
	var m userBalanceModel
	err := r.db.WithContext(ctx).Where("telegram_id = ?", telegramID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.NewStoreError("balances.read", err)
	}
	return m.Balance, nil
}

func (r *balanceRepository) Adjust(ctx context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error) {
	if delta == 0 {
		return nil, fmt.Errorf("%w: нулевая дельта", domain.ErrInvalidRequest)
	}
	if operationID == "" {
		return nil, fmt.Errorf("%w: operation_id обязателен", domain.ErrInvalidRequest)
	}

	var result *domain.AdjustResult

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prev balanceHistoryModel
		err := tx.Where("operation_id = ?", operationID).Take(&prev).Error
		if err == nil {
			result = prev.toResult(true)
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		now := time.Now().UTC()
		if delta > 0 {
			err = tx.Clauses(clause.OnConflict{
				DoUpdates: clause.Assignments(map[string]any{
					"balance":    gorm.Expr("balance + ?", delta),
					"updated_at": now,
				}),
			}).Create(&userBalanceModel{TelegramID: telegramID, Balance: delta, UpdatedAt: now}).Error
			if err != nil {
				return err
			}
		} else {
			res := tx.Model(&userBalanceModel{}).
				Where("telegram_id = ? AND balance + ? >= 0", telegramID, delta).
				Updates(map[string]any{
					"balance":    gorm.Expr("balance + ?", delta),
					"updated_at": now,
				})
			if res.Error != nil {
				if isCheckViolation(res.Error) {
					return domain.ErrInsufficientFunds
				}
				return res.Error
			}
			if res.RowsAffected == 0 {
				return domain.ErrInsufficientFunds
			}
		}

		// строка заблокирована нашим UPDATE: читаем собственную запись
		var row userBalanceModel
		if err := tx.Where("telegram_id = ?", telegramID).Take(&row).Error; err != nil {
			return err
		}

		hist := balanceHistoryModel{
			OperationID:   operationID,
			TelegramID:    telegramID,
			Delta:         delta,
			BalanceBefore: row.Balance - delta,
			BalanceAfter:  row.Balance,
			CreatedAt:     now,
		}
		if err := tx.Create(&hist).Error; err != nil {
			if isDuplicateKeyError(err) {
				return errHistoryRace
			}
			return err
		}

		result = hist.toResult(false)
		return nil
	})

	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, domain.ErrInsufficientFunds):
		return nil, domain.ErrInsufficientFunds
	case errors.Is(err, errHistoryRace):
		// наша транзакция откатилась, изменение уже применено другой
		return r.History(ctx, operationID)
	default:
		return nil, domain.NewStoreError("balances.adjust", err)
	}
}

func (r *balanceRepository) History(ctx context.Context, operationID string) (*domain.AdjustResult, error) {
	var m balanceHistoryModel
	err := r.db.WithContext(ctx).Where("operation_id = ?", operationID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOperationNotFound
	}
	if err != nil {
		return nil, domain.NewStoreError("balances.history", err)
	}
	return m.toResult(true), nil
}
