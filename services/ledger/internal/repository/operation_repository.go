package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/stars-ledger/pkg/outbox"
	"example.com/stars-ledger/services/ledger/internal/domain"
)

// CheckpointPatch — поля, которые фиксируются вместе с шагом.
type CheckpointPatch struct {
	PaymentID  *string
	OldBalance *int64
	NewBalance *int64
}

// OperationRepository — чекпоинты операций (balance_operations).
type OperationRepository interface {
	// Begin регистрирует операцию в RUNNING.
	// Если операция с этим operation_id уже есть, возвращает её и created=false.
	Begin(ctx context.Context, op *domain.Operation) (existing *domain.Operation, created bool, err error)

	Get(ctx context.Context, operationID string) (*domain.Operation, error)

	// Checkpoint фиксирует последний выполненный шаг RUNNING операции.
	Checkpoint(ctx context.Context, operationID string, step domain.Step, patch CheckpointPatch) error

	// Finish в одной транзакции переводит RUNNING операцию в терминальный статус
	// и кладёт событие в outbox. false — операцию уже завершил кто-то другой.
	Finish(ctx context.Context, op *domain.Operation, event *outbox.Record) (bool, error)

	// ListStaleRunning — RUNNING операции без движения с момента before.
	ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*domain.Operation, error)

	// Claim закрепляет зависшую операцию за вызывающим: сравнивает updated_at
	// и увеличивает attempts. false — её уже забрал другой процесс.
	Claim(ctx context.Context, operationID string, seenUpdatedAt time.Time) (bool, error)
}

type operationRepository struct {
	db     *gorm.DB
	outbox outbox.Repository
}

// NewOperationRepository создаёт репозиторий чекпоинтов.
func NewOperationRepository(db *gorm.DB, ob outbox.Repository) OperationRepository {
	return &operationRepository{db: db, outbox: ob}
}

func (r *operationRepository) Begin(ctx context.Context, op *domain.Operation) (*domain.Operation, bool, error) {
	now := time.Now().UTC()
	op.Status = domain.OperationRunning
	op.CreatedAt, op.UpdatedAt = now, now

	m, err := operationModelFromDomain(op)
	if err != nil {
		return nil, false, err
	}

	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		if isDuplicateKeyError(err) {
			existing, getErr := r.Get(ctx, op.OperationID)
			return existing, false, getErr
		}
		return nil, false, domain.NewStoreError("operations.begin", err)
	}
	return op, true, nil
}

func (r *operationRepository) Get(ctx context.Context, operationID string) (*domain.Operation, error) {
	var m operationModel
	if err := r.db.WithContext(ctx).Where("operation_id = ?", operationID).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOperationNotFound
		}
		return nil, domain.NewStoreError("operations.get", err)
	}
	return m.toDomain(), nil
}

func (r *operationRepository) Checkpoint(ctx context.Context, operationID string, step domain.Step, patch CheckpointPatch) error {
	updates := map[string]any{
		"last_step":  step.String(),
		"updated_at": time.Now().UTC(),
	}
	if patch.PaymentID != nil {
		updates["payment_id"] = *patch.PaymentID
	}
	if patch.OldBalance != nil {
		updates["old_balance"] = *patch.OldBalance
	}
	if patch.NewBalance != nil {
		updates["new_balance"] = *patch.NewBalance
	}

	err := r.db.WithContext(ctx).Model(&operationModel{}).
		Where("operation_id = ? AND status = ?", operationID, string(domain.OperationRunning)).
		Updates(updates).Error
	if err != nil {
		return domain.NewStoreError("operations.checkpoint", err)
	}
	return nil
}

func (r *operationRepository) Finish(ctx context.Context, op *domain.Operation, event *outbox.Record) (bool, error) {
	finished := false

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":     string(op.Status),
			"last_step":  op.LastStep.String(),
			"updated_at": time.Now().UTC(),
		}
		if op.PaymentID != "" {
			updates["payment_id"] = op.PaymentID
		}
		if op.OldBalance != nil {
			updates["old_balance"] = *op.OldBalance
		}
		if op.NewBalance != nil {
			updates["new_balance"] = *op.NewBalance
		}
		if op.FailureKind != "" {
			updates["failure_kind"] = string(op.FailureKind)
			updates["failure_reason"] = op.FailureReason
		}

		res := tx.Model(&operationModel{}).
			Where("operation_id = ? AND status = ?", op.OperationID, string(domain.OperationRunning)).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		if event != nil {
			if err := r.outbox.Enqueue(tx, event); err != nil {
				return err
			}
		}
		finished = true
		return nil
	})
	if err != nil {
		return false, domain.NewStoreError("operations.finish", err)
	}
	return finished, nil
}

func (r *operationRepository) ListStaleRunning(ctx context.Context, before time.Time, limit int) ([]*domain.Operation, error) {
	var models []operationModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", string(domain.OperationRunning), before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, domain.NewStoreError("operations.list_stale", err)
	}

	out := make([]*domain.Operation, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (r *operationRepository) Claim(ctx context.Context, operationID string, seenUpdatedAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&operationModel{}).
		Where("operation_id = ? AND status = ? AND updated_at = ?", operationID, string(domain.OperationRunning), seenUpdatedAt).
		Updates(map[string]any{
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, domain.NewStoreError("operations.claim", res.Error)
	}
	return res.RowsAffected > 0, nil
}
