package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"example.com/stars-ledger/services/ledger/internal/domain"
)

// PaymentRepository — таблица payments.
// Инфраструктурные ошибки возвращаются обёрнутыми в domain.StoreError.
type PaymentRepository interface {
	// FindDuplicate ищет неотменённый платёж с тем же operation_id или inv_id.
	// Возвращает nil, nil если совпадений нет или оба ключа пустые.
	FindDuplicate(ctx context.Context, operationID, invID string) (*domain.Payment, error)

	// Create вставляет платёж. Нарушение уникальности — domain.ErrDuplicatePayment.
	Create(ctx context.Context, p *domain.Payment) error

	GetByID(ctx context.Context, id string) (*domain.Payment, error)

	// InvIDExists — занят ли inv_id неотменённым платежом.
	InvIDExists(ctx context.Context, invID string) (bool, error)

	// UpdateStatus переводит платёж из PENDING в to одним условным UPDATE.
	// false — строка уже не в PENDING (или не существует).
	UpdateStatus(ctx context.Context, id string, to domain.PaymentStatus, failureReason *string) (bool, error)

	// ListStalePending — PENDING платежи, созданные раньше before.
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error)
}

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository создаёт репозиторий платежей.
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) FindDuplicate(ctx context.Context, operationID, invID string) (*domain.Payment, error) {
	if operationID == "" && invID == "" {
		return nil, nil
	}

	q := r.db.WithContext(ctx).Where("status <> ?", string(domain.PaymentStatusCancelled))
	switch {
	case operationID != "" && invID != "":
		q = q.Where(r.db.Where("operation_id = ?", operationID).Or("inv_id = ?", invID))
	case operationID != "":
		q = q.Where("operation_id = ?", operationID)
	default:
		q = q.Where("inv_id = ?", invID)
	}

	var m paymentModel
	if err := q.Order("created_at ASC").Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, domain.NewStoreError("payments.find_duplicate", err)
	}
	return m.toDomain(), nil
}

func (r *paymentRepository) Create(ctx context.Context, p *domain.Payment) error {
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	if err := r.db.WithContext(ctx).Create(paymentModelFromDomain(p)).Error; err != nil {
		if isDuplicateKeyError(err) {
			return domain.ErrDuplicatePayment
		}
		return domain.NewStoreError("payments.create", err)
	}
	return nil
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (*domain.Payment, error) {
	var m paymentModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPaymentNotFound
		}
		return nil, domain.NewStoreError("payments.get", err)
	}
	return m.toDomain(), nil
}

func (r *paymentRepository) InvIDExists(ctx context.Context, invID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&paymentModel{}).
		Where("inv_id = ? AND status <> ?", invID, string(domain.PaymentStatusCancelled)).
		Limit(1).
		Count(&count).Error; err != nil {
		return false, domain.NewStoreError("payments.inv_exists", err)
	}
	return count > 0, nil
}

func (r *paymentRepository) UpdateStatus(ctx context.Context, id string, to domain.PaymentStatus, failureReason *string) (bool, error) {
	updates := map[string]any{
		"status":     string(to),
		"updated_at": time.Now().UTC(),
	}
	if failureReason != nil {
		updates["failure_reason"] = *failureReason
	}

	res := r.db.WithContext(ctx).Model(&paymentModel{}).
		Where("id = ? AND status = ?", id, string(domain.PaymentStatusPending)).
		Updates(updates)
	if res.Error != nil {
		return false, domain.NewStoreError("payments.update_status", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *paymentRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	var models []paymentModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(domain.PaymentStatusPending), before).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, domain.NewStoreError("payments.list_stale", err)
	}

	out := make([]*domain.Payment, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}
