package outbox

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrRecordNotFound — запись outbox не найдена.
var ErrRecordNotFound = errors.New("запись outbox не найдена")

// Repository — доступ к таблице outbox.
type Repository interface {
	// Enqueue пишет запись внутри транзакции вызывающей стороны.
	Enqueue(tx *gorm.DB, record *Record) error

	GetUnprocessed(ctx context.Context, limit int) ([]*Record, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, err error) error

	// DeleteProcessedBefore удаляет до 1000 обработанных записей старше before.
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

type repository struct {
	db            *gorm.DB
	aggregateType string
}

// NewRepository создаёт репозиторий outbox для одного типа агрегата.
func NewRepository(db *gorm.DB, aggregateType string) Repository {
	return &repository{db: db, aggregateType: aggregateType}
}

func (r *repository) Enqueue(tx *gorm.DB, record *Record) error {
	if record.AggregateType == "" {
		record.AggregateType = r.aggregateType
	}
	return tx.Create(recordModelFromDomain(record)).Error
}

// GetUnprocessed — записи с меньшим retry_count идут первыми.
func (r *repository) GetUnprocessed(ctx context.Context, limit int) ([]*Record, error) {
	var models []recordModel
	if err := r.db.WithContext(ctx).
		Where("processed_at IS NULL AND aggregate_type = ?", r.aggregateType).
		Order("retry_count ASC, created_at ASC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}

	out := make([]*Record, len(models))
	for i := range models {
		out[i] = models[i].toDomain()
	}
	return out, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ?", id).
		Update("processed_at", time.Now().UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *repository) MarkFailed(ctx context.Context, id string, cause error) error {
	res := r.db.WithContext(ctx).Model(&recordModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"retry_count": gorm.Expr("retry_count + 1"),
			"last_error":  cause.Error(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *repository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("processed_at IS NOT NULL AND processed_at < ? AND aggregate_type = ?", before, r.aggregateType).
		Limit(1000).
		Delete(&recordModel{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
