package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/repository"
)

// =============================================================================
// Конфигурация
// =============================================================================

const (
	// idempotencyKeyPrefix — префикс ключей идемпотентности в Redis.
	idempotencyKeyPrefix = "ledger:payment:idem:"

	defaultIdempotencyTTL = 24 * time.Hour
	defaultCurrency       = "RUB"
)

// PaymentsConfig — настройки PaymentLedger.
type PaymentsConfig struct {
	Guard           GuardConfig
	IdempotencyTTL  time.Duration
	DefaultCurrency string
}

// =============================================================================
// Интерфейс
// =============================================================================

// CreateResult — результат создания платежа.
// Duplicate=true: платёж с тем же ключом уже был, Payment — исходная строка.
type CreateResult struct {
	Payment   *domain.Payment
	Duplicate bool
}

// UpdateResult — результат смены статуса.
// AlreadyTerminal=true: платёж уже был в терминальном статусе и не изменился.
type UpdateResult struct {
	Payment         *domain.Payment
	AlreadyTerminal bool
}

// PaymentLedger — журнал платежей с идемпотентным созданием и машиной состояний.
type PaymentLedger interface {
	// FindDuplicate ищет неотменённый платёж по operation_id или inv_id.
	FindDuplicate(ctx context.Context, operationID, invID string) (*domain.Payment, error)

	// Create создаёт платёж. Дубликат возвращается как результат, не как ошибка.
	Create(ctx context.Context, params domain.CreatePaymentParams) (*CreateResult, error)

	// UpdateStatus переводит платёж по машине состояний.
	// Переход из терминального статуса — no-op с AlreadyTerminal=true.
	UpdateStatus(ctx context.Context, id string, to domain.PaymentStatus, reason string) (*UpdateResult, error)

	Get(ctx context.Context, id string) (*domain.Payment, error)
	InvIDExists(ctx context.Context, invID string) (bool, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error)
}

// =============================================================================
// Реализация
// =============================================================================

type paymentLedger struct {
	repo  repository.PaymentRepository
	redis redis.UniversalClient // nil — кэш идемпотентности отключён
	guard *guard
	cfg   PaymentsConfig
}

// NewPaymentLedger создаёт журнал платежей. redisClient может быть nil.
func NewPaymentLedger(repo repository.PaymentRepository, redisClient redis.UniversalClient, cfg PaymentsConfig) PaymentLedger {
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = defaultCurrency
	}
	return &paymentLedger{
		repo:  repo,
		redis: redisClient,
		guard: newGuard("payment-ledger", cfg.Guard),
		cfg:   cfg,
	}
}

func (l *paymentLedger) FindDuplicate(ctx context.Context, operationID, invID string) (*domain.Payment, error) {
	var p *domain.Payment
	err := l.guard.run(ctx, "payments.find_duplicate", func(ctx context.Context) error {
		var err error
		p, err = l.repo.FindDuplicate(ctx, operationID, invID)
		return err
	})
	return p, err
}

// Create: Redis (быстрый путь) → поиск дубликата в БД → INSERT.
// Гонку двух одновременных вставок закрывает уникальный ключ в БД.
func (l *paymentLedger) Create(ctx context.Context, params domain.CreatePaymentParams) (*CreateResult, error) {
	if params.OperationID != "" && logger.OperationIDFromContext(ctx) == "" {
		ctx = logger.WithOperationID(ctx, params.OperationID)
	}
	log := logger.FromContext(ctx).With().
		Str("telegram_id", params.TelegramID).
		Str("inv_id", params.InvID).
		Logger()

	if err := params.Validate(); err != nil {
		log.Warn().Err(err).Msg("Некорректные параметры платежа")
		metrics.PaymentsCreated.WithLabelValues(string(params.Type), "invalid").Inc()
		return nil, err
	}

	if params.OperationID == "" && params.InvID == "" {
		log.Warn().Str("type", string(params.Type)).Msg("Платёж без ключа идемпотентности: повтор создаст новую строку")
	}

	if existing := l.cachedDuplicate(ctx, params.OperationID, params.InvID); existing != nil {
		log.Info().Str("payment_id", existing.ID).Msg("Платёж уже существует (кэш идемпотентности)")
		metrics.PaymentsCreated.WithLabelValues(string(params.Type), "duplicate").Inc()
		return &CreateResult{Payment: existing, Duplicate: true}, nil
	}

	existing, err := l.FindDuplicate(ctx, params.OperationID, params.InvID)
	if err != nil {
		metrics.PaymentsCreated.WithLabelValues(string(params.Type), "error").Inc()
		return nil, err
	}
	if existing != nil {
		log.Info().Str("payment_id", existing.ID).Msg("Платёж уже существует (идемпотентность)")
		l.remember(ctx, existing)
		metrics.PaymentsCreated.WithLabelValues(string(params.Type), "duplicate").Inc()
		return &CreateResult{Payment: existing, Duplicate: true}, nil
	}

	p := newPayment(params, l.cfg.DefaultCurrency)

	err = l.guard.run(ctx, "payments.create", func(ctx context.Context) error {
		return l.repo.Create(ctx, p)
	})
	if errors.Is(err, domain.ErrDuplicatePayment) {
		// параллельная вставка успела раньше
		existing, findErr := l.FindDuplicate(ctx, params.OperationID, params.InvID)
		if findErr == nil && existing != nil {
			log.Info().Str("payment_id", existing.ID).Msg("Платёж уже существует (race condition)")
			l.remember(ctx, existing)
			metrics.PaymentsCreated.WithLabelValues(string(params.Type), "duplicate").Inc()
			return &CreateResult{Payment: existing, Duplicate: true}, nil
		}
		if findErr != nil {
			err = findErr
		}
	}
	if err != nil {
		log.Error().Err(err).Msg("Ошибка создания платежа")
		metrics.PaymentsCreated.WithLabelValues(string(params.Type), "error").Inc()
		return nil, fmt.Errorf("ошибка создания платежа: %w", err)
	}

	l.remember(ctx, p)
	metrics.PaymentsCreated.WithLabelValues(string(params.Type), "created").Inc()

	log.Info().
		Str("payment_id", p.ID).
		Int64("stars", p.Stars).
		Str("status", string(p.Status)).
		Msg("Платёж создан")

	return &CreateResult{Payment: p}, nil
}

func (l *paymentLedger) UpdateStatus(ctx context.Context, id string, to domain.PaymentStatus, reason string) (*UpdateResult, error) {
	log := logger.FromContext(ctx).With().Str("payment_id", id).Str("to", string(to)).Logger()

	current, err := l.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		log.Info().Str("status", string(current.Status)).Msg("Платёж уже в терминальном статусе")
		return &UpdateResult{Payment: current, AlreadyTerminal: true}, nil
	}

	next := *current
	if to == domain.PaymentStatusFailed {
		err = next.Fail(reason)
	} else {
		err = next.TransitionTo(to)
	}
	if err != nil {
		return nil, err
	}

	var updated bool
	err = l.guard.run(ctx, "payments.update_status", func(ctx context.Context) error {
		var err error
		updated, err = l.repo.UpdateStatus(ctx, id, to, next.FailureReason)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("Ошибка обновления статуса платежа")
		return nil, err
	}

	if !updated {
		// статус сменил параллельный вызов
		fresh, err := l.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Payment: fresh, AlreadyTerminal: fresh.Status.IsTerminal()}, nil
	}

	if to == domain.PaymentStatusCancelled {
		l.forget(ctx, &next)
	}

	log.Info().Msg("Статус платежа обновлён")
	return &UpdateResult{Payment: &next}, nil
}

func (l *paymentLedger) Get(ctx context.Context, id string) (*domain.Payment, error) {
	var p *domain.Payment
	err := l.guard.run(ctx, "payments.get", func(ctx context.Context) error {
		var err error
		p, err = l.repo.GetByID(ctx, id)
		return err
	})
	return p, err
}

func (l *paymentLedger) InvIDExists(ctx context.Context, invID string) (bool, error) {
	var exists bool
	err := l.guard.run(ctx, "payments.inv_exists", func(ctx context.Context) error {
		var err error
		exists, err = l.repo.InvIDExists(ctx, invID)
		return err
	})
	return exists, err
}

func (l *paymentLedger) ListStalePending(ctx context.Context, before time.Time, limit int) ([]*domain.Payment, error) {
	var out []*domain.Payment
	err := l.guard.run(ctx, "payments.list_stale", func(ctx context.Context) error {
		var err error
		out, err = l.repo.ListStalePending(ctx, before, limit)
		return err
	})
	return out, err
}

// =============================================================================
// Кэш идемпотентности
// =============================================================================

func cacheKeys(operationID, invID string) []string {
	keys := make([]string, 0, 2)
	if operationID != "" {
		keys = append(keys, idempotencyKeyPrefix+"op:"+operationID)
	}
	if invID != "" {
		keys = append(keys, idempotencyKeyPrefix+"inv:"+invID)
	}
	return keys
}

// cachedDuplicate возвращает платёж по id из Redis. Ошибки Redis не фатальны:
// дубликаты всё равно отсекает БД.
func (l *paymentLedger) cachedDuplicate(ctx context.Context, operationID, invID string) *domain.Payment {
	if l.redis == nil {
		return nil
	}

	for _, key := range cacheKeys(operationID, invID) {
		id, err := l.redis.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("Ошибка Redis при проверке идемпотентности")
			return nil
		}

		p, err := l.Get(ctx, id)
		if err != nil || p.Status == domain.PaymentStatusCancelled {
			return nil
		}
		return p
	}
	return nil
}

func (l *paymentLedger) remember(ctx context.Context, p *domain.Payment) {
	if l.redis == nil {
		return
	}
	keys := cacheKeys(derefString(p.OperationID), derefString(p.InvID))
	if len(keys) == 0 {
		return
	}

	pipe := l.redis.Pipeline()
	for _, key := range keys {
		pipe.Set(ctx, key, p.ID, l.cfg.IdempotencyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("payment_id", p.ID).Msg("Ошибка записи ключа идемпотентности в Redis")
	}
}

func (l *paymentLedger) forget(ctx context.Context, p *domain.Payment) {
	if l.redis == nil {
		return
	}
	keys := cacheKeys(derefString(p.OperationID), derefString(p.InvID))
	if len(keys) == 0 {
		return
	}
	if err := l.redis.Del(ctx, keys...).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("payment_id", p.ID).Msg("Ошибка удаления ключа идемпотентности")
	}
}

// =============================================================================
// Вспомогательные
// =============================================================================

func newPayment(params domain.CreatePaymentParams, defaultCurrency string) *domain.Payment {
	status := params.Status
	if status == "" {
		status = domain.PaymentStatusPending
	}
	currency := strings.ToUpper(strings.TrimSpace(params.Currency))
	if currency == "" {
		currency = defaultCurrency
	}
	provider := params.Provider
	if provider == "" {
		provider = domain.ProviderSystem
	}

	now := time.Now().UTC()
	return &domain.Payment{
		ID:          uuid.NewString(),
		TelegramID:  strings.TrimSpace(params.TelegramID),
		Amount:      params.Amount,
		Currency:    currency,
		Stars:       params.Stars,
		Type:        params.Type,
		Status:      status,
		Provider:    provider,
		OperationID: domain.StringPtr(params.OperationID),
		InvID:       domain.StringPtr(params.InvID),
		ServiceType: params.ServiceType,
		Description: params.Description,
		BotName:     params.BotName,
		Metadata:    params.Metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
