// Package invoice выдаёт номера счетов (inv_id) для платёжных провайдеров.
//
// Выдача номера никогда не завершается ошибкой: если проверка уникальности
// недоступна, номер строится резервной схемой без проверки, а возможный
// конфликт ловит уникальный ключ payments при вставке.
package invoice

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
)

// Checker — проверка занятости inv_id (PaymentLedger).
type Checker interface {
	InvIDExists(ctx context.Context, invID string) (bool, error)
}

// Config — параметры аллокатора.
type Config struct {
	MaxAttempts  int
	CheckTimeout time.Duration
}

// DefaultConfig — 3 попытки по 500ms.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3, CheckTimeout: 500 * time.Millisecond}
}

// Allocator выдаёт номера счетов.
type Allocator struct {
	checker Checker
	cfg     Config
	now     func() time.Time
}

// NewAllocator создаёт аллокатор.
func NewAllocator(checker Checker, cfg Config) *Allocator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = DefaultConfig().CheckTimeout
	}
	return &Allocator{checker: checker, cfg: cfg, now: time.Now}
}

// Allocate возвращает номер счёта для владельца ownerKey (обычно telegram_id).
func (a *Allocator) Allocate(ctx context.Context, ownerKey string) string {
	log := logger.FromContext(ctx)

	for attempt := 1; attempt <= a.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			break
		}

		candidate := a.candidate()
		exists, err := a.check(ctx, candidate)
		if err != nil {
			log.Warn().Err(err).
				Int("attempt", attempt).
				Str("inv_id", candidate).
				Msg("Не удалось проверить уникальность номера счёта")
			continue
		}
		if !exists {
			return candidate
		}

		log.Debug().Int("attempt", attempt).Str("inv_id", candidate).Msg("Номер счёта занят, генерируем новый")
	}

	id := a.fallback(ownerKey)
	metrics.InvoiceFallbacks.Inc()
	log.Warn().Str("inv_id", id).Str("owner", ownerKey).Msg("Номер счёта выдан резервной схемой без проверки")
	return id
}

func (a *Allocator) check(ctx context.Context, invID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.CheckTimeout)
	defer cancel()
	return a.checker.InvIDExists(ctx, invID)
}

// candidate: секунды (последние 8 цифр) + 4 случайные цифры + 12 hex символов UUID.
func (a *Allocator) candidate() string {
	ts := a.now().Unix() % 100_000_000
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%08d%04d%s", ts, rand.IntN(10_000), u[:12])
}

// fallback: миллисекунды + последние 4 символа ownerKey + 6 случайных цифр.
func (a *Allocator) fallback(ownerKey string) string {
	return fmt.Sprintf("%d%s%06d", a.now().UnixMilli(), lastFour(ownerKey), rand.IntN(1_000_000))
}

func lastFour(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 4 {
		return s[len(s)-4:]
	}
	return strings.Repeat("0", 4-len(s)) + s
}
