// Package circuitbreaker — Circuit Breaker для вызовов хранилища.
// Пока breaker открыт, вызовы отклоняются сразу, без ожидания таймаута БД.
//
//	cb := circuitbreaker.New("balance-store", circuitbreaker.DefaultSettings())
//	err := cb.Execute(ctx, func(ctx context.Context) error { return repo.Adjust(ctx, ...) })
package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"example.com/stars-ledger/pkg/logger"
)

// ErrUnavailable — breaker открыт или полуоткрыт и лимит пробных запросов исчерпан.
var ErrUnavailable = errors.New("хранилище временно недоступно (circuit breaker)")

// FailurePredicate решает, считается ли ошибка сбоем для breaker.
// Бизнес-ошибки (недостаточно средств, дубликат) сбоями не являются.
type FailurePredicate func(err error) bool

// Settings — настройки Circuit Breaker.
type Settings struct {
	MaxRequests  uint32        // запросов в Half-Open
	Interval     time.Duration // сброс счётчиков в Closed
	Timeout      time.Duration // время в Open до Half-Open
	FailureRatio float64
	MinRequests  uint32
	IsFailure    FailurePredicate
}

// DefaultSettings — настройки по умолчанию: открытие при 50% сбоев из 10 запросов.
func DefaultSettings() Settings {
	return Settings{
		MaxRequests:  1,
		Interval:     60 * time.Second,
		Timeout:      15 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  10,
	}
}

// Breaker — gobreaker с логированием смены состояний.
type Breaker struct {
	cb        *gobreaker.CircuitBreaker[struct{}]
	name      string
	isFailure FailurePredicate
}

// New создаёт Breaker. Без IsFailure сбоем считается любая ошибка,
// кроме отмены контекста вызывающей стороной.
func New(name string, s Settings) *Breaker {
	isFailure := s.IsFailure
	if isFailure == nil {
		isFailure = func(err error) bool { return !errors.Is(err, context.Canceled) }
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log := logger.With().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Logger()

			switch to {
			case gobreaker.StateOpen:
				log.Warn().Msg("Circuit Breaker открыт, хранилище недоступно")
			case gobreaker.StateHalfOpen:
				log.Info().Msg("Circuit Breaker полуоткрыт, пробный запрос")
			case gobreaker.StateClosed:
				log.Info().Msg("Circuit Breaker закрыт, хранилище восстановлено")
			}
		},
	})

	return &Breaker{cb: cb, name: name, isFailure: isFailure}
}

// Execute выполняет fn через breaker и возвращает исходную ошибку fn.
// Если breaker открыт, fn не вызывается и возвращается ErrUnavailable.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var callErr error

	_, cbErr := b.cb.Execute(func() (struct{}, error) {
		callErr = fn(ctx)
		if callErr != nil && b.isFailure(callErr) {
			return struct{}{}, callErr
		}
		return struct{}{}, nil
	})

	if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	return callErr
}

// State — текущее состояние.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Name — имя breaker.
func (b *Breaker) Name() string {
	return b.name
}
