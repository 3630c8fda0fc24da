// Package domain содержит бизнес-сущности леджера: платежи, операции с балансом и ошибки.
package domain

import (
	"errors"
	"fmt"
)

// Доменные ошибки.
var (
	// ErrInvalidAmount — неположительная сумма при создании платежа.
	ErrInvalidAmount = errors.New("сумма платежа должна быть больше нуля")

	// ErrDuplicatePayment — уже есть неотменённый платёж с тем же operation_id или inv_id.
	// Наружу из PaymentLedger не возвращается: дубликат отдаётся как результат.
	ErrDuplicatePayment = errors.New("платёж с таким ключом идемпотентности уже существует")

	// ErrInsufficientFunds — списание увело бы баланс в минус.
	ErrInsufficientFunds = errors.New("недостаточно средств")

	// ErrStore — временный сбой хранилища; повторяется с ограниченным числом попыток.
	ErrStore = errors.New("ошибка хранилища")

	ErrPaymentNotFound   = errors.New("платёж не найден")
	ErrOperationNotFound = errors.New("операция не найдена")

	// ErrInvalidTransition — переход статуса, не предусмотренный машиной состояний.
	ErrInvalidTransition = errors.New("недопустимый переход статуса платежа")

	// ErrInvalidRequest — некорректный запрос (пустой telegram_id, нулевая сумма, неизвестный тип).
	ErrInvalidRequest = errors.New("некорректный запрос")
)

// StoreError — ошибка хранилища с именем операции.
// errors.Is(err, ErrStore) истинно, причина доступна через errors.Unwrap.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError оборачивает err как временный сбой хранилища.
// Уже обёрнутые ошибки и доменные ошибки возвращаются как есть.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStore) || IsBusiness(err) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStore.Error(), e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStore, e.Err}
}

// IsBusiness — ошибка, которую бессмысленно повторять.
func IsBusiness(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrDuplicatePayment) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrPaymentNotFound) ||
		errors.Is(err, ErrOperationNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidRequest)
}

// IsRetryable — временный сбой, который стоит повторить.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore)
}
