package domain

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus — статус платежа.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

// IsTerminal — из терминального статуса переходов нет.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed || s == PaymentStatusCancelled
}

// ParsePaymentStatus разбирает статус из запроса.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	st := PaymentStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: неизвестный статус %q", ErrInvalidRequest, s)
	}
}

// =============================================================================
// Машина состояний
// =============================================================================

var allowedTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusCancelled},
}

// =============================================================================
// Тип платежа
// =============================================================================

// PaymentType — вид денежного события.
type PaymentType string

const (
	PaymentTypeMoneyIncome          PaymentType = "money_income"
	PaymentTypeMoneyExpense         PaymentType = "money_expense"
	PaymentTypeSubscriptionPurchase PaymentType = "subscription_purchase"
	PaymentTypeSubscriptionRenewal  PaymentType = "subscription_renewal"
	PaymentTypeRefund               PaymentType = "refund"
	PaymentTypeBonus                PaymentType = "bonus"
	PaymentTypeReferral             PaymentType = "referral"
	PaymentTypeSystem               PaymentType = "system"
)

// Direction — направление движения звёзд для типа платежа.
type Direction int

const (
	// DirectionSigned — знак задаёт вызывающая сторона (только system).
	DirectionSigned Direction = iota
	DirectionCredit
	DirectionDebit
)

// ParsePaymentType разбирает тип платежа.
func ParsePaymentType(s string) (PaymentType, error) {
	t := PaymentType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := t.direction(); !ok {
		return "", fmt.Errorf("%w: неизвестный тип платежа %q", ErrInvalidRequest, s)
	}
	return t, nil
}

// Direction возвращает направление для известного типа.
func (t PaymentType) Direction() Direction {
	d, _ := t.direction()
	return d
}

func (t PaymentType) direction() (Direction, bool) {
	switch t {
	case PaymentTypeMoneyIncome, PaymentTypeRefund, PaymentTypeBonus, PaymentTypeReferral:
		return DirectionCredit, true
	case PaymentTypeMoneyExpense, PaymentTypeSubscriptionPurchase, PaymentTypeSubscriptionRenewal:
		return DirectionDebit, true
	case PaymentTypeSystem:
		return DirectionSigned, true
	default:
		return DirectionSigned, false
	}
}

// Provider — источник платежа.
type Provider string

const (
	ProviderTelegram  Provider = "telegram"
	ProviderRobokassa Provider = "robokassa"
	ProviderSystem    Provider = "system"
)

// ParseProvider разбирает провайдера; пустая строка — system.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	switch p {
	case "":
		return ProviderSystem, nil
	case ProviderTelegram, ProviderRobokassa, ProviderSystem:
		return p, nil
	default:
		return "", fmt.Errorf("%w: неизвестный провайдер %q", ErrInvalidRequest, s)
	}
}

// =============================================================================
// Payment
// =============================================================================

// Payment — строка журнала платежей.
type Payment struct {
	ID            string
	TelegramID    string
	Amount        *decimal.Decimal // в единицах провайдера, nil для чисто звёздных событий
	Currency      string
	Stars         int64 // со знаком: списания отрицательные
	Type          PaymentType
	Status        PaymentStatus
	Provider      Provider
	OperationID   *string
	InvID         *string
	ServiceType   string
	Description   string
	BotName       string
	Metadata      map[string]any
	FailureReason *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CanTransitionTo — допустим ли переход.
func (p *Payment) CanTransitionTo(next PaymentStatus) bool {
	return slices.Contains(allowedTransitions[p.Status], next)
}

// TransitionTo переводит платёж в новый статус.
func (p *Payment) TransitionTo(next PaymentStatus) error {
	if !p.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail переводит платёж в FAILED с причиной.
func (p *Payment) Fail(reason string) error {
	if err := p.TransitionTo(PaymentStatusFailed); err != nil {
		return err
	}
	p.FailureReason = &reason
	return nil
}

// HasIdempotencyKey — задан ли хотя бы один ключ идемпотентности.
func (p *Payment) HasIdempotencyKey() bool {
	return deref(p.OperationID) != "" || deref(p.InvID) != ""
}

// CreatePaymentParams — параметры создания платежа.
type CreatePaymentParams struct {
	TelegramID  string
	Amount      *decimal.Decimal
	Currency    string
	Stars       int64
	Type        PaymentType
	Provider    Provider
	Status      PaymentStatus // PENDING по умолчанию; COMPLETED для синхронных сценариев
	OperationID string
	InvID       string
	ServiceType string
	Description string
	BotName     string
	Metadata    map[string]any
}

// Validate проверяет параметры до любой записи в хранилище.
// Amount, если задан, — авторитетная денежная сумма и должен быть > 0.
// Без Amount платёж звёздный и Stars не может быть нулём.
func (p *CreatePaymentParams) Validate() error {
	if strings.TrimSpace(p.TelegramID) == "" {
		return fmt.Errorf("%w: telegram_id обязателен", ErrInvalidRequest)
	}
	for _, f := range []struct {
		name  string
		value string
		limit int
	}{
		{"telegram_id", strings.TrimSpace(p.TelegramID), MaxTelegramIDLen},
		{"operation_id", p.OperationID, MaxOperationIDLen},
		{"inv_id", p.InvID, MaxOperationIDLen},
		{"bot_name", p.BotName, MaxLabelLen},
		{"service_type", p.ServiceType, MaxLabelLen},
	} {
		if err := checkLen(f.name, f.value, f.limit); err != nil {
			return err
		}
	}
	if _, ok := p.Type.direction(); !ok {
		return fmt.Errorf("%w: неизвестный тип платежа %q", ErrInvalidRequest, p.Type)
	}
	if p.Amount != nil {
		if !p.Amount.IsPositive() {
			return ErrInvalidAmount
		}
	} else if p.Stars == 0 {
		return ErrInvalidAmount
	}
	switch p.Status {
	case "", PaymentStatusPending, PaymentStatusCompleted:
	default:
		return fmt.Errorf("%w: платёж создаётся только в PENDING или COMPLETED", ErrInvalidRequest)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringPtr возвращает nil для пустой строки.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
