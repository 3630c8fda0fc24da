package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// =============================================================================
// Запрос на изменение баланса
// =============================================================================

// BalanceRequest — входящий запрос от бота или HTTP API.
// Amount — модуль изменения в звёздах; знак задаёт Type (кроме system).
type BalanceRequest struct {
	TelegramID  string         `json:"telegram_id"`
	Amount      int64          `json:"amount"`
	Type        PaymentType    `json:"type"`
	Description string         `json:"description,omitempty"`
	BotName     string         `json:"bot_name,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	ServiceType string         `json:"service_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// BalanceOperation — запрос с вычисленной знаковой дельтой.
type BalanceOperation struct {
	Request BalanceRequest
	Delta   int64 // > 0 — начисление, < 0 — списание
}

// Ограничения длины по схеме хранилища.
const (
	MaxOperationIDLen = 64
	MaxTelegramIDLen  = 32
	MaxLabelLen       = 64 // bot_name, service_type
)

// ValidateKeys проверяет идентификаторы, под которыми операция записывается в хранилище.
// Запрос с такими ключами нельзя даже зарегистрировать, поэтому проверка идёт до Begin.
func (r BalanceRequest) ValidateKeys() error {
	if err := checkLen("operation_id", r.OperationID, MaxOperationIDLen); err != nil {
		return err
	}
	return checkLen("telegram_id", strings.TrimSpace(r.TelegramID), MaxTelegramIDLen)
}

func checkLen(field, value string, limit int) error {
	if utf8.RuneCountInString(value) > limit {
		return fmt.Errorf("%w: %s длиннее %d символов", ErrInvalidRequest, field, limit)
	}
	return nil
}

// NewBalanceOperation — единственное место, где запрос превращается в знаковую дельту.
// Для начислений дельта = +|amount|, для списаний -|amount|, для system знак берётся из amount.
func NewBalanceOperation(req BalanceRequest) (*BalanceOperation, error) {
	if err := req.ValidateKeys(); err != nil {
		return nil, err
	}
	req.TelegramID = strings.TrimSpace(req.TelegramID)
	if req.TelegramID == "" {
		return nil, fmt.Errorf("%w: telegram_id обязателен", ErrInvalidRequest)
	}
	if err := checkLen("bot_name", req.BotName, MaxLabelLen); err != nil {
		return nil, err
	}
	if err := checkLen("service_type", req.ServiceType, MaxLabelLen); err != nil {
		return nil, err
	}
	if req.Amount == 0 {
		return nil, fmt.Errorf("%w: сумма не может быть нулевой", ErrInvalidRequest)
	}

	dir, ok := req.Type.direction()
	if !ok {
		return nil, fmt.Errorf("%w: неизвестный тип платежа %q", ErrInvalidRequest, req.Type)
	}

	abs := req.Amount
	if abs < 0 {
		abs = -abs
	}

	var delta int64
	switch dir {
	case DirectionCredit:
		delta = abs
	case DirectionDebit:
		delta = -abs
	case DirectionSigned:
		delta = req.Amount
	}

	return &BalanceOperation{Request: req, Delta: delta}, nil
}

// IsDebit — операция списания.
func (o *BalanceOperation) IsDebit() bool {
	return o.Delta < 0
}

// =============================================================================
// Результат атомарного изменения
// =============================================================================

// AdjustResult — результат BalanceStore.Adjust.
type AdjustResult struct {
	OperationID string
	Delta       int64
	Before      int64
	After       int64
	// Replayed — операция уже была применена раньше, возвращён записанный результат.
	Replayed bool
}

// =============================================================================
// Чекпоинты оркестратора
// =============================================================================

// OperationStatus — состояние операции с балансом.
type OperationStatus string

const (
	OperationRunning   OperationStatus = "RUNNING"
	OperationSucceeded OperationStatus = "SUCCEEDED"
	OperationFailed    OperationStatus = "FAILED"
)

// IsTerminal — операция завершена.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationSucceeded || s == OperationFailed
}

// Step — шаг операции. Порядок значений совпадает с порядком выполнения.
type Step int

const (
	StepNone Step = iota
	StepRecordPayment
	StepGetCurrentBalance
	StepValidateSufficiency
	StepApplyAdjustment
	StepCompletePayment
	StepEmit
)

var stepNames = [...]string{
	StepNone:                "None",
	StepRecordPayment:       "RecordPayment",
	StepGetCurrentBalance:   "GetCurrentBalance",
	StepValidateSufficiency: "ValidateSufficiency",
	StepApplyAdjustment:     "ApplyAdjustment",
	StepCompletePayment:     "CompletePayment",
	StepEmit:                "Emit",
}

func (s Step) String() string {
	if s >= 0 && int(s) < len(stepNames) {
		return stepNames[s]
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// ParseStep — обратное к String.
func ParseStep(name string) Step {
	for i, n := range stepNames {
		if n == name {
			return Step(i)
		}
	}
	return StepNone
}

// FailureKind — вид терминальной ошибки операции.
type FailureKind string

const (
	FailureInsufficientFunds FailureKind = "INSUFFICIENT_FUNDS"
	FailureInvalidRequest    FailureKind = "INVALID_REQUEST"
	FailureStoreError        FailureKind = "STORE_ERROR"
)

// KindOf классифицирует ошибку.
func KindOf(err error) FailureKind {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return FailureInsufficientFunds
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrInvalidAmount):
		return FailureInvalidRequest
	default:
		return FailureStoreError
	}
}

// Operation — чекпоинт операции (таблица balance_operations).
type Operation struct {
	OperationID   string
	TelegramID    string
	Delta         int64
	Status        OperationStatus
	LastStep      Step
	PaymentID     string
	OldBalance    *int64
	NewBalance    *int64
	FailureKind   FailureKind
	FailureReason string
	Request       BalanceRequest
	Attempts      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Done — шаг step уже выполнен.
func (o *Operation) Done(step Step) bool {
	return o.LastStep >= step
}

// Outcome — итог операции для вызывающей стороны.
type Outcome struct {
	OperationID   string          `json:"operation_id"`
	TelegramID    string          `json:"telegram_id"`
	Status        OperationStatus `json:"status"`
	Delta         int64           `json:"delta"`
	OldBalance    *int64          `json:"old_balance,omitempty"`
	NewBalance    *int64          `json:"new_balance,omitempty"`
	PaymentID     string          `json:"payment_id,omitempty"`
	FailureKind   FailureKind     `json:"failure_kind,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	// Replayed — операция с этим operation_id уже была завершена раньше.
	Replayed bool `json:"replayed"`
}

// OutcomeFromOperation строит итог по чекпоинту.
func OutcomeFromOperation(op *Operation) *Outcome {
	return &Outcome{
		OperationID:   op.OperationID,
		TelegramID:    op.TelegramID,
		Status:        op.Status,
		Delta:         op.Delta,
		OldBalance:    op.OldBalance,
		NewBalance:    op.NewBalance,
		PaymentID:     op.PaymentID,
		FailureKind:   op.FailureKind,
		FailureReason: op.FailureReason,
	}
}

// Err возвращает доменную ошибку для неуспешного итога.
func (o *Outcome) Err() error {
	if o.Status != OperationFailed {
		return nil
	}
	switch o.FailureKind {
	case FailureInsufficientFunds:
		return ErrInsufficientFunds
	case FailureInvalidRequest:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, o.FailureReason)
	default:
		return NewStoreError("operation", errors.New(o.FailureReason))
	}
}
