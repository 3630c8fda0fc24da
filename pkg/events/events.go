// Package events — события леджера в Kafka.
// Общие типы для леджера (производитель) и нотификатора (потребитель).
package events

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Запрос на изменение баланса (боты → леджер)
// =============================================================================

// BalanceProcess — запрос в топике balance.process.
// Amount — модуль изменения в звёздах, знак определяется Type
// (для system знак берётся из Amount как есть).
type BalanceProcess struct {
	TelegramID  string         `json:"telegram_id"`
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	BotName     string         `json:"bot_name,omitempty"`
	OperationID string         `json:"operation_id,omitempty"`
	ServiceType string         `json:"service_type,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// ToJSON сериализует запрос.
func (e *BalanceProcess) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// BalanceProcessFromJSON разбирает запрос.
func BalanceProcessFromJSON(data []byte) (*BalanceProcess, error) {
	var e BalanceProcess
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// =============================================================================
// Результаты (леджер → нотификатор)
// =============================================================================

// Ключи metadata в BalanceUpdated.
const (
	MetaOldBalance = "old_balance"
	MetaNewBalance = "new_balance"
	MetaDelta      = "delta"
	MetaPaymentID  = "payment_id"

	// Необязательные ключи от ботов для нотификатора.
	MetaLanguage = "language_code"
	MetaNotify   = "notify"
)

// BalanceUpdated — событие balance.updated.
// Metadata содержит исходные поля запроса плюс old_balance, new_balance, delta.
type BalanceUpdated struct {
	TelegramID  string         `json:"telegram_id"`
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	BotName     string         `json:"bot_name,omitempty"`
	OperationID string         `json:"operation_id"`
	Metadata    map[string]any `json:"metadata"`
	Timestamp   time.Time      `json:"timestamp"`
}

// ToJSON сериализует событие.
func (e *BalanceUpdated) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// BalanceUpdatedFromJSON разбирает событие.
func BalanceUpdatedFromJSON(data []byte) (*BalanceUpdated, error) {
	var e BalanceUpdated
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewBalance возвращает new_balance из metadata.
// После JSON числа приходят как float64, поэтому поддерживаются оба варианта.
func (e *BalanceUpdated) NewBalance() (int64, bool) {
	return metaInt(e.Metadata, MetaNewBalance)
}

// OldBalance возвращает old_balance из metadata.
func (e *BalanceUpdated) OldBalance() (int64, bool) {
	return metaInt(e.Metadata, MetaOldBalance)
}

// Delta возвращает изменение баланса со знаком.
func (e *BalanceUpdated) Delta() (int64, bool) {
	return metaInt(e.Metadata, MetaDelta)
}

// Kind — вид терминальной ошибки.
type Kind string

const (
	KindInsufficientFunds Kind = "INSUFFICIENT_FUNDS"
	KindInvalidRequest    Kind = "INVALID_REQUEST"
	KindStoreError        Kind = "STORE_ERROR"
)

// BalanceUpdateFailed — событие balance.update.failed: исходный запрос плюс ошибка.
type BalanceUpdateFailed struct {
	BalanceProcess
	Error string `json:"error"`
	Kind  Kind   `json:"kind"`
	// Balance — баланс на момент отказа, если его успели прочитать.
	Balance   *int64    `json:"balance,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ToJSON сериализует событие.
func (e *BalanceUpdateFailed) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// BalanceUpdateFailedFromJSON разбирает событие.
func BalanceUpdateFailedFromJSON(data []byte) (*BalanceUpdateFailed, error) {
	var e BalanceUpdateFailed
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func metaInt(meta map[string]any, key string) (int64, bool) {
	switch v := meta[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
