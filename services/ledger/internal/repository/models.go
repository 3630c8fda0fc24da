// Package repository — доступ к MySQL через GORM: платежи, балансы, история, чекпоинты операций.
package repository

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"example.com/stars-ledger/services/ledger/internal/domain"
)

// =============================================================================
// payments
// =============================================================================

// paymentModel — строка payments. Генерируемые колонки active_* в модель не входят.
type paymentModel struct {
	ID            string              `gorm:"column:id;primaryKey"`
	TelegramID    string              `gorm:"column:telegram_id"`
	Amount        decimal.NullDecimal `gorm:"column:amount"`
	Currency      string              `gorm:"column:currency"`
	Stars         int64               `gorm:"column:stars"`
	Type          string              `gorm:"column:type"`
	Status        string              `gorm:"column:status"`
	Provider      string              `gorm:"column:provider"`
	OperationID   *string             `gorm:"column:operation_id"`
	InvID         *string             `gorm:"column:inv_id"`
	ServiceType   string              `gorm:"column:service_type"`
	Description   string              `gorm:"column:description"`
	BotName       string              `gorm:"column:bot_name"`
	Metadata      datatypes.JSONMap   `gorm:"column:metadata"`
	FailureReason *string             `gorm:"column:failure_reason"`
	CreatedAt     time.Time           `gorm:"column:created_at"`
	UpdatedAt     time.Time           `gorm:"column:updated_at"`
}

func (paymentModel) TableName() string { return "payments" }

func (m *paymentModel) toDomain() *domain.Payment {
	p := &domain.Payment{
		ID:            m.ID,
		TelegramID:    m.TelegramID,
		Currency:      m.Currency,
		Stars:         m.Stars,
		Type:          domain.PaymentType(m.Type),
		Status:        domain.PaymentStatus(m.Status),
		Provider:      domain.Provider(m.Provider),
		OperationID:   m.OperationID,
		InvID:         m.InvID,
		ServiceType:   m.ServiceType,
		Description:   m.Description,
		BotName:       m.BotName,
		Metadata:      map[string]any(m.Metadata),
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
	if m.Amount.Valid {
		amount := m.Amount.Decimal
		p.Amount = &amount
	}
	return p
}

func paymentModelFromDomain(p *domain.Payment) *paymentModel {
	m := &paymentModel{
		ID:            p.ID,
		TelegramID:    p.TelegramID,
		Currency:      p.Currency,
		Stars:         p.Stars,
		Type:          string(p.Type),
		Status:        string(p.Status),
		Provider:      string(p.Provider),
		OperationID:   p.OperationID,
		InvID:         p.InvID,
		ServiceType:   p.ServiceType,
		Description:   p.Description,
		BotName:       p.BotName,
		Metadata:      datatypes.JSONMap(p.Metadata),
		FailureReason: p.FailureReason,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
	if p.Amount != nil {
		m.Amount = decimal.NewNullDecimal(*p.Amount)
	}
	return m
}

// =============================================================================
// user_balances и balance_history
// =============================================================================

type userBalanceModel struct {
	TelegramID string    `gorm:"column:telegram_id;primaryKey"`
	Balance    int64     `gorm:"column:balance"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
}

func (userBalanceModel) TableName() string { return "user_balances" }

type balanceHistoryModel struct {
	ID            int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OperationID   string    `gorm:"column:operation_id"`
	TelegramID    string    `gorm:"column:telegram_id"`
	Delta         int64     `gorm:"column:delta"`
	BalanceBefore int64     `gorm:"column:balance_before"`
	BalanceAfter  int64     `gorm:"column:balance_after"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (balanceHistoryModel) TableName() string { return "balance_history" }

func (m *balanceHistoryModel) toResult(replayed bool) *domain.AdjustResult {
	return &domain.AdjustResult{
		OperationID: m.OperationID,
		Delta:       m.Delta,
		Before:      m.BalanceBefore,
		After:       m.BalanceAfter,
		Replayed:    replayed,
	}
}

// =============================================================================
// balance_operations
// =============================================================================

type operationModel struct {
	OperationID   string         `gorm:"column:operation_id;primaryKey"`
	TelegramID    string         `gorm:"column:telegram_id"`
	Delta         int64          `gorm:"column:delta"`
	Status        string         `gorm:"column:status"`
	LastStep      string         `gorm:"column:last_step"`
	PaymentID     *string        `gorm:"column:payment_id"`
	OldBalance    *int64         `gorm:"column:old_balance"`
	NewBalance    *int64         `gorm:"column:new_balance"`
	FailureKind   *string        `gorm:"column:failure_kind"`
	FailureReason *string        `gorm:"column:failure_reason"`
	Request       datatypes.JSON `gorm:"column:request"`
	Attempts      int            `gorm:"column:attempts"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

func (operationModel) TableName() string { return "balance_operations" }

func (m *operationModel) toDomain() *domain.Operation {
	op := &domain.Operation{
		OperationID: m.OperationID,
		TelegramID:  m.TelegramID,
		Delta:       m.Delta,
		Status:      domain.OperationStatus(m.Status),
		LastStep:    domain.ParseStep(m.LastStep),
		OldBalance:  m.OldBalance,
		NewBalance:  m.NewBalance,
		Attempts:    m.Attempts,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
	if m.PaymentID != nil {
		op.PaymentID = *m.PaymentID
	}
	if m.FailureKind != nil {
		op.FailureKind = domain.FailureKind(*m.FailureKind)
	}
	if m.FailureReason != nil {
		op.FailureReason = *m.FailureReason
	}
	if len(m.Request) > 0 {
		_ = json.Unmarshal(m.Request, &op.Request)
	}
	return op
}

func operationModelFromDomain(op *domain.Operation) (*operationModel, error) {
	req, err := json.Marshal(op.Request)
	if err != nil {
		return nil, err
	}
	m := &operationModel{
		OperationID:   op.OperationID,
		TelegramID:    op.TelegramID,
		Delta:         op.Delta,
		Status:        string(op.Status),
		LastStep:      op.LastStep.String(),
		PaymentID:     domain.StringPtr(op.PaymentID),
		OldBalance:    op.OldBalance,
		NewBalance:    op.NewBalance,
		FailureKind:   domain.StringPtr(string(op.FailureKind)),
		FailureReason: domain.StringPtr(op.FailureReason),
		Request:       req,
		Attempts:      op.Attempts,
		CreatedAt:     op.CreatedAt,
		UpdatedAt:     op.UpdatedAt,
	}
	if m.Attempts == 0 {
		m.Attempts = 1
	}
	return m, nil
}

// =============================================================================
// Ошибки MySQL
// =============================================================================

// isDuplicateKeyError — нарушение уникального ключа (MySQL 1062).
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Duplicate entry") || strings.Contains(msg, "1062")
}

// isCheckViolation — нарушение CHECK constraint (MySQL 3819).
func isCheckViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "3819") || strings.Contains(msg, "chk_user_balances_non_negative")
}
