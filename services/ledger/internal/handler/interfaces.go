// Package handler содержит HTTP обработчики REST API леджера.
package handler

import (
	"context"

	"example.com/stars-ledger/pkg/pricing"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/ledger"
)

// BalanceReader — чтение баланса (ledger.BalanceStore).
type BalanceReader interface {
	Read(ctx context.Context, telegramID string) (int64, error)
}

// OperationRunner — оркестратор операций с балансом.
type OperationRunner interface {
	Process(ctx context.Context, req domain.BalanceRequest) (*domain.Outcome, error)
	Get(ctx context.Context, operationID string) (*domain.Operation, error)
}

// PaymentService — журнал платежей (ledger.PaymentLedger).
type PaymentService interface {
	Create(ctx context.Context, params domain.CreatePaymentParams) (*ledger.CreateResult, error)
	Get(ctx context.Context, id string) (*domain.Payment, error)
	UpdateStatus(ctx context.Context, id string, to domain.PaymentStatus, reason string) (*ledger.UpdateResult, error)
}

// InvoiceAllocator — выдача inv_id.
type InvoiceAllocator interface {
	Allocate(ctx context.Context, ownerKey string) string
}

// PriceQuoter — расчёт стоимости генерации.
type PriceQuoter interface {
	Cost(mode pricing.Mode, p pricing.Params) (pricing.Quote, error)
}
