package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/middleware"
)

// PaymentHandler — журнал платежей.
type PaymentHandler struct {
	payments PaymentService
}

// NewPaymentHandler создаёт обработчик платежей.
func NewPaymentHandler(payments PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// === Request/Response DTOs ===

// CreatePaymentRequest — запрос на создание платежа.
type CreatePaymentRequest struct {
	TelegramID  string           `json:"telegram_id" binding:"required"`
	Amount      *decimal.Decimal `json:"amount"`
	Currency    string           `json:"currency"`
	Stars       int64            `json:"stars"`
	Type        string           `json:"type" binding:"required"`
	Provider    string           `json:"provider"`
	Status      string           `json:"status"`
	OperationID string           `json:"operation_id"`
	InvID       string           `json:"inv_id"`
	ServiceType string           `json:"service_type"`
	Description string           `json:"description"`
	BotName     string           `json:"bot_name"`
	Metadata    map[string]any   `json:"metadata"`
}

// UpdatePaymentStatusRequest — смена статуса платежа.
type UpdatePaymentStatusRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// PaymentResponse — платёж в ответе.
type PaymentResponse struct {
	ID            string           `json:"id"`
	TelegramID    string           `json:"telegram_id"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Currency      string           `json:"currency"`
	Stars         int64            `json:"stars"`
	Type          string           `json:"type"`
	Status        string           `json:"status"`
	Provider      string           `json:"provider"`
	OperationID   *string          `json:"operation_id,omitempty"`
	InvID         *string          `json:"inv_id,omitempty"`
	ServiceType   string           `json:"service_type,omitempty"`
	Description   string           `json:"description,omitempty"`
	BotName       string           `json:"bot_name,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	UpdatedAt     int64            `json:"updated_at"`
}

// CreatePaymentResponse — результат создания.
type CreatePaymentResponse struct {
	Payment   PaymentResponse `json:"payment"`
	Duplicate bool            `json:"duplicate"`
}

// UpdatePaymentStatusResponse — результат смены статуса.
type UpdatePaymentStatusResponse struct {
	Payment         PaymentResponse `json:"payment"`
	AlreadyTerminal bool            `json:"already_terminal"`
}

// === Handlers ===

// CreatePayment создаёт платёж или возвращает существующий по ключу идемпотентности.
// POST /api/v1/payments
func (h *PaymentHandler) CreatePayment(c *gin.Context) {
	ctx := c.Request.Context()

	var req CreatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	paymentType, err := domain.ParsePaymentType(req.Type)
	if err != nil {
		HandleError(c, err, "CreatePayment")
		return
	}
	provider, err := domain.ParseProvider(req.Provider)
	if err != nil {
		HandleError(c, err, "CreatePayment")
		return
	}
	var status domain.PaymentStatus
	if req.Status != "" {
		if status, err = domain.ParsePaymentStatus(req.Status); err != nil {
			HandleError(c, err, "CreatePayment")
			return
		}
	}
	botName := req.BotName
	if botName == "" {
		botName = c.GetString(middleware.ContextService)
	}

	result, err := h.payments.Create(ctx, domain.CreatePaymentParams{
		TelegramID:  req.TelegramID,
		Amount:      req.Amount,
		Currency:    req.Currency,
		Stars:       req.Stars,
		Type:        paymentType,
		Provider:    provider,
		Status:      status,
		OperationID: req.OperationID,
		InvID:       req.InvID,
		ServiceType: req.ServiceType,
		Description: req.Description,
		BotName:     botName,
		Metadata:    req.Metadata,
	})
	if err != nil {
		HandleError(c, err, "CreatePayment")
		return
	}

	code := http.StatusCreated
	if result.Duplicate {
		code = http.StatusOK
		logger.Ctx(ctx).Debug().Str("payment_id", result.Payment.ID).Msg("Возвращён существующий платёж")
	}
	c.JSON(code, CreatePaymentResponse{Payment: toPaymentResponse(result.Payment), Duplicate: result.Duplicate})
}

// GetPayment возвращает платёж по ID.
// GET /api/v1/payments/:id
func (h *PaymentHandler) GetPayment(c *gin.Context) {
	p, err := h.payments.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		HandleError(c, err, "GetPayment")
		return
	}
	c.JSON(http.StatusOK, toPaymentResponse(p))
}

// UpdatePaymentStatus переводит платёж в новый статус.
// Повтор для платежа в терминальном статусе отвечает 200 с already_terminal=true.
// PATCH /api/v1/payments/:id/status
func (h *PaymentHandler) UpdatePaymentStatus(c *gin.Context) {
	var req UpdatePaymentStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	to, err := domain.ParsePaymentStatus(req.Status)
	if err != nil {
		HandleError(c, err, "UpdatePaymentStatus")
		return
	}

	result, err := h.payments.UpdateStatus(c.Request.Context(), c.Param("id"), to, req.Reason)
	if err != nil {
		HandleError(c, err, "UpdatePaymentStatus")
		return
	}

	c.JSON(http.StatusOK, UpdatePaymentStatusResponse{
		Payment:         toPaymentResponse(result.Payment),
		AlreadyTerminal: result.AlreadyTerminal,
	})
}

func toPaymentResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		TelegramID:    p.TelegramID,
		Amount:        p.Amount,
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
		Metadata:      p.Metadata,
		FailureReason: p.FailureReason,
		CreatedAt:     unix(p.CreatedAt),
		UpdatedAt:     unix(p.UpdatedAt),
	}
}
