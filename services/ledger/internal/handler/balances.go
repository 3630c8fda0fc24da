package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/i18n"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/middleware"
)

// HeaderIdempotencyKey — operation_id в заголовке, если его нет в теле.
const HeaderIdempotencyKey = "Idempotency-Key"

// BalanceHandler — баланс и операции с ним.
type BalanceHandler struct {
	balances     BalanceReader
	orchestrator OperationRunner
}

// NewBalanceHandler создаёт обработчик балансов.
func NewBalanceHandler(balances BalanceReader, orchestrator OperationRunner) *BalanceHandler {
	return &BalanceHandler{balances: balances, orchestrator: orchestrator}
}

// === Request/Response DTOs ===

// BalanceResponse — текущий баланс.
type BalanceResponse struct {
	TelegramID string `json:"telegram_id"`
	Balance    int64  `json:"balance"`
}

// BalanceOperationRequest — запрос на изменение баланса.
// Для типа system знак amount задаёт вызывающая сторона.
// Значения проверяет оркестратор: некорректный запрос тоже получает итог FAILED.
type BalanceOperationRequest struct {
	Amount      int64          `json:"amount"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	BotName     string         `json:"bot_name"`
	OperationID string         `json:"operation_id"`
	ServiceType string         `json:"service_type"`
	Metadata    map[string]any `json:"metadata"`
}

// OperationErrorResponse — неуспешный итог операции.
type OperationErrorResponse struct {
	Error   string          `json:"error"`
	Message string          `json:"message"`
	Outcome *domain.Outcome `json:"outcome,omitempty"`
}

// === Handlers ===

// GetBalance возвращает баланс пользователя.
// GET /api/v1/balances/:telegram_id
func (h *BalanceHandler) GetBalance(c *gin.Context) {
	telegramID := c.Param("telegram_id")

	balance, err := h.balances.Read(c.Request.Context(), telegramID)
	if err != nil {
		HandleError(c, err, "GetBalance")
		return
	}

	c.JSON(http.StatusOK, BalanceResponse{TelegramID: telegramID, Balance: balance})
}

// ApplyOperation синхронно выполняет операцию с балансом.
// POST /api/v1/balances/:telegram_id/operations
func (h *BalanceHandler) ApplyOperation(c *gin.Context) {
	ctx := c.Request.Context()

	var req BalanceOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = c.GetHeader(HeaderIdempotencyKey)
	}
	botName := req.BotName
	if botName == "" {
		botName = c.GetString(middleware.ContextService)
	}

	outcome, err := h.orchestrator.Process(ctx, domain.BalanceRequest{
		TelegramID:  c.Param("telegram_id"),
		Amount:      req.Amount,
		Type:        domain.PaymentType(req.Type),
		Description: req.Description,
		BotName:     botName,
		OperationID: operationID,
		ServiceType: req.ServiceType,
		Metadata:    req.Metadata,
	})
	if err == nil {
		c.JSON(http.StatusOK, outcome)
		return
	}

	if outcome == nil {
		HandleError(c, err, "ApplyOperation")
		return
	}

	lang := i18n.Match(c.GetHeader("Accept-Language"))

	switch {
	case errors.Is(err, domain.ErrInsufficientFunds):
		logger.Ctx(ctx).Info().
			Str("operation_id", outcome.OperationID).
			Int64("delta", outcome.Delta).
			Msg("Операция отклонена: недостаточно средств")
		c.JSON(http.StatusPaymentRequired, OperationErrorResponse{
			Error:   "insufficient_funds",
			Message: i18n.Sprintf(lang, i18n.MsgInsufficientFunds, -outcome.Delta, deref(outcome.OldBalance)),
			Outcome: outcome,
		})
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, OperationErrorResponse{
			Error:   "invalid_argument",
			Message: i18n.Sprintf(lang, i18n.MsgInvalidRequest, outcome.FailureReason),
			Outcome: outcome,
		})
	default:
		logger.Ctx(ctx).Error().Err(err).Str("operation_id", outcome.OperationID).Msg("Операция с балансом не выполнена")
		c.JSON(http.StatusServiceUnavailable, OperationErrorResponse{
			Error:   "service_unavailable",
			Message: i18n.Sprintf(lang, i18n.MsgStoreError),
			Outcome: outcome,
		})
	}
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
