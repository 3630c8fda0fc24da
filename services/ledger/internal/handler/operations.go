package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/services/ledger/internal/domain"
)

// OperationHandler — просмотр чекпоинтов операций.
type OperationHandler struct {
	orchestrator OperationRunner
}

// NewOperationHandler создаёт обработчик операций.
func NewOperationHandler(orchestrator OperationRunner) *OperationHandler {
	return &OperationHandler{orchestrator: orchestrator}
}

// OperationResponse — чекпоинт операции.
type OperationResponse struct {
	OperationID   string `json:"operation_id"`
	TelegramID    string `json:"telegram_id"`
	Delta         int64  `json:"delta"`
	Status        string `json:"status"`
	LastStep      string `json:"last_step"`
	PaymentID     string `json:"payment_id,omitempty"`
	OldBalance    *int64 `json:"old_balance,omitempty"`
	NewBalance    *int64 `json:"new_balance,omitempty"`
	FailureKind   string `json:"failure_kind,omitempty"`
	FailureReason string `json:"failure_reason,omitempty"`
	Attempts      int    `json:"attempts"`
	CreatedAt     int64  `json:"created_at"`
	UpdatedAt     int64  `json:"updated_at"`
}

// GetOperation возвращает чекпоинт операции.
// GET /api/v1/operations/:operation_id
func (h *OperationHandler) GetOperation(c *gin.Context) {
	op, err := h.orchestrator.Get(c.Request.Context(), c.Param("operation_id"))
	if err != nil {
		HandleError(c, err, "GetOperation")
		return
	}
	c.JSON(http.StatusOK, toOperationResponse(op))
}

func toOperationResponse(op *domain.Operation) OperationResponse {
	return OperationResponse{
		OperationID:   op.OperationID,
		TelegramID:    op.TelegramID,
		Delta:         op.Delta,
		Status:        string(op.Status),
		LastStep:      op.LastStep.String(),
		PaymentID:     op.PaymentID,
		OldBalance:    op.OldBalance,
		NewBalance:    op.NewBalance,
		FailureKind:   string(op.FailureKind),
		FailureReason: op.FailureReason,
		Attempts:      op.Attempts,
		CreatedAt:     unix(op.CreatedAt),
		UpdatedAt:     unix(op.UpdatedAt),
	}
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
