package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/i18n"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/pricing"
	"example.com/stars-ledger/services/ledger/internal/domain"
)

// ErrorResponse — стандартный формат ошибки API.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HandleError преобразует доменную ошибку в HTTP ответ.
// err не должен быть nil.
func HandleError(c *gin.Context, err error, method string) {
	if err == nil {
		logger.Error().Str("method", method).Msg("HandleError вызван с nil ошибкой")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Внутренняя ошибка сервера",
		})
		return
	}

	log := logger.FromContext(c.Request.Context())
	lang := i18n.Match(c.GetHeader("Accept-Language"))

	var (
		httpStatus int
		errorCode  string
		message    = err.Error()
	)

	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, pricing.ErrUnknownMode),
		errors.Is(err, pricing.ErrInvalidParams):
		httpStatus = http.StatusBadRequest
		errorCode = "invalid_argument"
	case errors.Is(err, domain.ErrPaymentNotFound),
		errors.Is(err, domain.ErrOperationNotFound):
		httpStatus = http.StatusNotFound
		errorCode = "not_found"
	case errors.Is(err, domain.ErrInvalidTransition):
		httpStatus = http.StatusConflict
		errorCode = "failed_precondition"
	case errors.Is(err, domain.ErrInsufficientFunds):
		httpStatus = http.StatusPaymentRequired
		errorCode = "insufficient_funds"
	case errors.Is(err, domain.ErrStore):
		httpStatus = http.StatusServiceUnavailable
		errorCode = "service_unavailable"
		message = i18n.Sprintf(lang, i18n.MsgStoreError)
		log.Error().Err(err).Str("method", method).Msg("Сбой хранилища")
	default:
		httpStatus = http.StatusInternalServerError
		errorCode = "internal_error"
		message = "Внутренняя ошибка сервера"
		log.Error().Err(err).Str("method", method).Msg("Необработанная ошибка")
	}

	c.JSON(httpStatus, ErrorResponse{Error: errorCode, Message: message})
}

// badRequest — ошибка разбора тела запроса.
func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error:   "invalid_argument",
		Message: err.Error(),
	})
}
