package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// InvoiceHandler выдаёт inv_id для платёжных ссылок.
type InvoiceHandler struct {
	allocator InvoiceAllocator
}

// NewInvoiceHandler создаёт обработчик.
func NewInvoiceHandler(allocator InvoiceAllocator) *InvoiceHandler {
	return &InvoiceHandler{allocator: allocator}
}

// AllocateInvoiceRequest — запрос inv_id. owner_key — обычно telegram_id.
type AllocateInvoiceRequest struct {
	OwnerKey string `json:"owner_key" binding:"required"`
}

// AllocateInvoiceResponse — выданный inv_id.
type AllocateInvoiceResponse struct {
	InvID string `json:"inv_id"`
}

// AllocateInvoice выдаёт новый inv_id. Всегда успешен: при недоступности
// хранилища возвращается резервный формат.
// POST /api/v1/invoices
func (h *InvoiceHandler) AllocateInvoice(c *gin.Context) {
	var req AllocateInvoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	c.JSON(http.StatusCreated, AllocateInvoiceResponse{
		InvID: h.allocator.Allocate(c.Request.Context(), req.OwnerKey),
	})
}
