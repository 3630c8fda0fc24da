package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"example.com/stars-ledger/pkg/pricing"
)

// PriceHandler считает стоимость генераций.
type PriceHandler struct {
	quoter PriceQuoter
}

// NewPriceHandler создаёт обработчик.
func NewPriceHandler(quoter PriceQuoter) *PriceHandler {
	return &PriceHandler{quoter: quoter}
}

// QuoteRequest — запрос стоимости.
type QuoteRequest struct {
	Mode            string `json:"mode" binding:"required"`
	Images          int    `json:"images"`
	DurationSeconds int    `json:"duration_seconds"`
	Characters      int    `json:"characters"`
	Messages        int    `json:"messages"`
}

// QuoteResponse — стоимость в звёздах и валютах. Суммы в валютах — строки.
type QuoteResponse struct {
	Mode  string `json:"mode"`
	Stars int64  `json:"stars"`
	RUB   string `json:"rub"`
	USD   string `json:"usd"`
}

// Quote возвращает стоимость генерации.
// POST /api/v1/prices/quote
func (h *PriceHandler) Quote(c *gin.Context) {
	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	mode, err := pricing.ParseMode(req.Mode)
	if err != nil {
		HandleError(c, err, "Quote")
		return
	}

	q, err := h.quoter.Cost(mode, pricing.Params{
		Images:          req.Images,
		DurationSeconds: req.DurationSeconds,
		Characters:      req.Characters,
		Messages:        req.Messages,
	})
	if err != nil {
		HandleError(c, err, "Quote")
		return
	}

	c.JSON(http.StatusOK, QuoteResponse{
		Mode:  q.Mode.String(),
		Stars: q.Stars,
		RUB:   q.RUB.StringFixed(2),
		USD:   q.USD.StringFixed(2),
	})
}

// ListModes возвращает поддерживаемые режимы генерации.
// GET /api/v1/prices/modes
func (h *PriceHandler) ListModes(c *gin.Context) {
	modes := pricing.Modes()
	names := make([]string, 0, len(modes))
	for _, m := range modes {
		names = append(names, m.String())
	}
	c.JSON(http.StatusOK, gin.H{"modes": names})
}
