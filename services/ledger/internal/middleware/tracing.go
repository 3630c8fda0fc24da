package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/tracing"
)

// HTTP заголовки трассировки.
const (
	HeaderTraceID       = "X-Trace-ID"
	HeaderCorrelationID = "X-Correlation-ID"
	HeaderRequestID     = "X-Request-ID"
)

// RequestIDs кладёт trace_id и correlation_id в контекст запроса и в заголовки ответа.
// trace_id берётся из заголовка, затем из OTel span, иначе генерируется.
func RequestIDs() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(HeaderTraceID)
		if traceID == "" {
			traceID = c.GetHeader(HeaderRequestID)
		}
		if traceID == "" {
			traceID = tracing.TraceID(c.Request.Context())
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		correlationID := c.GetHeader(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = traceID
		}

		ctx := logger.NewContextWithIDs(c.Request.Context(), traceID, correlationID)
		c.Request = c.Request.WithContext(ctx)

		c.Header(HeaderTraceID, traceID)
		c.Header(HeaderCorrelationID, correlationID)

		c.Next()
	}
}
