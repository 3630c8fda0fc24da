package logger

import (
	"context"

	"github.com/rs/zerolog"
)

// ctxKey — приватный тип ключей контекста, чтобы не пересекаться с другими пакетами.
type ctxKey string

const (
	traceIDKey       ctxKey = "trace_id"
	correlationIDKey ctxKey = "correlation_id"
	operationIDKey   ctxKey = "operation_id"
	loggerKey        ctxKey = "logger"
)

// WithTraceID кладёт trace_id в контекст.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext возвращает trace_id или пустую строку.
func TraceIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

// WithCorrelationID кладёт correlation_id в контекст.
// Для операций с балансом correlation_id обычно совпадает с operation_id или inv_id.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext возвращает correlation_id или пустую строку.
func CorrelationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// WithOperationID кладёт operation_id в контекст.
// Все записи лога внутри операции с балансом получают это поле автоматически.
func WithOperationID(ctx context.Context, operationID string) context.Context {
	return context.WithValue(ctx, operationIDKey, operationID)
}

// OperationIDFromContext возвращает operation_id или пустую строку.
func OperationIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(operationIDKey).(string)
	return v
}

// WithLogger кладёт заранее настроенный логгер в контекст.
func WithLogger(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// FromContext возвращает логгер из контекста (или процессный) с полями
// trace_id, correlation_id и operation_id, если они есть в контексте.
//
//	log := logger.FromContext(ctx)
//	log.Info().Str("telegram_id", id).Msg("Баланс прочитан")
func FromContext(ctx context.Context) zerolog.Logger {
	l, ok := ctx.Value(loggerKey).(zerolog.Logger)
	if !ok {
		l = log
	}

	fields := l.With()
	if v := TraceIDFromContext(ctx); v != "" {
		fields = fields.Str("trace_id", v)
	}
	if v := CorrelationIDFromContext(ctx); v != "" {
		fields = fields.Str("correlation_id", v)
	}
	if v := OperationIDFromContext(ctx); v != "" {
		fields = fields.Str("operation_id", v)
	}
	return fields.Logger()
}

// Ctx — то же, что FromContext, но возвращает указатель (в стиле zerolog.Ctx).
func Ctx(ctx context.Context) *zerolog.Logger {
	l := FromContext(ctx)
	return &l
}

// NewContextWithIDs добавляет в контекст непустые trace_id и correlation_id.
func NewContextWithIDs(ctx context.Context, traceID, correlationID string) context.Context {
	if traceID != "" {
		ctx = WithTraceID(ctx, traceID)
	}
	if correlationID != "" {
		ctx = WithCorrelationID(ctx, correlationID)
	}
	return ctx
}
