// Package outbox — transactional outbox для событий леджера.
// Событие пишется в таблицу outbox в той же транзакции, что и терминальное
// состояние операции; Relay затем доставляет его в Kafka (at-least-once).
package outbox

import (
	"time"

	"github.com/google/uuid"

	"example.com/stars-ledger/pkg/logger"
)

// Record — событие, ожидающее отправки в Kafka.
type Record struct {
	ID            string
	AggregateType string // balance_operation
	AggregateID   string // operation_id
	EventType     string // balance.updated / balance.update.failed
	Topic         string
	MessageKey    string // telegram_id: события одного пользователя идут в одну партицию
	Payload       []byte
	Headers       map[string]string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// Event — то, что умеет сериализоваться в payload.
type Event interface {
	ToJSON() ([]byte, error)
}

// NewRecord собирает запись outbox для события.
// Headers берутся из контекстных идентификаторов вызывающей стороны.
func NewRecord(aggregateType, aggregateID, topic, key string, ev Event, headers map[string]string) (*Record, error) {
	payload, err := ev.ToJSON()
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     topic,
		Topic:         topic,
		MessageKey:    key,
		Payload:       payload,
		Headers:       headers,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// IsDeadLetter — исчерпан ли лимит попыток отправки.
func (r *Record) IsDeadLetter(maxRetries int) bool {
	return r.RetryCount >= maxRetries
}

// HeadersFromIDs собирает headers из trace_id, correlation_id и operation_id.
func HeadersFromIDs(traceID, correlationID, operationID string) map[string]string {
	h := make(map[string]string, 3)
	if traceID != "" {
		h["trace_id"] = traceID
	}
	if correlationID != "" {
		h["correlation_id"] = correlationID
	}
	if operationID != "" {
		h["operation_id"] = operationID
	}
	return h
}

func logDeadLetter(r *Record) {
	logger.Warn().
		Str("outbox_id", r.ID).
		Str("event_type", r.EventType).
		Str("aggregate_id", r.AggregateID).
		Int("retry_count", r.RetryCount).
		Msg("Dead letter: превышен лимит попыток, запись выведена из очереди")
}
