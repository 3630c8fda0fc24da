// Package kafka — обёртки над kafka-go для событий леджера.
// Producer и Consumer переносят trace_id, correlation_id и operation_id в headers.
package kafka

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/stars-ledger/pkg/logger"
)

// Топики леджера.
const (
	// TopicBalanceProcess — запросы на изменение баланса от ботов.
	TopicBalanceProcess = "balance.process"

	// TopicBalanceUpdated — баланс успешно изменён.
	TopicBalanceUpdated = "balance.updated"

	// TopicBalanceUpdateFailed — операция с балансом завершилась ошибкой.
	TopicBalanceUpdateFailed = "balance.update.failed"

	// TopicDLQ — сообщения, которые не удалось обработать после всех повторов.
	TopicDLQ = "dlq.balance"
)

// Headers сообщений.
const (
	HeaderTraceID       = "trace_id"
	HeaderCorrelationID = "correlation_id"
	HeaderOperationID   = "operation_id"
	HeaderTimestamp     = "timestamp"
)

// Config — подключение к Kafka.
type Config struct {
	Brokers []string

	// ConsumerGroup — группа по умолчанию, если NewConsumer вызван с пустым groupID.
	ConsumerGroup string
}

// Message — сообщение Kafka с разобранными headers.
type Message struct {
	Key       []byte
	Value     []byte
	Topic     string
	Partition int
	Offset    int64
	Headers   map[string]string
	Time      time.Time
}

func fromKafkaMessage(m kafka.Message) *Message {
	headers := make(map[string]string, len(m.Headers))
	for _, h := range m.Headers {
		headers[h.Key] = string(h.Value)
	}

	return &Message{
		Key:       m.Key,
		Value:     m.Value,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Headers:   headers,
		Time:      m.Time,
	}
}

func (m *Message) toKafkaMessage() kafka.Message {
	return kafka.Message{
		Key:     m.Key,
		Value:   m.Value,
		Topic:   m.Topic,
		Headers: toKafkaHeaders(m.Headers),
		Time:    m.Time,
	}
}

func toKafkaHeaders(h map[string]string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// headersFromContext дополняет headers идентификаторами из контекста.
// Уже заданные значения не перезаписываются.
func headersFromContext(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 4)
	}
	setIfAbsent := func(key, value string) {
		if value == "" {
			return
		}
		if _, ok := headers[key]; !ok {
			headers[key] = value
		}
	}
	setIfAbsent(HeaderTraceID, logger.TraceIDFromContext(ctx))
	setIfAbsent(HeaderCorrelationID, logger.CorrelationIDFromContext(ctx))
	setIfAbsent(HeaderOperationID, logger.OperationIDFromContext(ctx))
	setIfAbsent(HeaderTimestamp, time.Now().UTC().Format(time.RFC3339Nano))
	return headers
}

// ContextFromMessage переносит идентификаторы из headers сообщения в контекст.
func ContextFromMessage(ctx context.Context, msg *Message) context.Context {
	ctx = logger.NewContextWithIDs(ctx, msg.Headers[HeaderTraceID], msg.Headers[HeaderCorrelationID])
	if opID := msg.Headers[HeaderOperationID]; opID != "" {
		ctx = logger.WithOperationID(ctx, opID)
	}
	return ctx
}
