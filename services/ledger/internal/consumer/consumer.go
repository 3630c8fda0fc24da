// Package consumer читает запросы на изменение баланса из топика balance.process.
package consumer

import (
	"context"
	"fmt"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/services/ledger/internal/domain"
)

// GroupID — consumer group леджера для balance.process.
const GroupID = "ledger-balance-process"

// KafkaConsumer — то, что нужно от kafka.Consumer (подменяется в тестах).
type KafkaConsumer interface {
	ConsumeWithRetry(ctx context.Context, handler kafka.MessageHandler, maxRetries int) error
	Close() error
}

// Processor — оркестратор операций с балансом.
type Processor interface {
	Process(ctx context.Context, req domain.BalanceRequest) (*domain.Outcome, error)
}

// BalanceConsumer передаёт запросы из Kafka в оркестратор.
type BalanceConsumer struct {
	consumer   KafkaConsumer
	processor  Processor
	maxRetries int
}

// New создаёт consumer. maxRetries — повторы при сбоях инфраструктуры.
func New(consumer KafkaConsumer, processor Processor, maxRetries int) *BalanceConsumer {
	return &BalanceConsumer{consumer: consumer, processor: processor, maxRetries: maxRetries}
}

// Run блокирует до отмены ctx.
func (c *BalanceConsumer) Run(ctx context.Context) error {
	logger.Ctx(ctx).Info().
		Str("topic", kafka.TopicBalanceProcess).
		Str("group_id", GroupID).
		Msg("Запуск consumer запросов на изменение баланса")

	return c.consumer.ConsumeWithRetry(ctx, c.handleMessage, c.maxRetries)
}

// Close закрывает reader.
func (c *BalanceConsumer) Close() error {
	return c.consumer.Close()
}

// handleMessage обрабатывает один запрос.
// Ошибка возвращается только если операцию не удалось даже зарегистрировать:
// тогда сообщение повторяется, а после исчерпания попыток уходит в DLQ.
func (c *BalanceConsumer) handleMessage(ctx context.Context, msg *kafka.Message) error {
	log := logger.FromContext(ctx)

	ev, err := events.BalanceProcessFromJSON(msg.Value)
	if err != nil {
		log.Error().
			Err(err).
			Str("payload", string(msg.Value)).
			Int64("offset", msg.Offset).
			Msg("Некорректный запрос в balance.process, сообщение пропущено")
		return nil
	}

	req := domain.BalanceRequest{
		TelegramID:  ev.TelegramID,
		Amount:      ev.Amount,
		Type:        domain.PaymentType(ev.Type),
		Description: ev.Description,
		BotName:     ev.BotName,
		OperationID: ev.OperationID,
		ServiceType: ev.ServiceType,
		Metadata:    ev.Metadata,
	}
	if req.OperationID == "" {
		req.OperationID = msg.Headers[kafka.HeaderOperationID]
	}
	if req.OperationID == "" {
		// повторы и переотправка сообщения должны попадать в ту же операцию
		req.OperationID = messageOperationID(msg)
	}

	outcome, err := c.processor.Process(ctx, req)
	if outcome != nil {
		// итог окончательный: повтор сообщения ничего не изменит
		if err != nil {
			log.Info().Err(err).
				Str("telegram_id", req.TelegramID).
				Str("failure_kind", string(outcome.FailureKind)).
				Msg("Запрос на изменение баланса отклонён")
		}
		return nil
	}

	return fmt.Errorf("ошибка обработки запроса %s: %w", req.OperationID, err)
}

// messageOperationID — operation_id из координат сообщения в топике.
func messageOperationID(msg *kafka.Message) string {
	topic := msg.Topic
	if topic == "" {
		topic = kafka.TopicBalanceProcess
	}
	return fmt.Sprintf("kafka:%s:%d:%d", topic, msg.Partition, msg.Offset)
}
