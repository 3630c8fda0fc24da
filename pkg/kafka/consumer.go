package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"example.com/stars-ledger/pkg/logger"
)

// MessageHandler обрабатывает одно сообщение.
// Контекст уже содержит trace_id, correlation_id и operation_id из headers.
type MessageHandler func(ctx context.Context, msg *Message) error

// DeadLetterSender перекладывает необработанное сообщение в DLQ.
type DeadLetterSender interface {
	SendToDLQ(ctx context.Context, original *Message, processingErr error) error
}

// permanentError помечает ошибку, повтор которой бессмысленен.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent оборачивает ошибку так, что ConsumeWithRetry не повторяет обработку
// и сразу отправляет сообщение в DLQ (например, невалидный JSON).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent — помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Consumer читает топик в составе consumer group.
type Consumer struct {
	reader *kafka.Reader
	dlq    DeadLetterSender
	topic  string

	retryBaseDelay time.Duration
}

// NewConsumer создаёт Consumer. Пустой groupID заменяется cfg.ConsumerGroup.
func NewConsumer(cfg Config, topic, groupID string) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("не указаны брокеры Kafka")
	}
	if topic == "" {
		return nil, errors.New("не указан топик")
	}
	if groupID == "" {
		groupID = cfg.ConsumerGroup
	}
	if groupID == "" {
		return nil, errors.New("не указан group ID")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        100 * time.Millisecond,
		CommitInterval: 0, // коммит вручную после обработки
		StartOffset:    kafka.FirstOffset,
	})

	logger.Info().
		Strs("brokers", cfg.Brokers).
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Создан Kafka Consumer")

	return &Consumer{
		reader:         reader,
		topic:          topic,
		retryBaseDelay: 100 * time.Millisecond,
	}, nil
}

// SetDLQ задаёт получателя необработанных сообщений.
func (c *Consumer) SetDLQ(dlq DeadLetterSender) {
	c.dlq = dlq
}

// Consume читает сообщения до отмены ctx.
// Offset коммитится после обработки; сообщения с ошибкой уходят в DLQ.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	logger.Info().Str("topic", c.topic).Msg("Запуск чтения сообщений из Kafka")

	for {
		km, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info().Str("topic", c.topic).Msg("Остановка Consumer")
				return ctx.Err()
			}
			logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка чтения сообщения из Kafka")
			continue
		}

		msg := fromKafkaMessage(km)
		dispatch(ctx, msg, handler, c.dlq)

		if err := c.reader.CommitMessages(ctx, km); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Int64("offset", msg.Offset).Msg("Ошибка коммита offset")
		}
	}
}

// ConsumeWithRetry — Consume с повторами: задержка 100ms·2^n между попытками.
func (c *Consumer) ConsumeWithRetry(ctx context.Context, handler MessageHandler, maxRetries int) error {
	return c.Consume(ctx, WithRetry(handler, maxRetries, c.retryBaseDelay))
}

// WithRetry оборачивает handler повторами с экспоненциальной задержкой.
// Ошибки, помеченные Permanent, не повторяются.
func WithRetry(handler MessageHandler, maxRetries int, baseDelay time.Duration) MessageHandler {
	return func(ctx context.Context, msg *Message) error {
		var lastErr error
		for attempt := 0; attempt <= maxRetries; attempt++ {
			if attempt > 0 {
				delay := baseDelay * time.Duration(1<<(attempt-1))
				logger.Ctx(ctx).Warn().
					Int("attempt", attempt).
					Str("key", string(msg.Key)).
					Dur("delay", delay).
					Err(lastErr).
					Msg("Повторная обработка сообщения")

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}

			lastErr = handler(ctx, msg)
			if lastErr == nil || IsPermanent(lastErr) {
				return lastErr
			}
		}
		return fmt.Errorf("исчерпаны попытки обработки: %w", lastErr)
	}
}

// dispatch вызывает handler и при ошибке отправляет сообщение в DLQ.
func dispatch(ctx context.Context, msg *Message, handler MessageHandler, dlq DeadLetterSender) {
	msgCtx := ContextFromMessage(ctx, msg)
	log := logger.FromContext(msgCtx)

	log.Debug().
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Msg("Получено сообщение из Kafka")

	err := handler(msgCtx, msg)
	if err == nil {
		return
	}

	log.Error().
		Err(err).
		Str("topic", msg.Topic).
		Str("key", string(msg.Key)).
		Int64("offset", msg.Offset).
		Msg("Ошибка обработки сообщения")

	if dlq == nil || ctx.Err() != nil {
		return
	}
	if dlqErr := dlq.SendToDLQ(msgCtx, msg, err); dlqErr != nil {
		log.Error().Err(dlqErr).Msg("Ошибка отправки в DLQ")
	}
}

// Close закрывает reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		logger.Error().Err(err).Str("topic", c.topic).Msg("Ошибка при закрытии Kafka Consumer")
		return fmt.Errorf("ошибка закрытия consumer: %w", err)
	}
	logger.Info().Str("topic", c.topic).Msg("Kafka Consumer закрыт")
	return nil
}

// Lag — текущее отставание от конца топика.
func (c *Consumer) Lag() int64 {
	return c.reader.Stats().Lag
}
