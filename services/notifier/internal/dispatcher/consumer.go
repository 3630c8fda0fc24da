package dispatcher

import (
	"context"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
)

// GroupID — consumer group нотификатора по умолчанию.
const GroupID = "stars-notifier"

// KafkaConsumer — то, что нужно от kafka.Consumer.
type KafkaConsumer interface {
	Consume(ctx context.Context, handler kafka.MessageHandler) error
	Close() error
}

// Handler возвращает обработчик сообщений обоих топиков.
// Ошибок не возвращает: битое сообщение логируется и пропускается,
// сбой отправки не должен приводить к повторной доставке события.
func (d *Dispatcher) Handler() kafka.MessageHandler {
	return func(ctx context.Context, msg *kafka.Message) error {
		log := logger.FromContext(ctx).With().Str("topic", msg.Topic).Int64("offset", msg.Offset).Logger()

		switch msg.Topic {
		case kafka.TopicBalanceUpdated:
			ev, err := events.BalanceUpdatedFromJSON(msg.Value)
			if err != nil {
				log.Error().Err(err).Msg("Некорректное событие balance.updated, пропускаем")
				return nil
			}
			d.BalanceUpdated(ctx, ev)
		case kafka.TopicBalanceUpdateFailed:
			ev, err := events.BalanceUpdateFailedFromJSON(msg.Value)
			if err != nil {
				log.Error().Err(err).Msg("Некорректное событие balance.update.failed, пропускаем")
				return nil
			}
			d.BalanceUpdateFailed(ctx, ev)
		default:
			log.Warn().Msg("Сообщение из неизвестного топика")
		}
		return nil
	}
}

// Run читает все consumers до отмены ctx.
func (d *Dispatcher) Run(ctx context.Context, consumers ...KafkaConsumer) error {
	errCh := make(chan error, len(consumers))
	for _, c := range consumers {
		go func(c KafkaConsumer) {
			errCh <- c.Consume(ctx, d.Handler())
		}(c)
	}

	var firstErr error
	for range consumers {
		if err := <-errCh; err != nil && firstErr == nil && ctx.Err() == nil {
			firstErr = err
		}
	}
	return firstErr
}
