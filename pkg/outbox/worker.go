package outbox

import (
	"context"
	"time"

	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
)

// RelayConfig — настройки Relay.
type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxRetries — после стольких неудачных отправок запись становится dead letter.
	MaxRetries int

	CleanupInterval  time.Duration
	CleanupRetention time.Duration
}

// DefaultRelayConfig — опрос раз в секунду, очистка раз в час, хранение 7 дней.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		PollInterval:     time.Second,
		BatchSize:        100,
		MaxRetries:       5,
		CleanupInterval:  time.Hour,
		CleanupRetention: 7 * 24 * time.Hour,
	}
}

// Relay переносит записи outbox в Kafka.
type Relay struct {
	repo      Repository
	publisher kafka.Publisher
	cfg       RelayConfig
}

// NewRelay создаёт Relay.
func NewRelay(repo Repository, publisher kafka.Publisher, cfg RelayConfig) *Relay {
	return &Relay{repo: repo, publisher: publisher, cfg: cfg}
}

// Run опрашивает outbox до отмены ctx.
func (w *Relay) Run(ctx context.Context) {
	log := logger.FromContext(ctx)
	log.Info().
		Dur("poll_interval", w.cfg.PollInterval).
		Int("batch_size", w.cfg.BatchSize).
		Msg("Запуск Outbox Relay")

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	cleanupInterval := w.cfg.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = time.Hour
	}
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Остановка Outbox Relay")
			return
		case <-ticker.C:
			w.Flush(ctx)
		case <-cleanupTicker.C:
			w.cleanup(ctx)
		}
	}
}

// Flush отправляет одну пачку и возвращает число успешно отправленных записей.
func (w *Relay) Flush(ctx context.Context) int {
	log := logger.FromContext(ctx)

	records, err := w.repo.GetUnprocessed(ctx, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("Ошибка чтения outbox")
		return 0
	}

	sent := 0
	for _, rec := range records {
		if ctx.Err() != nil {
			return sent
		}

		if rec.IsDeadLetter(w.cfg.MaxRetries) {
			logDeadLetter(rec)
			metrics.OutboxPublished.WithLabelValues("dead_letter").Inc()
			if err := w.repo.MarkProcessed(ctx, rec.ID); err != nil {
				log.Error().Err(err).Str("outbox_id", rec.ID).Msg("Ошибка пометки dead letter")
			}
			continue
		}

		if err := w.Publish(ctx, rec); err == nil {
			sent++
		}
	}
	return sent
}

// Publish отправляет одну запись и отмечает результат в outbox.
func (w *Relay) Publish(ctx context.Context, rec *Record) error {
	log := logger.FromContext(ctx).With().
		Str("outbox_id", rec.ID).
		Str("topic", rec.Topic).
		Str("aggregate_id", rec.AggregateID).
		Logger()

	msg := &kafka.Message{
		Topic:   rec.Topic,
		Key:     []byte(rec.MessageKey),
		Value:   rec.Payload,
		Headers: copyHeaders(rec.Headers),
	}

	if err := w.publisher.SendMessage(ctx, msg); err != nil {
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		log.Error().Err(err).Msg("Ошибка отправки события в Kafka")
		if markErr := w.repo.MarkFailed(ctx, rec.ID, err); markErr != nil {
			log.Error().Err(markErr).Msg("Ошибка пометки outbox как failed")
		}
		return err
	}

	metrics.OutboxPublished.WithLabelValues("sent").Inc()
	if err := w.repo.MarkProcessed(ctx, rec.ID); err != nil {
		// повторная отправка допустима: потребители идемпотентны по operation_id
		log.Error().Err(err).Msg("Ошибка пометки outbox как обработанной")
		return err
	}

	log.Debug().Str("event_type", rec.EventType).Msg("Событие отправлено в Kafka")
	return nil
}

func (w *Relay) cleanup(ctx context.Context) {
	retention := w.cfg.CleanupRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	deleted, err := w.repo.DeleteProcessedBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("Ошибка очистки outbox")
		return
	}
	if deleted > 0 {
		logger.Ctx(ctx).Info().Int64("deleted", deleted).Msg("Очистка обработанных записей outbox")
	}
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
