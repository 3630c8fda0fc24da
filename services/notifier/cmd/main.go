// Notifier Service — уведомления пользователей о результатах операций с балансом.
// Читает balance.updated и balance.update.failed и пишет в Telegram.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"example.com/stars-ledger/pkg/config"
	"example.com/stars-ledger/pkg/healthcheck"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/services/notifier/internal/dispatcher"
	"example.com/stars-ledger/services/notifier/internal/telegram"
)

const serviceName = "notifier"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{
		Level:   cfg.App.LogLevel,
		Pretty:  cfg.App.LogPretty,
		Service: serviceName,
	})
	log := logger.Logger()

	if cfg.Notifier.TelegramToken == "" {
		log.Fatal().Msg("TELEGRAM_BOT_TOKEN не задан")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		log.Fatal().Msg("KAFKA_BROKERS не задан")
	}

	sender, err := telegram.NewSender(cfg.Notifier.TelegramToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка инициализации Telegram")
	}

	d := dispatcher.New(sender, dispatcher.Config{
		AdminChatID: cfg.Notifier.AdminChatID,
		Language:    cfg.Notifier.Language,
	})

	groupID := cfg.Notifier.ConsumerGroup
	if groupID == "" {
		groupID = dispatcher.GroupID
	}

	var consumers []dispatcher.KafkaConsumer
	for _, topic := range []string{kafka.TopicBalanceUpdated, kafka.TopicBalanceUpdateFailed} {
		c, err := kafka.NewConsumer(kafka.Config{Brokers: cfg.Kafka.Brokers}, topic, groupID)
		if err != nil {
			log.Fatal().Err(err).Str("topic", topic).Msg("Ошибка создания Kafka Consumer")
		}
		consumers = append(consumers, c)
	}

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), serviceName,
			metrics.WithReadinessCheck(healthcheck.Composite(healthcheck.Kafka(cfg.Kafka.Brokers))))
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		log.Info().Str("group_id", groupID).Msg("Нотификатор запущен")
		if err := d.Run(ctx, consumers...); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Ошибка чтения событий")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем нотификатор...")
	cancel()
	<-done

	for _, c := range consumers {
		if err := c.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Consumer")
		}
	}

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	log.Info().Msg("Нотификатор остановлен")
}
