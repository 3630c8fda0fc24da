// Ledger Service — журнал платежей и балансов звёзд.
// Принимает операции из Kafka (balance.process) и по REST API, выполняет их
// через оркестратор с чекпоинтами и публикует итоги через transactional outbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/stars-ledger/pkg/circuitbreaker"
	"example.com/stars-ledger/pkg/config"
	dbpkg "example.com/stars-ledger/pkg/db"
	"example.com/stars-ledger/pkg/healthcheck"
	"example.com/stars-ledger/pkg/jwt"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/pkg/outbox"
	"example.com/stars-ledger/pkg/pricing"
	"example.com/stars-ledger/pkg/tracing"
	"example.com/stars-ledger/services/ledger/internal/consumer"
	"example.com/stars-ledger/services/ledger/internal/handler"
	"example.com/stars-ledger/services/ledger/internal/invoice"
	"example.com/stars-ledger/services/ledger/internal/ledger"
	"example.com/stars-ledger/services/ledger/internal/middleware"
	"example.com/stars-ledger/services/ledger/internal/orchestrator"
	"example.com/stars-ledger/services/ledger/internal/reconcile"
	"example.com/stars-ledger/services/ledger/internal/repository"
	"example.com/stars-ledger/services/ledger/migrations"
)

const serviceName = "ledger"

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

	log.Info().
		Str("env", cfg.App.Env).
		Str("http", cfg.HTTP.Addr()).
		Msg("Запуск Ledger Service")

	// === Observability: Tracing ===

	shutdownTracing, err := tracing.InitTracer(tracing.Config{
		ServiceName:    serviceName,
		JaegerEndpoint: cfg.Jaeger.OTLPEndpoint(),
		Enabled:        cfg.Jaeger.Enabled,
		Environment:    cfg.App.Env,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Не удалось инициализировать tracing")
	}

	// === Подключение к зависимостям ===

	if cfg.MySQL.MigrateOnStart {
		if err := dbpkg.Migrate(cfg.MySQL.MigrateURL(), migrations.FS, "."); err != nil {
			log.Fatal().Err(err).Msg("Ошибка миграций")
		}
	}

	db, err := dbpkg.ConnectMySQL(cfg.MySQL, cfg.IsDevelopment())
	if err != nil {
		log.Fatal().Err(err).Msg("Ошибка подключения к MySQL")
	}
	log.Info().Msg("Подключение к MySQL установлено")

	// Redis — только ускоритель: без него леджер работает через БД
	rdb, err := dbpkg.ConnectRedis(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Redis недоступен, кэш идемпотентности и rate limit работают в режиме fail-open")
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Redis")
		}
	}()

	readinessCheck := healthcheck.Composite(
		healthcheck.MySQL(db),
		healthcheck.Optional("redis", healthcheck.Redis(rdb)),
		healthcheck.Kafka(cfg.Kafka.Brokers),
	)

	// === Observability: Metrics ===

	var metricsServer *metrics.Server
	var metricsWg sync.WaitGroup
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Addr(), serviceName, metrics.WithReadinessCheck(readinessCheck))
		metricsWg.Add(1)
		go func() {
			defer metricsWg.Done()
			if err := metricsServer.Start(); err != nil {
				log.Error().Err(err).Msg("Ошибка Metrics Server")
			}
		}()
	}

	// === Бизнес-логика ===

	guard := ledger.GuardConfig{
		Timeout: cfg.Ledger.StoreTimeout,
		Breaker: circuitbreaker.DefaultSettings(),
	}
	guard.Breaker.FailureRatio = cfg.Ledger.BreakerFailureRatio
	guard.Breaker.Timeout = cfg.Ledger.BreakerOpenTimeout
	guard.Breaker.MinRequests = cfg.Ledger.BreakerMinRequests

	outboxRepo := outbox.NewRepository(db, orchestrator.AggregateType)
	operationRepo := repository.NewOperationRepository(db, outboxRepo)

	payments := ledger.NewPaymentLedger(repository.NewPaymentRepository(db), rdb, ledger.PaymentsConfig{
		Guard:           guard,
		IdempotencyTTL:  cfg.Ledger.IdempotencyCacheTTL,
		DefaultCurrency: cfg.Ledger.DefaultCurrency,
	})
	balances := ledger.NewBalanceStore(repository.NewBalanceRepository(db), guard)

	orch := orchestrator.New(payments, balances, operationRepo, orchestrator.Config{
		RetryAttempts:  cfg.Ledger.RetryAttempts,
		RetryBaseDelay: cfg.Ledger.RetryBaseDelay,
	})

	allocator := invoice.NewAllocator(payments, invoice.Config{
		MaxAttempts:  cfg.Ledger.InvoiceMaxAttempts,
		CheckTimeout: cfg.Ledger.InvoiceCheckTimeout,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var workersWg sync.WaitGroup

	// === Kafka: consumer balance.process + outbox relay ===

	var (
		balanceConsumer *consumer.BalanceConsumer
		kafkaProducer   *kafka.Producer
	)
	if len(cfg.Kafka.Brokers) > 0 {
		if err := kafka.EnsureTopics(cfg.Kafka.Brokers, kafka.DefaultTopics()); err != nil {
			log.Warn().Err(err).Msg("Не удалось создать топики (возможно Kafka недоступна)")
		}

		kafkaProducer, err = kafka.NewProducer(kafka.Config{Brokers: cfg.Kafka.Brokers})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Producer")
		}

		kafkaConsumer, err := kafka.NewConsumer(
			kafka.Config{Brokers: cfg.Kafka.Brokers, ConsumerGroup: cfg.Kafka.ConsumerGroup},
			kafka.TopicBalanceProcess,
			consumer.GroupID,
		)
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка создания Kafka Consumer")
		}
		kafkaConsumer.SetDLQ(kafkaProducer)

		balanceConsumer = consumer.New(kafkaConsumer, orch, cfg.Kafka.MaxRetries)
		goWorker(&workersWg, "balance.process consumer", func() {
			if err := balanceConsumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Ошибка consumer balance.process")
			}
		})

		relay := outbox.NewRelay(outboxRepo, kafkaProducer, outbox.DefaultRelayConfig())
		goWorker(&workersWg, "outbox relay", func() { relay.Run(ctx) })

		log.Info().Msg("Consumer balance.process и Outbox Relay запущены")
	} else {
		log.Warn().Msg("Kafka не настроена: операции принимаются только через REST API, события не публикуются")
	}

	// === Сверка ===

	var reconciler *reconcile.Reconciler
	if cfg.Reconcile.Enabled {
		reconciler = reconcile.New(operationRepo, payments, balances, orch, reconcile.Config{
			Schedule:      cfg.Reconcile.Schedule,
			PendingAge:    cfg.Reconcile.PendingAge,
			OperationAge:  cfg.Reconcile.OperationAge,
			InvoiceExpiry: cfg.Reconcile.InvoiceExpiry,
			BatchSize:     cfg.Reconcile.BatchSize,
		})
		if err := reconciler.Start(ctx); err != nil {
			log.Fatal().Err(err).Str("schedule", cfg.Reconcile.Schedule).Msg("Ошибка запуска сверки")
		}
	}

	// === HTTP API ===

	var authMW *middleware.AuthMiddleware
	if cfg.Auth.Enabled() {
		jwtManager, err := jwt.NewManager(jwt.Config{
			PublicKeyPath:  cfg.Auth.PublicKeyPath,
			PrivateKeyPath: cfg.Auth.PrivateKeyPath,
			Issuer:         cfg.Auth.Issuer,
			TokenTTL:       cfg.Auth.TokenTTL,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Ошибка инициализации JWT")
		}
		jwtManager.SetBlacklist(jwt.NewBlacklist(rdb))
		authMW = middleware.NewAuthMiddleware(jwtManager)
	} else {
		log.Warn().Msg("AUTH_PUBLIC_KEY_PATH не задан: API работает без авторизации")
	}

	router := handler.NewRouter(handler.RouterConfig{
		Balances:       balances,
		Orchestrator:   orch,
		Payments:       payments,
		Invoices:       allocator,
		Prices:         pricing.NewOracle(pricing.DefaultRates()),
		AuthMW:         authMW,
		RateLimitMW:    newRateLimit(rdb, cfg.HTTP),
		ReadinessCheck: readinessCheck,
		Debug:          cfg.IsDevelopment(),
	})

	server := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router.Engine(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP сервер запущен")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Ошибка HTTP сервера")
		}
	}()

	// === Graceful shutdown ===

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Получен сигнал завершения, останавливаем сервер...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ошибка остановки HTTP сервера")
	}

	if reconciler != nil {
		reconciler.Stop()
	}

	// останавливаем consumer и relay, ждём текущие операции
	cancel()
	workersWg.Wait()

	if balanceConsumer != nil {
		if err := balanceConsumer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Consumer")
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Error().Err(err).Msg("Ошибка закрытия Kafka Producer")
		}
	}

	if err := dbpkg.Close(db); err != nil {
		log.Error().Err(err).Msg("Ошибка закрытия MySQL")
	}

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Metrics Server")
		}
		metricsWg.Wait()
	}

	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Ошибка остановки Tracing")
		}
	}

	log.Info().Msg("Ledger Service остановлен")
}

// goWorker запускает фоновый воркер с восстановлением после паники.
func goWorker(wg *sync.WaitGroup, name string, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logger.Error().Interface("panic", r).Str("worker", name).Msg("Паника в фоновом воркере")
			}
		}()
		fn()
	}()
}

func newRateLimit(rdb redis.UniversalClient, cfg config.HTTPConfig) *middleware.RateLimitMiddleware {
	if cfg.RateLimit <= 0 {
		return nil
	}
	return middleware.NewRateLimitMiddleware(middleware.RateLimitConfig{
		Redis:  rdb,
		Limit:  cfg.RateLimit,
		Window: cfg.RateLimitWindow,
	})
}
