// Package metrics — Prometheus метрики леджера и HTTP сервер /metrics, /healthz, /readyz.
//
//	srv := metrics.NewServer(":9090", "stars-ledger", metrics.WithReadinessCheck(check))
//	go srv.Start()
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"example.com/stars-ledger/pkg/logger"
)

// =============================================================================
// Метрики — определяем что будем собирать
// =============================================================================

var (
	// RequestsTotal — запросы по сервису, маршруту и результату.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requests_total",
			Help: "Количество запросов по сервису, методу и статусу",
		},
		[]string{"service", "method", "status"},
	)

	// RequestDuration — latency запросов, от 5ms до 10s.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "request_duration_seconds",
			Help:    "Время выполнения запроса в секундах",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// Метрики леджера
// =============================================================================

var (
	// BalanceAdjustments — результаты условного изменения баланса:
	// applied, replayed, insufficient_funds, store_error.
	BalanceAdjustments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_balance_adjustments_total",
			Help: "Изменения баланса по результату",
		},
		[]string{"result"},
	)

	// OrchestratorSteps — шаги оркестратора по результату (ok, retry, failed).
	OrchestratorSteps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_orchestrator_steps_total",
			Help: "Выполненные шаги операций с балансом",
		},
		[]string{"step", "result"},
	)

	// OrchestratorStepDuration — длительность шага вместе с повторами.
	OrchestratorStepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_orchestrator_step_duration_seconds",
			Help:    "Длительность шага операции с балансом",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 3},
		},
		[]string{"step"},
	)

	// InvoiceFallbacks — сколько раз номер счёта выдан без проверки уникальности.
	InvoiceFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledger_invoice_fallback_total",
			Help: "Номера счетов, выданные резервной схемой",
		},
	)

	// PaymentsCreated — создание платежей по типу и результату (created, duplicate, error).
	PaymentsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_payments_created_total",
			Help: "Создание платежей",
		},
		[]string{"type", "result"},
	)

	// ReconcileActions — действия фоновой сверки.
	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_reconcile_actions_total",
			Help: "Действия сверки зависших платежей и операций",
		},
		[]string{"action"},
	)

	// OutboxPublished — отправка событий из outbox (sent, failed, dead_letter).
	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_outbox_published_total",
			Help: "Отправка событий из outbox в Kafka",
		},
		[]string{"result"},
	)

	// NotificationsSent — уведомления нотификатора по каналу и результату.
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifier_messages_total",
			Help: "Отправленные уведомления",
		},
		[]string{"kind", "result"},
	)
)

// =============================================================================
// HTTP Server для /metrics endpoint
// =============================================================================

// ReadinessChecker — функция проверки готовности сервиса.
// Возвращает nil если сервис готов принимать трафик, иначе — ошибку.
type ReadinessChecker func(ctx context.Context) error

// Server — HTTP сервер для экспорта метрик Prometheus.
type Server struct {
	httpServer     *http.Server
	service        string
	readinessCheck ReadinessChecker // опциональная проверка готовности для /readyz
}

// Option — функциональная опция для настройки Server.
type Option func(*Server)

// WithReadinessCheck добавляет проверку готовности для /readyz endpoint.
// Если checker возвращает ошибку — /readyz вернёт 503 Service Unavailable.
func WithReadinessCheck(checker ReadinessChecker) Option {
	return func(s *Server) {
		s.readinessCheck = checker
	}
}

// NewServer создаёт новый metrics server.
// addr — адрес для прослушивания (например ":9090")
// service — имя сервиса для логирования
// opts — опциональные настройки (например WithReadinessCheck)
func NewServer(addr, service string, opts ...Option) *Server {
	s := &Server{
		service: service,
	}

	// Применяем опции
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	// liveness
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"alive"}`))
	})

	// readiness: MySQL, Redis, Kafka
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if s.readinessCheck == nil {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"status":"ready"}`))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.readinessCheck(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"not_ready"}`))
			logger.Warn().Err(err).Str("service", service).Msg("Проверка готовности не пройдена")
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start запускает HTTP сервер для метрик.
// Блокирующий вызов — запускать в горутине.
func (s *Server) Start() error {
	log := logger.With().Str("service", s.service).Logger()
	log.Info().Str("addr", s.httpServer.Addr).Msg("Запуск Metrics Server")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Handler — мультиплексор сервера (для тестов и встраивания).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Shutdown gracefully останавливает сервер.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// =============================================================================
// Вспомогательные функции для записи метрик
// =============================================================================

// RecordRequest записывает метрики запроса.
// status — "success" или "error".
func RecordRequest(service, method, status string, duration time.Duration) {
	RequestsTotal.WithLabelValues(service, method, status).Inc()
	RequestDuration.WithLabelValues(service, method).Observe(duration.Seconds())
}

// =============================================================================
// Gin Middleware для HTTP метрик
// =============================================================================

// GinMetricsMiddleware пишет requests_total и request_duration_seconds для HTTP API.
// 4xx бизнес-ответы (402 недостаточно средств) считаются ошибкой клиента, а не сервиса.
func GinMetricsMiddleware(service string) func(c *gin.Context) {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		status := "success"
		switch code := c.Writer.Status(); {
		case code >= 500:
			status = "error"
		case code >= 400:
			status = "client_error"
		}

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		RecordRequest(service, path, status, time.Since(start))
	}
}

// ObserveStep записывает результат и длительность шага оркестратора.
func ObserveStep(step, result string, started time.Time) {
	OrchestratorSteps.WithLabelValues(step, result).Inc()
	OrchestratorStepDuration.WithLabelValues(step).Observe(time.Since(started).Seconds())
}
