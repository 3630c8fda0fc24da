// Package reconcile — фоновая сверка по расписанию cron.
//
// За один проход:
//  1. зависшие RUNNING операции продолжаются с чекпоинта;
//  2. PENDING платежи операций закрываются по истории баланса
//     (COMPLETED, если изменение применено; FAILED, если операция провалилась);
//  3. счета провайдеров без операции, не оплаченные за InvoiceExpiry, переводятся в FAILED.
package reconcile

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/ledger"
	"example.com/stars-ledger/services/ledger/internal/repository"
)

// Config — пороги сверки.
type Config struct {
	Schedule      string
	PendingAge    time.Duration
	OperationAge  time.Duration
	InvoiceExpiry time.Duration
	BatchSize     int
}

// DefaultConfig — каждую минуту, платежи старше 5 минут, операции старше 2 минут.
func DefaultConfig() Config {
	return Config{
		Schedule:      "@every 1m",
		PendingAge:    5 * time.Minute,
		OperationAge:  2 * time.Minute,
		InvoiceExpiry: 24 * time.Hour,
		BatchSize:     100,
	}
}

// Resumer продолжает операцию с чекпоинта (оркестратор).
type Resumer interface {
	Resume(ctx context.Context, op *domain.Operation) (*domain.Outcome, error)
}

// Report — итог одного прохода.
type Report struct {
	Resumed   int
	Completed int
	Failed    int
	Expired   int
	Errors    int
}

// Reconciler выполняет сверку.
type Reconciler struct {
	operations repository.OperationRepository
	payments   ledger.PaymentLedger
	balances   ledger.BalanceStore
	resumer    Resumer
	cfg        Config
	now        func() time.Time

	cron *cron.Cron
	mu   sync.Mutex // один проход за раз
}

// New создаёт Reconciler.
func New(operations repository.OperationRepository, payments ledger.PaymentLedger, balances ledger.BalanceStore, resumer Resumer, cfg Config) *Reconciler {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	return &Reconciler{
		operations: operations,
		payments:   payments,
		balances:   balances,
		resumer:    resumer,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Start запускает проходы по расписанию. Проход, не успевший завершиться
// к следующему тику, не перекрывается новым.
func (r *Reconciler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})))

	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.RunOnce(ctx) }); err != nil {
		return err
	}
	r.cron = c
	c.Start()

	logger.Info().Str("schedule", r.cfg.Schedule).Msg("Сверка запущена")
	return nil
}

// Stop останавливает расписание и ждёт текущий проход.
func (r *Reconciler) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
	logger.Info().Msg("Сверка остановлена")
}

// RunOnce выполняет один проход.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rep Report
	r.resumeOperations(ctx, &rep)
	r.settlePayments(ctx, &rep)

	if rep != (Report{}) {
		logger.Info().
			Int("resumed", rep.Resumed).
			Int("completed", rep.Completed).
			Int("failed", rep.Failed).
			Int("expired", rep.Expired).
			Int("errors", rep.Errors).
			Msg("Проход сверки завершён")
	}
	return rep
}

func (r *Reconciler) resumeOperations(ctx context.Context, rep *Report) {
	stale, err := r.operations.ListStaleRunning(ctx, r.now().Add(-r.cfg.OperationAge), r.cfg.BatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("Сверка: ошибка чтения зависших операций")
		rep.Errors++
		return
	}

	for _, op := range stale {
		opCtx := logger.WithOperationID(ctx, op.OperationID)
		log := logger.FromContext(opCtx)

		claimed, err := r.operations.Claim(opCtx, op.OperationID, op.UpdatedAt)
		if err != nil {
			log.Error().Err(err).Msg("Сверка: не удалось закрепить операцию")
			rep.Errors++
			continue
		}
		if !claimed {
			continue
		}

		outcome, err := r.resumer.Resume(opCtx, op)
		if outcome == nil {
			log.Error().Err(err).Str("last_step", op.LastStep.String()).Msg("Сверка: операция не завершена")
			rep.Errors++
			continue
		}

		rep.Resumed++
		metrics.ReconcileActions.WithLabelValues("resumed").Inc()
		log.Info().Str("status", string(outcome.Status)).Msg("Сверка: операция продолжена")
	}
}

func (r *Reconciler) settlePayments(ctx context.Context, rep *Report) {
	now := r.now()
	pending, err := r.payments.ListStalePending(ctx, now.Add(-r.cfg.PendingAge), r.cfg.BatchSize)
	if err != nil {
		logger.Error().Err(err).Msg("Сверка: ошибка чтения зависших платежей")
		rep.Errors++
		return
	}

	for _, p := range pending {
		log := logger.With().Str("payment_id", p.ID).Logger()

		switch {
		case p.OperationID != nil && *p.OperationID != "":
			r.settleOperationPayment(ctx, p, rep)

		case p.InvID != nil && now.Sub(p.CreatedAt) >= r.cfg.InvoiceExpiry:
			res, err := r.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusFailed, "счёт не оплачен")
			if err != nil {
				log.Error().Err(err).Msg("Сверка: ошибка закрытия просроченного счёта")
				rep.Errors++
				continue
			}
			if !res.AlreadyTerminal {
				rep.Expired++
				metrics.ReconcileActions.WithLabelValues("expired").Inc()
				log.Info().Str("inv_id", *p.InvID).Msg("Сверка: просроченный счёт переведён в FAILED")
			}
		}
	}
}

func (r *Reconciler) settleOperationPayment(ctx context.Context, p *domain.Payment, rep *Report) {
	opID := *p.OperationID
	log := logger.With().Str("payment_id", p.ID).Str("operation_id", opID).Logger()

	_, err := r.balances.History(ctx, opID)
	switch {
	case err == nil:
		res, err := r.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusCompleted, "")
		if err != nil {
			log.Error().Err(err).Msg("Сверка: ошибка завершения платежа")
			rep.Errors++
			return
		}
		if !res.AlreadyTerminal {
			rep.Completed++
			metrics.ReconcileActions.WithLabelValues("completed").Inc()
			log.Info().Msg("Сверка: платёж завершён по истории баланса")
		}
		return

	case !errors.Is(err, domain.ErrOperationNotFound):
		log.Error().Err(err).Msg("Сверка: ошибка чтения истории баланса")
		rep.Errors++
		return
	}

	op, err := r.operations.Get(ctx, opID)
	if errors.Is(err, domain.ErrOperationNotFound) {
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Сверка: ошибка чтения операции")
		rep.Errors++
		return
	}
	if op.Status != domain.OperationFailed {
		return
	}

	res, err := r.payments.UpdateStatus(ctx, p.ID, domain.PaymentStatusFailed, op.FailureReason)
	if err != nil {
		log.Error().Err(err).Msg("Сверка: ошибка перевода платежа в FAILED")
		rep.Errors++
		return
	}
	if !res.AlreadyTerminal {
		rep.Failed++
		metrics.ReconcileActions.WithLabelValues("failed").Inc()
		log.Info().Msg("Сверка: платёж неуспешной операции переведён в FAILED")
	}
}

// cronLogger — cron.Logger поверх zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	logger.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	logger.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
