// Package orchestrator выполняет операцию с балансом как цепочку именованных шагов:
//
//	RecordPayment → GetCurrentBalance → ValidateSufficiency → ApplyAdjustment → CompletePayment → Emit
//
// После каждого шага в balance_operations фиксируется last_step. Повтор той же
// операции (тот же operation_id) пропускает выполненные шаги, а завершённая
// операция возвращает записанный итог. Терминальный статус и событие для
// Kafka пишутся одной транзакцией через outbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/tracing"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/ledger"
	"example.com/stars-ledger/services/ledger/internal/repository"
)

const instrumentation = "stars-ledger/orchestrator"

// Config — политика повторов шагов.
type Config struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// DefaultConfig — 3 попытки, backoff от 100ms.
func DefaultConfig() Config {
	return Config{RetryAttempts: 3, RetryBaseDelay: 100 * time.Millisecond}
}

// Orchestrator — единственный компонент, который вызывает и PaymentLedger, и BalanceStore.
type Orchestrator struct {
	payments   ledger.PaymentLedger
	balances   ledger.BalanceStore
	operations repository.OperationRepository
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
}

// New создаёт оркестратор.
func New(payments ledger.PaymentLedger, balances ledger.BalanceStore, operations repository.OperationRepository, cfg Config) *Orchestrator {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	return &Orchestrator{
		payments:   payments,
		balances:   balances,
		operations: operations,
		cfg:        cfg,
		sleep:      sleepCtx,
	}
}

// run — состояние одной операции в процессе выполнения.
type run struct {
	op    *domain.Operation
	delta int64
	// fresh — операция создана этим вызовом, а не продолжена с чекпоинта
	fresh bool
}

// Process выполняет запрос на изменение баланса.
//
// Возвращает итог операции и доменную ошибку для неуспешного итога:
// domain.ErrInsufficientFunds и domain.ErrInvalidRequest не повторяются,
// domain.ErrStore возвращается после исчерпания попыток.
func (o *Orchestrator) Process(ctx context.Context, req domain.BalanceRequest) (*domain.Outcome, error) {
	if req.OperationID == "" {
		req.OperationID = uuid.NewString()
		logger.Ctx(ctx).Warn().
			Str("telegram_id", req.TelegramID).
			Str("operation_id", req.OperationID).
			Msg("Запрос без operation_id: сгенерирован новый, повтор не будет идемпотентным")
	}

	ctx = logger.WithOperationID(ctx, req.OperationID)
	if logger.CorrelationIDFromContext(ctx) == "" {
		ctx = logger.WithCorrelationID(ctx, req.OperationID)
	}

	ctx, span := tracing.Start(ctx, instrumentation, "balance.operation",
		attribute.String("operation_id", req.OperationID),
		attribute.String("telegram_id", req.TelegramID),
		attribute.String("type", string(req.Type)),
	)

	outcome, err := o.process(ctx, req)
	tracing.End(span, err)
	return outcome, err
}

func (o *Orchestrator) process(ctx context.Context, req domain.BalanceRequest) (*domain.Outcome, error) {
	log := logger.FromContext(ctx)

	// Ключи, не помещающиеся в схему, нельзя записать даже как проваленную операцию.
	if err := req.ValidateKeys(); err != nil {
		log.Warn().Err(err).Msg("Некорректные идентификаторы операции, запрос отклонён до записи")
		return &domain.Outcome{
			OperationID:   req.OperationID,
			TelegramID:    req.TelegramID,
			Status:        domain.OperationFailed,
			FailureKind:   domain.FailureInvalidRequest,
			FailureReason: err.Error(),
		}, err
	}

	bop, validationErr := domain.NewBalanceOperation(req)

	op :=&domain.Operation{
		OperationID: req.OperationID,
		TelegramID:  req.TelegramID,
		Request:     req,
	}
	if bop != nil {
		op.Delta = bop.Delta
		op.TelegramID = bop.Request.TelegramID
	}

	var (
		current *domain.Operation
		created bool
	)
	err := o.retry(ctx, "Begin", func(ctx context.Context) error {
		var err error
		current, created, err = o.operations.Begin(ctx, op)
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("Не удалось зарегистрировать операцию с балансом")
		return nil, err
	}

	if !created && current.Status.IsTerminal() {
		log.Info().Str("status", string(current.Status)).Msg("Операция уже завершена, возвращаем записанный итог")
		outcome := domain.OutcomeFromOperation(current)
		outcome.Replayed = true
		return outcome, outcome.Err()
	}

	r := &run{op: current, delta: current.Delta, fresh: created}

	if validationErr != nil {
		log.Warn().Err(validationErr).Msg("Некорректный запрос на изменение баланса")
		return o.fail(ctx, r, validationErr)
	}

	if !created {
		log.Info().Str("last_step", current.LastStep.String()).Msg("Продолжаем операцию с чекпоинта")
	}
	return o.execute(ctx, r)
}

// Resume продолжает зависшую RUNNING операцию с её чекпоинта (используется сверкой).
func (o *Orchestrator) Resume(ctx context.Context, op *domain.Operation) (*domain.Outcome, error) {
	ctx = logger.WithOperationID(ctx, op.OperationID)
	ctx, span := tracing.Start(ctx, instrumentation, "balance.operation.resume",
		attribute.String("operation_id", op.OperationID),
		attribute.String("last_step", op.LastStep.String()),
	)

	var (
		outcome *domain.Outcome
		err     error
	)
	if op.Status.IsTerminal() {
		outcome = domain.OutcomeFromOperation(op)
		outcome.Replayed = true
		err = outcome.Err()
	} else if _, verr := domain.NewBalanceOperation(op.Request); verr != nil {
		outcome, err = o.fail(ctx, &run{op: op, delta: op.Delta}, verr)
	} else {
		outcome, err = o.execute(ctx, &run{op: op, delta: op.Delta})
	}

	tracing.End(span, err)
	return outcome, err
}

// Get возвращает чекпоинт операции.
func (o *Orchestrator) Get(ctx context.Context, operationID string) (*domain.Operation, error) {
	return o.operations.Get(ctx, operationID)
}

// =============================================================================
// Шаги
// =============================================================================

func (o *Orchestrator) execute(ctx context.Context, r *run) (*domain.Outcome, error) {
	steps := []struct {
		step domain.Step
		fn   func(ctx context.Context, r *run) error
	}{
		{domain.StepRecordPayment, o.recordPayment},
		{domain.StepGetCurrentBalance, o.getCurrentBalance},
		{domain.StepValidateSufficiency, o.validateSufficiency},
		{domain.StepApplyAdjustment, o.applyAdjustment},
		{domain.StepCompletePayment, o.completePayment},
	}

	for _, s := range steps {
		if r.op.Done(s.step) {
			continue
		}
		if err := o.step(ctx, r, s.step, s.fn); err != nil {
			if s.step == domain.StepCompletePayment {
				// баланс уже изменён: платёж останется PENDING до сверки
				logger.Ctx(ctx).Error().Err(err).
					Str("payment_id", r.op.PaymentID).
					Msg("Не удалось завершить платёж после изменения баланса, сверка закроет его позже")
				continue
			}
			return o.fail(ctx, r, err)
		}
	}

	return o.succeed(ctx, r)
}

// step выполняет шаг с повторами и фиксирует чекпоинт.
func (o *Orchestrator) step(ctx context.Context, r *run, step domain.Step, fn func(ctx context.Context, r *run) error) error {
	ctx, span := tracing.Start(ctx, instrumentation, step.String())

	err := o.retry(ctx, step.String(), func(ctx context.Context) error { return fn(ctx, r) })
	if err == nil {
		err = o.checkpoint(ctx, r, step)
	}

	tracing.End(span, err)
	return err
}

func (o *Orchestrator) checkpoint(ctx context.Context, r *run, step domain.Step) error {
	patch := repository.CheckpointPatch{
		PaymentID:  domain.StringPtr(r.op.PaymentID),
		OldBalance: r.op.OldBalance,
		NewBalance: r.op.NewBalance,
	}
	err := o.retry(ctx, "Checkpoint", func(ctx context.Context) error {
		return o.operations.Checkpoint(ctx, r.op.OperationID, step, patch)
	})
	if err != nil {
		return err
	}
	r.op.LastStep = step
	return nil
}

func (o *Orchestrator) recordPayment(ctx context.Context, r *run) error {
	req := r.op.Request
	res, err := o.payments.Create(ctx, domain.CreatePaymentParams{
		TelegramID:  r.op.TelegramID,
		Stars:       r.delta,
		Type:        req.Type,
		Provider:    domain.ProviderSystem,
		Status:      domain.PaymentStatusPending,
		OperationID: r.op.OperationID,
		ServiceType: req.ServiceType,
		Description: req.Description,
		BotName:     req.BotName,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return err
	}
	if res.Duplicate {
		logger.Ctx(ctx).Info().Str("payment_id", res.Payment.ID).Msg("Платёж операции уже записан")
	}
	r.op.PaymentID = res.Payment.ID
	return nil
}

func (o *Orchestrator) getCurrentBalance(ctx context.Context, r *run) error {
	balance, err := o.balances.Read(ctx, r.op.TelegramID)
	if err != nil {
		return err
	}
	r.op.OldBalance = &balance
	return nil
}

func (o *Orchestrator) validateSufficiency(ctx context.Context, r *run) error {
	if r.delta >= 0 {
		return nil
	}

	// при продолжении списание могло быть применено до сбоя: баланс уже уменьшен
	if !r.fresh {
		if applied, err := o.balances.History(ctx, r.op.OperationID); err == nil {
			r.op.OldBalance = &applied.Before
			return nil
		} else if !errors.Is(err, domain.ErrOperationNotFound) {
			return err
		}
	}

	if r.op.OldBalance != nil && *r.op.OldBalance+r.delta < 0 {
		return fmt.Errorf("%w: баланс %d, списание %d", domain.ErrInsufficientFunds, *r.op.OldBalance, -r.delta)
	}
	return nil
}

func (o *Orchestrator) applyAdjustment(ctx context.Context, r *run) error {
	res, err := o.balances.Adjust(ctx, r.op.TelegramID, r.op.OperationID, r.delta)
	if err != nil {
		return err
	}
	r.op.OldBalance = &res.Before
	r.op.NewBalance = &res.After
	return nil
}

func (o *Orchestrator) completePayment(ctx context.Context, r *run) error {
	if r.op.PaymentID == "" {
		return nil
	}
	_, err := o.payments.UpdateStatus(ctx, r.op.PaymentID, domain.PaymentStatusCompleted, "")
	return err
}

// =============================================================================
// Завершение
// =============================================================================

func (o *Orchestrator) succeed(ctx context.Context, r *run) (*domain.Outcome, error) {
	log := logger.FromContext(ctx)

	r.op.Status = domain.OperationSucceeded
	r.op.LastStep = domain.StepEmit

	rec, err := updatedRecord(ctx, r.op)
	if err != nil {
		return nil, err
	}

	var finished bool
	err = o.retry(ctx, domain.StepEmit.String(), func(ctx context.Context) error {
		var err error
		finished, err = o.operations.Finish(ctx, r.op, rec)
		return err
	})
	if err != nil {
		// баланс изменён, операция остаётся RUNNING: событие отправит сверка
		log.Error().Err(err).Msg("Не удалось зафиксировать завершение операции")
		return nil, err
	}

	if !finished {
		return o.replayed(ctx, r.op.OperationID)
	}

	log.Info().
		Str("telegram_id", r.op.TelegramID).
		Int64("delta", r.delta).
		Int64("old_balance", deref(r.op.OldBalance)).
		Int64("new_balance", deref(r.op.NewBalance)).
		Msg("Баланс изменён")

	return domain.OutcomeFromOperation(r.op), nil
}

// fail — терминальная ошибка: платёж в FAILED, событие balance.update.failed.
func (o *Orchestrator) fail(ctx context.Context, r *run, cause error) (*domain.Outcome, error) {
	log := logger.FromContext(ctx)
	kind := domain.KindOf(cause)

	// ответ хранилища на изменение мог потеряться после коммита
	if kind == domain.FailureStoreError && r.op.Done(domain.StepValidateSufficiency) {
		var applied *domain.AdjustResult
		err := o.retry(ctx, "History", func(ctx context.Context) error {
			var err error
			applied, err = o.balances.History(ctx, r.op.OperationID)
			return err
		})
		switch {
		case err == nil:
			log.Warn().Err(cause).Msg("Изменение баланса найдено в истории, продолжаем операцию")
			r.op.OldBalance = &applied.Before
			r.op.NewBalance = &applied.After
			if err := o.checkpoint(ctx, r, domain.StepApplyAdjustment); err == nil {
				return o.execute(ctx, r)
			}
			return nil, cause
		case !errors.Is(err, domain.ErrOperationNotFound):
			// применено ли изменение, неизвестно: операция остаётся RUNNING до сверки
			log.Error().Err(err).AnErr("cause", cause).
				Msg("Не удалось проверить историю баланса, операцию завершит сверка")
			return nil, cause
		}
	}

	if r.op.PaymentID != "" {
		reason := cause.Error()
		err := o.retry(ctx, "FailPayment", func(ctx context.Context) error {
			_, err := o.payments.UpdateStatus(ctx, r.op.PaymentID, domain.PaymentStatusFailed, reason)
			return err
		})
		if err != nil {
			log.Error().Err(err).Str("payment_id", r.op.PaymentID).Msg("Не удалось перевести платёж в FAILED")
		}
	}

	r.op.Status = domain.OperationFailed
	r.op.FailureKind = kind
	r.op.FailureReason = cause.Error()

	rec, err := failedRecord(ctx, r.op)
	if err != nil {
		return nil, err
	}

	var finished bool
	err = o.retry(ctx, domain.StepEmit.String(), func(ctx context.Context) error {
		var err error
		finished, err = o.operations.Finish(ctx, r.op, rec)
		return err
	})
	if err != nil {
		log.Error().Err(err).AnErr("cause", cause).Msg("Не удалось зафиксировать неуспешную операцию")
		return nil, cause
	}
	if !finished {
		return o.replayed(ctx, r.op.OperationID)
	}

	ev := log.Warn()
	if kind == domain.FailureStoreError {
		ev = log.Error()
	}
	ev.Err(cause).
		Str("telegram_id", r.op.TelegramID).
		Str("failure_kind", string(kind)).
		Int64("delta", r.delta).
		Msg("Операция с балансом завершилась ошибкой")

	outcome := domain.OutcomeFromOperation(r.op)
	return outcome, outcome.Err()
}

// replayed — операцию параллельно завершил другой обработчик.
func (o *Orchestrator) replayed(ctx context.Context, operationID string) (*domain.Outcome, error) {
	op, err := o.operations.Get(ctx, operationID)
	if err != nil {
		return nil, err
	}
	outcome := domain.OutcomeFromOperation(op)
	outcome.Replayed = true
	return outcome, outcome.Err()
}

func deref(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
