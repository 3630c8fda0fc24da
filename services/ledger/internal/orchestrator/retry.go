package orchestrator

import (
	"context"
	"time"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/logger"
	"example.com/stars-ledger/pkg/metrics"
	"example.com/stars-ledger/pkg/outbox"
	"example.com/stars-ledger/pkg/tracing"
	"example.com/stars-ledger/services/ledger/internal/domain"
)

// AggregateType — тип агрегата в outbox.
const AggregateType = "balance_operation"

// retry повторяет fn только для временных сбоев хранилища (domain.ErrStore)
// с экспоненциальной задержкой. Бизнес-ошибки возвращаются сразу.
func (o *Orchestrator) retry(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	started := time.Now()
	var err error

	for attempt := 1; attempt <= o.cfg.RetryAttempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			metrics.ObserveStep(name, "success", started)
			return nil
		}
		if !domain.IsRetryable(err) || attempt == o.cfg.RetryAttempts {
			break
		}

		metrics.OrchestratorSteps.WithLabelValues(name, "retry").Inc()
		delay := o.cfg.RetryBaseDelay * time.Duration(1<<(attempt-1))
		logger.Ctx(ctx).Warn().Err(err).
			Str("step", name).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Временный сбой хранилища, повторяем шаг")

		if sleepErr := o.sleep(ctx, delay); sleepErr != nil {
			err = domain.NewStoreError(name, sleepErr)
			break
		}
	}

	metrics.ObserveStep(name, "error", started)
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// =============================================================================
// События
// =============================================================================

func eventHeaders(ctx context.Context, operationID string) map[string]string {
	traceID := tracing.TraceID(ctx)
	if traceID == "" {
		traceID = logger.TraceIDFromContext(ctx)
	}
	return outbox.HeadersFromIDs(traceID, logger.CorrelationIDFromContext(ctx), operationID)
}

func requestEvent(op *domain.Operation) events.BalanceProcess {
	req := op.Request
	return events.BalanceProcess{
		TelegramID:  op.TelegramID,
		Amount:      req.Amount,
		Type:        string(req.Type),
		Description: req.Description,
		BotName:     req.BotName,
		OperationID: op.OperationID,
		ServiceType: req.ServiceType,
		Metadata:    req.Metadata,
	}
}

// updatedRecord — balance.updated: поля запроса плюс old_balance, new_balance, delta.
func updatedRecord(ctx context.Context, op *domain.Operation) (*outbox.Record, error) {
	req := op.Request

	meta := make(map[string]any, len(req.Metadata)+4)
	for k, v := range req.Metadata {
		meta[k] = v
	}
	meta[events.MetaOldBalance] = deref(op.OldBalance)
	meta[events.MetaNewBalance] = deref(op.NewBalance)
	meta[events.MetaDelta] = op.Delta
	if op.PaymentID != "" {
		meta[events.MetaPaymentID] = op.PaymentID
	}

	ev := &events.BalanceUpdated{
		TelegramID:  op.TelegramID,
		Amount:      req.Amount,
		Type:        string(req.Type),
		BotName:     req.BotName,
		OperationID: op.OperationID,
		Metadata:    meta,
		Timestamp:   time.Now().UTC(),
	}
	return outbox.NewRecord(AggregateType, op.OperationID, kafka.TopicBalanceUpdated, op.TelegramID, ev, eventHeaders(ctx, op.OperationID))
}

// failedRecord — balance.update.failed: исходный запрос, вид ошибки и текст.
func failedRecord(ctx context.Context, op *domain.Operation) (*outbox.Record, error) {
	ev := &events.BalanceUpdateFailed{
		BalanceProcess: requestEvent(op),
		Error:          op.FailureReason,
		Kind:           events.Kind(op.FailureKind),
		Balance:        op.OldBalance,
		Timestamp:      time.Now().UTC(),
	}
	return outbox.NewRecord(AggregateType, op.OperationID, kafka.TopicBalanceUpdateFailed, op.TelegramID, ev, eventHeaders(ctx, op.OperationID))
}
