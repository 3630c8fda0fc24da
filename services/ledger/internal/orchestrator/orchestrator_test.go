package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/ledger"
	"example.com/stars-ledger/services/ledger/internal/testutil"
)

type fixture struct {
	orch     *Orchestrator
	payments *testutil.Payments
	balances *testutil.Balances
	ops      *testutil.Operations
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		payments: testutil.NewPayments(),
		balances: testutil.NewBalances(),
		ops:      testutil.NewOperations(),
	}
	guard := ledger.DefaultGuardConfig()
	guard.Breaker.MinRequests = 1_000_000 // breaker не мешает тестам со сбоями

	f.orch = New(
		ledger.NewPaymentLedger(f.payments, nil, ledger.PaymentsConfig{Guard: guard}),
		ledger.NewBalanceStore(f.balances, guard),
		f.ops,
		DefaultConfig(),
	)
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func (f *fixture) balance(t *testing.T, telegramID string) int64 {
	b, err := f.balances.Read(context.Background(), telegramID)
	require.NoError(t, err)
	return b
}

func credit(id string, amount int64) domain.BalanceRequest {
	return domain.BalanceRequest{TelegramID: "42", Amount: amount, Type: domain.PaymentTypeMoneyIncome, OperationID: id}
}

func debit(id string, amount int64) domain.BalanceRequest {
	return domain.BalanceRequest{TelegramID: "42", Amount: amount, Type: domain.PaymentTypeMoneyExpense, OperationID: id, BotName: "neuro_bot"}
}

func TestProcess_RoundTripAccounting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	steps := []struct {
		req  domain.BalanceRequest
		want int64
		err  error
	}{
		{credit("c1", 100), 100, nil},
		{credit("c2", 50), 150, nil},
		{debit("d1", 30), 120, nil},
		{debit("d2", 120), 0, nil},
		{debit("d3", 1), 0, domain.ErrInsufficientFunds},
	}

	for _, s := range steps {
		outcome, err := f.orch.Process(ctx, s.req)
		if s.err != nil {
			require.ErrorIs(t, err, s.err, s.req.OperationID)
			assert.Equal(t, domain.OperationFailed, outcome.Status)
		} else {
			require.NoError(t, err, s.req.OperationID)
			require.NotNil(t, outcome.NewBalance)
			assert.Equal(t, s.want, *outcome.NewBalance)
		}
		assert.Equal(t, s.want, f.balance(t, "42"))
	}
}

func TestProcess_RejectedDebitKeepsBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []domain.BalanceRequest{credit("c1", 100), credit("c2", 50), debit("d1", 30)} {
		_, err := f.orch.Process(ctx, req)
		require.NoError(t, err)
	}

	_, err := f.orch.Process(ctx, debit("d2", 150))

	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, int64(120), f.balance(t, "42"))
}

func TestProcess_InsufficientFundsEmitsSingleFailedEvent(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 5)

	outcome, err := f.orch.Process(context.Background(), debit("op-1", 10))

	require.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Equal(t, domain.FailureInsufficientFunds, outcome.FailureKind)

	failed := f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed)
	require.Len(t, failed, 1)
	assert.Empty(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdated))

	ev, err := events.BalanceUpdateFailedFromJSON(failed[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, events.KindInsufficientFunds, ev.Kind)
	assert.Equal(t, int64(10), ev.Amount)
	assert.Equal(t, "neuro_bot", ev.BotName)
	assert.Equal(t, "op-1", failed[0].Headers["operation_id"])

	// повтор того же запроса не порождает второе событие
	_, err = f.orch.Process(context.Background(), debit("op-1", 10))
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
	assert.Len(t, f.ops.Events(), 1)
	assert.Equal(t, int64(5), f.balance(t, "42"))

	payments := f.payments.All()
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentStatusFailed, payments[0].Status)
}

func TestProcess_NoDoubleSpend(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 100)

	const (
		requests = 40
		cost     = 9
	)

	var ok, rejected atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Process(context.Background(), debit(fmt.Sprintf("op-%d", i), cost))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientFunds):
				rejected.Add(1)
			default:
				t.Errorf("неожиданная ошибка: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(100/cost), ok.Load())
	assert.Equal(t, int32(requests-100/cost), rejected.Load())
	assert.Equal(t, int64(100%cost), f.balance(t, "42"))
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdated), 100/cost)
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed), requests-100/cost)
}

func TestProcess_SuccessEvent(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 20)

	req := debit("op-ok", 15)
	req.Metadata = map[string]any{"mode": "text_to_image"}

	outcome, err := f.orch.Process(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationSucceeded, outcome.Status)
	assert.Equal(t, int64(-15), outcome.Delta)

	updated := f.ops.EventsByTopic(kafka.TopicBalanceUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, "42", updated[0].MessageKey)

	ev, err := events.BalanceUpdatedFromJSON(updated[0].Payload)
	require.NoError(t, err)
	oldB, _ := ev.OldBalance()
	newB, _ := ev.NewBalance()
	assert.Equal(t, int64(20), oldB)
	assert.Equal(t, int64(5), newB)
	assert.Equal(t, "text_to_image", ev.Metadata["mode"])

	payments := f.payments.All()
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentStatusCompleted, payments[0].Status)
	assert.Equal(t, int64(-15), payments[0].Stars)
}

func TestProcess_ReplayReturnsRecordedOutcome(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.Process(context.Background(), credit("op-r", 100))
	require.NoError(t, err)
	second, err := f.orch.Process(context.Background(), credit("op-r", 100))
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, *first.NewBalance, *second.NewBalance)
	assert.Equal(t, int64(100), f.balance(t, "42"))
	assert.Len(t, f.ops.Events(), 1)
	assert.Len(t, f.payments.All(), 1)
}

func TestProcess_RetriesTransientStoreErrors(t *testing.T) {
	f := newFixture(t)
	f.balances.FailNext("Read", 2)
	f.balances.FailNext("Adjust", 2)

	outcome, err := f.orch.Process(context.Background(), credit("op-t", 10))

	require.NoError(t, err)
	assert.Equal(t, int64(10), *outcome.NewBalance)
	assert.Equal(t, 3, f.balances.Calls("Read"))
	assert.Equal(t, 3, f.balances.Calls("Adjust"))
}

func TestProcess_StoreErrorExhaustedEmitsFailed(t *testing.T) {
	f := newFixture(t)
	f.balances.FailNext("Read", 3)

	outcome, err := f.orch.Process(context.Background(), credit("op-s", 10))

	assert.ErrorIs(t, err, domain.ErrStore)
	require.NotNil(t, outcome)
	assert.Equal(t, domain.FailureStoreError, outcome.FailureKind)
	assert.Equal(t, 3, f.balances.Calls("Read"))

	failed := f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed)
	require.Len(t, failed, 1)
	ev, err := events.BalanceUpdateFailedFromJSON(failed[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, events.KindStoreError, ev.Kind)
	assert.Equal(t, int64(0), f.balance(t, "42"))
}

// lostAckBalances применяет изменение, но отвечает сбоем, как при таймауте после коммита.
type lostAckBalances struct {
	ledger.BalanceStore
	mu          sync.Mutex
	lostAck     bool
	historyDown bool
}

func (b *lostAckBalances) set(lostAck, historyDown bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lostAck, b.historyDown = lostAck, historyDown
}

func (b *lostAckBalances) Adjust(ctx context.Context, telegramID, operationID string, delta int64) (*domain.AdjustResult, error) {
	res, err := b.BalanceStore.Adjust(ctx, telegramID, operationID, delta)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil && b.lostAck {
		return nil, domain.NewStoreError("balances.adjust", context.DeadlineExceeded)
	}
	return res, err
}

func (b *lostAckBalances) History(ctx context.Context, operationID string) (*domain.AdjustResult, error) {
	b.mu.Lock()
	down := b.historyDown
	b.mu.Unlock()
	if down {
		return nil, domain.NewStoreError("balances.history", errors.New("mysql down"))
	}
	return b.BalanceStore.History(ctx, operationID)
}

func TestProcess_UnconfirmedAdjustmentLeftForReconcile(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 100)

	guard := ledger.DefaultGuardConfig()
	guard.Breaker.MinRequests = 1_000_000
	store := &lostAckBalances{BalanceStore: ledger.NewBalanceStore(f.balances, guard), lostAck: true, historyDown: true}
	f.orch.balances = store

	outcome, err := f.orch.Process(context.Background(), debit("op-lost", 30))

	require.ErrorIs(t, err, domain.ErrStore)
	assert.Nil(t, outcome)
	assert.Equal(t, int64(70), f.balance(t, "42"))
	assert.Empty(t, f.ops.Events())

	op, err := f.ops.Get(context.Background(), "op-lost")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationRunning, op.Status)

	payments := f.payments.All()
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentStatusPending, payments[0].Status)

	// хранилище восстановилось: сверка завершает операцию без повторного списания
	store.set(false, false)
	outcome, err = f.orch.Resume(context.Background(), op)

	require.NoError(t, err)
	assert.Equal(t, domain.OperationSucceeded, outcome.Status)
	assert.Equal(t, int64(70), *outcome.NewBalance)
	assert.Equal(t, int64(70), f.balance(t, "42"))
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdated), 1)
	assert.Empty(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed))
	assert.Equal(t, domain.PaymentStatusCompleted, f.payments.All()[0].Status)
}

func TestProcess_AdjustmentNotAppliedFailsTerminally(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 100)
	f.balances.FailNext("Adjust", 3)

	outcome, err := f.orch.Process(context.Background(), debit("op-na", 30))

	require.ErrorIs(t, err, domain.ErrStore)
	require.NotNil(t, outcome)
	assert.Equal(t, domain.OperationFailed, outcome.Status)
	assert.Equal(t, int64(100), f.balance(t, "42"))
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed), 1)
}

func TestProcess_CompletePaymentFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	f.payments.FailNext("UpdateStatus", 10)

	outcome, err := f.orch.Process(context.Background(), credit("op-c", 25))

	require.NoError(t, err)
	assert.Equal(t, int64(25), *outcome.NewBalance)
	assert.Equal(t, int64(25), f.balance(t, "42"))

	payments := f.payments.All()
	require.Len(t, payments, 1)
	assert.Equal(t, domain.PaymentStatusPending, payments[0].Status)
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdated), 1)
}

func TestProcess_InvalidRequest(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.orch.Process(context.Background(), domain.BalanceRequest{TelegramID: "42", Amount: 0, Type: domain.PaymentTypeBonus, OperationID: "op-z"})

	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	assert.Equal(t, domain.FailureInvalidRequest, outcome.FailureKind)
	assert.Empty(t, f.payments.All())
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdateFailed), 1)
}

func TestProcess_OverlongKeysRejectedBeforeBegin(t *testing.T) {
	tests := []struct {
		name string
		req  domain.BalanceRequest
	}{
		{"длинный operation_id", credit(strings.Repeat("x", domain.MaxOperationIDLen+1), 10)},
		{"длинный telegram_id", domain.BalanceRequest{
			TelegramID: strings.Repeat("9", domain.MaxTelegramIDLen+1), Amount: 10,
			Type: domain.PaymentTypeBonus, OperationID: "op-long-tg",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)

			outcome, err := f.orch.Process(context.Background(), tt.req)

			assert.ErrorIs(t, err, domain.ErrInvalidRequest)
			assert.False(t, domain.IsRetryable(err))
			require.NotNil(t, outcome)
			assert.Equal(t, domain.OperationFailed, outcome.Status)
			assert.Equal(t, domain.FailureInvalidRequest, outcome.FailureKind)
			assert.Zero(t, f.ops.Calls("Begin"))
			assert.Empty(t, f.payments.All())
			assert.Empty(t, f.ops.Events())
		})
	}
}

func TestProcess_GeneratesOperationID(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.orch.Process(context.Background(), domain.BalanceRequest{TelegramID: "42", Amount: 5, Type: domain.PaymentTypeBonus})

	require.NoError(t, err)
	assert.NotEmpty(t, outcome.OperationID)
}

func TestProcess_SystemTypeKeepsSign(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 50)

	outcome, err := f.orch.Process(context.Background(), domain.BalanceRequest{TelegramID: "42", Amount: -20, Type: domain.PaymentTypeSystem, OperationID: "sys-1"})

	require.NoError(t, err)
	assert.Equal(t, int64(-20), outcome.Delta)
	assert.Equal(t, int64(30), f.balance(t, "42"))
}

func TestResume_FromCheckpointAfterAdjustment(t *testing.T) {
	f := newFixture(t)
	f.balances.Set("42", 40)

	// изменение применено, но процесс упал до чекпоинта ApplyAdjustment
	_, err := f.balances.Adjust(context.Background(), "42", "op-crash", -30)
	require.NoError(t, err)

	req := debit("op-crash", 30)
	old := int64(40)
	f.ops.Put(&domain.Operation{
		OperationID: "op-crash",
		TelegramID:  "42",
		Delta:       -30,
		Status:      domain.OperationRunning,
		LastStep:    domain.StepGetCurrentBalance,
		OldBalance:  &old,
		Request:     req,
		UpdatedAt:   time.Now().Add(-time.Hour),
	})

	op, err := f.ops.Get(context.Background(), "op-crash")
	require.NoError(t, err)

	outcome, err := f.orch.Resume(context.Background(), op)

	require.NoError(t, err)
	assert.Equal(t, domain.OperationSucceeded, outcome.Status)
	assert.Equal(t, int64(10), *outcome.NewBalance)
	assert.Equal(t, int64(10), f.balance(t, "42"))
	assert.Len(t, f.ops.EventsByTopic(kafka.TopicBalanceUpdated), 1)
}

func TestResume_TerminalOperation(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Process(context.Background(), credit("op-done", 10))
	require.NoError(t, err)

	op, err := f.ops.Get(context.Background(), "op-done")
	require.NoError(t, err)

	outcome, err := f.orch.Resume(context.Background(), op)

	require.NoError(t, err)
	assert.True(t, outcome.Replayed)
	assert.Len(t, f.ops.Events(), 1)
}
