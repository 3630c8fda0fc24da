package consumer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/internal/ledger"
	"example.com/stars-ledger/services/ledger/internal/orchestrator"
	"example.com/stars-ledger/services/ledger/internal/testutil"
)

type mockProcessor struct {
	mock.Mock
}

func (m *mockProcessor) Process(ctx context.Context, req domain.BalanceRequest) (*domain.Outcome, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Outcome), args.Error(1)
}

type mockKafkaConsumer struct {
	mock.Mock
}

func (m *mockKafkaConsumer) ConsumeWithRetry(ctx context.Context, handler kafka.MessageHandler, maxRetries int) error {
	return m.Called(ctx, handler, maxRetries).Error(0)
}

func (m *mockKafkaConsumer) Close() error {
	return m.Called().Error(0)
}

func TestHandleMessage_ProcessesRequest(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	p.On("Process", mock.Anything, mock.MatchedBy(func(r domain.BalanceRequest) bool {
		return r.TelegramID == "42" && r.Amount == 7 && r.Type == domain.PaymentTypeMoneyExpense && r.OperationID == "op-1"
	})).Return(&domain.Outcome{OperationID: "op-1", Status: domain.OperationSucceeded}, nil)

	err := c.handleMessage(context.Background(), &kafka.Message{
		Value: []byte(`{"telegram_id":"42","amount":7,"type":"money_expense","operation_id":"op-1"}`),
	})

	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestHandleMessage_OperationIDFromHeader(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	p.On("Process", mock.Anything, mock.MatchedBy(func(r domain.BalanceRequest) bool {
		return r.OperationID == "hdr-op"
	})).Return(&domain.Outcome{Status: domain.OperationSucceeded}, nil)

	err := c.handleMessage(context.Background(), &kafka.Message{
		Value:   []byte(`{"telegram_id":"42","amount":7,"type":"bonus"}`),
		Headers: map[string]string{kafka.HeaderOperationID: "hdr-op"},
	})

	require.NoError(t, err)
	p.AssertExpectations(t)
}

func TestHandleMessage_OperationIDFromMessageCoordinates(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	p.On("Process", mock.Anything, mock.MatchedBy(func(r domain.BalanceRequest) bool {
		return r.OperationID == "kafka:balance.process:2:117"
	})).Return(&domain.Outcome{Status: domain.OperationSucceeded}, nil)

	err := c.handleMessage(context.Background(), &kafka.Message{
		Topic:     kafka.TopicBalanceProcess,
		Partition: 2,
		Offset:    117,
		Value:     []byte(`{"telegram_id":"42","amount":7,"type":"bonus"}`),
	})

	require.NoError(t, err)
	p.AssertExpectations(t)
}

// Сообщение без operation_id, у которого не записалось завершение операции:
// повтор сообщения продолжает ту же операцию и не списывает второй раз.
func TestHandleMessage_RetryWithoutOperationIDDebitsOnce(t *testing.T) {
	payments := testutil.NewPayments()
	balances := testutil.NewBalances()
	ops := testutil.NewOperations()
	balances.Set("42", 100)

	guard := ledger.DefaultGuardConfig()
	guard.Breaker.MinRequests = 1_000_000
	orch := orchestrator.New(
		ledger.NewPaymentLedger(payments, nil, ledger.PaymentsConfig{Guard: guard}),
		ledger.NewBalanceStore(balances, guard),
		ops,
		orchestrator.Config{RetryAttempts: 3, RetryBaseDelay: time.Millisecond},
	)
	c := New(new(mockKafkaConsumer), orch, 3)

	ops.FailNext("Finish", 3)
	handler := kafka.WithRetry(c.handleMessage, 3, time.Millisecond)

	err := handler(context.Background(), &kafka.Message{
		Topic:  kafka.TopicBalanceProcess,
		Offset: 5,
		Value:  []byte(`{"telegram_id":"42","amount":30,"type":"money_expense"}`),
	})

	require.NoError(t, err)
	b, err := balances.Read(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, int64(70), b)
	assert.Len(t, payments.All(), 1)
	assert.Len(t, ops.EventsByTopic(kafka.TopicBalanceUpdated), 1)
}

func TestHandleMessage_MalformedDropped(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	err := c.handleMessage(context.Background(), &kafka.Message{Value: []byte(`{не json`)})

	assert.NoError(t, err)
	p.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestHandleMessage_TerminalFailureIsNotRetried(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	p.On("Process", mock.Anything, mock.Anything).
		Return(&domain.Outcome{Status: domain.OperationFailed, FailureKind: domain.FailureInsufficientFunds}, domain.ErrInsufficientFunds)

	err := c.handleMessage(context.Background(), &kafka.Message{
		Value: []byte(`{"telegram_id":"42","amount":10,"type":"money_expense","operation_id":"op-2"}`),
	})

	assert.NoError(t, err)
}

func TestHandleMessage_UnregisteredOperationRetried(t *testing.T) {
	p := new(mockProcessor)
	c := New(new(mockKafkaConsumer), p, 3)

	p.On("Process", mock.Anything, mock.Anything).Return(nil, domain.NewStoreError("operations.begin", errors.New("mysql down")))

	err := c.handleMessage(context.Background(), &kafka.Message{
		Value: []byte(`{"telegram_id":"42","amount":10,"type":"bonus","operation_id":"op-3"}`),
	})

	assert.ErrorIs(t, err, domain.ErrStore)
}

func TestRun_UsesRetries(t *testing.T) {
	kc := new(mockKafkaConsumer)
	c := New(kc, new(mockProcessor), 5)

	kc.On("ConsumeWithRetry", mock.Anything, mock.Anything, 5).Return(context.Canceled)

	err := c.Run(context.Background())

	assert.ErrorIs(t, err, context.Canceled)
	kc.AssertExpectations(t)
}
