package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
)

type sent struct {
	chatID int64
	text   string
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []sent
	err  error
}

func (s *fakeSender) Send(_ context.Context, chatID int64, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, sent{chatID: chatID, text: text})
	return nil
}

func (s *fakeSender) all() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sent(nil), s.msgs...)
}

func balance(v int64) *int64 { return &v }

func TestBalanceUpdated_Credit(t *testing.T) {
	s := &fakeSender{}
	d := New(s, Config{Language: "ru"})

	d.BalanceUpdated(context.Background(), &events.BalanceUpdated{
		TelegramID:  "144022504",
		OperationID: "op-1",
		Metadata:    map[string]any{events.MetaDelta: float64(100), events.MetaNewBalance: float64(150)},
	})

	msgs := s.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(144022504), msgs[0].chatID)
	assert.Equal(t, "Баланс пополнен на 100 ⭐. Текущий баланс: 150 ⭐.", msgs[0].text)
}

func TestBalanceUpdated_DebitOnlyWhenRequested(t *testing.T) {
	s := &fakeSender{}
	d := New(s, Config{Language: "ru"})
	meta := map[string]any{events.MetaDelta: float64(-30), events.MetaNewBalance: float64(120)}

	d.BalanceUpdated(context.Background(), &events.BalanceUpdated{TelegramID: "42", Metadata: meta})
	assert.Empty(t, s.all())

	meta[events.MetaNotify] = true
	meta[events.MetaLanguage] = "en"
	d.BalanceUpdated(context.Background(), &events.BalanceUpdated{TelegramID: "42", Metadata: meta})

	msgs := s.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "30 ⭐ charged. Current balance: 120 ⭐.", msgs[0].text)
}

func TestBalanceUpdateFailed(t *testing.T) {
	tests := []struct {
		name      string
		kind      events.Kind
		wantChats []int64
		contains  string
	}{
		{"недостаточно средств", events.KindInsufficientFunds, []int64{42}, "нужно 10 ⭐, на балансе 5 ⭐"},
		{"сбой хранилища с алертом", events.KindStoreError, []int64{42, 777}, "op-1"},
		{"некорректный запрос", events.KindInvalidRequest, nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &fakeSender{}
			d := New(s, Config{AdminChatID: 777, Language: "ru"})

			d.BalanceUpdateFailed(context.Background(), &events.BalanceUpdateFailed{
				BalanceProcess: events.BalanceProcess{TelegramID: "42", Amount: 10, Type: "money_expense", OperationID: "op-1"},
				Error:          "ошибка хранилища: adjust: timeout",
				Kind:           tt.kind,
				Balance:        balance(5),
			})

			msgs := s.all()
			require.Len(t, msgs, len(tt.wantChats))
			for i, chat := range tt.wantChats {
				assert.Equal(t, chat, msgs[i].chatID)
			}
			if tt.contains != "" {
				assert.Contains(t, msgs[len(msgs)-1].text, tt.contains)
			}
		})
	}
}

func TestSendFailureDoesNotPropagate(t *testing.T) {
	d := New(&fakeSender{err: errors.New("bot was blocked by the user")}, Config{})

	err := d.Handler()(context.Background(), &kafka.Message{
		Topic: kafka.TopicBalanceUpdated,
		Value: []byte(`{"telegram_id":"42","operation_id":"op","metadata":{"delta":5,"new_balance":5}}`),
	})
	assert.NoError(t, err)
}

func TestHandler_Routing(t *testing.T) {
	s := &fakeSender{}
	h := New(s, Config{}).Handler()
	ctx := context.Background()

	require.NoError(t, h(ctx, &kafka.Message{Topic: kafka.TopicBalanceUpdated, Value: []byte(`{`)}))
	require.NoError(t, h(ctx, &kafka.Message{Topic: "unknown", Value: []byte(`{}`)}))
	assert.Empty(t, s.all())

	require.NoError(t, h(ctx, &kafka.Message{
		Topic: kafka.TopicBalanceUpdateFailed,
		Value: []byte(`{"telegram_id":"42","amount":10,"kind":"INSUFFICIENT_FUNDS","balance":3}`),
	}))
	msgs := s.all()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].text, "на балансе 3")
}

func TestHandler_NonNumericTelegramID(t *testing.T) {
	s := &fakeSender{}
	d := New(s, Config{})

	d.BalanceUpdated(context.Background(), &events.BalanceUpdated{
		TelegramID: "not-a-chat",
		Metadata:   map[string]any{events.MetaDelta: float64(1), events.MetaNewBalance: float64(1)},
	})
	assert.Empty(t, s.all())
}

type stubConsumer struct {
	msgs []*kafka.Message
}

func (c *stubConsumer) Consume(ctx context.Context, handler kafka.MessageHandler) error {
	for _, m := range c.msgs {
		if err := handler(ctx, m); err != nil {
			return err
		}
	}
	<-ctx.Done()
	return ctx.Err()
}

func (c *stubConsumer) Close() error { return nil }

func TestRun(t *testing.T) {
	s := &fakeSender{}
	d := New(s, Config{})

	updated := &stubConsumer{msgs: []*kafka.Message{{
		Topic: kafka.TopicBalanceUpdated,
		Value: []byte(`{"telegram_id":"1","metadata":{"delta":10,"new_balance":10}}`),
	}}}
	failed := &stubConsumer{msgs: []*kafka.Message{{
		Topic: kafka.TopicBalanceUpdateFailed,
		Value: []byte(`{"telegram_id":"2","amount":5,"kind":"STORE_ERROR"}`),
	}}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, updated, failed) }()

	require.Eventually(t, func() bool { return len(s.all()) == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
