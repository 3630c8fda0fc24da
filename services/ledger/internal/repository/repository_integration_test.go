//go:build integration

// Интеграционные тесты репозиториев на реальном MySQL.
// Требует: MySQL (настройки из .env или переменных окружения).
// Запуск: go test -tags=integration -v ./services/ledger/internal/repository/...
package repository

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"example.com/stars-ledger/pkg/config"
	dbpkg "example.com/stars-ledger/pkg/db"
	"example.com/stars-ledger/pkg/events"
	"example.com/stars-ledger/pkg/kafka"
	"example.com/stars-ledger/pkg/outbox"
	"example.com/stars-ledger/services/ledger/internal/domain"
	"example.com/stars-ledger/services/ledger/migrations"
)

var testDB *gorm.DB

func TestMain(m *testing.M) {
	cfg, err := config.LoadFromFile("../../../../.env")
	if err != nil {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Printf("Ошибка загрузки конфигурации: %v\n", err)
		os.Exit(1)
	}

	if err := dbpkg.Migrate(cfg.MySQL.MigrateURL(), migrations.FS, "."); err != nil {
		fmt.Printf("Ошибка миграций: %v\n", err)
		os.Exit(1)
	}

	testDB, err = dbpkg.ConnectMySQL(cfg.MySQL, false)
	if err != nil {
		fmt.Printf("Ошибка подключения к MySQL: %v\n", err)
		os.Exit(1)
	}

	cleanup()
	code := m.Run()
	cleanup()

	os.Exit(code)
}

func cleanup() {
	testDB.Exec("DELETE FROM outbox WHERE aggregate_id LIKE 'it-%'")
	testDB.Exec("DELETE FROM balance_operations WHERE operation_id LIKE 'it-%'")
	testDB.Exec("DELETE FROM balance_history WHERE telegram_id LIKE 'it-%'")
	testDB.Exec("DELETE FROM user_balances WHERE telegram_id LIKE 'it-%'")
	testDB.Exec("DELETE FROM payments WHERE telegram_id LIKE 'it-%'")
}

func testID(prefix string) string {
	return "it-" + prefix + "-" + uuid.NewString()[:8]
}

func TestBalanceRepository_ConcurrentDebitsNeverOverdraw(t *testing.T) {
	repo := NewBalanceRepository(testDB)
	ctx := context.Background()
	user := testID("user")

	_, err := repo.Adjust(ctx, user, testID("credit"), 100)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int64
	)
	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Adjust(ctx, user, testID("debit"), -10); err == nil {
				succeeded.Add(1)
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientFunds)
			}
		}()
	}
	wg.Wait()

	balance, err := repo.Read(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(10), succeeded.Load())
	assert.Equal(t, int64(0), balance)
}

func TestBalanceRepository_ReplayAppliesOnce(t *testing.T) {
	repo := NewBalanceRepository(testDB)
	ctx := context.Background()
	user := testID("user")
	opID := testID("op")

	first, err := repo.Adjust(ctx, user, opID, 50)
	require.NoError(t, err)
	second, err := repo.Adjust(ctx, user, opID, 50)
	require.NoError(t, err)

	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.After, second.After)

	balance, err := repo.Read(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance)
}

func TestPaymentRepository_UniqueInvIDAmongActive(t *testing.T) {
	repo := NewPaymentRepository(testDB)
	ctx := context.Background()
	invID := testID("inv")

	newPayment := func() *domain.Payment {
		return &domain.Payment{
			ID:         uuid.NewString(),
			TelegramID: testID("user"),
			Currency:   "RUB",
			Stars:      100,
			Type:       domain.PaymentTypeMoneyIncome,
			Status:     domain.PaymentStatusPending,
			Provider:   domain.ProviderRobokassa,
			InvID:      domain.StringPtr(invID),
			CreatedAt:  time.Now().UTC(),
			UpdatedAt:  time.Now().UTC(),
		}
	}

	first := newPayment()
	require.NoError(t, repo.Create(ctx, first))
	assert.ErrorIs(t, repo.Create(ctx, newPayment()), domain.ErrDuplicatePayment)

	// отменённый платёж не занимает inv_id
	updated, err := repo.UpdateStatus(ctx, first.ID, domain.PaymentStatusCancelled, nil)
	require.NoError(t, err)
	require.True(t, updated)
	assert.NoError(t, repo.Create(ctx, newPayment()))
}

func TestOperationRepository_FinishOnce(t *testing.T) {
	repo := NewOperationRepository(testDB, outbox.NewRepository(testDB, "balance_operation"))
	ctx := context.Background()
	opID := testID("op")

	op := &domain.Operation{
		OperationID: opID,
		TelegramID:  testID("user"),
		Delta:       10,
		Request:     domain.BalanceRequest{TelegramID: "x", Amount: 10, Type: domain.PaymentTypeBonus, OperationID: opID},
	}
	_, created, err := repo.Begin(ctx, op)
	require.NoError(t, err)
	require.True(t, created)

	op.Status = domain.OperationSucceeded
	ev := &events.BalanceUpdated{TelegramID: op.TelegramID, OperationID: opID, Timestamp: time.Now().UTC()}

	var finished atomic.Int64
	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := outbox.NewRecord("balance_operation", opID, kafka.TopicBalanceUpdated, op.TelegramID, ev, nil)
			if !assert.NoError(t, err) {
				return
			}
			ok, err := repo.Finish(ctx, op, rec)
			assert.NoError(t, err)
			if ok {
				finished.Add(1)
			}
		}()
	}
	wg.Wait()

	var outboxRows int64
	require.NoError(t, testDB.Table("outbox").Where("aggregate_id = ?", opID).Count(&outboxRows).Error)
	assert.Equal(t, int64(1), finished.Load())
	assert.Equal(t, int64(1), outboxRows)
}
