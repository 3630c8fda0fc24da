package outbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      db,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	return gormDB, mock
}

func TestRepository_GetUnprocessed(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB, "balance_operation")

	rows := sqlmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "event_type", "topic", "message_key", "payload", "headers", "created_at", "retry_count"}).
		AddRow("o-1", "balance_operation", "op-1", "balance.updated", "balance.updated", "42", []byte(`{}`), []byte(`{"operation_id":"op-1"}`), time.Now(), 0)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `outbox` WHERE processed_at IS NULL AND aggregate_type = ?")).
		WillReturnRows(rows)

	records, err := repo.GetUnprocessed(context.Background(), 10)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "op-1", records[0].AggregateID)
	assert.Equal(t, "op-1", records[0].Headers["operation_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkFailed(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB, "balance_operation")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `outbox` SET `last_error`=?,`retry_count`=retry_count + 1 WHERE id = ?")).
		WithArgs("kafka down", "o-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkFailed(context.Background(), "o-1", errors.New("kafka down")))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkProcessed_NotFound(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB, "balance_operation")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `outbox` SET `processed_at`=? WHERE id = ?")).
		WithArgs(sqlmock.AnyArg(), "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.MarkProcessed(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestRepository_Enqueue_UsesCallerTransaction(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := NewRepository(gormDB, "balance_operation")

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `outbox`")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := gormDB.Transaction(func(tx *gorm.DB) error {
		return repo.Enqueue(tx, &Record{ID: "o-1", AggregateID: "op-1", Topic: "balance.updated", Payload: []byte(`{}`)})
	})

	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
