package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBalanceUpdateFailed_FlattensRequestFields(t *testing.T) {
	ev := &BalanceUpdateFailed{
		BalanceProcess: BalanceProcess{
			TelegramID:  "144022504",
			Amount:      10,
			Type:        "money_expense",
			OperationID: "op-1",
		},
		Error:     "недостаточно средств",
		Kind:      KindInsufficientFunds,
		Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	data, err := ev.ToJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"telegram_id":"144022504","amount":10,"type":"money_expense","operation_id":"op-1",
		"error":"недостаточно средств","kind":"INSUFFICIENT_FUNDS","timestamp":"2025-01-01T00:00:00Z"
	}`, string(data))
}

func TestBalanceUpdated_BalancesFromMetadata(t *testing.T) {
	raw := []byte(`{"telegram_id":"1","amount":50,"type":"money_income","operation_id":"op",
		"metadata":{"old_balance":100,"new_balance":150,"delta":50,"source":"robokassa"},"timestamp":"2025-01-01T00:00:00Z"}`)

	ev, err := BalanceUpdatedFromJSON(raw)
	require.NoError(t, err)

	newBal, ok := ev.NewBalance()
	assert.True(t, ok)
	assert.Equal(t, int64(150), newBal)

	oldBal, ok := ev.OldBalance()
	assert.True(t, ok)
	assert.Equal(t, int64(100), oldBal)

	delta, ok := ev.Delta()
	assert.True(t, ok)
	assert.Equal(t, int64(50), delta)
	assert.Equal(t, "robokassa", ev.Metadata["source"])
}

func TestBalanceProcessFromJSON_Invalid(t *testing.T) {
	_, err := BalanceProcessFromJSON([]byte(`{"telegram_id":`))
	assert.Error(t, err)
}
