package jwt

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupBlacklist(t *testing.T) (*Blacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewBlacklist(client), mr
}

func TestBlacklist_AddAndCheck(t *testing.T) {
	bl, mr := setupBlacklist(t)
	ctx := context.Background()

	require.NoError(t, bl.Add(ctx, "jti-1", time.Now().Add(time.Hour)))

	revoked, err := bl.Check(ctx, "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
	assert.True(t, mr.TTL(prefixToken+"jti-1") > 0)

	revoked, err = bl.Check(ctx, "jti-2")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestBlacklist_AddExpiredIsNoop(t *testing.T) {
	bl, mr := setupBlacklist(t)

	require.NoError(t, bl.Add(context.Background(), "old", time.Now().Add(-time.Minute)))
	assert.False(t, mr.Exists(prefixToken+"old"))
}

func TestBlacklist_ServiceInvalidation(t *testing.T) {
	bl, mr := setupBlacklist(t)
	ctx := context.Background()

	invalidated, err := bl.IsServiceInvalidated(ctx, "bot", time.Now())
	require.NoError(t, err)
	assert.False(t, invalidated)

	require.NoError(t, bl.InvalidateService(ctx, "bot", time.Hour))

	invalidated, err = bl.IsServiceInvalidated(ctx, "bot", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.True(t, invalidated)

	invalidated, err = bl.IsServiceInvalidated(ctx, "bot", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, invalidated)

	require.NoError(t, mr.Set(prefixService+"broken", "not-a-number"))
	_, err = bl.IsServiceInvalidated(ctx, "broken", time.Now())
	assert.Error(t, err)
}

func TestManager_ValidateWithBlacklist(t *testing.T) {
	bl, mr := setupBlacklist(t)
	ctx := context.Background()

	key := generateKey(t)
	m := NewManagerFromKeys(key, &key.PublicKey, "stars-ledger", time.Hour)
	m.SetBlacklist(bl)

	token, expiresAt, err := m.Issue("bot", ScopeBalanceRead)
	require.NoError(t, err)

	claims, err := m.ValidateWithBlacklist(ctx, token)
	require.NoError(t, err)

	require.NoError(t, bl.Add(ctx, claims.ID, expiresAt))
	_, err = m.ValidateWithBlacklist(ctx, token)
	assert.ErrorIs(t, err, ErrTokenRevoked)

	other, _, err := m.Issue("other-bot")
	require.NoError(t, err)
	future := strconv.FormatInt(time.Now().Add(time.Minute).Unix(), 10)
	require.NoError(t, mr.Set(prefixService+"other-bot", future))

	_, err = m.ValidateWithBlacklist(ctx, other)
	assert.ErrorIs(t, err, ErrServiceRevoked)
}
