package invoice

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/stars-ledger/pkg/metrics"
)

type checkerFunc func(ctx context.Context, invID string) (bool, error)

func (f checkerFunc) InvIDExists(ctx context.Context, invID string) (bool, error) {
	return f(ctx, invID)
}

func emptyLedger() Checker {
	return checkerFunc(func(context.Context, string) (bool, error) { return false, nil })
}

func TestAllocate_ConcurrentUnique(t *testing.T) {
	a := NewAllocator(emptyLedger(), DefaultConfig())

	const n = 10_000
	ids := make([]string, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i] = a.Allocate(context.Background(), "123456789")
		}(i)
	}
	wg.Wait()

	seen := make(map[string]struct{}, n)
	for _, id := range ids {
		require.NotEmpty(t, id)
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, n)
}

func TestAllocate_RetriesOnCollision(t *testing.T) {
	var calls atomic.Int32
	checker := checkerFunc(func(context.Context, string) (bool, error) {
		return calls.Add(1) == 1, nil
	})
	a := NewAllocator(checker, DefaultConfig())

	id := a.Allocate(context.Background(), "42")

	assert.NotEmpty(t, id)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAllocate_FallbackWhenCheckFails(t *testing.T) {
	var calls atomic.Int32
	checker := checkerFunc(func(context.Context, string) (bool, error) {
		calls.Add(1)
		return false, errors.New("mysql недоступен")
	})
	a := NewAllocator(checker, Config{MaxAttempts: 3, CheckTimeout: 50 * time.Millisecond})
	a.now = func() time.Time { return time.UnixMilli(1712345678901) }

	before := testutil.ToFloat64(metrics.InvoiceFallbacks)
	id := a.Allocate(context.Background(), "987654321")

	assert.Equal(t, int32(3), calls.Load())
	assert.Regexp(t, `^17123456789014321\d{6}$`, id)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.InvoiceFallbacks))
}

func TestAllocate_SlowCheckerRespectsTimeout(t *testing.T) {
	checker := checkerFunc(func(ctx context.Context, _ string) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	a := NewAllocator(checker, Config{MaxAttempts: 3, CheckTimeout: 20 * time.Millisecond})

	start := time.Now()
	id := a.Allocate(context.Background(), "42")

	assert.NotEmpty(t, id)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAllocate_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := NewAllocator(checkerFunc(func(context.Context, string) (bool, error) {
		t.Fatal("проверка не должна вызываться")
		return false, nil
	}), DefaultConfig())

	assert.NotEmpty(t, a.Allocate(ctx, "7"))
}

func TestLastFour(t *testing.T) {
	assert.Equal(t, "6789", lastFour("123456789"))
	assert.Equal(t, "0042", lastFour("42"))
	assert.Equal(t, "0000", lastFour(""))
}
