package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokengate/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) (*Ledger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ledger := NewLedger(LedgerParam{
		Client: client,
		Config: config.Config{
			IdempotencyProcessingTTL: 8 * time.Minute,
			IdempotencyProcessedTTL:  24 * time.Hour,
		},
	})
	return ledger, mr
}

func TestTryAcquireIsExclusive(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	state, err := ledger.Peek(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessing, state)
}

func TestMarkProcessedRequiresProcessingState(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	// No claim yet, the transition must not fire.
	ok, err := ledger.MarkProcessed(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)

	ok, err = ledger.MarkProcessed(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)

	state, err := ledger.Peek(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateProcessed, state)

	// A stale duplicate cannot transition again.
	ok, err = ledger.MarkProcessed(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseAllowsImmediateRetry(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()

	ok, err := ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ledger.Release(ctx, "r1"))

	state, err := ledger.Peek(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StateNone, state)

	ok, err = ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestProcessingClaimExpires(t *testing.T) {
	ledger, mr := newTestLedger(t)
	ctx := context.Background()

	ok, err := ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(9 * time.Minute)

	ok, err = ledger.TryAcquire(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
}
