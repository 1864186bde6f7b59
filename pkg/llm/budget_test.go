package llm

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

func setupBudget(t *testing.T, maxConcurrent int64, dailyDollars float64) *Budget {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b, err := backend.NewRedisBackend(context.Background(), &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b, maxConcurrent, dailyDollars)
}

func TestSemaphoreCap(t *testing.T) {
	bu := setupBudget(t, 2, 0)
	ctx := context.Background()

	rel1, err := bu.AcquireSlot(ctx, "a1", time.Second)
	require.NoError(t, err)
	rel2, err := bu.AcquireSlot(ctx, "a2", time.Second)
	require.NoError(t, err)

	n, err := bu.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = bu.AcquireSlot(ctx, "a3", 200*time.Millisecond)
	assert.ErrorIs(t, err, coord.ErrTimeout, "cap reached, third acquirer times out")

	rel1()
	rel3, err := bu.AcquireSlot(ctx, "a3", time.Second)
	require.NoError(t, err, "released slot is reusable")
	rel3()
	rel2()

	n, err = bu.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestWithSlotReleasesOnError(t *testing.T) {
	bu := setupBudget(t, 1, 0)
	ctx := context.Background()

	err := bu.WithSlot(ctx, "a1", time.Second, func() error { return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)

	n, err := bu.InFlight(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n, "slot released on the error path")
}

func TestDailyBudgetGate(t *testing.T) {
	bu := setupBudget(t, 4, 10.0)
	ctx := context.Background()

	require.NoError(t, bu.RecordUsage(ctx, "a1", "haiku", 1000, 4.0))
	rel, err := bu.AcquireSlot(ctx, "a1", time.Second)
	require.NoError(t, err, "under budget, slots grant")
	rel()

	require.NoError(t, bu.RecordUsage(ctx, "a1", "haiku", 2000, 6.5))
	_, err = bu.AcquireSlot(ctx, "a1", time.Second)
	assert.ErrorIs(t, err, coord.ErrBudgetExceeded,
		"over budget refuses new slots without interrupting calls in flight")
}

func TestUsageCounters(t *testing.T) {
	bu := setupBudget(t, 4, 0)
	ctx := context.Background()

	require.NoError(t, bu.RecordUsage(ctx, "a1", "sonnet", 500, 0.25))
	require.NoError(t, bu.RecordUsage(ctx, "a1", "sonnet", 300, 0.15))
	require.NoError(t, bu.RecordUsage(ctx, "a2", "sonnet", 100, 0.05))

	usage, err := bu.ModelUsage(ctx, "sonnet")
	require.NoError(t, err)
	assert.Equal(t, int64(900), usage.Tokens)
	assert.InDelta(t, 0.45, usage.Dollars, 1e-9)

	tokens, dollars, err := bu.AgentUsage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), tokens)
	assert.InDelta(t, 0.40, dollars, 1e-9)
}
