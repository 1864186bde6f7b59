package audit

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/pkg/backend"
)

func setupLog(t *testing.T) *Log {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b, err := backend.NewRedisBackend(context.Background(), &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return New(b)
}

func TestRecordAndRead(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()

	id1, err := l.Record(ctx, "agent-a", KindTaskClaim, "task t1", "claimed for work")
	require.NoError(t, err)
	id2, err := l.Record(ctx, "agent-b", KindApproval, "approval ap1", "deploy approved")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	all, err := l.Read(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, KindTaskClaim, all[0].Kind)
	assert.Equal(t, "agent-a", all[0].AgentID)
	assert.Equal(t, "task t1", all[0].Context)
	assert.NotEmpty(t, all[0].Timestamp)

	t.Run("cursor replay excludes the cursor entry", func(t *testing.T) {
		rest, err := l.Read(ctx, id1, 0)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, id2, rest[0].ID)
	})
}

func TestRecent(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Record(ctx, "agent-a", KindTaskComplete, fmt.Sprintf("task %d", i), "")
		require.NoError(t, err)
	}

	newest, err := l.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, newest, 2)
	assert.Equal(t, "task 4", newest[0].Context)
	assert.Equal(t, "task 3", newest[1].Context)
}

func TestByAgent(t *testing.T) {
	l := setupLog(t)
	ctx := context.Background()

	_, err := l.Record(ctx, "agent-a", KindTaskClaim, "t1", "")
	require.NoError(t, err)
	_, err = l.Record(ctx, "agent-b", KindTaskClaim, "t2", "")
	require.NoError(t, err)
	_, err = l.Record(ctx, "agent-a", KindTaskFail, "t1", "boom")
	require.NoError(t, err)

	mine, err := l.ByAgent(ctx, "agent-a", 10)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, KindTaskFail, mine[0].Kind, "newest first")
	for _, e := range mine {
		assert.Equal(t, "agent-a", e.AgentID)
	}
}
