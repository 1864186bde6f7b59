package registry

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

// setupRegistry creates a registry over a miniredis-backed store.
func setupRegistry(t *testing.T, hungThreshold time.Duration) *Registry {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	b, err := backend.NewRedisBackend(context.Background(), &redis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	return New(b, hungThreshold)
}

func TestRegister(t *testing.T) {
	r := setupRegistry(t, 0)
	ctx := context.Background()

	id, err := r.Register(ctx, RegisterOptions{
		Role:         "engineer",
		Name:         "worker-1",
		WorkingOn:    "bootstrapping",
		Capabilities: []string{"backend", "general"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	agent, err := r.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "worker-1", agent.Name)
	assert.Equal(t, "engineer", agent.Role)
	assert.Equal(t, coord.AgentStatusActive, agent.Status)
	assert.Equal(t, agent.RegisteredAt, agent.LastHeartbeat)

	t.Run("idempotent on same id", func(t *testing.T) {
		again, err := r.Register(ctx, RegisterOptions{ID: id, Role: "engineer", Name: "worker-1"})
		require.NoError(t, err)
		assert.Equal(t, id, again)

		agents, err := r.ListAgents(ctx)
		require.NoError(t, err)
		assert.Len(t, agents, 1)
	})
}

func TestHeartbeat(t *testing.T) {
	r := setupRegistry(t, 0)
	ctx := context.Background()

	id, err := r.Register(ctx, RegisterOptions{Role: "engineer", Name: "hb"})
	require.NoError(t, err)

	t.Run("updates last_heartbeat", func(t *testing.T) {
		before, err := r.Get(ctx, id)
		require.NoError(t, err)

		time.Sleep(10 * time.Millisecond)
		require.NoError(t, r.Heartbeat(ctx, id, ""))

		after, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.NotEqual(t, before.LastHeartbeat, after.LastHeartbeat)
		// Idempotent on everything else.
		assert.Equal(t, before.Name, after.Name)
		assert.Equal(t, before.Role, after.Role)
		assert.Equal(t, before.WorkingOn, after.WorkingOn)
	})

	t.Run("optionally updates working_on", func(t *testing.T) {
		require.NoError(t, r.Heartbeat(ctx, id, "reviewing PR"))
		agent, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "reviewing PR", agent.WorkingOn)
	})

	t.Run("unknown agent", func(t *testing.T) {
		err := r.Heartbeat(ctx, coord.NewID(), "")
		assert.ErrorIs(t, err, coord.ErrUnknownAgent)
	})
}

func TestHungDetection(t *testing.T) {
	r := setupRegistry(t, 50*time.Millisecond)
	ctx := context.Background()

	fresh, err := r.Register(ctx, RegisterOptions{Role: "engineer", Name: "fresh"})
	require.NoError(t, err)
	stale, err := r.Register(ctx, RegisterOptions{Role: "engineer", Name: "stale"})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, fresh, ""))

	t.Run("list reports computed hung status", func(t *testing.T) {
		agents, err := r.ListAgents(ctx)
		require.NoError(t, err)
		byID := map[string]coord.Agent{}
		for _, a := range agents {
			byID[a.ID] = a
		}
		assert.Equal(t, coord.AgentStatusActive, byID[fresh].Status)
		assert.Equal(t, coord.AgentStatusHung, byID[stale].Status,
			"stale heartbeat must read as hung even though stored status is active")
	})

	t.Run("detect_hung returns only stale agents", func(t *testing.T) {
		hung, err := r.DetectHung(ctx, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, []string{stale}, hung)
	})
}

func TestDeregister(t *testing.T) {
	r := setupRegistry(t, 0)
	ctx := context.Background()

	id, err := r.Register(ctx, RegisterOptions{Role: "engineer", Name: "leaving"})
	require.NoError(t, err)

	require.NoError(t, r.Deregister(ctx, id))

	agent, err := r.Get(ctx, id)
	require.NoError(t, err, "terminated agents are retained for audit")
	assert.Equal(t, coord.AgentStatusTerminated, agent.Status)

	hung, err := r.DetectHung(ctx, time.Nanosecond)
	require.NoError(t, err)
	assert.NotContains(t, hung, id, "terminated agents are not hung")

	assert.ErrorIs(t, r.Deregister(ctx, coord.NewID()), coord.ErrUnknownAgent)
}

func TestRunHeartbeat(t *testing.T) {
	r := setupRegistry(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := r.Register(ctx, RegisterOptions{Role: "engineer", Name: "loop"})
	require.NoError(t, err)

	before, err := r.Get(ctx, id)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		r.RunHeartbeat(ctx, id, 20*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		after, err := r.Get(ctx, id)
		return err == nil && after.LastHeartbeat != before.LastHeartbeat
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat loop did not stop on cancellation")
	}
}
