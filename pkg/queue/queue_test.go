package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

func intp(n int) *int { return &n }

// forEachBackend runs queue behavior against both the Redis backend and the
// file fallback; identical observable behavior is a tested property.
func forEachBackend(t *testing.T, test func(t *testing.T, b backend.Backend)) {
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		t.Cleanup(mr.Close)
		b, err := backend.NewRedisBackend(context.Background(), &redis.Options{Addr: mr.Addr()})
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		test(t, b)
	})
	t.Run("file", func(t *testing.T) {
		b, err := backend.NewFileBackend(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { b.Close() })
		test(t, b)
	})
}

func TestCreateAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{
			Title:       "build backend",
			Description: "implement the API",
			Priority:    5,
			Tags:        []string{"backend"},
		})
		require.NoError(t, err)

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, "build backend", got.Title)
		assert.Equal(t, coord.TaskStatusPending, got.Status)
		assert.Equal(t, DefaultMaxRetries, got.MaxRetries)
		assert.Equal(t, coord.RetryPolicyExponential, got.RetryPolicy)

		_, err = q.Get(ctx, coord.NewID())
		assert.ErrorIs(t, err, coord.ErrUnknownTask)
	})
}

func TestPriorityOrdering(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		low, err := q.Create(ctx, TaskSpec{Title: "low", Priority: 1})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		high, err := q.Create(ctx, TaskSpec{Title: "high", Priority: 9})
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
		lowLater, err := q.Create(ctx, TaskSpec{Title: "low-later", Priority: 1})
		require.NoError(t, err)

		var order []string
		for i := 0; i < 3; i++ {
			task, err := q.Claim(ctx, "agent-a", nil)
			require.NoError(t, err)
			require.NotNil(t, task)
			order = append(order, task.ID)
			require.NoError(t, q.Complete(ctx, task.ID, ""))
		}
		// Higher priority first; equal priorities FIFO by creation time.
		assert.Equal(t, []string{high.ID, low.ID, lowLater.ID}, order)
	})
}

func TestNoDoubleClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{Title: "contested"})
		require.NoError(t, err)

		agents := []string{"a1", "a2", "a3", "a4"}
		var wg sync.WaitGroup
		winners := make(chan string, len(agents))
		for _, agent := range agents {
			wg.Add(1)
			go func(agent string) {
				defer wg.Done()
				got, err := q.Claim(ctx, agent, nil)
				require.NoError(t, err)
				if got != nil {
					winners <- agent
				}
			}(agent)
		}
		wg.Wait()
		close(winners)

		var won []string
		for agent := range winners {
			won = append(won, agent)
		}
		require.Len(t, won, 1, "exactly one agent may claim the task")

		// The lease index agrees with the task record.
		leased, err := b.SMembers(ctx, coord.TasksByAgentKey(won[0]))
		require.NoError(t, err)
		assert.Equal(t, []string{task.ID}, leased)

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusClaimed, got.Status)
		assert.Equal(t, won[0], got.ClaimedBy)
	})
}

// Dependency chain T1 <- T2 <- T3; claims must follow the chain even
// though T3 carries the highest priority.
func TestDependencyChain(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		t1, err := q.Create(ctx, TaskSpec{Title: "T1", Priority: 5})
		require.NoError(t, err)
		t2, err := q.Create(ctx, TaskSpec{Title: "T2", Priority: 5, DependsOn: []string{t1.ID}})
		require.NoError(t, err)
		t3, err := q.Create(ctx, TaskSpec{Title: "T3", Priority: 10, DependsOn: []string{t2.ID}})
		require.NoError(t, err)

		first, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, first)
		assert.Equal(t, t1.ID, first.ID)

		// T2 is gated until T1 completes.
		nothing, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		assert.Nil(t, nothing)

		require.NoError(t, q.Complete(ctx, t1.ID, "done"))
		second, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, second)
		assert.Equal(t, t2.ID, second.ID)

		require.NoError(t, q.Complete(ctx, t2.ID, "done"))
		third, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, third)
		assert.Equal(t, t3.ID, third.ID)
		require.NoError(t, q.Complete(ctx, t3.ID, "done"))
	})
}

// Tag routing; workers advertise capabilities, tasks advertise
// requirements, and cross-assignment is impossible.
func TestTagRouting(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		backendTask, err := q.Create(ctx, TaskSpec{Title: "T-backend", Tags: []string{"backend"}})
		require.NoError(t, err)
		frontendTask, err := q.Create(ctx, TaskSpec{Title: "T-frontend", Tags: []string{"frontend"}})
		require.NoError(t, err)

		got1, err := q.Claim(ctx, "a1", []string{"backend"})
		require.NoError(t, err)
		require.NotNil(t, got1)
		assert.Equal(t, backendTask.ID, got1.ID)

		got2, err := q.Claim(ctx, "a2", []string{"frontend"})
		require.NoError(t, err)
		require.NotNil(t, got2)
		assert.Equal(t, frontendTask.ID, got2.ID)

		t.Run("untagged agent only matches untagged tasks", func(t *testing.T) {
			tagged, err := q.Create(ctx, TaskSpec{Title: "tagged", Tags: []string{"ops"}})
			require.NoError(t, err)
			got, err := q.Claim(ctx, "a3", nil)
			require.NoError(t, err)
			assert.Nil(t, got)

			got, err = q.Claim(ctx, "a3", []string{"ops", "extra"})
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tagged.ID, got.ID)
		})
	})
}

// Retry then escalate. Three records linked by parent_task_id; the
// final one escalates with an event on the escalations channel.
func TestRetryAndEscalate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		sub, err := b.Subscribe(ctx, coord.EscalationsChannel)
		require.NoError(t, err)
		defer sub.Close()

		task, err := q.Create(ctx, TaskSpec{
			Title:          "flaky",
			RetryPolicy:    coord.RetryPolicyExponential,
			RetryDelayBase: intp(0),
			MaxRetries:     intp(2),
		})
		require.NoError(t, err)

		failOnce := func(errMsg string) *coord.Task {
			claimed, err := q.Claim(ctx, "agent-a", nil)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			require.NoError(t, q.Fail(ctx, claimed.ID, errMsg))
			return claimed
		}
		sweep := func() {
			// Zero base delay makes retries due immediately; delay shape
			// itself is asserted separately.
			time.Sleep(1100 * time.Millisecond)
			_, err := q.SweepRetries(ctx)
			require.NoError(t, err)
		}

		first := failOnce("e1")
		assert.Equal(t, task.ID, first.ID)
		sweep()
		second := failOnce("e2")
		assert.Equal(t, task.ID, second.ParentTaskID)
		assert.Equal(t, 1, second.RetryCount)
		sweep()
		third := failOnce("e3")
		assert.Equal(t, second.ID, third.ParentTaskID)
		assert.Equal(t, 2, third.RetryCount)

		// Third failure exhausts max_retries=2: escalated, surfaced, event.
		final, err := q.Get(ctx, third.ID)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusEscalated, final.Status)
		assert.Contains(t, final.EscalationReason, "e3")

		score, ok, err := b.ZScore(ctx, coord.EscalatedTasksKey, third.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Greater(t, score, float64(0))

		select {
		case msg := <-sub.Messages():
			assert.Contains(t, msg.Payload, `"event_type":"task_escalated"`)
			assert.Contains(t, msg.Payload, `"retry_count":2`)
			assert.Contains(t, msg.Payload, "e3")
		case <-time.After(2 * time.Second):
			t.Fatal("no escalation event published")
		}

		t.Run("original record stayed failed", func(t *testing.T) {
			got, err := q.Get(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, coord.TaskStatusFailed, got.Status)
			assert.Equal(t, "e1", got.Error)
		})
	})
}

func TestRetryDelaySchedule(t *testing.T) {
	// The k-th retry of an exponential task is scheduled base*2^(k-1)
	// seconds after the failure, capped at one hour.
	base := &coord.Task{RetryPolicy: coord.RetryPolicyExponential, RetryDelayBase: 60}
	for _, tc := range []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{10, 3600 * time.Second}, // capped
	} {
		base.RetryCount = tc.retryCount
		assert.Equal(t, tc.want, retryDelay(base), "retry_count=%d", tc.retryCount)
	}

	linear := &coord.Task{RetryPolicy: coord.RetryPolicyLinear, RetryDelayBase: 30, RetryCount: 5}
	assert.Equal(t, 30*time.Second, retryDelay(linear))
}

func TestRetryScheduledInFuture(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{
			Title:          "delayed",
			RetryPolicy:    coord.RetryPolicyLinear,
			RetryDelayBase: intp(3600),
		})
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, q.Fail(ctx, claimed.ID, "transient"))

		schedule, err := q.ListRetrySchedule(ctx)
		require.NoError(t, err)
		require.Len(t, schedule, 1)
		assert.InDelta(t, time.Now().Add(3600*time.Second).Unix(), schedule[0].DueAtEpoch, 5)

		// The sweeper must not promote a future retry.
		n, err := q.SweepRetries(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)

		got, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		assert.Nil(t, got, "retry child is not claimable before its due time")
		_ = task
	})
}

func TestFailWithNoRetryPolicyEscalatesImmediately(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{Title: "one-shot", RetryPolicy: coord.RetryPolicyNone})
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, q.Fail(ctx, claimed.ID, "boom"))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusEscalated, got.Status)
	})
}

func TestIllegalTransitions(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{Title: "strict"})
		require.NoError(t, err)

		assert.ErrorIs(t, q.Complete(ctx, task.ID, ""), coord.ErrIllegalTransition,
			"completing a pending task is illegal")
		assert.ErrorIs(t, q.Fail(ctx, task.ID, "x"), coord.ErrIllegalTransition)
		assert.ErrorIs(t, q.Start(ctx, task.ID, "someone"), coord.ErrIllegalTransition)

		claimed, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, claimed)

		assert.ErrorIs(t, q.Start(ctx, task.ID, "agent-b"), coord.ErrIllegalTransition,
			"only the leaseholder may start the task")
		require.NoError(t, q.Start(ctx, task.ID, "agent-a"))
		require.NoError(t, q.Complete(ctx, task.ID, "ok"))

		assert.ErrorIs(t, q.Complete(ctx, task.ID, ""), coord.ErrIllegalTransition,
			"completed is terminal")
	})
}

func TestCompleteRoundTrip(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{Title: "round trip", Tags: []string{"qa"}})
		require.NoError(t, err)

		claimed, err := q.Claim(ctx, "agent-a", []string{"qa"})
		require.NoError(t, err)
		require.NotNil(t, claimed)
		require.NoError(t, q.Complete(ctx, task.ID, "all green"))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusCompleted, got.Status)
		assert.Equal(t, "round trip", got.Title)
		assert.Equal(t, []string{"qa"}, got.Tags)
		assert.Equal(t, "all green", got.Result)
		assert.NotEmpty(t, got.CompletedAt)

		leased, err := b.SMembers(ctx, coord.TasksByAgentKey("agent-a"))
		require.NoError(t, err)
		assert.Empty(t, leased)
	})
}

func TestClaimBlocking(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		t.Run("times out empty-handed", func(t *testing.T) {
			_, err := q.ClaimBlocking(ctx, "agent-a", nil, 150*time.Millisecond)
			assert.ErrorIs(t, err, coord.ErrTimeout)
		})

		t.Run("picks up a task created mid-wait", func(t *testing.T) {
			go func() {
				time.Sleep(100 * time.Millisecond)
				q.Create(ctx, TaskSpec{Title: "late arrival"})
			}()
			task, err := q.ClaimBlocking(ctx, "agent-a", nil, 5*time.Second)
			require.NoError(t, err)
			assert.Equal(t, "late arrival", task.Title)
		})
	})
}

func TestManualEscalateAndSupervisorOps(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		task, err := q.Create(ctx, TaskSpec{Title: "stuck"})
		require.NoError(t, err)
		require.NoError(t, q.Escalate(ctx, task.ID, "blocked on credentials"))

		got, err := q.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusEscalated, got.Status)

		none, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		assert.Nil(t, none, "escalated tasks are not claimable")

		t.Run("supervisor retry re-enqueues a fresh record", func(t *testing.T) {
			child, err := q.RetryEscalated(ctx, task.ID)
			require.NoError(t, err)
			assert.Equal(t, task.ID, child.ParentTaskID)
			assert.Zero(t, child.RetryCount)

			claimed, err := q.Claim(ctx, "agent-a", nil)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			assert.Equal(t, child.ID, claimed.ID)
			require.NoError(t, q.Complete(ctx, claimed.ID, ""))
		})

		t.Run("archive moves to the DLQ", func(t *testing.T) {
			doomed, err := q.Create(ctx, TaskSpec{Title: "doomed"})
			require.NoError(t, err)
			require.NoError(t, q.Escalate(ctx, doomed.ID, "unsalvageable"))
			require.NoError(t, q.Archive(ctx, doomed.ID, "superseded"))

			stats, err := q.GetStats(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), stats.DLQ)
			_, ok, err := b.ZScore(ctx, coord.EscalatedTasksKey, doomed.ID)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	})
}

func TestDependencyGraph(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		t1, err := q.Create(ctx, TaskSpec{Title: "root"})
		require.NoError(t, err)
		t2, err := q.Create(ctx, TaskSpec{Title: "leaf", DependsOn: []string{t1.ID}})
		require.NoError(t, err)

		graph, err := q.DependencyGraph(ctx)
		require.NoError(t, err)
		require.Contains(t, graph, t1.ID)
		require.Contains(t, graph, t2.ID)
		assert.Equal(t, []string{t2.ID}, graph[t1.ID].Dependents)
		assert.Equal(t, []string{t1.ID}, graph[t2.ID].DependsOn)
	})
}

func TestListFilters(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		_, err := q.Create(ctx, TaskSpec{Title: "p", Tags: []string{"backend"}, Priority: 3})
		require.NoError(t, err)
		claimedTask, err := q.Create(ctx, TaskSpec{Title: "c", Priority: 7})
		require.NoError(t, err)
		got, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.Equal(t, claimedTask.ID, got.ID)

		pending, err := q.List(ctx, Filter{Status: "pending"})
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "p", pending[0].Title)

		claimed, err := q.List(ctx, Filter{Status: "claimed"})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "agent-a", claimed[0].ClaimedBy)

		tagged, err := q.List(ctx, Filter{Tag: "backend"})
		require.NoError(t, err)
		require.Len(t, tagged, 1)

		important, err := q.List(ctx, Filter{MinPriority: intp(5)})
		require.NoError(t, err)
		require.Len(t, important, 1)
		assert.Equal(t, "c", important[0].Title)
	})
}

func TestDependencyCompletedBeforeCreate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, b backend.Backend) {
		q := New(b, nil)
		ctx := context.Background()

		dep, err := q.Create(ctx, TaskSpec{Title: "dep"})
		require.NoError(t, err)
		claimed, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.Equal(t, dep.ID, claimed.ID)
		require.NoError(t, q.Complete(ctx, dep.ID, ""))

		// Its dependency is already complete, so the new task is claimable
		// immediately; no completion event will ever fire for it again.
		late, err := q.Create(ctx, TaskSpec{Title: "late", DependsOn: []string{dep.ID}})
		require.NoError(t, err)

		got, err := q.Claim(ctx, "agent-a", nil)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, late.ID, got.ID)
	})
}
