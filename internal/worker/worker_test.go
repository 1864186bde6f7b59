package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/coordination"
	"github.com/agentcoord/agentcoord/pkg/queue"
)

func openSession(t *testing.T, name string) *coordination.Session {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := coordination.Open(context.Background(), coordination.Options{
		RedisURL:    "redis://" + mr.Addr(),
		FallbackDir: t.TempDir(),
		Role:        "worker",
		Name:        name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunCompletesTasksAndExitsAtMax(t *testing.T) {
	s := openSession(t, "w1")
	ctx := context.Background()

	t1, err := s.Queue.Create(ctx, queue.TaskSpec{Title: "first"})
	require.NoError(t, err)
	t2, err := s.Queue.Create(ctx, queue.TaskSpec{Title: "second"})
	require.NoError(t, err)

	err = Run(ctx, s, Config{Name: "w1", MaxTasks: 2, PollInterval: 10 * time.Millisecond})
	require.NoError(t, err)

	for _, id := range []string{t1.ID, t2.ID} {
		task, err := s.Queue.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, coord.TaskStatusCompleted, task.Status)
		assert.Contains(t, task.Result, "acknowledged")
	}
}

func TestRunHonorsTags(t *testing.T) {
	s := openSession(t, "backend-worker")
	ctx := context.Background()

	mine, err := s.Queue.Create(ctx, queue.TaskSpec{Title: "mine", Tags: []string{"backend"}})
	require.NoError(t, err)
	other, err := s.Queue.Create(ctx, queue.TaskSpec{Title: "not mine", Tags: []string{"frontend"}})
	require.NoError(t, err)

	err = Run(ctx, s, Config{
		Name:         "backend-worker",
		Tags:         []string{"backend"},
		MaxTasks:     1,
		PollInterval: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	done, err := s.Queue.Get(ctx, mine.ID)
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStatusCompleted, done.Status)

	untouched, err := s.Queue.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStatusPending, untouched.Status)
}

func TestRunExecutorCommand(t *testing.T) {
	s := openSession(t, "sh-worker")
	ctx := context.Background()

	task, err := s.Queue.Create(ctx, queue.TaskSpec{Title: "echo job"})
	require.NoError(t, err)

	err = Run(ctx, s, Config{
		Name:         "sh-worker",
		MaxTasks:     1,
		PollInterval: 10 * time.Millisecond,
		Command:      []string{"sh", "-c", "echo ran $AGENTCOORD_TASK_TITLE"},
	})
	require.NoError(t, err)

	done, err := s.Queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStatusCompleted, done.Status)
	assert.Equal(t, "ran echo job", done.Result)
}

func TestRunRecordsFailures(t *testing.T) {
	s := openSession(t, "failing-worker")
	ctx := context.Background()

	task, err := s.Queue.Create(ctx, queue.TaskSpec{
		Title:       "doomed job",
		RetryPolicy: coord.RetryPolicyNone,
	})
	require.NoError(t, err)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	// MaxTasks counts successes, so the loop runs until cancelled.
	err = Run(runCtx, s, Config{
		Name:         "failing-worker",
		MaxTasks:     1,
		PollInterval: 10 * time.Millisecond,
		Command:      []string{"sh", "-c", "echo kaboom >&2; exit 1"},
	})
	require.NoError(t, err)

	done, err := s.Queue.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, coord.TaskStatusEscalated, done.Status, "no-retry failure escalates")
	assert.Contains(t, done.Error, "kaboom")
}

func TestRunStopsOnCancellation(t *testing.T) {
	s := openSession(t, "cancelled-worker")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, s, Config{Name: "cancelled-worker", PollInterval: 10 * time.Millisecond})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker loop did not stop on cancellation")
	}
}
