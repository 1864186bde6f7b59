package queue

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/agentcoord/agentcoord/pkg/coord"
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status      string // task status, or "" for all
	Tag         string // require this tag, or ""
	MinPriority *int
}

// TaskSummary is the compact listing row used by supervisor tools.
type TaskSummary struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Status    string   `json:"status"`
	Priority  int      `json:"priority"`
	Tags      []string `json:"tags"`
	ClaimedBy string   `json:"claimed_by,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// List enumerates tasks matching the filter. Intended for supervisor and
// CLI surfaces, not the claim hot path.
func (q *Queue) List(ctx context.Context, f Filter) ([]TaskSummary, error) {
	ids, err := q.b.SMembers(ctx, TasksIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tasks: %w", err)
	}
	out := []TaskSummary{}
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		if err != nil {
			if errors.Is(err, coord.ErrUnknownTask) {
				continue
			}
			return nil, err
		}
		if f.Status != "" && string(task.Status) != f.Status {
			continue
		}
		if f.Tag != "" && !hasTag(task.Tags, f.Tag) {
			continue
		}
		if f.MinPriority != nil && task.Priority < *f.MinPriority {
			continue
		}
		out = append(out, TaskSummary{
			ID:        task.ID,
			Title:     task.Title,
			Status:    string(task.Status),
			Priority:  task.Priority,
			Tags:      task.Tags,
			ClaimedBy: task.ClaimedBy,
			CreatedAt: task.CreatedAt,
		})
	}
	return out, nil
}

// GraphNode is one entry of the dependency graph.
type GraphNode struct {
	Status     string   `json:"status"`
	DependsOn  []string `json:"depends_on"`
	Dependents []string `json:"dependents"`
}

// DependencyGraph returns every task's status, dependencies and dependents,
// keyed by task id. Used by UIs.
func (q *Queue) DependencyGraph(ctx context.Context) (map[string]GraphNode, error) {
	ids, err := q.b.SMembers(ctx, TasksIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tasks: %w", err)
	}
	graph := make(map[string]GraphNode, len(ids))
	for _, id := range ids {
		task, err := q.Get(ctx, id)
		if err != nil {
			continue
		}
		dependents, err := q.b.SMembers(ctx, coord.TaskDependentsKey(id))
		if err != nil {
			return nil, err
		}
		graph[id] = GraphNode{
			Status:     string(task.Status),
			DependsOn:  task.DependsOn,
			Dependents: dependents,
		}
	}
	return graph, nil
}

// Stats summarizes queue depth across surfaces.
type Stats struct {
	Pending   int64 `json:"pending"`
	Retry     int64 `json:"retry"`
	Escalated int64 `json:"escalated"`
	DLQ       int64 `json:"dlq"`
}

// GetStats counts the queue surfaces.
func (q *Queue) GetStats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error
	if s.Pending, err = q.b.ZCard(ctx, coord.PendingTasksKey); err != nil {
		return s, err
	}
	if s.Retry, err = q.b.ZCard(ctx, coord.RetryTasksKey); err != nil {
		return s, err
	}
	if s.Escalated, err = q.b.ZCard(ctx, coord.EscalatedTasksKey); err != nil {
		return s, err
	}
	if s.DLQ, err = q.b.ZCard(ctx, coord.DLQTasksKey); err != nil {
		return s, err
	}
	return s, nil
}

// Depth returns the count of ready and claimed tasks, the signal the
// auto-scaler sizes worker fleets against.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	pending, err := q.b.ZCard(ctx, coord.PendingTasksKey)
	if err != nil {
		return 0, err
	}
	ids, err := q.b.SMembers(ctx, TasksIndexKey)
	if err != nil {
		return 0, err
	}
	claimed := int64(0)
	for _, id := range ids {
		status, _, err := q.b.HGet(ctx, coord.TaskKey(id), "status")
		if err != nil {
			return 0, err
		}
		st := coord.TaskStatus(status)
		if st == coord.TaskStatusClaimed || st == coord.TaskStatusInProgress {
			claimed++
		}
	}
	return pending + claimed, nil
}

// LeasesFor counts the tasks currently leased by an agent.
func (q *Queue) LeasesFor(ctx context.Context, agentID string) (int64, error) {
	return q.b.SCard(ctx, coord.TasksByAgentKey(agentID))
}

// RetryEntry is one scheduled retry.
type RetryEntry struct {
	TaskID     string `json:"task_id"`
	DueAtEpoch int64  `json:"due_at_epoch"`
}

// ListRetrySchedule returns the retry queue with due times, soonest first.
func (q *Queue) ListRetrySchedule(ctx context.Context) ([]RetryEntry, error) {
	ids, err := q.b.ZRangeByScore(ctx, coord.RetryTasksKey, math.Inf(-1), math.Inf(1), 0)
	if err != nil {
		return nil, err
	}
	out := []RetryEntry{}
	for _, id := range ids {
		score, ok, err := q.b.ZScore(ctx, coord.RetryTasksKey, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, RetryEntry{TaskID: id, DueAtEpoch: int64(score)})
	}
	return out, nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
