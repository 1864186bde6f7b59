package queue

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/agentcoord/agentcoord/pkg/audit"
	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/registry"
)

// Sweeper cadences. Any process holding a queue handle may run the
// sweepers; the operations are idempotent so overlapping sweepers in
// different processes are harmless.
const (
	DefaultRetrySweepInterval   = 5 * time.Second
	DefaultReclaimSweepInterval = 60 * time.Second
)

// SweepRetries moves due entries from the retry schedule into the pending
// queue. Returns the number of tasks promoted.
func (q *Queue) SweepRetries(ctx context.Context) (int, error) {
	now := time.Now()
	due, err := q.b.ZRangeByScore(ctx, coord.RetryTasksKey, math.Inf(-1), float64(now.Unix()), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to read retry queue: %w", err)
	}
	promoted := 0
	for _, id := range due {
		moved := false
		err := q.b.Atomic(ctx, []string{coord.TaskKey(id), coord.RetryTasksKey}, func(tx backend.Tx) error {
			moved = false
			tx.ZRem(coord.RetryTasksKey, id)
			task, err := readTask(tx, id)
			if err != nil {
				return nil // record vanished; drop the schedule entry
			}
			if task.Status != coord.TaskStatusPending {
				return nil
			}
			ready, err := depsCompleted(tx, task.DependsOn)
			if err != nil {
				return err
			}
			if !ready {
				// Not ready yet; dependency completion will promote it.
				return nil
			}
			created, err := coord.ParseTime(task.CreatedAt)
			if err != nil {
				created = now
			}
			tx.ZAdd(coord.PendingTasksKey, coord.PendingScore(task.Priority, created.UnixMilli()), id)
			moved = true
			return nil
		})
		if err != nil {
			return promoted, err
		}
		if moved {
			promoted++
		}
	}
	return promoted, nil
}

// RunRetrySweeper promotes due retries on a fixed cadence until ctx is
// cancelled. Transient failures are logged and the loop continues.
func (q *Queue) RunRetrySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultRetrySweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.SweepRetries(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[RetrySweeper] Sweep failed: %v", err)
			} else if n > 0 {
				log.Printf("[RetrySweeper] Promoted %d retr%s to pending", n, plural(n, "y", "ies"))
			}
		}
	}
}

// ReclaimFromHungAgents returns every task leased by a hung agent to the
// pending queue, clearing its lease. Delivery is at-least-once: a reclaimed
// task may have been partially executed, so workers must be idempotent.
// Returns the reclaimed task ids.
func (q *Queue) ReclaimFromHungAgents(ctx context.Context, reg *registry.Registry, threshold time.Duration) ([]string, error) {
	hung, err := reg.DetectHung(ctx, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to detect hung agents: %w", err)
	}
	var reclaimed []string
	for _, agentID := range hung {
		taskIDs, err := q.b.SMembers(ctx, coord.TasksByAgentKey(agentID))
		if err != nil {
			return reclaimed, err
		}
		for _, taskID := range taskIDs {
			returned, err := q.reclaimOne(ctx, agentID, taskID)
			if err != nil {
				return reclaimed, err
			}
			if returned {
				reclaimed = append(reclaimed, taskID)
				if q.auditLog != nil {
					q.auditLog.Record(ctx, agentID, audit.KindHungAgent, taskID,
						fmt.Sprintf("lease reclaimed from hung agent %s", agentID))
				}
			}
		}
	}
	return reclaimed, nil
}

func (q *Queue) reclaimOne(ctx context.Context, agentID, taskID string) (bool, error) {
	returned := false
	err := q.b.Atomic(ctx, []string{coord.TaskKey(taskID), coord.PendingTasksKey}, func(tx backend.Tx) error {
		returned = false
		task, err := readTask(tx, taskID)
		if err != nil {
			tx.SRem(coord.TasksByAgentKey(agentID), taskID)
			return nil
		}
		if !task.Leased() || task.ClaimedBy != agentID {
			tx.SRem(coord.TasksByAgentKey(agentID), taskID)
			return nil
		}
		now := coord.Now()
		tx.HSet(coord.TaskKey(taskID), map[string]string{
			"status":     string(coord.TaskStatusPending),
			"claimed_by": "",
			"claimed_at": "",
			"updated_at": now,
		})
		tx.SRem(coord.TasksByAgentKey(agentID), taskID)
		ready, err := depsCompleted(tx, task.DependsOn)
		if err != nil {
			return err
		}
		if ready {
			created, err := coord.ParseTime(task.CreatedAt)
			if err != nil {
				created = time.Now()
			}
			tx.ZAdd(coord.PendingTasksKey, coord.PendingScore(task.Priority, created.UnixMilli()), taskID)
		}
		returned = true
		return nil
	})
	return returned, err
}

// RunReclamationSweeper scans for hung agents' leases on a fixed cadence
// until ctx is cancelled.
func (q *Queue) RunReclamationSweeper(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultReclaimSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := q.ReclaimFromHungAgents(ctx, reg, 0)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[ReclaimSweeper] Sweep failed: %v", err)
				continue
			}
			if len(reclaimed) > 0 {
				log.Printf("[ReclaimSweeper] Returned %d task(s) to pending", len(reclaimed))
			}
		}
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
