// Package queue implements the shared task queue: priority ordering with
// FIFO tiebreak, dependency-gated readiness, atomic claiming, retry
// scheduling and escalation. All state lives in the shared backend; every
// multi-step mutation runs as one atomic backend transaction so competing
// processes never observe partial transitions.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentcoord/agentcoord/pkg/audit"
	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// Defaults for retry handling.
const (
	DefaultMaxRetries     = 3
	DefaultRetryDelayBase = 60 // seconds
	MaxRetryDelay         = 3600 * time.Second
)

// claimScanWindow bounds how many pending candidates one claim attempt
// inspects. Tasks beyond the window are picked up on subsequent attempts.
const claimScanWindow = 200

// TasksIndexKey tracks every task id ever created, for enumeration by
// supervisors and the dependency graph. Not part of the hot claim path.
const TasksIndexKey = "tasks:index"

// Queue provides task operations over the shared backend. The audit log is
// optional; when present, claims, completions, failures and escalations are
// recorded.
type Queue struct {
	b        backend.Backend
	auditLog *audit.Log
}

// New creates a queue handle. auditLog may be nil.
func New(b backend.Backend, auditLog *audit.Log) *Queue {
	return &Queue{b: b, auditLog: auditLog}
}

// TaskSpec describes a task to create. Zero values select the documented
// defaults; optional integers follow the pointer convention so that an
// explicit zero is distinguishable from "unset".
type TaskSpec struct {
	Title          string
	Description    string
	Priority       int
	Tags           []string
	DependsOn      []string
	RetryPolicy    coord.RetryPolicy // default: exponential
	MaxRetries     *int              // default: 3
	RetryDelayBase *int              // seconds, default: 60
	Metadata       map[string]string
}

// Create writes a new task. Tasks without dependencies become claimable at
// once; dependent tasks stay out of the pending sorted set until their last
// dependency completes (or immediately, if every dependency is already
// complete at creation time).
func (q *Queue) Create(ctx context.Context, spec TaskSpec) (*coord.Task, error) {
	now := time.Now()
	task := &coord.Task{
		ID:                coord.NewID(),
		Title:             spec.Title,
		Description:       spec.Description,
		Priority:          spec.Priority,
		Tags:              spec.Tags,
		Status:            coord.TaskStatusPending,
		CreatedAt:         coord.FormatTime(now),
		UpdatedAt:         coord.FormatTime(now),
		DependsOn:         spec.DependsOn,
		RetryPolicy:       spec.RetryPolicy,
		MaxRetries:        DefaultMaxRetries,
		RetryDelayBase:    DefaultRetryDelayBase,
		EscalationHistory: []coord.EscalationEvent{},
		Metadata:          spec.Metadata,
	}
	if task.RetryPolicy == "" {
		task.RetryPolicy = coord.RetryPolicyExponential
	}
	if spec.MaxRetries != nil {
		task.MaxRetries = *spec.MaxRetries
	}
	if spec.RetryDelayBase != nil {
		task.RetryDelayBase = *spec.RetryDelayBase
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	hash, err := coord.TaskToHash(task)
	if err != nil {
		return nil, err
	}

	watch := []string{coord.PendingTasksKey}
	err = q.b.Atomic(ctx, watch, func(tx backend.Tx) error {
		tx.HSet(coord.TaskKey(task.ID), hash)
		tx.SAdd(TasksIndexKey, task.ID)
		for _, dep := range task.DependsOn {
			tx.SAdd(coord.TaskDependentsKey(dep), task.ID)
		}
		ready, err := depsCompleted(tx, task.DependsOn)
		if err != nil {
			return err
		}
		if ready {
			tx.ZAdd(coord.PendingTasksKey, coord.PendingScore(task.Priority, now.UnixMilli()), task.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// Get fetches one task.
func (q *Queue) Get(ctx context.Context, taskID string) (*coord.Task, error) {
	hash, err := q.b.HGetAll(ctx, coord.TaskKey(taskID))
	if err != nil {
		return nil, fmt.Errorf("failed to read task: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrUnknownTask, taskID)
	}
	return coord.HashToTask(hash)
}

// GetReadyTasks returns the head of the pending queue, double-checked for
// dependency readiness. This is a read, not a claim.
func (q *Queue) GetReadyTasks(ctx context.Context, limit int) ([]coord.Task, error) {
	stop := int64(claimScanWindow - 1)
	members, err := q.b.ZRevRangeWithScores(ctx, coord.PendingTasksKey, 0, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to read pending queue: %w", err)
	}
	out := []coord.Task{}
	for _, m := range members {
		task, err := q.Get(ctx, m.Member)
		if err != nil {
			if errors.Is(err, coord.ErrUnknownTask) {
				continue
			}
			return nil, err
		}
		if task.Status != coord.TaskStatusPending {
			continue
		}
		ready, err := q.depsCompletedRead(ctx, task.DependsOn)
		if err != nil {
			return nil, err
		}
		if !ready {
			continue
		}
		out = append(out, *task)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Claim atomically transfers the best ready task to the agent, or returns
// (nil, nil) when nothing matches.
//
// Selection order is strict: higher priority first, then older creation
// time (FIFO). A task is eligible iff every dependency is completed and the
// agent's tag set is a superset of the task's tags; untagged tasks match
// any agent. When several agents compete, whichever claim transaction
// commits first wins.
func (q *Queue) Claim(ctx context.Context, agentID string, tags []string) (*coord.Task, error) {
	var claimed *coord.Task
	err := q.b.Atomic(ctx, []string{coord.PendingTasksKey}, func(tx backend.Tx) error {
		claimed = nil
		candidates, err := tx.ZRevRangeWithScores(coord.PendingTasksKey, 0, claimScanWindow-1)
		if err != nil {
			return err
		}
		for _, cand := range candidates {
			hash, err := tx.HGetAll(coord.TaskKey(cand.Member))
			if err != nil {
				return err
			}
			if len(hash) == 0 {
				// Orphaned queue entry; drop it.
				tx.ZRem(coord.PendingTasksKey, cand.Member)
				continue
			}
			task, err := coord.HashToTask(hash)
			if err != nil {
				return fmt.Errorf("corrupt task record %s: %w", cand.Member, err)
			}
			if task.Status != coord.TaskStatusPending {
				tx.ZRem(coord.PendingTasksKey, cand.Member)
				continue
			}
			ready, err := depsCompleted(tx, task.DependsOn)
			if err != nil {
				return err
			}
			if !ready || !tagsMatch(tags, task.Tags) {
				continue
			}

			now := coord.Now()
			task.Status = coord.TaskStatusClaimed
			task.ClaimedBy = agentID
			task.ClaimedAt = now
			task.UpdatedAt = now

			tx.ZRem(coord.PendingTasksKey, task.ID)
			tx.HSet(coord.TaskKey(task.ID), map[string]string{
				"status":     string(coord.TaskStatusClaimed),
				"claimed_by": agentID,
				"claimed_at": now,
				"updated_at": now,
			})
			tx.SAdd(coord.TasksByAgentKey(agentID), task.ID)
			claimed = task
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	if claimed != nil && q.auditLog != nil {
		q.auditLog.Record(ctx, agentID, audit.KindTaskClaim, claimed.ID, claimed.Title)
	}
	return claimed, nil
}

// ClaimBlocking polls for a claimable task with capped backoff (50ms
// doubling to 2s) until one is claimed or the timeout elapses, failing with
// ErrTimeout. A timed-out claim reserves nothing.
func (q *Queue) ClaimBlocking(ctx context.Context, agentID string, tags []string, timeout time.Duration) (*coord.Task, error) {
	deadline := time.Now().Add(timeout)
	wait := 50 * time.Millisecond
	for {
		task, err := q.Claim(ctx, agentID, tags)
		if err != nil {
			return nil, err
		}
		if task != nil {
			return task, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: no claimable task within %s", coord.ErrTimeout, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > 2*time.Second {
			wait = 2 * time.Second
		}
	}
}

// Start advances a claimed task to in_progress. Only the claiming agent may
// start its task.
func (q *Queue) Start(ctx context.Context, taskID, agentID string) error {
	key := coord.TaskKey(taskID)
	return q.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != coord.TaskStatusClaimed {
			return fmt.Errorf("%w: cannot start task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		if task.ClaimedBy != agentID {
			return fmt.Errorf("%w: task %s is leased by %s", coord.ErrIllegalTransition, taskID, task.ClaimedBy)
		}
		tx.HSet(key, map[string]string{
			"status":     string(coord.TaskStatusInProgress),
			"updated_at": coord.Now(),
		})
		return nil
	})
}

// Complete finishes a leased task and atomically promotes every dependent
// whose dependencies are now all complete into the pending queue. After
// Complete returns, all newly-ready dependents are claimable.
func (q *Queue) Complete(ctx context.Context, taskID, result string) error {
	key := coord.TaskKey(taskID)
	var claimedBy string
	err := q.b.Atomic(ctx, []string{key, coord.PendingTasksKey}, func(tx backend.Tx) error {
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		if !task.Leased() {
			return fmt.Errorf("%w: cannot complete task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		claimedBy = task.ClaimedBy
		now := coord.Now()
		tx.HSet(key, map[string]string{
			"status":       string(coord.TaskStatusCompleted),
			"completed_at": now,
			"updated_at":   now,
			"result":       result,
		})
		tx.SRem(coord.TasksByAgentKey(task.ClaimedBy), taskID)
		return q.promoteDependents(tx, taskID)
	})
	if err != nil {
		return err
	}
	if q.auditLog != nil {
		q.auditLog.Record(ctx, claimedBy, audit.KindTaskComplete, taskID, "")
	}
	return nil
}

// Fail records a failure on a leased task. Depending on the retry policy
// the task either spawns a delayed child retry (the failed record is
// terminal; retries are new records linked by parent_task_id) or escalates,
// publishing an event on the escalations channel.
func (q *Queue) Fail(ctx context.Context, taskID, errMsg string) error {
	key := coord.TaskKey(taskID)
	var (
		escalated bool
		claimedBy string
	)
	err := q.b.Atomic(ctx, []string{key, coord.PendingTasksKey}, func(tx backend.Tx) error {
		escalated = false
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		if !task.Leased() {
			return fmt.Errorf("%w: cannot fail task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		claimedBy = task.ClaimedBy
		now := time.Now()

		tx.SRem(coord.TasksByAgentKey(task.ClaimedBy), taskID)

		exhausted := task.RetryPolicy == coord.RetryPolicyNone || task.RetryCount >= task.MaxRetries
		if exhausted {
			escalated = true
			reason := fmt.Sprintf("retries exhausted (%d/%d): %s", task.RetryCount, task.MaxRetries, errMsg)
			if task.RetryPolicy == coord.RetryPolicyNone {
				reason = fmt.Sprintf("no retry policy: %s", errMsg)
			}
			return q.escalateTx(tx, task, reason, errMsg, now)
		}

		// Schedule a child retry; this record stays failed, terminally.
		history := append(task.EscalationHistory, coord.EscalationEvent{
			Timestamp:  coord.FormatTime(now),
			RetryCount: task.RetryCount,
			Reason:     errMsg,
			Action:     "retried",
		})
		historyJSON, err := json.Marshal(history)
		if err != nil {
			return err
		}
		tx.HSet(key, map[string]string{
			"status":             string(coord.TaskStatusFailed),
			"error":              errMsg,
			"updated_at":         coord.FormatTime(now),
			"escalation_history": string(historyJSON),
		})

		child := retryChild(task, now)
		childHash, err := coord.TaskToHash(child)
		if err != nil {
			return err
		}
		delay := retryDelay(task)
		tx.HSet(coord.TaskKey(child.ID), childHash)
		tx.SAdd(TasksIndexKey, child.ID)
		for _, dep := range child.DependsOn {
			tx.SAdd(coord.TaskDependentsKey(dep), child.ID)
		}
		tx.ZAdd(coord.RetryTasksKey, float64(now.Add(delay).Unix()), child.ID)
		return nil
	})
	if err != nil {
		return err
	}
	if q.auditLog != nil {
		kind := audit.KindTaskFail
		if escalated {
			kind = audit.KindEscalation
		}
		q.auditLog.Record(ctx, claimedBy, kind, taskID, errMsg)
	}
	return nil
}

// Escalate manually escalates a task from pending, claimed, in_progress or
// failed.
func (q *Queue) Escalate(ctx context.Context, taskID, reason string) error {
	key := coord.TaskKey(taskID)
	err := q.b.Atomic(ctx, []string{key, coord.PendingTasksKey}, func(tx backend.Tx) error {
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		switch task.Status {
		case coord.TaskStatusPending, coord.TaskStatusClaimed, coord.TaskStatusInProgress, coord.TaskStatusFailed:
		default:
			return fmt.Errorf("%w: cannot escalate task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		if task.Leased() {
			tx.SRem(coord.TasksByAgentKey(task.ClaimedBy), taskID)
		}
		tx.ZRem(coord.PendingTasksKey, taskID)
		return q.escalateTx(tx, task, reason, reason, time.Now())
	})
	if err != nil {
		return err
	}
	if q.auditLog != nil {
		q.auditLog.Record(ctx, "", audit.KindEscalation, taskID, reason)
	}
	return nil
}

// RetryEscalated re-enqueues an escalated task as a fresh record with a
// reset retry budget. The escalated record leaves the escalated surface but
// remains readable for its history.
func (q *Queue) RetryEscalated(ctx context.Context, taskID string) (*coord.Task, error) {
	var child *coord.Task
	key := coord.TaskKey(taskID)
	err := q.b.Atomic(ctx, []string{key, coord.PendingTasksKey}, func(tx backend.Tx) error {
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != coord.TaskStatusEscalated {
			return fmt.Errorf("%w: cannot retry task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		now := time.Now()
		child = retryChild(task, now)
		child.RetryCount = 0
		childHash, err := coord.TaskToHash(child)
		if err != nil {
			return err
		}
		tx.HSet(coord.TaskKey(child.ID), childHash)
		tx.SAdd(TasksIndexKey, child.ID)
		for _, dep := range child.DependsOn {
			tx.SAdd(coord.TaskDependentsKey(dep), child.ID)
		}
		ready, err := depsCompleted(tx, child.DependsOn)
		if err != nil {
			return err
		}
		if ready {
			tx.ZAdd(coord.PendingTasksKey, coord.PendingScore(child.Priority, now.UnixMilli()), child.ID)
		}
		tx.ZRem(coord.EscalatedTasksKey, taskID)
		appendHistoryTx(tx, task, coord.EscalationEvent{
			Timestamp:  coord.FormatTime(now),
			RetryCount: task.RetryCount,
			Reason:     "supervisor retry",
			Action:     "retried",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Archive moves an escalated task to the dead-letter queue.
func (q *Queue) Archive(ctx context.Context, taskID, reason string) error {
	key := coord.TaskKey(taskID)
	return q.b.Atomic(ctx, []string{key}, func(tx backend.Tx) error {
		task, err := readTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != coord.TaskStatusEscalated {
			return fmt.Errorf("%w: cannot archive task in status %s", coord.ErrIllegalTransition, task.Status)
		}
		now := time.Now()
		tx.ZRem(coord.EscalatedTasksKey, taskID)
		tx.ZAdd(coord.DLQTasksKey, float64(now.Unix()), taskID)
		appendHistoryTx(tx, task, coord.EscalationEvent{
			Timestamp:  coord.FormatTime(now),
			RetryCount: task.RetryCount,
			Reason:     reason,
			Action:     "archived",
		})
		return nil
	})
}

// escalateTx flips a task to escalated, surfaces it and publishes the
// escalation event. Runs inside an enclosing transaction.
func (q *Queue) escalateTx(tx backend.Tx, task *coord.Task, reason, errMsg string, now time.Time) error {
	history := append(task.EscalationHistory, coord.EscalationEvent{
		Timestamp:  coord.FormatTime(now),
		RetryCount: task.RetryCount,
		Reason:     reason,
		Action:     "escalated",
	})
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return err
	}
	fields := map[string]string{
		"status":             string(coord.TaskStatusEscalated),
		"escalated_at":       coord.FormatTime(now),
		"escalation_reason":  reason,
		"escalation_history": string(historyJSON),
		"updated_at":         coord.FormatTime(now),
	}
	if errMsg != "" {
		fields["error"] = errMsg
	}
	tx.HSet(coord.TaskKey(task.ID), fields)
	tx.ZAdd(coord.EscalatedTasksKey, float64(now.Unix()), task.ID)

	notice := coord.EscalationNotice{
		EventType:  "task_escalated",
		TaskID:     task.ID,
		TaskTitle:  task.Title,
		Reason:     reason,
		RetryCount: task.RetryCount,
		Timestamp:  coord.FormatTime(now),
		ClaimedBy:  task.ClaimedBy,
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	tx.Publish(coord.EscalationsChannel, string(payload))
	return nil
}

// promoteDependents moves every dependent of taskID whose dependencies are
// now all complete into the pending queue. taskID itself is treated as
// completed. Runs inside the completing transaction.
func (q *Queue) promoteDependents(tx backend.Tx, taskID string) error {
	dependents, err := tx.SMembers(coord.TaskDependentsKey(taskID))
	if err != nil {
		return err
	}
	for _, depID := range dependents {
		hash, err := tx.HGetAll(coord.TaskKey(depID))
		if err != nil {
			return err
		}
		if len(hash) == 0 {
			continue
		}
		dep, err := coord.HashToTask(hash)
		if err != nil {
			return err
		}
		if dep.Status != coord.TaskStatusPending {
			continue
		}
		if scheduled, err := q.scheduledForRetry(tx, depID); err != nil || scheduled {
			// Retry-delayed children enter pending via the sweeper.
			if err != nil {
				return err
			}
			continue
		}
		allDone := true
		for _, d := range dep.DependsOn {
			if d == taskID {
				continue
			}
			done, err := depCompleted(tx, d)
			if err != nil {
				return err
			}
			if !done {
				allDone = false
				break
			}
		}
		if !allDone {
			continue
		}
		created, err := coord.ParseTime(dep.CreatedAt)
		if err != nil {
			created = time.Now()
		}
		tx.ZAdd(coord.PendingTasksKey, coord.PendingScore(dep.Priority, created.UnixMilli()), depID)
	}
	return nil
}

func (q *Queue) scheduledForRetry(tx backend.Tx, taskID string) (bool, error) {
	due, err := tx.ZRangeByScore(coord.RetryTasksKey, float64(0), float64(1<<62), 0)
	if err != nil {
		return false, err
	}
	for _, id := range due {
		if id == taskID {
			return true, nil
		}
	}
	return false, nil
}

func (q *Queue) depsCompletedRead(ctx context.Context, deps []string) (bool, error) {
	for _, dep := range deps {
		status, _, err := q.b.HGet(ctx, coord.TaskKey(dep), "status")
		if err != nil {
			return false, err
		}
		if coord.TaskStatus(status) != coord.TaskStatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// retryChild derives the next attempt from a failing or escalated task.
func retryChild(task *coord.Task, now time.Time) *coord.Task {
	return &coord.Task{
		ID:                coord.NewID(),
		Title:             task.Title,
		Description:       task.Description,
		Priority:          task.Priority,
		Tags:              task.Tags,
		Status:            coord.TaskStatusPending,
		CreatedAt:         coord.FormatTime(now),
		UpdatedAt:         coord.FormatTime(now),
		DependsOn:         task.DependsOn,
		RetryCount:        task.RetryCount + 1,
		MaxRetries:        task.MaxRetries,
		RetryPolicy:       task.RetryPolicy,
		RetryDelayBase:    task.RetryDelayBase,
		EscalationHistory: []coord.EscalationEvent{},
		ParentTaskID:      task.ID,
		Metadata:          task.Metadata,
	}
}

// retryDelay computes the delay before the next attempt of a task whose
// current attempt just failed. The k-th retry of an exponential-policy task
// waits base * 2^(k-1) seconds, capped at one hour.
func retryDelay(task *coord.Task) time.Duration {
	base := time.Duration(task.RetryDelayBase) * time.Second
	if base < 0 {
		base = 0
	}
	var delay time.Duration
	switch task.RetryPolicy {
	case coord.RetryPolicyExponential:
		shift := uint(task.RetryCount)
		if shift > 20 {
			shift = 20 // anything larger is past the cap anyway
		}
		delay = base << shift
	default:
		delay = base
	}
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

func readTask(tx backend.Tx, taskID string) (*coord.Task, error) {
	hash, err := tx.HGetAll(coord.TaskKey(taskID))
	if err != nil {
		return nil, err
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrUnknownTask, taskID)
	}
	return coord.HashToTask(hash)
}

func appendHistoryTx(tx backend.Tx, task *coord.Task, event coord.EscalationEvent) {
	history := append(task.EscalationHistory, event)
	if historyJSON, err := json.Marshal(history); err == nil {
		tx.HSet(coord.TaskKey(task.ID), map[string]string{
			"escalation_history": string(historyJSON),
			"updated_at":         event.Timestamp,
		})
	}
}

func depCompleted(tx backend.Tx, taskID string) (bool, error) {
	hash, err := tx.HGetAll(coord.TaskKey(taskID))
	if err != nil {
		return false, err
	}
	return coord.TaskStatus(hash["status"]) == coord.TaskStatusCompleted, nil
}

func depsCompleted(tx backend.Tx, deps []string) (bool, error) {
	for _, dep := range deps {
		done, err := depCompleted(tx, dep)
		if err != nil {
			return false, err
		}
		if !done {
			return false, nil
		}
	}
	return true, nil
}

// tagsMatch reports whether an agent advertising agentTags may take a task
// requiring taskTags: the agent's capabilities must cover every required
// tag. Untagged tasks match anyone.
func tagsMatch(agentTags, taskTags []string) bool {
	if len(taskTags) == 0 {
		return true
	}
	have := make(map[string]bool, len(agentTags))
	for _, t := range agentTags {
		have[strings.TrimSpace(t)] = true
	}
	for _, t := range taskTags {
		if !have[strings.TrimSpace(t)] {
			return false
		}
	}
	return true
}
