// Package worker implements the claim-execute-complete loop run by spawned
// worker processes. What a task actually does is opaque to the
// coordination core: the loop either runs a configured executor command or
// simply acknowledges the task, and reports the outcome to the queue.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strings"
	"time"

	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/coordination"
)

// Config shapes one worker loop.
type Config struct {
	Name         string
	Tags         []string
	MaxTasks     int           // 0 = run until cancelled
	PollInterval time.Duration // pause between empty claim attempts

	// Command is the executor argv run once per task with task fields in
	// the environment. Empty means acknowledge-only (useful for smoke
	// tests and queue draining).
	Command []string

	// ExecTimeout bounds a single task execution; 0 means no limit.
	ExecTimeout time.Duration
}

// Run claims and executes tasks until the context is cancelled or MaxTasks
// tasks have completed successfully. Effects must be idempotent: delivery
// is at-least-once, and a reclaimed task may run again elsewhere.
func Run(ctx context.Context, session *coordination.Session, cfg Config) error {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	log.Printf("[Worker] %s starting: tags=%v max_tasks=%d", cfg.Name, cfg.Tags, cfg.MaxTasks)

	completed := 0
	for {
		// Cancellation is polled between iterations and before every
		// blocking claim, keeping termination responsive.
		if ctx.Err() != nil {
			log.Printf("[Worker] %s stopping: %v", cfg.Name, ctx.Err())
			return nil
		}

		task, err := session.ClaimTask(ctx, cfg.Tags)
		if err != nil {
			log.Printf("[Worker] %s claim failed: %v", cfg.Name, err)
			if sleepCtx(ctx, cfg.PollInterval) {
				return nil
			}
			continue
		}
		if task == nil {
			if sleepCtx(ctx, cfg.PollInterval) {
				return nil
			}
			continue
		}

		log.Printf("[Worker] %s claimed task %s (%q)", cfg.Name, task.ID, task.Title)
		session.Heartbeat(ctx, task.Title)

		if err := session.Queue.Start(ctx, task.ID, session.AgentID); err != nil {
			log.Printf("[Worker] %s could not start task %s: %v", cfg.Name, task.ID, err)
			continue
		}

		result, execErr := execute(ctx, task, cfg)
		if execErr != nil {
			log.Printf("[Worker] %s task %s failed: %v", cfg.Name, task.ID, execErr)
			if err := session.Queue.Fail(ctx, task.ID, execErr.Error()); err != nil {
				log.Printf("[Worker] %s could not record failure for %s: %v", cfg.Name, task.ID, err)
			}
			continue
		}

		if err := session.Queue.Complete(ctx, task.ID, result); err != nil {
			log.Printf("[Worker] %s could not complete task %s: %v", cfg.Name, task.ID, err)
			continue
		}
		completed++
		session.Heartbeat(ctx, "")

		if cfg.MaxTasks > 0 && completed >= cfg.MaxTasks {
			log.Printf("[Worker] %s reached max tasks (%d), exiting", cfg.Name, cfg.MaxTasks)
			return nil
		}
	}
}

// execute runs the task through the configured executor command, or
// acknowledges it when no executor is configured.
func execute(ctx context.Context, task *coord.Task, cfg Config) (string, error) {
	if len(cfg.Command) == 0 {
		return fmt.Sprintf("acknowledged by %s", cfg.Name), nil
	}

	execCtx := ctx
	if cfg.ExecTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cfg.ExecTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(execCtx, cfg.Command[0], cfg.Command[1:]...)
	cmd.Env = append(cmd.Environ(),
		"AGENTCOORD_TASK_ID="+task.ID,
		"AGENTCOORD_TASK_TITLE="+task.Title,
		"AGENTCOORD_TASK_DESCRIPTION="+task.Description,
		"AGENTCOORD_TASK_TAGS="+strings.Join(task.Tags, ","),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = err.Error()
		}
		return "", fmt.Errorf("executor failed: %s", detail)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// sleepCtx pauses for d, reporting true if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(d):
		return false
	}
}
