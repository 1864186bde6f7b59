// Package registry tracks the agents participating in a coordination
// instance: registration, heartbeats, liveness and hung detection.
package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

// DefaultHungThreshold is how stale a heartbeat may be before readers
// consider the agent hung.
const DefaultHungThreshold = 300 * time.Second

// DefaultHeartbeatInterval is the cadence agents are expected to heartbeat.
const DefaultHeartbeatInterval = 30 * time.Second

// Registry provides agent registration and liveness over the shared backend.
type Registry struct {
	b             backend.Backend
	hungThreshold time.Duration
}

// New creates a registry. A non-positive hungThreshold selects the default.
func New(b backend.Backend, hungThreshold time.Duration) *Registry {
	if hungThreshold <= 0 {
		hungThreshold = DefaultHungThreshold
	}
	return &Registry{b: b, hungThreshold: hungThreshold}
}

// RegisterOptions describes the agent being registered.
type RegisterOptions struct {
	// ID pins the agent id. Leave empty to allocate a fresh UUID.
	// Registration is idempotent on the same id.
	ID           string
	Role         string
	Name         string
	WorkingOn    string
	Capabilities []string
}

// Register writes the agent record with status active and both timestamps
// set to now, and returns the agent id.
func (r *Registry) Register(ctx context.Context, opts RegisterOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = coord.NewID()
	}
	now := coord.Now()
	agent := &coord.Agent{
		ID:            id,
		Name:          opts.Name,
		Role:          opts.Role,
		WorkingOn:     opts.WorkingOn,
		Capabilities:  opts.Capabilities,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Status:        coord.AgentStatusActive,
	}
	if err := agent.Validate(); err != nil {
		return "", fmt.Errorf("invalid agent: %w", err)
	}
	hash, err := coord.AgentToHash(agent)
	if err != nil {
		return "", err
	}
	if err := r.b.HSet(ctx, coord.AgentKey(id), hash); err != nil {
		return "", fmt.Errorf("failed to write agent record: %w", err)
	}
	if err := r.b.SAdd(ctx, coord.AgentsIndexKey, id); err != nil {
		return "", fmt.Errorf("failed to index agent: %w", err)
	}
	return id, nil
}

// Heartbeat refreshes the agent's last_heartbeat. A non-empty workingOn
// also updates the agent's current activity; empty leaves it unchanged.
func (r *Registry) Heartbeat(ctx context.Context, agentID, workingOn string) error {
	key := coord.AgentKey(agentID)
	existing, err := r.b.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read agent record: %w", err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: %s", coord.ErrUnknownAgent, agentID)
	}
	fields := map[string]string{"last_heartbeat": coord.Now()}
	if workingOn != "" {
		fields["working_on"] = workingOn
	}
	if err := r.b.HSet(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return nil
}

// Get fetches one agent record with its computed status.
func (r *Registry) Get(ctx context.Context, agentID string) (*coord.Agent, error) {
	hash, err := r.b.HGetAll(ctx, coord.AgentKey(agentID))
	if err != nil {
		return nil, fmt.Errorf("failed to read agent record: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: %s", coord.ErrUnknownAgent, agentID)
	}
	agent, err := coord.HashToAgent(hash)
	if err != nil {
		return nil, err
	}
	r.applyComputedStatus(agent, time.Now())
	return agent, nil
}

// ListAgents returns every known agent. Status is computed at read time: an
// agent whose last heartbeat is older than the hung threshold is reported
// hung regardless of its stored status.
func (r *Registry) ListAgents(ctx context.Context) ([]coord.Agent, error) {
	ids, err := r.b.SMembers(ctx, coord.AgentsIndexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	now := time.Now()
	out := make([]coord.Agent, 0, len(ids))
	for _, id := range ids {
		hash, err := r.b.HGetAll(ctx, coord.AgentKey(id))
		if err != nil {
			return nil, fmt.Errorf("failed to read agent %s: %w", id, err)
		}
		if len(hash) == 0 {
			continue
		}
		agent, err := coord.HashToAgent(hash)
		if err != nil {
			return nil, fmt.Errorf("corrupt agent record %s: %w", id, err)
		}
		r.applyComputedStatus(agent, now)
		out = append(out, *agent)
	}
	return out, nil
}

// DetectHung returns the ids of agents whose last heartbeat is older than
// threshold. Terminated agents are not reported.
func (r *Registry) DetectHung(ctx context.Context, threshold time.Duration) ([]string, error) {
	if threshold <= 0 {
		threshold = r.hungThreshold
	}
	agents, err := r.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var hung []string
	for _, a := range agents {
		if a.Status == coord.AgentStatusTerminated {
			continue
		}
		if a.HungAfter(now, threshold) {
			hung = append(hung, a.ID)
		}
	}
	return hung, nil
}

// Deregister marks the agent terminated. The record is retained for audit;
// retention is a concern of outside tooling.
func (r *Registry) Deregister(ctx context.Context, agentID string) error {
	key := coord.AgentKey(agentID)
	existing, err := r.b.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read agent record: %w", err)
	}
	if len(existing) == 0 {
		return fmt.Errorf("%w: %s", coord.ErrUnknownAgent, agentID)
	}
	return r.b.HSet(ctx, key, map[string]string{
		"status": string(coord.AgentStatusTerminated),
	})
}

// HungThreshold returns the configured hung threshold.
func (r *Registry) HungThreshold() time.Duration {
	return r.hungThreshold
}

func (r *Registry) applyComputedStatus(agent *coord.Agent, now time.Time) {
	if agent.Status == coord.AgentStatusTerminated {
		return
	}
	if agent.HungAfter(now, r.hungThreshold) {
		agent.Status = coord.AgentStatusHung
	}
}

// RunHeartbeat heartbeats on a fixed cadence until ctx is cancelled.
// Transient failures are logged and the loop continues; a single bad
// iteration never aborts a session.
func (r *Registry) RunHeartbeat(ctx context.Context, agentID string, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Heartbeat(ctx, agentID, ""); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Registry] Heartbeat failed for %s: %v", agentID, err)
			}
		}
	}
}
