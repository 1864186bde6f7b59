// Package scaler adjusts the worker fleet to the queue depth: spawn when
// tasks back up, retire an idle worker when the queue drains. Runs inside a
// coordinator process.
package scaler

import (
	"context"
	"log"
	"math"
	"time"

	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/queue"
	"github.com/agentcoord/agentcoord/pkg/registry"
	"github.com/agentcoord/agentcoord/pkg/spawner"
)

// Defaults for the scaling loop.
const (
	DefaultInterval       = 30 * time.Second
	DefaultIdleGrace      = 120 * time.Second
	DefaultTasksPerWorker = 3
	DefaultTerminateGrace = 30 * time.Second
)

// Config bounds and paces the scaler.
type Config struct {
	MinWorkers     int
	MaxWorkers     int
	TasksPerWorker int           // default: 3
	Interval       time.Duration // default: 30s
	IdleGrace      time.Duration // default: 120s

	// Spawn is the template for new workers; Name is overridden per spawn.
	Spawn spawner.Options
}

// Scaler owns a fleet of workers sized to queue depth.
type Scaler struct {
	cfg Config
	q   *queue.Queue
	sp  *spawner.Spawner
	reg *registry.Registry

	// idleSince tracks when each worker was first observed without a
	// lease; cleared the moment it holds one again.
	idleSince map[string]time.Time
}

// New creates a scaler. The registry is used to map worker names to agent
// ids so that a worker holding a lease is never terminated.
func New(cfg Config, q *queue.Queue, sp *spawner.Spawner, reg *registry.Registry) *Scaler {
	if cfg.TasksPerWorker <= 0 {
		cfg.TasksPerWorker = DefaultTasksPerWorker
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = DefaultIdleGrace
	}
	if cfg.MaxWorkers < cfg.MinWorkers {
		cfg.MaxWorkers = cfg.MinWorkers
	}
	return &Scaler{
		cfg:       cfg,
		q:         q,
		sp:        sp,
		reg:       reg,
		idleSince: make(map[string]time.Time),
	}
}

// Run evaluates the scaling policy on a fixed cadence until ctx is
// cancelled, then terminates the fleet.
func (s *Scaler) Run(ctx context.Context) {
	log.Printf("[Scaler] Starting: min=%d max=%d tasks_per_worker=%d",
		s.cfg.MinWorkers, s.cfg.MaxWorkers, s.cfg.TasksPerWorker)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Scaler] Shutting down, terminating fleet")
			s.sp.TerminateAll(context.WithoutCancel(ctx), DefaultTerminateGrace)
			return
		case <-ticker.C:
			if err := s.Evaluate(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				log.Printf("[Scaler] Evaluation failed: %v", err)
			}
		}
	}
}

// Evaluate runs one scaling decision: desired = clamp(ceil(depth /
// tasks_per_worker), min, max); spawn up to desired, or retire one idle
// worker when the queue is empty.
func (s *Scaler) Evaluate(ctx context.Context) error {
	s.sp.GCDeadWorkers(ctx)

	depth, err := s.q.Depth(ctx)
	if err != nil {
		return err
	}
	alive := s.sp.CountAlive(ctx)

	desired := int(math.Ceil(float64(depth) / float64(s.cfg.TasksPerWorker)))
	if desired < s.cfg.MinWorkers {
		desired = s.cfg.MinWorkers
	}
	if desired > s.cfg.MaxWorkers {
		desired = s.cfg.MaxWorkers
	}

	switch {
	case desired > alive:
		for i := alive; i < desired; i++ {
			opts := s.cfg.Spawn
			opts.Name = "" // fresh auto-generated name per worker
			opts.Tags = s.cfg.Spawn.Tags
			if _, err := s.sp.Spawn(ctx, opts); err != nil {
				return err
			}
		}
		log.Printf("[Scaler] Scaled up: depth=%d workers %d → %d", depth, alive, desired)
	case desired < alive && depth == 0:
		if h := s.oldestIdleWorker(ctx); h != nil {
			log.Printf("[Scaler] Retiring idle worker %q", h.Name())
			if err := h.Terminate(ctx, DefaultTerminateGrace); err != nil {
				return err
			}
			s.sp.Remove(h)
			delete(s.idleSince, h.ID())
		}
	}
	return nil
}

// oldestIdleWorker returns the longest-idle worker whose idle time exceeds
// the grace period, or nil. A worker holding a lease is never a candidate.
func (s *Scaler) oldestIdleWorker(ctx context.Context) spawner.Handle {
	now := time.Now()
	seen := make(map[string]bool)

	var (
		oldest      spawner.Handle
		oldestSince time.Time
	)
	for _, h := range s.sp.List() {
		if !h.IsAlive(ctx) {
			continue
		}
		seen[h.ID()] = true
		if s.holdsLease(ctx, h) {
			delete(s.idleSince, h.ID())
			continue
		}
		since, ok := s.idleSince[h.ID()]
		if !ok {
			s.idleSince[h.ID()] = now
			continue
		}
		if now.Sub(since) < s.cfg.IdleGrace {
			continue
		}
		if oldest == nil || since.Before(oldestSince) {
			oldest = h
			oldestSince = since
		}
	}
	// Drop tracking for workers that vanished.
	for id := range s.idleSince {
		if !seen[id] {
			delete(s.idleSince, id)
		}
	}
	return oldest
}

// holdsLease reports whether the worker's registered agent currently leases
// any task. Unregistered workers (still booting) count as leased so they
// are not retired mid-startup.
func (s *Scaler) holdsLease(ctx context.Context, h spawner.Handle) bool {
	agent, err := s.agentByName(ctx, h.Name())
	if err != nil || agent == nil {
		return true
	}
	n, err := s.q.LeasesFor(ctx, agent.ID)
	if err != nil {
		return true
	}
	return n > 0
}

func (s *Scaler) agentByName(ctx context.Context, name string) (*coord.Agent, error) {
	agents, err := s.reg.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		if agents[i].Name == name && agents[i].Status != coord.AgentStatusTerminated {
			return &agents[i], nil
		}
	}
	return nil, nil
}
