// Package coordination bundles the coordination core behind a scoped
// session: opening a session connects to the shared backend (falling back
// to the file store when Redis is unreachable), registers the agent and
// starts its heartbeat; closing it stops the heartbeat, releases any file
// locks the session acquired, and deregisters the agent — on every exit
// path.
package coordination

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/agentcoord/agentcoord/internal/config"
	"github.com/agentcoord/agentcoord/pkg/approval"
	"github.com/agentcoord/agentcoord/pkg/audit"
	"github.com/agentcoord/agentcoord/pkg/backend"
	"github.com/agentcoord/agentcoord/pkg/board"
	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/llm"
	"github.com/agentcoord/agentcoord/pkg/lock"
	"github.com/agentcoord/agentcoord/pkg/queue"
	"github.com/agentcoord/agentcoord/pkg/registry"
)

// Mode reports which backend a session is running on.
type Mode string

const (
	ModeRedis    Mode = "redis"
	ModeFallback Mode = "fallback"
)

// Options configures a session. Zero values fall back to the environment
// (REDIS_URL, AGENTCOORD_* variables) and documented defaults.
type Options struct {
	RedisURL    string
	FallbackDir string

	Role         string
	Name         string
	WorkingOn    string
	Capabilities []string

	HeartbeatInterval time.Duration
	HungThreshold     time.Duration
	LockTTL           time.Duration

	// LLMMaxConcurrent and LLMDailyDollars configure the budget handle;
	// zero keeps the defaults (and no spend cap).
	LLMMaxConcurrent int64
	LLMDailyDollars  float64

	// DisableRegistration opens a session without an agent identity, for
	// CLI tools that only read and administer.
	DisableRegistration bool
}

// Session is a scoped coordination client. All component handles share one
// backend connection and the session's agent identity.
type Session struct {
	AgentID string

	Registry  *registry.Registry
	Queue     *queue.Queue
	Locks     *lock.Manager
	Audit     *audit.Log
	Approvals *approval.Workflow
	Board     *board.Board
	Budget    *llm.Budget

	backend   backend.Backend
	mode      Mode
	stopHB    context.CancelFunc
	hbDone    chan struct{}
	closeOnce sync.Once

	mu        sync.Mutex
	heldLocks []lock.Handle
}

// Open connects, wires the component handles, registers the agent and
// starts heartbeating. When Redis is unreachable the session transparently
// degrades to the file-backed fallback with the same API; only when both
// are unusable does Open fail with ErrBackendUnavailable.
func Open(ctx context.Context, opts Options) (*Session, error) {
	env := config.FromEnv()
	if opts.RedisURL == "" {
		opts.RedisURL = env.RedisURL
	}
	if opts.FallbackDir == "" {
		opts.FallbackDir = env.FallbackDir
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = env.HeartbeatInterval
	}
	if opts.HungThreshold <= 0 {
		opts.HungThreshold = env.HungThreshold
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = env.LockTTL
	}

	b, mode, err := connect(ctx, opts.RedisURL, opts.FallbackDir)
	if err != nil {
		return nil, err
	}

	auditLog := audit.New(b)
	s := &Session{
		Registry:  registry.New(b, opts.HungThreshold),
		Queue:     queue.New(b, auditLog),
		Locks:     lock.New(b, auditLog, opts.LockTTL),
		Audit:     auditLog,
		Approvals: approval.New(b, auditLog),
		Board:     board.New(b),
		Budget:    llm.New(b, opts.LLMMaxConcurrent, opts.LLMDailyDollars),
		backend:   b,
		mode:      mode,
		hbDone:    make(chan struct{}),
	}

	if opts.DisableRegistration {
		close(s.hbDone)
		return s, nil
	}

	agentID, err := s.Registry.Register(ctx, registry.RegisterOptions{
		Role:         opts.Role,
		Name:         opts.Name,
		WorkingOn:    opts.WorkingOn,
		Capabilities: opts.Capabilities,
	})
	if err != nil {
		b.Close()
		return nil, fmt.Errorf("failed to register agent: %w", err)
	}
	s.AgentID = agentID

	hbCtx, cancel := context.WithCancel(context.Background())
	s.stopHB = cancel
	go func() {
		defer close(s.hbDone)
		s.Registry.RunHeartbeat(hbCtx, agentID, opts.HeartbeatInterval)
	}()
	return s, nil
}

// connect tries Redis first and falls back to the file store.
func connect(ctx context.Context, redisURL, fallbackDir string) (backend.Backend, Mode, error) {
	rb, redisErr := backend.NewRedisBackendFromURL(ctx, redisURL)
	if redisErr == nil {
		return rb, ModeRedis, nil
	}
	log.Printf("[Session] Redis unreachable (%v), using file fallback at %s", redisErr, fallbackDir)

	fb, fileErr := backend.NewFileBackend(fallbackDir)
	if fileErr == nil {
		return fb, ModeFallback, nil
	}
	return nil, "", fmt.Errorf("%w: redis: %v; fallback: %v", coord.ErrBackendUnavailable, redisErr, fileErr)
}

// Mode reports which backend the session landed on.
func (s *Session) Mode() Mode { return s.mode }

// Backend exposes the underlying store for advanced callers (e.g. the
// coordinator's escalation listener subscribing to raw channels).
func (s *Session) Backend() backend.Backend { return s.backend }

// Heartbeat manually refreshes the agent's liveness, optionally updating
// what it is working on.
func (s *Session) Heartbeat(ctx context.Context, workingOn string) error {
	if s.AgentID == "" {
		return fmt.Errorf("%w: session has no agent identity", coord.ErrUnknownAgent)
	}
	return s.Registry.Heartbeat(ctx, s.AgentID, workingOn)
}

// ClaimTask claims the best ready task matching the session's tags.
func (s *Session) ClaimTask(ctx context.Context, tags []string) (*coord.Task, error) {
	return s.Queue.Claim(ctx, s.AgentID, tags)
}

// LockFile acquires an exclusive lock as this session's agent and tracks
// it for release at session close.
func (s *Session) LockFile(ctx context.Context, path, intent string) (lock.Handle, error) {
	h, err := s.Locks.Lock(ctx, path, s.AgentID, intent, 0)
	if err != nil {
		return lock.Handle{}, err
	}
	s.mu.Lock()
	s.heldLocks = append(s.heldLocks, h)
	s.mu.Unlock()
	return h, nil
}

// ReleaseLock releases a lock early and stops tracking it.
func (s *Session) ReleaseLock(ctx context.Context, h lock.Handle) error {
	s.mu.Lock()
	kept := s.heldLocks[:0]
	for _, held := range s.heldLocks {
		if held.LockID != h.LockID {
			kept = append(kept, held)
		}
	}
	s.heldLocks = kept
	s.mu.Unlock()
	return s.Locks.Release(ctx, h)
}

// WithLock runs fn while holding the lock; release is guaranteed on every
// exit path, so such locks are not tracked by the session.
func (s *Session) WithLock(ctx context.Context, path, intent string, fn func() error) error {
	return s.Locks.WithLock(ctx, path, s.AgentID, intent, fn)
}

// LogDecision appends an audit entry attributed to this session's agent.
func (s *Session) LogDecision(ctx context.Context, kind, contextText, reason string) error {
	_, err := s.Audit.Record(ctx, s.AgentID, kind, contextText, reason)
	return err
}

// PostThread posts an announcement thread as this session's agent.
func (s *Session) PostThread(ctx context.Context, channel, title, body string, priority coord.MessagePriority) (*coord.BoardThread, error) {
	return s.Board.PostThread(ctx, channel, title, body, s.AgentID, priority)
}

// Close tears the session down: heartbeat stopped, held locks released,
// agent deregistered, backend connection closed. Safe to call more than
// once and on every exit path.
func (s *Session) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if s.stopHB != nil {
			s.stopHB()
			<-s.hbDone
		}

		s.mu.Lock()
		held := s.heldLocks
		s.heldLocks = nil
		s.mu.Unlock()
		for _, h := range held {
			if err := s.Locks.Release(ctx, h); err != nil {
				log.Printf("[Session] Failed to release lock on %s: %v", h.Path, err)
			}
		}

		if s.AgentID != "" {
			if err := s.Registry.Deregister(ctx, s.AgentID); err != nil {
				log.Printf("[Session] Failed to deregister %s: %v", s.AgentID, err)
			}
		}
		closeErr = s.backend.Close()
	})
	return closeErr
}
