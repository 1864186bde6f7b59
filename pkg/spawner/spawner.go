// Package spawner manages worker process lifecycle. Workers are opaque to
// the coordination core: the spawner launches them in one of several modes
// (local subprocess, Docker container, cloud CLI), tracks handles, and
// terminates them gracefully. A terminated worker's leases return to the
// queue through the reclamation sweeper once its heartbeats lapse.
package spawner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

// Mode selects how a worker process is started.
type Mode string

const (
	// ModeSubprocess starts the worker as a local OS process.
	ModeSubprocess Mode = "subprocess"

	// ModeDocker starts the worker in a Docker container.
	ModeDocker Mode = "docker"

	// ModeCloud delegates to a platform CLI (e.g. a container-on-platform
	// runner) that starts the worker remotely.
	ModeCloud Mode = "cloud"
)

// DefaultPollInterval is the worker loop's claim cadence passed to spawned
// workers.
const DefaultPollInterval = 5 * time.Second

// Handle exposes a spawned worker's lifecycle.
type Handle interface {
	// ID returns the process-level identifier: pid for subprocess/cloud,
	// container id for Docker.
	ID() string
	Name() string
	Mode() Mode
	Tags() []string
	StartedAt() time.Time
	IsAlive(ctx context.Context) bool
	// Terminate asks the worker to stop politely, waits up to grace, then
	// forces it down.
	Terminate(ctx context.Context, grace time.Duration) error
}

// Options configures one spawn.
type Options struct {
	Name         string   // auto-generated when empty
	Tags         []string // capabilities the worker claims with
	Mode         Mode     // default: subprocess
	MaxTasks     int      // 0 = run until terminated
	Env          map[string]string
	PollInterval time.Duration

	// WorkerCommand is the argv launched in subprocess mode. Defaults to
	// re-executing the current binary with "worker run".
	WorkerCommand []string

	// Image is the container image for Docker mode.
	Image string

	// HealthPort, when non-zero, publishes container port 8080/tcp on this
	// host port (bound to 127.0.0.1) in Docker mode. The "worker run" loop
	// itself serves no HTTP endpoint.
	HealthPort int

	// CloudCommand is the CLI prefix for cloud mode (e.g. ["railway", "run"]).
	CloudCommand []string
}

// Spawner starts and tracks workers.
type Spawner struct {
	redisURL    string
	fallbackDir string

	mu      sync.Mutex
	workers map[string]Handle

	dockerOnce sync.Once
	docker     *client.Client
	dockerErr  error
}

// New creates a spawner. Spawned workers connect to redisURL, or fall back
// to fallbackDir when it is unreachable.
func New(redisURL, fallbackDir string) *Spawner {
	return &Spawner{
		redisURL:    redisURL,
		fallbackDir: fallbackDir,
		workers:     make(map[string]Handle),
	}
}

// Spawn starts a new worker and tracks its handle.
func (s *Spawner) Spawn(ctx context.Context, opts Options) (Handle, error) {
	workerID := uuid.New().String()[:8]
	if opts.Name == "" {
		opts.Name = fmt.Sprintf("worker-%s", workerID)
	}
	if opts.Mode == "" {
		opts.Mode = ModeSubprocess
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	log.Printf("[Spawner] Spawning %s worker %q with tags %v", opts.Mode, opts.Name, opts.Tags)

	var (
		h   Handle
		err error
	)
	switch opts.Mode {
	case ModeSubprocess:
		h, err = s.spawnSubprocess(ctx, workerID, opts)
	case ModeDocker:
		h, err = s.spawnDocker(ctx, workerID, opts)
	case ModeCloud:
		h, err = s.spawnCloud(ctx, workerID, opts)
	default:
		return nil, fmt.Errorf("unknown spawn mode: %q", opts.Mode)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.workers[workerID] = h
	s.mu.Unlock()
	return h, nil
}

// workerArgs builds the worker-loop flags shared by every mode.
func workerArgs(opts Options) []string {
	args := []string{
		"--name", opts.Name,
		"--poll-interval", opts.PollInterval.String(),
	}
	if len(opts.Tags) > 0 {
		args = append(args, "--tags", strings.Join(opts.Tags, ","))
	}
	if opts.MaxTasks > 0 {
		args = append(args, "--max-tasks", strconv.Itoa(opts.MaxTasks))
	}
	return args
}

// workerEnv builds the environment shared by every mode.
func (s *Spawner) workerEnv(opts Options) []string {
	env := []string{
		fmt.Sprintf("REDIS_URL=%s", s.redisURL),
	}
	if s.fallbackDir != "" {
		env = append(env, fmt.Sprintf("AGENTCOORD_FALLBACK_DIR=%s", s.fallbackDir))
	}
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// List returns a snapshot of tracked handles, oldest first.
func (s *Spawner) List() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Handle, 0, len(s.workers))
	for _, h := range s.workers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}

// CountAlive counts tracked workers whose process is still running.
func (s *Spawner) CountAlive(ctx context.Context) int {
	alive := 0
	for _, h := range s.List() {
		if h.IsAlive(ctx) {
			alive++
		}
	}
	return alive
}

// GCDeadWorkers prunes handles whose underlying process has exited.
// Returns the number pruned.
func (s *Spawner) GCDeadWorkers(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, h := range s.workers {
		if !h.IsAlive(ctx) {
			log.Printf("[Spawner] Pruning dead worker %q", h.Name())
			delete(s.workers, id)
			pruned++
		}
	}
	return pruned
}

// Remove stops tracking a handle without touching the process.
func (s *Spawner) Remove(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tracked := range s.workers {
		if tracked == h {
			delete(s.workers, id)
			return
		}
	}
}

// TerminateAll terminates every tracked worker.
func (s *Spawner) TerminateAll(ctx context.Context, grace time.Duration) {
	handles := s.List()
	log.Printf("[Spawner] Terminating %d worker(s)", len(handles))
	for _, h := range handles {
		if err := h.Terminate(ctx, grace); err != nil {
			log.Printf("[Spawner] Failed to terminate %q: %v", h.Name(), err)
		}
	}
	s.mu.Lock()
	s.workers = make(map[string]Handle)
	s.mu.Unlock()
}

// WorkerStats summarizes tracked workers.
type WorkerStats struct {
	TotalSpawned int          `json:"total_spawned"`
	Alive        int          `json:"alive"`
	Dead         int          `json:"dead"`
	Workers      []WorkerInfo `json:"workers"`
}

// WorkerInfo is one worker's public state.
type WorkerInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Tags      []string  `json:"tags"`
	Mode      Mode      `json:"mode"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
}

// Stats reports on every tracked worker.
func (s *Spawner) Stats(ctx context.Context) WorkerStats {
	handles := s.List()
	stats := WorkerStats{TotalSpawned: len(handles)}
	for _, h := range handles {
		alive := h.IsAlive(ctx)
		if alive {
			stats.Alive++
		} else {
			stats.Dead++
		}
		stats.Workers = append(stats.Workers, WorkerInfo{
			ID:        h.ID(),
			Name:      h.Name(),
			Tags:      h.Tags(),
			Mode:      h.Mode(),
			Alive:     alive,
			StartedAt: h.StartedAt(),
		})
	}
	return stats
}

// dockerClient lazily connects to the Docker daemon; only Docker-mode
// spawns pay the cost.
func (s *Spawner) dockerClient(ctx context.Context) (*client.Client, error) {
	s.dockerOnce.Do(func() {
		s.docker, s.dockerErr = newDockerClient(ctx)
	})
	return s.docker, s.dockerErr
}
