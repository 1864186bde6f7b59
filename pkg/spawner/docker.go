package spawner

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/agentcoord/agentcoord/internal/dockerutil"
)

// newDockerClient connects to the Docker daemon and verifies it is up.
func newDockerClient(ctx context.Context) (*client.Client, error) {
	return dockerutil.NewClient(ctx)
}

// spawnDocker starts the worker in a container. The image's entrypoint is
// expected to be the agentcoord binary; only worker-mode arguments are
// passed as the command.
func (s *Spawner) spawnDocker(ctx context.Context, workerID string, opts Options) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("docker mode requires an image")
	}
	cli, err := s.dockerClient(ctx)
	if err != nil {
		return nil, err
	}

	containerName := dockerutil.WorkerContainerName(workerID)
	cmd := append([]string{"worker", "run"}, workerArgs(opts)...)

	containerConfig := &container.Config{
		Image:  opts.Image,
		Cmd:    cmd,
		Env:    s.workerEnv(opts),
		Labels: dockerutil.BuildLabels(opts.Name, strings.Join(opts.Tags, ",")),
	}
	hostConfig := &container.HostConfig{
		// Host networking so the worker reaches a localhost Redis without
		// extra wiring. A non-zero HealthPort switches to the default
		// network with a port binding instead.
		NetworkMode: container.NetworkMode("host"),
		AutoRemove:  false,
	}

	if opts.HealthPort > 0 {
		healthPort := nat.Port("8080/tcp")
		containerConfig.ExposedPorts = nat.PortSet{healthPort: struct{}{}}
		hostConfig.NetworkMode = ""
		hostConfig.PortBindings = nat.PortMap{
			healthPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(opts.HealthPort)},
			},
		}
	}

	resp, err := cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker container: %w", err)
	}
	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start worker container: %w", err)
	}

	return &dockerHandle{
		name:        opts.Name,
		tags:        opts.Tags,
		containerID: resp.ID,
		cli:         cli,
		startedAt:   time.Now(),
	}, nil
}

// dockerHandle tracks a worker running in a container.
type dockerHandle struct {
	name        string
	tags        []string
	containerID string
	cli         *client.Client
	startedAt   time.Time
}

func (h *dockerHandle) ID() string           { return h.containerID }
func (h *dockerHandle) Name() string         { return h.name }
func (h *dockerHandle) Mode() Mode           { return ModeDocker }
func (h *dockerHandle) Tags() []string       { return h.tags }
func (h *dockerHandle) StartedAt() time.Time { return h.startedAt }

func (h *dockerHandle) IsAlive(ctx context.Context) bool {
	inspect, err := h.cli.ContainerInspect(ctx, h.containerID)
	if err != nil {
		return false
	}
	return inspect.State != nil && inspect.State.Running
}

// Terminate stops the container with the given grace period (Docker sends
// SIGTERM, waits, then SIGKILLs) and removes it.
func (h *dockerHandle) Terminate(ctx context.Context, grace time.Duration) error {
	graceSecs := int(grace.Seconds())
	if err := h.cli.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &graceSecs}); err != nil {
		return fmt.Errorf("failed to stop worker container: %w", err)
	}
	if err := h.cli.ContainerRemove(ctx, h.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("failed to remove worker container: %w", err)
	}
	return nil
}
