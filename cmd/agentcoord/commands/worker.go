package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
	"github.com/agentcoord/agentcoord/internal/worker"
	"github.com/agentcoord/agentcoord/pkg/coordination"
)

var (
	workerName         string
	workerTags         []string
	workerMaxTasks     int
	workerPollInterval time.Duration
	workerExec         []string
	workerExecTimeout  time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a worker process",
}

var workerRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Claim and execute tasks until terminated",
	Long: `Run the worker loop: register with the shared backend, heartbeat in the
background, claim tasks matching --tags in priority order, and execute each
through the --exec command (or acknowledge it when none is given).

The loop exits after --max-tasks successful completions, or on SIGTERM /
SIGINT. A signal does not wait for the task in hand: a running --exec
command is killed.`,
	RunE: runWorker,
}

func init() {
	workerRunCmd.Flags().StringVar(&workerName, "name", "", "Worker name (auto-generated when empty)")
	workerRunCmd.Flags().StringSliceVar(&workerTags, "tags", nil, "Capabilities this worker claims with")
	workerRunCmd.Flags().IntVar(&workerMaxTasks, "max-tasks", 0, "Exit after this many completions (0 = run forever)")
	workerRunCmd.Flags().DurationVar(&workerPollInterval, "poll-interval", 5*time.Second, "Pause between empty claim attempts")
	workerRunCmd.Flags().StringArrayVar(&workerExec, "exec", nil, "Executor argv, repeatable (e.g. --exec sh --exec -c --exec 'make build')")
	workerRunCmd.Flags().DurationVar(&workerExecTimeout, "exec-timeout", 0, "Per-task execution timeout (0 = none)")
	workerCmd.AddCommand(workerRunCmd)
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session, err := coordination.Open(ctx, coordination.Options{
		RedisURL:    flagRedisURL,
		FallbackDir: flagFallbackDir,
		Role:        "worker",
		Name:        workerName,
		WorkingOn:   "starting up",
	})
	if err != nil {
		return printer.Error("Failed to open coordination session.", err.Error(), []string{
			"Check REDIS_URL points at a reachable Redis",
			"Or set AGENTCOORD_FALLBACK_DIR to a writable directory",
		})
	}
	defer session.Close()

	name := workerName
	if name == "" {
		name = session.AgentID[:8]
	}
	return worker.Run(ctx, session, worker.Config{
		Name:         name,
		Tags:         workerTags,
		MaxTasks:     workerMaxTasks,
		PollInterval: workerPollInterval,
		Command:      workerExec,
		ExecTimeout:  workerExecTimeout,
	})
}
