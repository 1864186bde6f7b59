package commands

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentcoord/agentcoord/internal/config"
	"github.com/agentcoord/agentcoord/internal/health"
	"github.com/agentcoord/agentcoord/internal/printer"
	"github.com/agentcoord/agentcoord/pkg/board"
	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/coordination"
	"github.com/agentcoord/agentcoord/pkg/scaler"
	"github.com/agentcoord/agentcoord/pkg/spawner"
)

var (
	coordinatorConfigPath string
	coordinatorHealthAddr string
	coordinatorLogPath    string
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Run a coordinator process",
}

var coordinatorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run sweepers, the auto-scaler and the escalation listener",
	Long: `Run the coordinator: the retry and reclamation sweepers, the escalation
channel listener, a /healthz endpoint, and (when configured in
agentcoord.yml) the auto-scaler that sizes the worker fleet to queue depth.`,
	RunE: runCoordinator,
}

func init() {
	coordinatorRunCmd.Flags().StringVar(&coordinatorConfigPath, "config", "", "Path to agentcoord.yml (optional)")
	coordinatorRunCmd.Flags().StringVar(&coordinatorHealthAddr, "health-addr", ":8080", "Health endpoint listen address")
	coordinatorRunCmd.Flags().StringVar(&coordinatorLogPath, "channel-log", "", "Also append channel messages to this JSONL file")
	coordinatorCmd.AddCommand(coordinatorRunCmd)
	rootCmd.AddCommand(coordinatorCmd)
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cfg *config.CoordinatorConfig
	if coordinatorConfigPath != "" {
		var err error
		cfg, err = config.Load(coordinatorConfigPath)
		if err != nil {
			return printer.Error("Failed to load configuration.", err.Error(), nil)
		}
	}

	session, err := coordination.Open(ctx, coordination.Options{
		RedisURL:    flagRedisURL,
		FallbackDir: flagFallbackDir,
		Role:        "coordinator",
		Name:        "coordinator",
		WorkingOn:   "supervising the queue",
	})
	if err != nil {
		return printer.Error("Failed to open coordination session.", err.Error(), nil)
	}
	defer session.Close()

	printer.Success("Coordinator up (backend: %s)\n", session.Mode())

	healthServer := health.NewServer(session.Backend())
	if err := healthServer.Start(coordinatorHealthAddr); err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		healthServer.Shutdown(shutdownCtx)
	}()

	// Channel adapters for escalation fan-out: terminal always, file when
	// requested.
	channels := board.NewManager()
	channels.Register(board.NewTerminalChannel(os.Stdout))
	if coordinatorLogPath != "" {
		channels.Register(board.NewFileChannel(coordinatorLogPath))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		session.Queue.RunRetrySweeper(gctx, 0)
		return nil
	})
	g.Go(func() error {
		session.Queue.RunReclamationSweeper(gctx, session.Registry, 0)
		return nil
	})
	g.Go(func() error {
		return runEscalationListener(gctx, session, channels)
	})

	if cfg != nil && cfg.Scaler != nil {
		sc := buildScaler(cfg, session)
		g.Go(func() error {
			sc.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		printer.Info("Coordinator shutting down.\n")
		return nil
	}
	return err
}

// runEscalationListener forwards escalation events to the channel adapters
// so supervisors see terminal failures as they happen.
func runEscalationListener(ctx context.Context, session *coordination.Session, channels *board.Manager) error {
	sub, err := session.Backend().Subscribe(ctx, coord.EscalationsChannel)
	if err != nil {
		return err
	}
	defer sub.Close()

	log.Printf("[Coordinator] Listening on %s", coord.EscalationsChannel)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var notice coord.EscalationNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("[Coordinator] Malformed escalation event: %v", err)
				continue
			}
			channels.Broadcast(coord.Message{
				Content:   notice.TaskTitle + ": " + notice.Reason,
				FromAgent: notice.ClaimedBy,
				Channel:   "escalations",
				Priority:  coord.PriorityUrgent,
				Type:      coord.MessageError,
				Timestamp: notice.Timestamp,
			})
		}
	}
}

func buildScaler(cfg *config.CoordinatorConfig, session *coordination.Session) *scaler.Scaler {
	env := config.FromEnv()
	sp := spawner.New(env.RedisURL, env.FallbackDir)

	spawnOpts := spawner.Options{Mode: spawner.ModeSubprocess}
	if cfg.Workers != nil {
		if cfg.Workers.Mode != "" {
			spawnOpts.Mode = spawner.Mode(cfg.Workers.Mode)
		}
		spawnOpts.Tags = cfg.Workers.Tags
		spawnOpts.Image = cfg.Workers.Image
		spawnOpts.CloudCommand = cfg.Workers.CloudCommand
		if cfg.Workers.MaxTasks != nil {
			spawnOpts.MaxTasks = *cfg.Workers.MaxTasks
		}
		if len(cfg.Workers.Environment) > 0 {
			spawnOpts.Env = map[string]string{}
			for _, kv := range cfg.Workers.Environment {
				for i := 0; i < len(kv); i++ {
					if kv[i] == '=' {
						spawnOpts.Env[kv[:i]] = kv[i+1:]
						break
					}
				}
			}
		}
	}

	scfg := scaler.Config{
		MinWorkers: cfg.Scaler.MinWorkers,
		MaxWorkers: cfg.Scaler.MaxWorkers,
		Spawn:      spawnOpts,
	}
	if cfg.Scaler.TasksPerWorker != nil {
		scfg.TasksPerWorker = *cfg.Scaler.TasksPerWorker
	}
	if cfg.Scaler.IntervalSeconds != nil {
		scfg.Interval = time.Duration(*cfg.Scaler.IntervalSeconds) * time.Second
	}
	if cfg.Scaler.IdleGraceSecs != nil {
		scfg.IdleGrace = time.Duration(*cfg.Scaler.IdleGraceSecs) * time.Second
	}
	return scaler.New(scfg, session.Queue, sp, session.Registry)
}
