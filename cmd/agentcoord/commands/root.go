package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/pkg/coordination"
)

var (
	version string
	commit  string
	date    string
)

// Global connection flags, overriding REDIS_URL / AGENTCOORD_FALLBACK_DIR.
var (
	flagRedisURL    string
	flagFallbackDir string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "agentcoord",
	Short: "AgentCoord - coordination substrate for multi-agent workloads",
	Long: `AgentCoord lets independent worker processes cooperate on a shared
workload: claiming tasks from a priority queue, serializing file access
with TTL locks, heartbeating into a shared registry, requesting approvals,
and logging decisions to an append-only audit stream.

All state lives in a shared Redis instance; when Redis is unreachable the
tooling transparently degrades to a file-backed store on the local host.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagRedisURL, "redis-url", "", "Redis connection URL (default: $REDIS_URL)")
	rootCmd.PersistentFlags().StringVar(&flagFallbackDir, "fallback-dir", "", "file fallback directory (default: $AGENTCOORD_FALLBACK_DIR)")
}

// openAdminSession opens an unregistered session for read/administer
// commands: no agent record, no heartbeat.
func openAdminSession(ctx context.Context) (*coordination.Session, error) {
	return coordination.Open(ctx, coordination.Options{
		RedisURL:            flagRedisURL,
		FallbackDir:         flagFallbackDir,
		DisableRegistration: true,
	})
}
