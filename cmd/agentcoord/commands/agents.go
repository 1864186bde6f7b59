package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
)

var agentsJSON bool

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect the agent registry",
}

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered agents with computed liveness",
	Long: `List every known agent. Status is computed at read time: an agent whose
last heartbeat is older than the hung threshold is reported as hung even if
it believes itself active.`,
	RunE: runAgentsList,
}

func init() {
	agentsListCmd.Flags().BoolVar(&agentsJSON, "json", false, "Output in JSON format")
	agentsCmd.AddCommand(agentsListCmd)
	rootCmd.AddCommand(agentsCmd)
}

func runAgentsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	agents, err := session.Registry.ListAgents(ctx)
	if err != nil {
		return printer.Error("Failed to list agents.", err.Error(), nil)
	}

	if agentsJSON {
		out, err := json.MarshalIndent(agents, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(agents) == 0 {
		printer.Info("No agents registered.\n")
		return nil
	}

	printer.Header(fmt.Sprintf("Agents (%d)", len(agents)))
	for _, a := range agents {
		printer.Info("%s  %-20s %-12s %s\n", a.ID[:8], a.Name, a.Status, a.Role)
		if a.WorkingOn != "" {
			printer.Detail("          working on: %s\n", a.WorkingOn)
		}
	}
	return nil
}
