package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
)

var (
	auditJSON   bool
	auditCursor string
	auditCount  int64
	auditAgent  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the append-only decision log",
}

var auditReadCmd = &cobra.Command{
	Use:   "read",
	Short: "Read entries from a cursor, oldest first",
	Long: `Read audit entries with ids strictly after --cursor (empty reads from
the beginning). The last printed id is the cursor for the next page.`,
	RunE: runAuditRead,
}

func init() {
	auditReadCmd.Flags().BoolVar(&auditJSON, "json", false, "Output in JSON format")
	auditReadCmd.Flags().StringVar(&auditCursor, "cursor", "", "Replay position (exclusive)")
	auditReadCmd.Flags().Int64Var(&auditCount, "count", 100, "Maximum entries")
	auditReadCmd.Flags().StringVar(&auditAgent, "agent", "", "Only entries by this agent id")
	auditCmd.AddCommand(auditReadCmd)
	rootCmd.AddCommand(auditCmd)
}

func runAuditRead(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	entries, err := session.Audit.Read(ctx, auditCursor, auditCount)
	if err != nil {
		return printer.Error("Failed to read audit log.", err.Error(), nil)
	}
	if auditAgent != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.AgentID == auditAgent {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}

	if auditJSON {
		out, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(entries) == 0 {
		printer.Info("No audit entries.\n")
		return nil
	}
	for _, e := range entries {
		printer.Info("%s  %-14s %-10s %s", e.ID, e.Kind, shortID(e.AgentID), e.Context)
		if e.Reason != "" {
			printer.Detail("  (%s)", e.Reason)
		}
		printer.Info("\n")
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
