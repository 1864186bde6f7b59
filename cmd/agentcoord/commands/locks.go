package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
)

var locksJSON bool

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Inspect file locks",
}

var locksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List live file locks",
	Long: `List every live file lock with its holder, intent and expiry. Expired
locks are reaped as a side effect of listing.`,
	RunE: runLocksList,
}

func init() {
	locksListCmd.Flags().BoolVar(&locksJSON, "json", false, "Output in JSON format")
	locksCmd.AddCommand(locksListCmd)
	rootCmd.AddCommand(locksCmd)
}

func runLocksList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	locks, err := session.Locks.List(ctx)
	if err != nil {
		return printer.Error("Failed to list locks.", err.Error(), nil)
	}

	if locksJSON {
		out, err := json.MarshalIndent(locks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(locks) == 0 {
		printer.Info("No live locks.\n")
		return nil
	}
	printer.Header(fmt.Sprintf("File locks (%d)", len(locks)))
	for _, l := range locks {
		printer.Info("%s\n", l.Path)
		printer.KeyValue("holder", l.Holder)
		if l.Intent != "" {
			printer.KeyValue("intent", l.Intent)
		}
		printer.KeyValue("expires", l.ExpiresAt)
	}
	return nil
}
