package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
	"github.com/agentcoord/agentcoord/pkg/approval"
)

var (
	approvalsJSON   bool
	approveAs       string
	approvalTimeout time.Duration

	reqRequestor   string
	reqActionType  string
	reqDescription string
	reqMinApproval int
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Review and decide approval requests",
}

var approvalsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending approval requests",
	RunE:  runApprovalsList,
}

var approvalsApproveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Approve a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsApprove,
}

var approvalsRejectCmd = &cobra.Command{
	Use:   "reject <approval-id>",
	Short: "Reject a pending request",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsReject,
}

var approvalsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an approval request",
	RunE:  runApprovalsCreate,
}

var approvalsWaitCmd = &cobra.Command{
	Use:   "wait <approval-id>",
	Short: "Block until a request is decided or the timeout expires",
	Args:  cobra.ExactArgs(1),
	RunE:  runApprovalsWait,
}

func init() {
	approvalsListCmd.Flags().BoolVar(&approvalsJSON, "json", false, "Output in JSON format")
	approvalsApproveCmd.Flags().StringVar(&approveAs, "as", "cli", "Approver identity")
	approvalsRejectCmd.Flags().StringVar(&approveAs, "as", "cli", "Approver identity")
	approvalsWaitCmd.Flags().DurationVar(&approvalTimeout, "timeout", 5*time.Minute, "How long to wait")

	approvalsCreateCmd.Flags().StringVar(&reqRequestor, "requestor", "cli", "Requesting agent")
	approvalsCreateCmd.Flags().StringVar(&reqActionType, "action", "", "Action type (required)")
	approvalsCreateCmd.Flags().StringVar(&reqDescription, "description", "", "What is being approved")
	approvalsCreateCmd.Flags().IntVar(&reqMinApproval, "min-approvals", 1, "Approvals required")
	approvalsCreateCmd.MarkFlagRequired("action")

	approvalsCmd.AddCommand(approvalsListCmd, approvalsApproveCmd, approvalsRejectCmd,
		approvalsCreateCmd, approvalsWaitCmd)
	rootCmd.AddCommand(approvalsCmd)
}

func runApprovalsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	pending, err := session.Approvals.ListPending(ctx)
	if err != nil {
		return printer.Error("Failed to list approvals.", err.Error(), nil)
	}

	if approvalsJSON {
		out, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(pending) == 0 {
		printer.Info("No pending approvals.\n")
		return nil
	}
	printer.Header(fmt.Sprintf("Pending approvals (%d)", len(pending)))
	for _, r := range pending {
		printer.Info("%s  %-20s %d/%d approvals  %s\n",
			r.ID[:8], r.ActionType, len(r.Approvals), r.MinApprovals, r.Description)
		printer.Detail("          requested by %s at %s\n", r.Requestor, r.CreatedAt)
	}
	return nil
}

func runApprovalsApprove(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Approvals.Approve(ctx, args[0], approveAs, nil); err != nil {
		return printer.Error("Failed to approve.", err.Error(), nil)
	}
	printer.Success("Approved %s as %s\n", args[0], approveAs)
	return nil
}

func runApprovalsReject(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Approvals.Reject(ctx, args[0], approveAs, nil); err != nil {
		return printer.Error("Failed to reject.", err.Error(), nil)
	}
	printer.Success("Rejected %s as %s\n", args[0], approveAs)
	return nil
}

func runApprovalsCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	req, err := session.Approvals.Create(ctx, approval.CreateOptions{
		Requestor:    reqRequestor,
		ActionType:   reqActionType,
		Description:  reqDescription,
		MinApprovals: reqMinApproval,
	})
	if err != nil {
		return printer.Error("Failed to create approval.", err.Error(), nil)
	}
	printer.Success("Created approval %s\n", req.ID)
	return nil
}

func runApprovalsWait(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	status, err := session.Approvals.WaitForDecision(ctx, args[0], 0, approvalTimeout)
	if err != nil {
		return printer.Error("Wait failed.", err.Error(), nil)
	}
	printer.Info("Approval %s: %s\n", args[0], status)
	return nil
}
