package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
	"github.com/agentcoord/agentcoord/pkg/coord"
	"github.com/agentcoord/agentcoord/pkg/queue"
)

var (
	tasksJSON        bool
	tasksStatus      string
	tasksTag         string
	tasksMinPriority int

	createTitle       string
	createDescription string
	createPriority    int
	createTags        []string
	createDependsOn   []string
	createRetryPolicy string
	createMaxRetries  int

	escalateReason string
	archiveReason  string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Create and inspect queue tasks",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks with optional status/tag/priority filters",
	RunE:  runTasksList,
}

var tasksCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	RunE:  runTasksCreate,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task in full",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

var tasksGraphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Print the dependency graph as JSON",
	RunE:  runTasksGraph,
}

var tasksEscalateCmd = &cobra.Command{
	Use:   "escalate <task-id>",
	Short: "Manually escalate a task to supervisors",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksEscalate,
}

var tasksRetryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Re-enqueue an escalated task as a fresh record",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksRetry,
}

var tasksArchiveCmd = &cobra.Command{
	Use:   "archive <task-id>",
	Short: "Move an escalated task to the dead-letter queue",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksArchive,
}

func init() {
	tasksListCmd.Flags().BoolVar(&tasksJSON, "json", false, "Output in JSON format")
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "Filter by status (pending, claimed, in_progress, completed, failed, escalated)")
	tasksListCmd.Flags().StringVar(&tasksTag, "tag", "", "Filter by tag")
	tasksListCmd.Flags().IntVar(&tasksMinPriority, "min-priority", -1, "Filter by minimum priority")

	tasksCreateCmd.Flags().StringVar(&createTitle, "title", "", "Task title (required)")
	tasksCreateCmd.Flags().StringVar(&createDescription, "description", "", "Task description")
	tasksCreateCmd.Flags().IntVar(&createPriority, "priority", 0, "Priority (higher = more urgent)")
	tasksCreateCmd.Flags().StringSliceVar(&createTags, "tags", nil, "Required capabilities, comma-separated")
	tasksCreateCmd.Flags().StringSliceVar(&createDependsOn, "depends-on", nil, "Task ids this task waits for")
	tasksCreateCmd.Flags().StringVar(&createRetryPolicy, "retry-policy", "exponential", "Retry policy: none, linear, exponential")
	tasksCreateCmd.Flags().IntVar(&createMaxRetries, "max-retries", -1, "Retries before escalation (default 3)")
	tasksCreateCmd.MarkFlagRequired("title")

	tasksEscalateCmd.Flags().StringVar(&escalateReason, "reason", "escalated via CLI", "Escalation reason")
	tasksArchiveCmd.Flags().StringVar(&archiveReason, "reason", "archived via CLI", "Archive reason")

	tasksCmd.AddCommand(tasksListCmd, tasksCreateCmd, tasksShowCmd, tasksGraphCmd,
		tasksEscalateCmd, tasksRetryCmd, tasksArchiveCmd)
	rootCmd.AddCommand(tasksCmd)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	filter := queue.Filter{Status: tasksStatus, Tag: tasksTag}
	if tasksMinPriority >= 0 {
		filter.MinPriority = &tasksMinPriority
	}
	tasks, err := session.Queue.List(ctx, filter)
	if err != nil {
		return printer.Error("Failed to list tasks.", err.Error(), nil)
	}

	if tasksJSON {
		out, err := json.MarshalIndent(tasks, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(tasks) == 0 {
		printer.Info("No tasks match.\n")
		return nil
	}
	printer.Header(fmt.Sprintf("Tasks (%d)", len(tasks)))
	for _, t := range tasks {
		line := fmt.Sprintf("%s  p%-3d %-12s %s", t.ID[:8], t.Priority, t.Status, t.Title)
		if len(t.Tags) > 0 {
			line += fmt.Sprintf("  [%s]", strings.Join(t.Tags, ","))
		}
		if t.ClaimedBy != "" {
			line += fmt.Sprintf("  ← %s", t.ClaimedBy[:8])
		}
		printer.Info("%s\n", line)
	}
	return nil
}

func runTasksCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	spec := queue.TaskSpec{
		Title:       createTitle,
		Description: createDescription,
		Priority:    createPriority,
		Tags:        createTags,
		DependsOn:   createDependsOn,
		RetryPolicy: coord.RetryPolicy(createRetryPolicy),
	}
	if createMaxRetries >= 0 {
		spec.MaxRetries = &createMaxRetries
	}
	task, err := session.Queue.Create(ctx, spec)
	if err != nil {
		return printer.Error("Failed to create task.", err.Error(), nil)
	}
	printer.Success("Created task %s\n", task.ID)
	return nil
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	task, err := session.Queue.Get(ctx, args[0])
	if err != nil {
		return printer.Error("Failed to fetch task.", err.Error(), nil)
	}
	out, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTasksGraph(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	graph, err := session.Queue.DependencyGraph(ctx)
	if err != nil {
		return printer.Error("Failed to build dependency graph.", err.Error(), nil)
	}
	out, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runTasksEscalate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Queue.Escalate(ctx, args[0], escalateReason); err != nil {
		return printer.Error("Failed to escalate task.", err.Error(), nil)
	}
	printer.Success("Escalated %s\n", args[0])
	return nil
}

func runTasksRetry(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	child, err := session.Queue.RetryEscalated(ctx, args[0])
	if err != nil {
		return printer.Error("Failed to retry task.", err.Error(), nil)
	}
	printer.Success("Re-enqueued as %s\n", child.ID)
	return nil
}

func runTasksArchive(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	if err := session.Queue.Archive(ctx, args[0], archiveReason); err != nil {
		return printer.Error("Failed to archive task.", err.Error(), nil)
	}
	printer.Success("Archived %s to the dead-letter queue\n", args[0])
	return nil
}
