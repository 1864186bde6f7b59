package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoord/agentcoord/internal/printer"
	"github.com/agentcoord/agentcoord/pkg/coord"
)

var (
	boardJSON     bool
	boardChannel  string
	postTitle     string
	postMessage   string
	postPriority  string
	postAsAgent   string
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Read and post board threads",
}

var boardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List threads, pinned first",
	RunE:  runBoardList,
}

var boardShowCmd = &cobra.Command{
	Use:   "show <thread-id>",
	Short: "Show a thread with its posts",
	Args:  cobra.ExactArgs(1),
	RunE:  runBoardShow,
}

var boardPostCmd = &cobra.Command{
	Use:   "post",
	Short: "Post a new thread",
	RunE:  runBoardPost,
}

func init() {
	boardListCmd.Flags().BoolVar(&boardJSON, "json", false, "Output in JSON format")
	boardListCmd.Flags().StringVar(&boardChannel, "channel", "", "Filter by channel")

	boardPostCmd.Flags().StringVar(&boardChannel, "channel", "general", "Channel to post on")
	boardPostCmd.Flags().StringVar(&postTitle, "title", "", "Thread title (required)")
	boardPostCmd.Flags().StringVar(&postMessage, "message", "", "First post body")
	boardPostCmd.Flags().StringVar(&postPriority, "priority", "normal", "Priority: low, normal, high, urgent")
	boardPostCmd.Flags().StringVar(&postAsAgent, "as", "cli", "Author name")
	boardPostCmd.MarkFlagRequired("title")

	boardCmd.AddCommand(boardListCmd, boardShowCmd, boardPostCmd)
	rootCmd.AddCommand(boardCmd)
}

func runBoardList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	threads, err := session.Board.ListThreads(ctx, boardChannel)
	if err != nil {
		return printer.Error("Failed to list threads.", err.Error(), nil)
	}

	if boardJSON {
		out, err := json.MarshalIndent(threads, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	if len(threads) == 0 {
		printer.Info("No threads.\n")
		return nil
	}
	printer.Header(fmt.Sprintf("Threads (%d)", len(threads)))
	for _, th := range threads {
		pin := " "
		if th.Pinned {
			pin = "📌"
		}
		printer.Info("%s %s  #%-12s %s\n", pin, th.ID[:8], th.Channel, th.Title)
	}
	return nil
}

func runBoardShow(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	thread, err := session.Board.GetThread(ctx, args[0])
	if err != nil {
		return printer.Error("Failed to fetch thread.", err.Error(), nil)
	}

	printer.Header(thread.Title)
	printer.KeyValue("channel", thread.Channel)
	printer.KeyValue("created by", thread.CreatedBy)
	for _, p := range thread.Posts {
		printer.Info("\n%s (%s):\n  %s\n", p.Author, p.Timestamp, p.Body)
	}
	return nil
}

func runBoardPost(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	session, err := openAdminSession(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	thread, err := session.Board.PostThread(ctx, boardChannel, postTitle, postMessage,
		postAsAgent, coord.MessagePriority(postPriority))
	if err != nil {
		return printer.Error("Failed to post thread.", err.Error(), nil)
	}
	printer.Success("Posted thread %s on #%s\n", thread.ID, boardChannel)
	return nil
}
