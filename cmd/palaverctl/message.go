package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/matheus3301/palaver/internal/api"
	"github.com/matheus3301/palaver/internal/client"
	"github.com/matheus3301/palaver/internal/store"
)

var sendAttach []string

var sendCmd = &cobra.Command{
	Use:   "send <friend> [text...]",
	Short: "Send a message",
	Long: `Send a message to a friend.

The message shows up immediately as pending and is confirmed once the server
acknowledges it. Files given with --attach are uploaded with the message.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args[1:], " ")
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			to, err := resolveFriend(ctx, c, args[0])
			if err != nil {
				return err
			}
			resp, err := c.Send(ctx, &api.SendRequest{To: to, Text: text, Attachments: sendAttach})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if resp.Error != "" {
				return fmt.Errorf("%s (retry with 'palaverctl retry %s')", resp.Error, resp.Message.ClientTempID)
			}
			fmt.Printf("Queued %s\n", resp.Message.ClientTempID)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <temp-id>",
	Short: "Retry a failed send",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Retry(ctx, args[0]); err != nil {
				return err
			}
			if !jsonFlag {
				fmt.Printf("Retrying %s\n", args[0])
			}
			return nil
		})
	},
}

var outboxStatus string

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "List outgoing messages by delivery status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListOutbox(ctx, &api.ListOutboxRequest{Status: store.OutboxStatus(outboxStatus)})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Entries) == 0 {
				fmt.Println("Outbox empty.")
				return nil
			}
			for _, e := range resp.Entries {
				text := e.Text
				if len(e.Attachments) > 0 {
					text += fmt.Sprintf(" [+%d file(s)]", len(e.Attachments))
				}
				line := fmt.Sprintf("%s  %-8s %-26s %d  %s", e.ClientTempID, e.Status, e.To, e.Attempts, truncate(text, 40))
				if e.Error != "" {
					line += "  (" + e.Error + ")"
				}
				fmt.Println(line)
			}
			return nil
		})
	},
}

var (
	grepFriend string
	grepLimit  int
)

var grepCmd = &cobra.Command{
	Use:   "grep <query>",
	Short: "Full-text search the cached messages",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			req := &api.SearchMessagesRequest{Query: strings.Join(args, " "), Limit: grepLimit}
			if grepFriend != "" {
				id, err := resolveFriend(ctx, c, grepFriend)
				if err != nil {
					return err
				}
				req.FriendID = id
			}
			resp, err := c.SearchMessages(ctx, req)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Results) == 0 {
				fmt.Fprintln(os.Stderr, "No matches.")
				return nil
			}
			for _, h := range resp.Results {
				fmt.Printf("%s %-26s %s\n", h.Message.CreatedAt.Local().Format("2006-01-02 15:04"), h.Partner, h.Snippet)
			}
			return nil
		})
	},
}

func init() {
	sendCmd.Flags().StringArrayVar(&sendAttach, "attach", nil, "file to attach (repeatable)")
	outboxCmd.Flags().StringVar(&outboxStatus, "status", string(store.OutboxFailed), "queued, sending, sent or failed")
	grepCmd.Flags().StringVar(&grepFriend, "friend", "", "only search the conversation with this friend")
	grepCmd.Flags().IntVar(&grepLimit, "limit", 20, "maximum results")
}
