package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/palaver/internal/api"
	"github.com/matheus3301/palaver/internal/chat"
	"github.com/matheus3301/palaver/internal/client"
)

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "List friends with presence and unread counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListFriends(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Friends) == 0 {
				fmt.Println("No friends yet.")
				return nil
			}
			for _, f := range resp.Friends {
				printFriend(f, f.ID == resp.OpenID)
			}
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <friend>",
	Short: "Open the conversation with a friend and print its history",
	Long: `Open the conversation with a friend and print its history.

<friend> is a user id or a friend name.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			id, err := resolveFriend(ctx, c, args[0])
			if err != nil {
				return err
			}
			resp, err := c.OpenConversation(ctx, &api.OpenConversationRequest{FriendID: id})
			if err != nil {
				return err
			}
			return printConversation(resp)
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Print the open conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListMessages(ctx)
			if err != nil {
				return err
			}
			return printConversation(resp)
		})
	},
}

var requestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.ListRequests(ctx)
			if err != nil {
				return err
			}
			return printRequests(resp)
		})
	},
}

var respondCmd = &cobra.Command{
	Use:       "respond <user-id> accept|reject",
	Short:     "Accept or reject a friend request",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"accept", "reject"},
	RunE: func(cmd *cobra.Command, args []string) error {
		var accept bool
		switch args[1] {
		case "accept":
			accept = true
		case "reject":
		default:
			return fmt.Errorf("expected accept or reject, got %q", args[1])
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.RespondRequest(ctx, &api.RespondRequestRequest{From: chat.ParseUserID(args[0]), Accept: accept})
			if err != nil {
				return err
			}
			return printRequests(resp)
		})
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users to add as friends",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.SearchUsers(ctx, strings.Join(args, " "))
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			if len(resp.Users) == 0 {
				fmt.Println("No users found.")
				return nil
			}
			for _, u := range resp.Users {
				fmt.Printf("%-26s %-20s %s\n", u.ID, u.Name, u.Email)
			}
			return nil
		})
	},
}

var addCmd = &cobra.Command{
	Use:   "add <user-id>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.AddFriend(ctx, &api.AddFriendRequest{FriendID: chat.ParseUserID(args[0])})
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Request sent to %s.\n", args[0])
			return nil
		})
	},
}

var watchNamespaces []string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream daemon events until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := dial()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchEvents(ctx, &api.WatchEventsRequest{Namespaces: watchNamespaces}, func(e *api.EventEnvelope) error {
			if jsonFlag {
				return outputJSON(e)
			}
			payload, _ := json.Marshal(e.Payload)
			at := time.UnixMilli(e.OccurredAtUnixMs).Format(time.TimeOnly)
			fmt.Printf("%s %-28s %s\n", at, e.Kind, payload)
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchNamespaces, "ns", nil, "event kind prefixes to watch (default all)")
}

// resolveFriend accepts a user id or a case-insensitive friend name.
func resolveFriend(ctx context.Context, c *client.Client, arg string) (chat.UserID, error) {
	resp, err := c.ListFriends(ctx)
	if err != nil {
		return "", err
	}
	var match []chat.UserID
	for _, f := range resp.Friends {
		if f.ID.String() == arg {
			return f.ID, nil
		}
		if strings.EqualFold(f.Name, arg) {
			match = append(match, f.ID)
		}
	}
	switch len(match) {
	case 0:
		return chat.ParseUserID(arg), nil
	case 1:
		return match[0], nil
	default:
		return "", errors.New("more than one friend is named " + arg + "; use the user id")
	}
}

func printFriend(f chat.Friend, open bool) {
	marker := " "
	if open {
		marker = ">"
	}
	presence := "offline"
	if f.Online {
		presence = "online"
	}
	line := fmt.Sprintf("%s %-26s %-20s %-7s", marker, f.ID, f.Name, presence)
	if f.UnreadCount > 0 {
		line += fmt.Sprintf(" (%d)", f.UnreadCount)
	}
	if f.LastMessage != nil {
		line += "  " + truncate(f.LastMessage.Text, 40)
	}
	fmt.Println(line)
}

func printConversation(resp *api.ConversationResponse) error {
	if jsonFlag {
		return outputJSON(resp)
	}
	if resp.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", resp.Warning)
	}
	if resp.Friend != nil {
		fmt.Printf("Conversation with %s (%s)\n", resp.Friend.Name, resp.Friend.ID)
	}
	if len(resp.Groups) == 0 {
		fmt.Println("No messages.")
		return nil
	}
	for _, g := range resp.Groups {
		fmt.Printf("\n-- %s --\n", g.Label)
		for _, m := range g.Messages {
			printMessage(m, resp.Friend)
		}
	}
	return nil
}

func printMessage(m chat.Message, partner *chat.Friend) {
	who := "me"
	if partner != nil && m.Sender == partner.ID {
		who = partner.Name
	}
	text := m.Text
	for _, a := range m.Attachments {
		text += fmt.Sprintf(" [%s %s]", a.Kind, a.Name)
	}
	suffix := ""
	switch m.State {
	case chat.StatePending:
		suffix = "  (sending)"
	case chat.StateFailed:
		suffix = "  (failed: retry " + m.ClientTempID + ")"
	}
	fmt.Printf("%s %-12s %s%s\n", m.CreatedAt.Local().Format("15:04"), who, strings.TrimSpace(text), suffix)
}

func printRequests(resp *api.ListRequestsResponse) error {
	if jsonFlag {
		return outputJSON(resp)
	}
	if resp.Count == 0 {
		fmt.Println("No pending requests.")
		return nil
	}
	fmt.Printf("%d pending request(s)\n", resp.Count)
	for _, r := range resp.Requests {
		fmt.Printf("%-26s %-20s %s\n", r.From, r.Name, r.Email)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
