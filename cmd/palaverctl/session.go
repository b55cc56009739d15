package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/palaver/internal/api"
	"github.com/matheus3301/palaver/internal/client"
	"github.com/matheus3301/palaver/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show session status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(resp)
		})
	},
}

var whoamiQR bool

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the logged-in user",
	Long: `Show the logged-in user.

With --qr the user id is also printed as a QR code, so a friend can scan it
and pass it to 'palaverctl add'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Status(ctx)
			if err != nil {
				return err
			}
			if resp.User == nil {
				return errors.New("not logged in")
			}
			if jsonFlag {
				return outputJSON(resp.User)
			}
			fmt.Printf("ID:    %s\n", resp.User.ID)
			fmt.Printf("Name:  %s\n", resp.User.Name)
			if resp.User.Email != "" {
				fmt.Printf("Email: %s\n", resp.User.Email)
			}
			if whoamiQR {
				fmt.Println()
				fmt.Print(renderQR(resp.User.ID.String()))
			}
			return nil
		})
	},
}

var loginPassword string

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Log the daemon in with email and password",
	Long: `Log the daemon in with email and password.

The password is read from --password or PALAVER_PASSWORD. Logging in as a
different user wipes the cached state of the previous one.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password := loginPassword
		if password == "" {
			password = os.Getenv("PALAVER_PASSWORD")
		}
		if password == "" {
			return errors.New("password required: use --password or PALAVER_PASSWORD")
		}
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Login(ctx, args[0], password)
			if err != nil {
				return err
			}
			return printStatus(resp)
		})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and wipe its cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			resp, err := c.Logout(ctx)
			if err != nil {
				return err
			}
			return printStatus(resp)
		})
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List sessions on this machine",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		list, err := session.List()
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(list)
		}
		if len(list) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}
		for _, s := range list {
			state := "stopped"
			if s.Running {
				state = "running"
			}
			fmt.Printf("%-20s %s (%s)\n", s.Name, s.Path, state)
		}
		return nil
	},
}

func init() {
	whoamiCmd.Flags().BoolVar(&whoamiQR, "qr", false, "print the user id as a QR code")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "account password")
}

func printStatus(resp *api.StatusResponse) error {
	if jsonFlag {
		return outputJSON(resp)
	}
	fmt.Printf("Session:  %s\n", resp.Session)
	state := string(resp.State)
	if resp.Reason != "" {
		state += " (" + resp.Reason + ")"
	}
	fmt.Printf("Status:   %s\n", state)
	fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
	if resp.User == nil {
		return nil
	}
	fmt.Printf("User:     %s (%s)\n", resp.User.Name, resp.User.ID)
	fmt.Printf("Friends:  %d (%d online)\n", resp.Friends, resp.Online)
	fmt.Printf("Unread:   %d\n", resp.Unread)
	fmt.Printf("Requests: %d\n", resp.PendingRequests)
	if !resp.OpenFriend.IsZero() {
		fmt.Printf("Open:     %s\n", resp.OpenFriend)
	}
	if resp.FailedSends > 0 {
		fmt.Printf("Failed:   %d (see 'palaverctl outbox')\n", resp.FailedSends)
	}
	return nil
}
