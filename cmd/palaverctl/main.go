package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/palaver/internal/client"
	"github.com/matheus3301/palaver/internal/session"
)

const callTimeout = 30 * time.Second

var (
	sessionFlag string
	jsonFlag    bool
)

var rootCmd = &cobra.Command{
	Use:           "palaverctl",
	Short:         "Talk to a running palaverd session",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sessionFlag, "session", "", "session name (overrides config default)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "output in JSON format")

	rootCmd.AddCommand(statusCmd, whoamiCmd, loginCmd, logoutCmd, sessionsCmd)
	rootCmd.AddCommand(friendsCmd, openCmd, messagesCmd, requestsCmd, respondCmd, searchCmd, addCmd, watchCmd)
	rootCmd.AddCommand(sendCmd, retryCmd, outboxCmd, grepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// dial connects to the daemon of the resolved session.
func dial() (*client.Client, error) {
	name := session.Resolve(sessionFlag)
	if err := session.ValidateName(name); err != nil {
		return nil, err
	}
	c, err := client.New(session.SocketPath(name))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to daemon for session %q: %w", name, err)
	}
	return c, nil
}

// withClient runs fn against the daemon with the default call timeout.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := dial()
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), callTimeout)
	defer cancel()
	return fn(ctx, c)
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
