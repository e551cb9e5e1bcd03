package main

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Status(ctx)
				if err != nil {
					return err
				}
				return opts.output(resp, func() { printStatus(resp) })
			})
		},
	}
}

func printStatus(resp *api.StatusResponse) {
	fmt.Printf("Profile:  %s\n", resp.Profile)
	fmt.Printf("State:    %s (since %s)\n", resp.State, resp.Since.Local().Format(time.DateTime))
	fmt.Printf("Uptime:   %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).String())
	user := resp.UserID
	if user == "" {
		user = "(not logged in)"
	}
	fmt.Printf("User:     %s\n", user)
	fmt.Printf("Client:   %s\n", resp.ClientID)
	fmt.Printf("Online:   %v\n", resp.Online)
	fmt.Printf("Mirrored: %d messages\n", resp.Mirrored)
	fmt.Printf("Draining: %v\n", resp.Draining)

	var parts []string
	for _, st := range slices.Sorted(maps.Keys(resp.Pending)) {
		parts = append(parts, fmt.Sprintf("%s=%d", st, resp.Pending[st]))
	}
	if len(parts) == 0 {
		parts = append(parts, "none")
	}
	fmt.Printf("Pending:  %s\n", strings.Join(parts, " "))
	if resp.Dropped > 0 {
		fmt.Printf("Dropped:  %d events\n", resp.Dropped)
	}
	if len(resp.Open) > 0 {
		fmt.Printf("Open:     %s\n", strings.Join(resp.Open, ", "))
	}
}

func newLoginCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "login <token>",
		Short: "Sign in with a session token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Login(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(resp, func() { fmt.Printf("Logged in as %s. State: %s\n", resp.UserID, resp.State) })
			})
		},
	}
}

func newLogoutCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out; queued messages are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Logout(ctx)
				if err != nil {
					return err
				}
				return opts.output(resp, func() { fmt.Printf("Logged out. State: %s\n", resp.State) })
			})
		},
	}
}

// newTokenCmd issues a token locally from the configured signing key.
func newTokenCmd(opts *options) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a session token with the configured signing key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(profile.ConfigPath())
			if err != nil {
				return err
			}
			if cfg.Auth.SigningKey == "" {
				return fmt.Errorf("auth.signing_key is not set in %s", profile.ConfigPath())
			}
			tok, err := auth.IssueToken(cfg.Auth.SigningKey, args[0], ttl)
			if err != nil {
				return err
			}
			return opts.output(map[string]string{"token": tok}, func() { fmt.Fprintln(os.Stdout, tok) })
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newOnlineCmd(opts *options, online bool) *cobra.Command {
	use, short := "online", "Report network connectivity as restored"
	if !online {
		use, short = "offline", "Report network connectivity as lost"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.SetOnline(ctx, online)
				if err != nil {
					return err
				}
				return opts.output(resp, func() { fmt.Printf("State: %s\n", resp.State) })
			})
		},
	}
}

func newForegroundCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "foreground",
		Short: "Signal that the app returned to the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Foreground(ctx)
				if err != nil {
					return err
				}
				return opts.output(resp, func() { fmt.Printf("Draining: %v\n", resp.Running) })
			})
		},
	}
}
