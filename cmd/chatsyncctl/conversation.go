package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// viewCommand builds a command that takes one conversation id and prints the resulting view.
func viewCommand(opts *options, use, short string, call func(c *client.Client, ctx context.Context, conv string) (*api.View, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <conversation>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				v, err := call(c, ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(v, func() { printView(v) })
			})
		},
	}
}

func newOpenCmd(opts *options) *cobra.Command {
	return viewCommand(opts, "open", "Open a live subscription to a conversation", (*client.Client).Open)
}

func newViewCmd(opts *options) *cobra.Command {
	return viewCommand(opts, "view", "Show the merged view of an open conversation", (*client.Client).View)
}

func newRefreshCmd(opts *options) *cobra.Command {
	return viewCommand(opts, "refresh", "Re-establish the subscription of an open conversation", (*client.Client).Refresh)
}

func newOlderCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "older <conversation>",
		Short: "Load the next page of older messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.LoadOlder(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					fmt.Printf("Loaded %d older messages.\n", resp.Added)
					printView(&resp.View)
				})
			})
		},
	}
}

func newCloseCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close <conversation>",
		Short: "Close the subscription of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.CloseConversation(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					if resp.Closed {
						fmt.Printf("Closed %s\n", args[0])
					} else {
						fmt.Printf("%s was not open\n", args[0])
					}
				})
			})
		},
	}
}

func newReadCmd(opts *options) *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "read <conversation>",
		Short: "Mark a conversation as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.MarkReadRequest{ConversationID: args[0]}
			if at != "" {
				t, err := time.Parse(time.RFC3339Nano, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				req.At = t
			}
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.MarkRead(ctx, req)
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					if resp.Advanced {
						fmt.Printf("Read up to %s\n", resp.LastReadAt.Local().Format(time.DateTime))
					} else {
						fmt.Println("Already read.")
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "read position (RFC 3339); defaults to the newest message")
	return cmd
}

func newPeersCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "peers <conversation>",
		Short: "Show how far other members have read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Peers(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					if len(resp.Watermarks) == 0 {
						fmt.Println("No visible read receipts.")
						return
					}
					for user, at := range resp.Watermarks {
						fmt.Printf("%-20s %s\n", user, at.Local().Format(time.DateTime))
					}
				})
			})
		},
	}
}

func newWatchCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation]",
		Short: "Stream daemon events until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conv string
			if len(args) == 1 {
				conv = args[0]
			}
			name, err := opts.profileName()
			if err != nil {
				return err
			}
			c, err := client.New(profile.SocketPath(name))
			if err != nil {
				return err
			}
			defer func() { _ = c.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			err = c.Watch(ctx, conv, func(e *api.Event) error {
				if opts.json {
					return outputJSON(e)
				}
				fmt.Printf("%s %-24s %-16s %s\n", e.OccurredAt.Local().Format(time.TimeOnly), e.Kind, e.ConversationID, e.Payload)
				return nil
			})
			if grpcstatus.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func printView(v *api.View) {
	fmt.Printf("%s [%s] unread=%d", v.ConversationID, v.State, v.Unread)
	if !v.Cursor.HasMoreOlder && !v.Cursor.OldestLoaded.IsZero() {
		fmt.Print(" (start of history)")
	}
	fmt.Println()
	if v.Error != "" {
		fmt.Printf("error: %s\n", v.Error)
	}
	// Views are newest first; print oldest first like a chat log.
	for i := len(v.Messages) - 1; i >= 0; i-- {
		m := v.Messages[i]
		at := m.ServerReceivedAt
		if m.Pending() {
			at = m.CreatedAt
		}
		marker := ""
		if m.Pending() {
			marker = " (" + string(m.Status) + ")"
		}
		body := m.Text
		if len(m.Attachments) > 0 {
			body += fmt.Sprintf(" [%d attachment(s)]", len(m.Attachments))
		}
		fmt.Printf("%s %-12s %s%s\n", at.Local().Format(time.DateTime), m.SenderID, body, marker)
	}
}
