package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/spf13/cobra"
)

func newSendCmd(opts *options) *cobra.Command {
	var (
		group   bool
		kind    string
		files   []string
		replyTo string
	)
	cmd := &cobra.Command{
		Use:   "send <conversation> [text]",
		Short: "Queue a message for sending",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.SendRequest{
				ConversationID: args[0],
				Scope:          store.ScopeDM,
				Kind:           store.Kind(kind),
			}
			if group {
				req.Scope = store.ScopeGroup
			}
			if len(args) == 2 {
				req.Text = args[1]
			}
			if replyTo != "" {
				req.ReplyTo = &store.ReplySnapshot{MessageID: replyTo}
			}
			for _, f := range files {
				a, err := localAttachment(f, store.Kind(kind))
				if err != nil {
					return err
				}
				req.Attachments = append(req.Attachments, a)
			}
			if req.Kind == "" {
				req.Kind = store.KindText
				if len(req.Attachments) > 0 {
					req.Kind = store.KindFile
				}
			}
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Send(ctx, req)
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					fmt.Printf("Queued %s (%s)\n", resp.Item.MessageID, resp.Item.State)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "conversation is a group")
	cmd.Flags().StringVar(&kind, "kind", "", "message kind: text, media, voice or file")
	cmd.Flags().StringArrayVar(&files, "attach", nil, "attach a local file (repeatable)")
	cmd.Flags().StringVar(&replyTo, "reply-to", "", "id of the message being replied to")
	return cmd
}

func localAttachment(path string, kind store.Kind) (store.LocalAttachment, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return store.LocalAttachment{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return store.LocalAttachment{}, fmt.Errorf("attachment: %w", err)
	}
	if kind == "" || kind == store.KindText {
		kind = store.KindFile
	}
	mimeType := mime.TypeByExtension(filepath.Ext(abs))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return store.LocalAttachment{
		ID:       uuid.NewString(),
		Kind:     kind,
		MIME:     mimeType,
		Size:     info.Size(),
		LocalURI: "file://" + abs,
	}, nil
}

func newPendingCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pending [conversation]",
		Short: "List unconfirmed messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var conv string
			if len(args) == 1 {
				conv = args[0]
			}
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.ListPending(ctx, conv)
				if err != nil {
					return err
				}
				return opts.output(resp, func() { printPending(resp.Items) })
			})
		},
	}
}

func printPending(items []api.OutboxItem) {
	if len(items) == 0 {
		fmt.Println("Outbox is empty.")
		return
	}
	for _, it := range items {
		line := fmt.Sprintf("%-36s %-16s %-9s attempts=%d", it.MessageID, it.ConversationID, it.State, it.AttemptCount)
		if it.State == store.StateQueued && !it.NextRetryAt.IsZero() && it.NextRetryAt.After(time.Now()) {
			line += " retry in " + time.Until(it.NextRetryAt).Round(time.Second).String()
		}
		if it.Permanent {
			line += " permanent"
		}
		if it.LastError != "" {
			line += " error=" + strings.TrimSpace(it.LastError)
		}
		fmt.Println(line)
		for _, u := range it.Uploads {
			fmt.Printf("    upload %s %d/%d\n", u.AttachmentID, u.Written, u.Total)
		}
	}
}

func newRetryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Retry a failed message now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				item, err := c.Retry(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.output(item, func() { fmt.Printf("Requeued %s\n", item.MessageID) })
			})
		},
	}
}

func newDismissCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "dismiss <message-id>",
		Short: "Drop a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				if err := c.Dismiss(ctx, args[0]); err != nil {
					return err
				}
				return opts.output(map[string]string{"dismissed": args[0]}, func() { fmt.Printf("Dismissed %s\n", args[0]) })
			})
		},
	}
}

func newDrainCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Drain the outbox now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(ctx context.Context, c *client.Client) error {
				resp, err := c.Drain(ctx)
				if err != nil {
					return err
				}
				return opts.output(resp, func() {
					switch {
					case resp.Started:
						fmt.Println("Drain started.")
					case resp.Running:
						fmt.Println("Drain already running.")
					default:
						fmt.Println("Drain not started: daemon is not ready.")
					}
				})
			})
		},
	}
}
