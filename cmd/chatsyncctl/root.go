package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/spf13/cobra"
)

type options struct {
	profile string
	json    bool
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "chatsyncctl",
		Short:         "Control a running chatsync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.profile, "profile", "", "profile name (overrides config default)")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "output in JSON format")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")

	root.AddCommand(
		newStatusCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newTokenCmd(opts),
		newOnlineCmd(opts, true),
		newOnlineCmd(opts, false),
		newForegroundCmd(opts),
		newSendCmd(opts),
		newPendingCmd(opts),
		newRetryCmd(opts),
		newDismissCmd(opts),
		newDrainCmd(opts),
		newOpenCmd(opts),
		newViewCmd(opts),
		newOlderCmd(opts),
		newRefreshCmd(opts),
		newCloseCmd(opts),
		newReadCmd(opts),
		newPeersCmd(opts),
		newWatchCmd(opts),
		newConfigCmd(opts),
	)
	return root
}

func (o *options) profileName() (string, error) {
	name := profile.Resolve(o.profile)
	if err := profile.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

// run connects to the profile daemon and calls fn with a request context.
func (o *options) run(fn func(ctx context.Context, c *client.Client) error) error {
	name, err := o.profileName()
	if err != nil {
		return err
	}
	if held, err := lock.Holder(profile.Dir(name)); err == nil && held == nil {
		return fmt.Errorf("daemon for profile %q is not running", name)
	}
	c, err := client.New(profile.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to daemon for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	return fn(ctx, c)
}

// output prints v as JSON when --json is set, and calls text otherwise.
func (o *options) output(v any, text func()) error {
	if o.json {
		return outputJSON(v)
	}
	text()
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("json encode: %w", err)
	}
	return nil
}
