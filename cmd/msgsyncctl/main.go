package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matheus3301/msgsync/internal/api"
	"github.com/matheus3301/msgsync/internal/profile"
)

type rootOptions struct {
	Profile string
	JSON    bool
	Timeout time.Duration
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "msgsyncctl",
		Short:         "Control a running msgsyncd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile (overrides config default)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "output in JSON format")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(
		newStatusCommand(opts),
		newSyncCommand(opts),
		newRetryCommand(opts),
		newOutboxCommand(opts),
		newSendCommand(opts),
		newToggleCommand(opts, "online", "Mark the device online", func(ctx context.Context, c *api.Client) error { return c.SetOnline(ctx, true) }),
		newToggleCommand(opts, "offline", "Mark the device offline", func(ctx context.Context, c *api.Client) error { return c.SetOnline(ctx, false) }),
		newToggleCommand(opts, "foreground", "Tell the engine the app is in the foreground", func(ctx context.Context, c *api.Client) error { return c.SetForeground(ctx, true) }),
		newToggleCommand(opts, "background", "Tell the engine the app went to the background", func(ctx context.Context, c *api.Client) error { return c.SetForeground(ctx, false) }),
	)
	return cmd
}

// withClient dials the profile's engine and runs fn with a request timeout.
func withClient(opts *rootOptions, fn func(ctx context.Context, c *api.Client) error) error {
	layout := profile.DefaultLayout()
	name := layout.Resolve(opts.Profile)
	if err := profile.Validate(name); err != nil {
		return err
	}
	c, err := api.Dial(layout.SocketPath(name))
	if err != nil {
		return fmt.Errorf("cannot connect to engine for profile %q: %w", name, err)
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	return fn(ctx, c)
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(opts, func(ctx context.Context, c *api.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					return outputJSON(st)
				}
				fmt.Printf("User:     %v\n", st["user_id"])
				fmt.Printf("Online:   %v\n", st["online"])
				fmt.Printf("Presence: %v\n", st["presence"])
				fmt.Printf("Outbox:   %v\n", st["outbox_depth"])
				fmt.Printf("Uptime:   %vs\n", st["uptime_seconds"])
				return nil
			})
		},
	}
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(opts, func(ctx context.Context, c *api.Client) error {
				res, err := c.SyncNow(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					return outputJSON(res)
				}
				if res["skipped"] == true {
					fmt.Println("Skipped: offline or a pass is already running.")
					return nil
				}
				fmt.Printf("Processed %v, sent %v, failed %v\n", res["processed"], res["sent"], res["failed"])
				if res["stopped"] == true {
					fmt.Println("Stopped early: connectivity lost.")
				}
				return nil
			})
		},
	}
}

func newRetryCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <message-id>",
		Short: "Retry a failed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return withClient(opts, func(ctx context.Context, c *api.Client) error {
				ok, err := c.RetryMessage(ctx, args[0])
				if err != nil {
					return err
				}
				if opts.JSON {
					return outputJSON(map[string]bool{"sent": ok})
				}
				if ok {
					fmt.Println("Sent.")
				} else {
					fmt.Println("Not sent: offline, not queued, or the upload failed again.")
				}
				return nil
			})
		},
	}
}

func newOutboxCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List messages waiting to be uploaded",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(opts, func(ctx context.Context, c *api.Client) error {
				entries, err := c.ListOutbox(ctx)
				if err != nil {
					return err
				}
				if opts.JSON {
					return outputJSON(entries)
				}
				if len(entries) == 0 {
					fmt.Println("Outbox is empty.")
					return nil
				}
				for _, e := range entries {
					fmt.Printf("%-36s %-40s retries=%d queued=%s\n", e.MessageID, e.ConversationID, e.RetryCount,
						time.UnixMilli(e.EnqueuedAt).Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newSendCommand(opts *rootOptions) *cobra.Command {
	var req api.SendRequest
	cmd := &cobra.Command{
		Use:   "send <text...>",
		Short: "Compose a message",
		Args:  cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			if req.ConversationID == "" && req.RecipientID == "" {
				return fmt.Errorf("one of --to or --conversation is required")
			}
			req.Text = strings.Join(args, " ")
			return withClient(opts, func(ctx context.Context, c *api.Client) error {
				id, err := c.SendText(ctx, req)
				if err != nil {
					return err
				}
				if opts.JSON {
					return outputJSON(map[string]string{"message_id": id})
				}
				fmt.Println(id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.RecipientID, "to", "", "recipient user id (direct conversation)")
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&req.AttachmentURL, "attachment", "", "attachment url")
	return cmd
}

func newToggleCommand(opts *rootOptions, use, short string, fn func(context.Context, *api.Client) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return withClient(opts, fn)
		},
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
