package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matheus3301/msgsync/internal/presence"
	"github.com/matheus3301/msgsync/internal/realtime"
	"github.com/matheus3301/msgsync/internal/remote/redisdoc"
)

type mirrorOptions struct {
	*rootOptions
	RedisAddr string
	Sweep     time.Duration
}

func newMirrorCommand(root *rootOptions) *cobra.Command {
	opts := &mirrorOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "mirror",
		Short: "Mirror live presence into durable records and apply expired fallbacks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMirror(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.RedisAddr, "redis-addr", "", "redis address (default from config)")
	cmd.Flags().DurationVar(&opts.Sweep, "sweep", 5*time.Second, "interval between fallback sweeps")
	return cmd
}

func runMirror(parent context.Context, opts *mirrorOptions) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_, cfg, err := loadConfig(opts.rootOptions)
	if err != nil {
		return err
	}
	addr := opts.RedisAddr
	if addr == "" {
		addr = cfg.Remote.RedisAddr
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rdb := redisdoc.NewClient(redisdoc.Options{Addr: addr, Password: cfg.Remote.RedisPassword, DB: cfg.Remote.RedisDB})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect redis %s: %w", addr, err)
	}

	events, err := realtime.Subscribe(ctx, rdb, logger)
	if err != nil {
		return fmt.Errorf("subscribe presence writes: %w", err)
	}
	mirror := presence.NewMirror(redisdoc.New(rdb, logger.Named("remote")), logger.Named("mirror"))
	reaper := realtime.NewReaper(rdb, opts.Sweep, logger.Named("reaper"))

	go reaper.Run(ctx)
	logger.Info("presence mirror running", zap.String("redis", addr))
	mirror.Run(ctx, events)
	logger.Info("presence mirror stopped")
	return nil
}
