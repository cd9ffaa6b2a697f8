package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/daemon"
	"github.com/matheus3301/msgsync/internal/profile"
)

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the engine for a profile (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			layout, cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			name := opts.Profile
			if name == "" {
				name = cfg.DefaultProfile
			}
			if err := profile.Validate(name); err != nil {
				return err
			}
			app := fx.New(daemon.Module(daemon.Params{
				Profile: name,
				Layout:  layout,
				Config:  cfg,
			}))
			app.Run()
			return app.Err()
		},
	}
}

func loadConfig(opts *rootOptions) (profile.Layout, *config.Config, error) {
	layout := profile.DefaultLayout()
	path := opts.ConfigPath
	if path == "" {
		path = layout.ConfigPath()
	}
	cfg, err := config.LoadOrDefault(path)
	return layout, cfg, err
}
