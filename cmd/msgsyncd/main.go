package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	Profile    string
	ConfigPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	run := newRunCommand(opts)

	cmd := &cobra.Command{
		Use:           "msgsyncd",
		Short:         "Offline-first message sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run.RunE,
	}
	cmd.PersistentFlags().StringVar(&opts.Profile, "profile", "", "profile (user id) to run; overrides config default")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "config file (default ~/.msgsync/config.toml)")

	cmd.AddCommand(run)
	cmd.AddCommand(newMirrorCommand(opts))
	return cmd
}
