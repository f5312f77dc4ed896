// Package cmd defines the CLI for the push service.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
)

type rootOptions struct {
	configPath string
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "pusher",
		Short: "Scheduled Doris queries pushed to Feishu bots.",
		Long: `pusher runs SQL against Apache Doris on cron schedules and delivers the
results to Feishu custom bot webhooks. It also serves a small management API
and the frontend bundle.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "",
		"config file (default: config.{yaml,toml,json} in ., /etc/pusher or $HOME/.pusher)")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newCheckCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
