package cmd

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/doris-feishu-pusher/internal/config"
	"github.com/JakeFAU/doris-feishu-pusher/internal/doris"
	"github.com/JakeFAU/doris-feishu-pusher/internal/scheduler"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var ping bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, list seed tasks and ping Doris",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s %s on %s (store=%s, archive=%s, events=%s)\n",
				cfg.Service.Name, cfg.Service.Version, cfg.Addr(), cfg.Store.Backend, cfg.Archive.Backend, cfg.Events.Backend)
			if err := printTasks(out, cfg, time.Now()); err != nil {
				return err
			}
			if !ping {
				return nil
			}
			return pingDoris(cmd.Context(), out, cfg)
		},
	}
	cmd.Flags().BoolVar(&ping, "ping", true, "connect to Doris and run a ping")
	return cmd
}

func printTasks(out io.Writer, cfg config.Config, now time.Time) error {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return fmt.Errorf("load timezone: %w", err)
	}
	if len(cfg.Tasks) == 0 {
		fmt.Fprintln(out, "no seed tasks configured")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tCRON\tENABLED\tNEXT RUN")
	for _, task := range cfg.Tasks {
		sched, err := scheduler.Parser.Parse(task.Cron)
		if err != nil {
			return fmt.Errorf("task %s: %w", task.ID, err)
		}
		next := "-"
		if task.Enabled {
			next = sched.Next(now.In(loc)).Format("2006-01-02 15:04:05 MST")
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\n", task.ID, task.Cron, task.Enabled, next)
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("print tasks: %w", err)
	}
	return nil
}

func pingDoris(ctx context.Context, out io.Writer, cfg config.Config) error {
	querier, err := doris.New(cfg.Doris, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = querier.Close() }()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := querier.Ping(ctx); err != nil {
		return fmt.Errorf("doris %s:%d unreachable: %w", cfg.Doris.Host, cfg.Doris.Port, err)
	}
	fmt.Fprintf(out, "doris ok: %s:%d\n", cfg.Doris.Host, cfg.Doris.Port)
	return nil
}
