package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/emx-mail/mailmon/pkgs/config"
	"github.com/emx-mail/mailmon/pkgs/metrics"
	"github.com/emx-mail/mailmon/pkgs/monitor"
	"github.com/emx-mail/mailmon/pkgs/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run [config]",
	Short: "Run checks on the configured schedule",
	Long: `Run loads the configuration, serves metrics when metrics.listen is set
and checks every target on the configured schedule until interrupted.

Changes to the configuration file are picked up by the next run; a changed
schedule takes effect after a restart.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemon,
}

var noWatchFlag bool

func init() {
	runCmd.Flags().BoolVar(&noWatchFlag, "no-watch", false, "Do not reload the configuration file on change")
}

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	store, err := loadStore(args, logger)
	if err != nil {
		return err
	}
	cfg := store.Current()

	rec := metrics.New(nil)
	opts := []monitor.Option{
		monitor.WithLogger(logger),
		monitor.WithMetrics(rec),
	}
	var srv *metrics.Server
	if cfg.Metrics.Listen != "" {
		srv = metrics.NewServer(cfg.Metrics.Listen, rec, logger)
		opts = append(opts, monitor.WithRunObserver(srv.MarkRun))
	}
	coord := monitor.New(store, opts...)

	runner, err := scheduler.New(cfg.Schedule,
		func(ctx context.Context) { coord.Run(ctx) },
		scheduler.WithLogger(logger),
		scheduler.WithRunOnStartup(cfg.RunOnStartup),
		scheduler.WithVerbose(verboseFlag),
	)
	if err != nil {
		return err
	}

	if !noWatchFlag {
		schedule := cfg.Schedule
		store.Watch(func(next *config.Config) {
			if next.Schedule != schedule {
				fmt.Fprintf(os.Stderr, "Schedule changed to %q; restart mailmon to apply it\n", next.Schedule)
			}
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("mailmon running.")

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return runner.Start(ctx)
	})
	if srv != nil {
		p.Go(func(ctx context.Context) error {
			return srv.Run(ctx)
		})
	}
	return p.Wait()
}
