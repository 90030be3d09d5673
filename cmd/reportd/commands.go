package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reportd/internal/app"
	"reportd/internal/cronspec"
)

func newRootCommand() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:   "reportd",
		Short: "Scheduled dashboard report exporter",
		Long: `reportd renders dashboards to PDF on a cron schedule and delivers
them by e-mail, Telegram or Slack. Reports are managed over the admin API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./reportd.yaml", "path to config file (json, yaml or toml)")

	root.AddCommand(
		newServeCommand(&cfgPath),
		newCleanupCommand(&cfgPath),
		newRunCommand(&cfgPath),
		newCronCommand(),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(cfgPath *string) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and admin API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return fmt.Errorf("start: %w", err)
			}

			reason := app.StopSignal
			select {
			case <-ctx.Done():
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			return a.Stop(stopCtx, reason)
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 20*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newCleanupCommand(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete reports whose end date has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cmd.Context(), *cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

			n, err := a.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("deleted %d expired report(s)\n", n)
			return nil
		},
	}
}

func newRunCommand(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run <report-id>",
		Short: "Render and deliver one report now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				var tcancel context.CancelFunc
				ctx, tcancel = context.WithTimeout(ctx, timeout)
				defer tcancel()
			}

			a, err := app.New(ctx, *cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopCommand) }()

			rec, err := a.RunOnce(ctx, args[0])
			if rec.RunID != "" {
				cmd.Printf("run %s: %s in %s\n", rec.RunID, rec.Outcome, rec.Duration.Round(time.Millisecond))
			}
			if rec.Artifact != "" {
				cmd.Printf("artifact: %s\n", rec.Artifact)
			}
			for _, d := range rec.Deliveries {
				switch {
				case d.Skipped:
					cmd.Printf("  %s: skipped\n", d.Channel)
				case d.Err != "":
					cmd.Printf("  %s: failed: %s\n", d.Channel, d.Err)
				default:
					cmd.Printf("  %s: ok\n", d.Channel)
				}
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall deadline for the run (0 disables)")
	return cmd
}

func newCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect schedule expressions",
	}

	var tz string
	var n int
	derive := &cobra.Command{
		Use:   "derive <daily|weekly|monthly> <HH:MM>",
		Short: "Print the cron expression for a recurrence and its next runs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := cronspec.ParseKind(args[0])
			if err != nil {
				return err
			}
			expr, err := cronspec.Derive(kind, args[1])
			if err != nil {
				return err
			}
			return printRuns(cmd, expr, tz, n)
		},
	}
	next := &cobra.Command{
		Use:   "next <expression>",
		Short: "Print the next runs of a five-field cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRuns(cmd, args[0], tz, n)
		},
	}
	for _, c := range []*cobra.Command{derive, next} {
		c.Flags().StringVar(&tz, "tz", "", "timezone (IANA name, default Local)")
		c.Flags().IntVarP(&n, "count", "n", 5, "number of upcoming runs to print")
	}
	cmd.AddCommand(derive, next)
	return cmd
}

func printRuns(cmd *cobra.Command, expr, tz string, n int) error {
	if n < 0 {
		return errors.New("count must be >= 0")
	}
	loc, err := cronspec.LoadLocation(tz)
	if err != nil {
		return err
	}
	cmd.Println(expr)
	if n == 0 {
		return nil
	}
	runs, err := cronspec.NextRuns(expr, loc, time.Now(), n)
	if err != nil {
		return err
	}
	for _, t := range runs {
		cmd.Println(t.Format("Mon 2006-01-02 15:04 MST"))
	}
	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("reportd version %s\n", version)
		},
	}
}
