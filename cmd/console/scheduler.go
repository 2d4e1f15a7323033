package main

import (
	"fmt"
	"time"

	"github.com/deesoft/console"
	"github.com/deesoft/console/config"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/cron"
	"github.com/deesoft/console/modules/scheduler"
	"github.com/spf13/cobra"
)

var timeLayouts = []string{time.RFC3339, time.DateTime, "2006-01-02 15:04"}

// parseRefTime accepts RFC 3339 or "YYYY-MM-DD HH:MM[:SS]" in loc. Empty
// means now.
func parseRefTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Now().In(loc), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.ValidationError(fmt.Errorf("cannot parse time %q", s))
}

func schedulerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run, serve and inspect the job table",
	}

	var (
		at    string
		debug bool
		sync  bool
	)
	run := &cobra.Command{
		Use:   "run",
		Short: "Launch every job due at the reference minute",
		Long: `Evaluates the job table once and launches every due route. Intended to be
invoked by the system crontab every minute:

  * * * * * /path/to/console scheduler run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			adjust := func(cfg *config.Config) {
				if debug {
					cfg.Scheduler.Debug = true
				}
				if sync {
					cfg.Scheduler.Policy = scheduler.PolicySync
				}
			}
			return withApp(cmd, adjust, func(app *console.Application) error {
				loc, err := app.Config().Scheduler.Location()
				if err != nil {
					return err
				}
				now, err := parseRefTime(at, loc)
				if err != nil {
					return err
				}
				report, err := app.RunScheduler(cmd.Context(), now, true)
				if err != nil {
					return err
				}
				for _, o := range report.Failed() {
					app.Logger().Warn("scheduler: job did not succeed",
						"route", o.Route, "exit_code", o.ExitCode, "timed_out", o.TimedOut, "error", o.Error)
				}
				return nil
			})
		},
	}
	run.Flags().StringVar(&at, "time", "", "reference time instead of now")
	run.Flags().BoolVar(&debug, "debug", false, "print the due routes")
	run.Flags().BoolVar(&sync, "sync", false, "wait for each job before starting the next")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher every minute and serve the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, nil, func(app *console.Application) error {
				return app.Serve(cmd.Context())
			})
		},
	}

	var checkAt string
	check := &cobra.Command{
		Use:   "check <expression>",
		Short: "Tell whether an expression is due and when it runs next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			loc, err := cfg.Scheduler.Location()
			if err != nil {
				return err
			}
			now, err := parseRefTime(checkAt, loc)
			if err != nil {
				return err
			}
			eval := cron.New(cron.WithTime(now), cron.WithLocation(loc), cron.WithMapping(cfg.Scheduler.AliasMap()))
			out := cmd.OutOrStdout()
			if err := eval.Validate(args[0]); err != nil {
				fmt.Fprintf(out, "invalid: %v\n", err)
			}
			fmt.Fprintf(out, "due at %s: %t\n", now.Format(time.DateTime), eval.IsDue(args[0]))
			if next, ok := eval.Next(args[0], now, 366*24*time.Hour); ok {
				fmt.Fprintf(out, "next: %s\n", next.Format(time.DateTime))
			} else {
				fmt.Fprintln(out, "next: never within a year")
			}
			return nil
		},
	}
	check.Flags().StringVar(&checkAt, "time", "", "reference time instead of now")

	cmd.AddCommand(run, serve, check)
	return cmd
}
