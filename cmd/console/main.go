package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/deesoft/console"
	"github.com/deesoft/console/config"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "console [route] [args...]",
	Short: "Cron-driven task dispatcher and console toolkit",
	Long: `console runs scheduled console routes, manages SQL migrations and sample
data, and dispatches routes registered by the embedding application.

Examples:
  console scheduler run              # launch every job due this minute
  console scheduler serve            # run the dispatcher every minute with a status API
  console scheduler check "0 9 * * 1-5"
  console migrate up 3
  console cache/flush`,
	Args:               cobra.ArbitraryArgs,
	DisableFlagParsing: true,
	SilenceUsage:       true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, rest := splitConfigFlag(args)
		if path != "" {
			configPath = path
		}
		if len(rest) == 0 || rest[0] == "-h" || rest[0] == "--help" {
			return cmd.Help()
		}
		return withApp(cmd, nil, func(app *console.Application) error {
			return app.Execute(cmd.Context(), rest[0], rest[1:])
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./console.yaml or ./config/console.yaml)")
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sampleDataCmd())
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(tokenCmd())
}

// splitConfigFlag pulls --config out of arguments cobra did not parse.
func splitConfigFlag(args []string) (string, []string) {
	var path string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case (a == "--config" || a == "-c") && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(a, "--config="):
			path = strings.TrimPrefix(a, "--config=")
		default:
			rest = append(rest, a)
		}
	}
	return path, rest
}

// withApp loads configuration, lets adjust change it, builds the application
// and closes it after fn returns.
func withApp(cmd *cobra.Command, adjust func(*config.Config), fn func(*console.Application) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if adjust != nil {
		adjust(cfg)
	}
	app, err := console.New(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := app.Close(); err != nil {
			app.Logger().Warn("close application", "error", err)
		}
	}()
	return fn(app)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
