package main

import (
	"github.com/deesoft/console"
	"github.com/spf13/cobra"
)

func routeCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "route <path> [args...]",
		Short:              "Resolve a path through the routing rules and dispatch it",
		Args:               cobra.MinimumNArgs(1),
		DisableFlagParsing: true,
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
}
