package main

import (
	"fmt"

	"github.com/deesoft/console"
	"github.com/deesoft/console/modules/sampledata"
	"github.com/spf13/cobra"
)

func sampleDataCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "sample-data [sample]",
		Short: "Load sample data into empty tables (all samples by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sample := sampledata.All
			if len(args) == 1 {
				sample = args[0]
			}
			return withApp(cmd, nil, func(app *console.Application) error {
				loader, err := app.SampleData(cmd.Context())
				if err != nil {
					return err
				}
				loaded, err := loader.Create(cmd.Context(), sample, force)
				for _, name := range loaded {
					fmt.Fprintf(cmd.OutOrStdout(), "loaded %s\n", name)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reload samples whose table already has rows")
	return cmd
}
