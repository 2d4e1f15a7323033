package main

import (
	"fmt"
	"strconv"

	"github.com/deesoft/console"
	"github.com/deesoft/console/config"
	"github.com/deesoft/console/errors"
	"github.com/deesoft/console/modules/migration"
	"github.com/spf13/cobra"
)

// limitArg is either a count, "all" or a migration version.
type limitArg struct {
	n       int
	version string
}

func parseLimit(args []string, def int) (limitArg, error) {
	if len(args) == 0 {
		return limitArg{n: def}, nil
	}
	a := args[0]
	if a == "all" {
		return limitArg{n: 0}, nil
	}
	if migration.IsVersion(a) {
		return limitArg{version: a}, nil
	}
	n, err := strconv.Atoi(a)
	if err != nil || n < 0 || (def > 0 && n == 0) {
		return limitArg{}, errors.ValidationError(fmt.Errorf("The step argument must be greater than 0."))
	}
	return limitArg{n: n}, nil
}

func migrateCmd() *cobra.Command {
	var excepts string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, revert and inspect SQL migrations",
	}
	cmd.PersistentFlags().StringVarP(&excepts, "excepts", "e", "", "comma separated versions to leave alone")

	withMigrator := func(cmd *cobra.Command, fn func(*migration.Migrator) error) error {
		adjust := func(cfg *config.Config) {
			if excepts != "" {
				cfg.Migration.Excepts = excepts
			}
		}
		return withApp(cmd, adjust, func(app *console.Application) error {
			m, err := app.Migrator(cmd.Context())
			if err != nil {
				return err
			}
			return fn(m)
		})
	}
	printNames := func(cmd *cobra.Command, verb string, names []string) {
		for _, n := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", verb, n)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d migration(s) %s.\n", len(names), verb)
	}

	up := &cobra.Command{
		Use:   "up [n|all|version]",
		Short: "Apply new migrations (all by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseLimit(args, 0)
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m *migration.Migrator) error {
				if limit.version != "" {
					name, err := m.PartialUp(cmd.Context(), limit.version)
					printNames(cmd, "applied", nonEmpty(name, err))
					return err
				}
				names, err := m.Up(cmd.Context(), limit.n)
				printNames(cmd, "applied", names)
				return err
			})
		},
	}

	down := &cobra.Command{
		Use:   "down [n|all|version]",
		Short: "Revert applied migrations (the last one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseLimit(args, 1)
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m *migration.Migrator) error {
				if limit.version != "" {
					name, err := m.PartialDown(cmd.Context(), limit.version)
					printNames(cmd, "reverted", nonEmpty(name, err))
					return err
				}
				names, err := m.Down(cmd.Context(), limit.n)
				printNames(cmd, "reverted", names)
				return err
			})
		},
	}

	redo := &cobra.Command{
		Use:   "redo [n|all|version]",
		Short: "Revert and re-apply migrations (the last one by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseLimit(args, 1)
			if err != nil {
				return err
			}
			return withMigrator(cmd, func(m *migration.Migrator) error {
				if limit.version != "" {
					name, err := m.PartialRedo(cmd.Context(), limit.version)
					printNames(cmd, "redone", nonEmpty(name, err))
					return err
				}
				names, err := m.Redo(cmd.Context(), limit.n)
				printNames(cmd, "redone", names)
				return err
			})
		},
	}

	partial := func(use, short, verb string, op func(*migration.Migrator, *cobra.Command, string) (string, error)) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <version>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(cmd, func(m *migration.Migrator) error {
					name, err := op(m, cmd, args[0])
					printNames(cmd, verb, nonEmpty(name, err))
					return err
				})
			},
		}
	}
	partialUp := partial("partial-up", "Apply one specific new migration", "applied",
		func(m *migration.Migrator, cmd *cobra.Command, v string) (string, error) {
			return m.PartialUp(cmd.Context(), v)
		})
	partialDown := partial("partial-down", "Revert one specific applied migration", "reverted",
		func(m *migration.Migrator, cmd *cobra.Command, v string) (string, error) {
			return m.PartialDown(cmd.Context(), v)
		})
	partialRedo := partial("partial-redo", "Redo one specific applied migration", "redone",
		func(m *migration.Migrator, cmd *cobra.Command, v string) (string, error) {
			return m.PartialRedo(cmd.Context(), v)
		})

	newCmd := &cobra.Command{
		Use:   "new",
		Short: "List migrations not applied yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(m *migration.Migrator) error {
				pending, err := m.Pending(cmd.Context())
				if err != nil {
					return err
				}
				for _, f := range pending {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", f.Name, f.Path)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d new migration(s).\n", len(pending))
				return nil
			})
		},
	}

	history := &cobra.Command{
		Use:   "history [n|all]",
		Short: "Show applied migrations, most recent first (10 by default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, err := parseLimit(args, 10)
			if err != nil || limit.version != "" {
				return errors.ValidationError(fmt.Errorf("history takes a count or \"all\""))
			}
			return withMigrator(cmd, func(m *migration.Migrator) error {
				records, err := m.History(cmd.Context(), limit.n)
				if err != nil {
					return err
				}
				for _, r := range records {
					fmt.Fprintf(cmd.OutOrStdout(), "(%s) %s\n", r.AppliedAt.Format("2006-01-02 15:04:05"), r.Version)
				}
				return nil
			})
		},
	}

	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an empty migration file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			mc := cfg.Migration
			finder := &migration.Finder{Path: mc.Path, Lookup: mc.Lookup, ExtraFile: mc.ExtraFile}
			path, err := migration.New(nil, finder).Create(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "New migration created: %s\n", path)
			return nil
		},
	}

	cmd.AddCommand(up, down, redo, partialUp, partialDown, partialRedo, newCmd, history, create)
	return cmd
}

func nonEmpty(name string, err error) []string {
	if name == "" || err != nil {
		return nil
	}
	return []string{name}
}
