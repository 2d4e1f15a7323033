package main

import (
	"fmt"
	"time"

	"github.com/deesoft/console/config"
	"github.com/deesoft/console/modules/auth"
	"github.com/spf13/cobra"
)

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
		scopes  []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			provider, err := auth.NewTokenProvider(cfg.Auth)
			if err != nil {
				return err
			}
			if len(scopes) == 0 {
				scopes = cfg.Auth.Scopes
			}
			token, err := provider.Issue(subject, ttl, scopes...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "console", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes to grant (default auth.scopes)")
	return cmd
}
