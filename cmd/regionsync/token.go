package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/tunnelmesh/regionsync/internal/gateway"
	"github.com/tunnelmesh/regionsync/internal/region"
)

func newTokenCmd() *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "token <principal>",
		Short: "Mint a gateway bearer token",
		Long: `Mint a bearer token that attributes gateway writes to principal.

Tokens naming a replication principal are refused: writes by that principal
are never journaled and would silently skip replication.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			principal := args[0]
			if region.Identity(cfg.Identity).Matches(principal) {
				return fmt.Errorf("principal %q is reserved for replication", principal)
			}

			secret, err := cfg.GatewaySecret()
			if err != nil {
				return err
			}
			tokens, err := gateway.NewTokens(secret)
			if err != nil {
				return err
			}
			token, err := tokens.Mint(principal, ttl)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", gateway.DefaultTokenTTL, "token lifetime")
	return cmd
}
