// ABOUTME: token command that mints operator API tokens
// ABOUTME: Tokens are HS256 JWTs signed with api.jwt_secret

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/fold-relay/internal/auth"
	"github.com/2389/fold-relay/internal/config"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator API token",
		Long: `Mint a bearer token for the operator API, signed with api.jwt_secret
from the config file. The subject names the operator in logs and failure
resolutions.

Examples:
  fold-relay token --sub alice
  fold-relay token --sub oncall --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--sub is required")
			}
			if ttl <= 0 {
				return errors.New("--ttl must be positive")
			}

			cfg, err := config.Load(opts.path())
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.API.JWTSecret == "" {
				return errors.New("api.jwt_secret is not set")
			}

			verifier, err := auth.NewJWTVerifier([]byte(cfg.API.JWTSecret))
			if err != nil {
				return err
			}
			token, err := verifier.Generate(subject, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "sub", "", "Operator name recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")

	return cmd
}
