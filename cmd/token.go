package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/researcher/internal/server"
	"github.com/spf13/cobra"
)

func tokenCMD(g *globals) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	c := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load()
			if err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				return errors.New("server.jwt_secret is not configured")
			}
			tok, err := server.SignToken(subject, []byte(cfg.Server.JWTSecret), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	c.Flags().StringVar(&subject, "subject", "researcher-cli", "token subject")
	c.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return c
}
