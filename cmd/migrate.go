package cmd

import (
	"fmt"

	"github.com/mohammad-safakhou/researcher/internal/history"
	"github.com/spf13/cobra"
)

func migrateCMD(g *globals) *cobra.Command {
	var (
		dsn   string
		steps int
	)
	migrate := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Run history store migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			direction := "up"
			if len(args) == 1 {
				direction = args[0]
			}
			if dsn == "" {
				if !cfg.Storage.Postgres.Enabled() {
					return fmt.Errorf("postgres not configured (storage.postgres.url or host/dbname)")
				}
				if dsn, err = cfg.Storage.Postgres.DSN(); err != nil {
					return err
				}
			}
			if err := history.Migrate(dsn, direction, steps); err != nil {
				return err
			}
			log.Info("migrations applied")
			fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&dsn, "dsn", "", "postgres url (default from storage.postgres)")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
