package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liveframe/liveframe/pkg/storage/pgstore"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending Postgres migrations (DB_* environment variables select the target)",
		RunE: func(cmd *cobra.Command, args []string) error {
			dbCfg, err := pgstore.LoadConfigFromEnv()
			if err != nil {
				return fmt.Errorf("load database config: %w", err)
			}
			if err := pgstore.RunMigrations(dbCfg); err != nil {
				return fmt.Errorf("run migrations: %w", err)
			}
			cmd.Printf("liveframectl: migrations applied to %s@%s:%d/%s\n", dbCfg.User, dbCfg.Host, dbCfg.Port, dbCfg.Database)
			return nil
		},
	}
}
