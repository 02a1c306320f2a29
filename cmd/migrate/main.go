// Package main is the migration CLI entry point: applies versioned SQL
// migrations against a named database pool through internal/database/migrations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vitaliisemenov/alert-history/internal/config"
	"github.com/vitaliisemenov/alert-history/internal/database/migrations"
	"github.com/vitaliisemenov/alert-history/internal/database/postgres"
	"github.com/vitaliisemenov/alert-history/pkg/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var dbName, dsn, env string

	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply versioned schema migrations against a named database pool",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.New(logger.Config{Level: "info", Format: "json", Output: "stdout"})

			resolvedDSN := dsn
			if resolvedDSN == "" {
				resolver, err := config.NewResolver(env, os.Getenv("CONFIG_FILE"), nil)
				if err != nil {
					return fmt.Errorf("building config resolver: %w", err)
				}
				dbCfg, err := resolver.GetDatabaseConfig(dbName)
				if err != nil {
					return fmt.Errorf("resolving %s database config: %w", dbName, err)
				}
				resolvedDSN = dbCfg.ConnectionString
			}

			pool := postgres.NewPostgresPool(postgres.DefaultPoolConfig(dbName, resolvedDSN, 5, 2), log)
			ctx := cmd.Context()
			if err := pool.Connect(ctx); err != nil {
				return fmt.Errorf("connecting to %s: %w", dbName, err)
			}
			defer pool.Close()

			if err := migrations.NewManager(log).Run(ctx, pool); err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}

			log.Info("migrations applied", "database", dbName)
			return nil
		},
	}

	root.Flags().StringVar(&dbName, "database", "queue", "logical database name (queue|source)")
	root.Flags().StringVar(&dsn, "dsn", "", "connection string; overrides config resolution when set")
	root.Flags().StringVar(&env, "env", "production", "environment used to resolve config when --dsn is not given")

	return root
}
