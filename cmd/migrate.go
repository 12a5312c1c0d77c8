package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmehdipour/shop-events/internal/app"
	"github.com/jmehdipour/shop-events/internal/db"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrationsDir string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply MySQL (and ClickHouse, when configured) schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Bootstrap(cfgPath)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}

		mysqlDB, err := db.NewMySQLConnection(ctx, cfg.MySQL.DSN, db.PoolOpts{PingTimeout: cfg.MySQL.PingTimeout})
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()

		sqlPath := filepath.Join(migrationsDir, "001_init.sql")
		sqlBytes, err := os.ReadFile(sqlPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", sqlPath, err)
		}
		if _, err := mysqlDB.ExecContext(ctx, string(sqlBytes)); err != nil {
			return fmt.Errorf("exec mysql migration: %w", err)
		}
		log.Info("mysql migration applied", zap.String("file", sqlPath))

		if cfg.ClickHouse.DSN == "" {
			return nil
		}
		chDB, err := db.NewClickHouseConnection(ctx, cfg.ClickHouse.DSN, db.PoolOpts{PingTimeout: cfg.ClickHouse.PingTimeout})
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()

		chPath := filepath.Join(migrationsDir, "clickhouse", "001_analytics.sql")
		chBytes, err := os.ReadFile(chPath)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", chPath, err)
		}
		// the ClickHouse driver runs one statement per Exec
		for _, stmt := range strings.Split(string(chBytes), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := chDB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec clickhouse migration: %w", err)
			}
		}
		log.Info("clickhouse migration applied", zap.String("file", chPath))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding migration files")
}
