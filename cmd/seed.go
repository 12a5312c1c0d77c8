package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-events/internal/app"
	"github.com/jmehdipour/shop-events/internal/db"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/retention"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed MySQL with a demo tenant",
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
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		now := time.Now().UTC()
		if err := seedTenant(ctx, mysqlDB, "demo.example.com", now); err != nil {
			return err
		}
		rm := retention.New(
			repository.NewRetentionPolicyRepository(mysqlDB),
			repository.NewTenantDataRepository(mysqlDB),
			repository.NewAuditRepository(mysqlDB),
			nil,
			log.Named("retention"),
		)
		if err := seedCaches(ctx, rm, "demo.example.com", now); err != nil {
			return err
		}
		log.Info("seed completed", zap.String("tenant_id", "demo.example.com"))
		return nil
	},
}

// seedTenant writes the non-cache tenant rows. Re-running it is a no-op.
func seedTenant(ctx context.Context, dbx *sqlx.DB, tenant string, now time.Time) error {
	stmts := []struct {
		q    string
		args []any
	}{
		{`INSERT IGNORE INTO sessions (id, tenant_id, subject_id, email, scope, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, []any{"offline_" + tenant, tenant, nil, nil, "read_products,read_orders", nil, now}},
		{`INSERT IGNORE INTO sessions (id, tenant_id, subject_id, email, scope, expires_at, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`, []any{"online_" + tenant + "_42", tenant, "42", "jane@example.com", "read_orders", now.Add(24 * time.Hour), now}},
		{`INSERT IGNORE INTO user_preferences (tenant_id, pref_key, pref_value, updated_at)
VALUES (?, ?, ?, ?)`, []any{tenant, "theme", "dark", now}},
		{`INSERT INTO retention_policies (tenant_id, category, retention_days, is_active, updated_at)
VALUES (?, 'logs', 30, TRUE, ?)
ON DUPLICATE KEY UPDATE updated_at = VALUES(updated_at)`, []any{tenant, now}},
	}

	tx, err := dbx.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.q, s.args...); err != nil {
			return fmt.Errorf("seed %s: %w", tenant, err)
		}
	}
	return tx.Commit()
}

// seedCaches writes the cache entries with expiries taken from the tenant's
// retention policy.
func seedCaches(ctx context.Context, rm *retention.Manager, tenant string, now time.Time) error {
	entries := []struct {
		category model.DataCategory
		key      string
		payload  string
	}{
		{model.CategoryAnalytics, "daily:" + now.Format("2006-01-02"), "{}"},
		{model.CategoryProducts, "catalog", "[]"},
	}
	for _, e := range entries {
		if _, err := rm.WriteCache(ctx, tenant, e.category, e.key, e.payload); err != nil {
			return fmt.Errorf("seed %s: %w", tenant, err)
		}
	}
	return nil
}
