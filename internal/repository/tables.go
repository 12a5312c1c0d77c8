package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Table names a tenant-scoped MySQL table the core is allowed to delete from.
type Table string

const (
	TableSessions          Table = "sessions"
	TableAnalyticsCache    Table = "analytics_cache"
	TableProductCache      Table = "product_cache"
	TableRetentionPolicies Table = "retention_policies"
	TableCredentials       Table = "credentials"
	TableUserPreferences   Table = "user_preferences"
	TableSubscriptions     Table = "subscriptions"
)

// TenantTables is every table erased with a tenant, in deletion order.
var TenantTables = []Table{
	TableSessions,
	TableAnalyticsCache,
	TableProductCache,
	TableRetentionPolicies,
	TableCredentials,
	TableUserPreferences,
	TableSubscriptions,
}

func (t Table) String() string { return string(t) }

func (t Table) valid() bool {
	for _, known := range TenantTables {
		if t == known {
			return true
		}
	}
	return false
}

// expiring reports whether the table carries an expires_at column.
func (t Table) expiring() bool {
	return t == TableSessions || t == TableAnalyticsCache || t == TableProductCache
}

func checkTable(t Table) error {
	if !t.valid() {
		return fmt.Errorf("repository: unknown table %q", t)
	}
	return nil
}

// withTx runs fn in tx, or in a new transaction when tx is nil.
func withTx(ctx context.Context, db *sqlx.DB, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}
	t, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}
	return t.Commit()
}
