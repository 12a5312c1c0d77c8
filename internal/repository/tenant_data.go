package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// TenantDataRepository deletes tenant-scoped rows from the tables in TenantTables.
type TenantDataRepository interface {
	DeleteForTenant(ctx context.Context, table Table, tenantID string) (int64, error)
	// DeleteExpired only applies to tables with an expires_at column; empty tenantID means all tenants.
	DeleteExpired(ctx context.Context, table Table, tenantID string, now time.Time) (int64, error)
	ListTenants(ctx context.Context) ([]string, error)
	// PutCache upserts one analytics_cache or product_cache entry.
	PutCache(ctx context.Context, table Table, tenantID, key, payload string, expiresAt, now time.Time) error
}

type TenantDataRepositoryImpl struct {
	db *sqlx.DB
}

func NewTenantDataRepository(db *sqlx.DB) *TenantDataRepositoryImpl {
	return &TenantDataRepositoryImpl{db: db}
}

var _ TenantDataRepository = (*TenantDataRepositoryImpl)(nil)

// table names come from the closed TenantTables set, never from input
func (r *TenantDataRepositoryImpl) DeleteForTenant(ctx context.Context, table Table, tenantID string) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	return affected(r.db.ExecContext(ctx, `DELETE FROM `+table.String()+` WHERE tenant_id = ?`, tenantID))
}

func (r *TenantDataRepositoryImpl) DeleteExpired(ctx context.Context, table Table, tenantID string, now time.Time) (int64, error) {
	if err := checkTable(table); err != nil {
		return 0, err
	}
	if !table.expiring() {
		return 0, nil
	}
	if tenantID == "" {
		return affected(r.db.ExecContext(ctx,
			`DELETE FROM `+table.String()+` WHERE expires_at IS NOT NULL AND expires_at < ?`, now))
	}
	return affected(r.db.ExecContext(ctx,
		`DELETE FROM `+table.String()+` WHERE tenant_id = ? AND expires_at IS NOT NULL AND expires_at < ?`, tenantID, now))
}

func (r *TenantDataRepositoryImpl) PutCache(ctx context.Context, table Table, tenantID, key, payload string, expiresAt, now time.Time) error {
	if table != TableAnalyticsCache && table != TableProductCache {
		return fmt.Errorf("repository: %q is not a cache table", table)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO `+table.String()+` (tenant_id, cache_key, payload, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE payload = VALUES(payload), expires_at = VALUES(expires_at)
	`, tenantID, key, payload, expiresAt, now)
	return err
}

// ListTenants returns every tenant that still owns retained data.
func (r *TenantDataRepositoryImpl) ListTenants(ctx context.Context) ([]string, error) {
	var tenants []string
	err := r.db.SelectContext(ctx, &tenants, `
		SELECT tenant_id FROM sessions
		UNION SELECT tenant_id FROM analytics_cache
		UNION SELECT tenant_id FROM product_cache
		UNION SELECT tenant_id FROM retention_policies
		UNION SELECT tenant_id FROM compliance_audit
		ORDER BY tenant_id
	`)
	return tenants, err
}
