// Package retention resolves per-tenant retention policies and purges
// records whose expires_at has passed.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/repository"
	"go.uber.org/zap"
)

const (
	MinDays = 1
	MaxDays = 3650
)

var ErrInvalidPolicy = errors.New("invalid retention policy")

// Defaults apply when a tenant has no active override.
var Defaults = map[model.DataCategory]int{
	model.CategoryAnalytics: 90,
	model.CategoryLogs:      30,
	model.CategoryProducts:  180,
}

type Manager struct {
	policies  repository.RetentionPolicyRepository
	tenants   repository.TenantDataRepository
	audit     repository.AuditRepository
	analytics repository.AnalyticsEventsRepository // nil without ClickHouse
	log       *zap.Logger
	now       func() time.Time
}

func New(
	policies repository.RetentionPolicyRepository,
	tenants repository.TenantDataRepository,
	audit repository.AuditRepository,
	analytics repository.AnalyticsEventsRepository,
	log *zap.Logger,
) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		policies:  policies,
		tenants:   tenants,
		audit:     audit,
		analytics: analytics,
		log:       log,
		now:       time.Now,
	}
}

// GetPolicy returns the retention in days for tenantID's category.
func (m *Manager) GetPolicy(ctx context.Context, tenantID string, category model.DataCategory) (int, error) {
	def, ok := Defaults[category]
	if !ok {
		return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidPolicy, category)
	}
	p, err := m.policies.Get(ctx, tenantID, category)
	if err != nil {
		return 0, fmt.Errorf("get policy %s/%s: %w", tenantID, category, err)
	}
	if p == nil || !p.IsActive {
		return def, nil
	}
	return p.RetentionDays, nil
}

// SetPolicy upserts an active override.
func (m *Manager) SetPolicy(ctx context.Context, tenantID string, category model.DataCategory, days int) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidPolicy)
	}
	if !category.Valid() {
		return fmt.Errorf("%w: unknown category %q", ErrInvalidPolicy, category)
	}
	if days < MinDays || days > MaxDays {
		return fmt.Errorf("%w: retention_days must be within %d..%d", ErrInvalidPolicy, MinDays, MaxDays)
	}

	return m.policies.Upsert(ctx, model.RetentionPolicy{
		TenantID:      tenantID,
		Category:      category,
		RetentionDays: days,
		IsActive:      true,
		UpdatedAt:     m.now().UTC(),
	})
}

// ExpiresAt stamps a record written at from.
func (m *Manager) ExpiresAt(ctx context.Context, tenantID string, category model.DataCategory, from time.Time) (time.Time, error) {
	days, err := m.GetPolicy(ctx, tenantID, category)
	if err != nil {
		return time.Time{}, err
	}
	return from.AddDate(0, 0, days), nil
}

// cacheTables maps the cached categories to their tables.
var cacheTables = map[model.DataCategory]repository.Table{
	model.CategoryAnalytics: repository.TableAnalyticsCache,
	model.CategoryProducts:  repository.TableProductCache,
}

// WriteCache upserts a cache entry for category, stamped with the tenant's
// current retention, and returns the expiry it wrote.
func (m *Manager) WriteCache(ctx context.Context, tenantID string, category model.DataCategory, key, payload string) (time.Time, error) {
	table, ok := cacheTables[category]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q has no cache table", ErrInvalidPolicy, category)
	}
	now := m.now().UTC()
	exp, err := m.ExpiresAt(ctx, tenantID, category, now)
	if err != nil {
		return time.Time{}, err
	}
	if err := m.tenants.PutCache(ctx, table, tenantID, key, payload, exp, now); err != nil {
		return time.Time{}, fmt.Errorf("write %s/%s: %w", table, key, err)
	}
	return exp, nil
}

// PurgeExpired deletes category rows with expires_at in the past. An empty
// tenantID purges every tenant.
func (m *Manager) PurgeExpired(ctx context.Context, category model.DataCategory, tenantID string) (int64, error) {
	now := m.now()
	var total int64

	add := func(n int64, err error) error {
		total += n
		return err
	}

	var err error
	switch category {
	case model.CategoryAnalytics:
		err = add(m.tenants.DeleteExpired(ctx, repository.TableAnalyticsCache, tenantID, now))
		if err == nil && m.analytics != nil {
			err = add(m.analytics.DeleteExpired(ctx, tenantID, now))
		}
	case model.CategoryLogs:
		err = add(m.audit.DeleteExpired(ctx, tenantID, now))
	case model.CategoryProducts:
		err = add(m.tenants.DeleteExpired(ctx, repository.TableProductCache, tenantID, now))
	default:
		return 0, fmt.Errorf("%w: unknown category %q", ErrInvalidPolicy, category)
	}

	if total > 0 {
		metrics.RetentionPurged.WithLabelValues(category.String()).Add(float64(total))
	}
	if err != nil {
		return total, fmt.Errorf("purge %s for %q: %w", category, tenantID, err)
	}
	return total, nil
}

// PurgeAllForTenant runs PurgeExpired for every category. Failing categories
// are logged and skipped.
func (m *Manager) PurgeAllForTenant(ctx context.Context, tenantID string) map[model.DataCategory]int64 {
	out := make(map[model.DataCategory]int64, len(model.Categories))
	for _, c := range model.Categories {
		n, err := m.PurgeExpired(ctx, c, tenantID)
		if err != nil {
			m.log.Warn("retention purge failed",
				zap.String("tenant_id", tenantID),
				zap.String("category", c.String()),
				zap.Error(err),
			)
		}
		out[c] = n
	}
	return out
}

// ScheduledSweep purges every known tenant.
func (m *Manager) ScheduledSweep(ctx context.Context) error {
	tenants, err := m.tenants.ListTenants(ctx)
	if err != nil {
		return fmt.Errorf("list tenants: %w", err)
	}

	var deleted int64
	for _, t := range tenants {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, n := range m.PurgeAllForTenant(ctx, t) {
			deleted += n
		}
	}

	m.log.Info("retention sweep finished", zap.Int("tenants", len(tenants)), zap.Int64("deleted", deleted))
	return nil
}

// Run sweeps immediately and then every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.ScheduledSweep(ctx); err != nil && ctx.Err() == nil {
			m.log.Warn("retention sweep error", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
