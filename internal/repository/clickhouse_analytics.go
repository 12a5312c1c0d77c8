package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// AnalyticsEventsRepository erases raw analytics events kept in ClickHouse.
type AnalyticsEventsRepository interface {
	DeleteForTenant(ctx context.Context, tenantID string) (int64, error)
	DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int64, error)
}

type chAnalyticsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAnalyticsRepository(ch *sqlx.DB) AnalyticsEventsRepository {
	return &chAnalyticsRepository{ch: ch}
}

// ClickHouse lightweight deletes report no row count, so rows are counted first.
func (r *chAnalyticsRepository) DeleteForTenant(ctx context.Context, tenantID string) (int64, error) {
	return r.countAndDelete(ctx, `tenant_id = ?`, tenantID)
}

func (r *chAnalyticsRepository) DeleteExpired(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	if tenantID == "" {
		return r.countAndDelete(ctx, `expires_at < ?`, now)
	}
	return r.countAndDelete(ctx, `tenant_id = ? AND expires_at < ?`, tenantID, now)
}

func (r *chAnalyticsRepository) countAndDelete(ctx context.Context, where string, args ...any) (int64, error) {
	var n uint64
	if err := r.ch.GetContext(ctx, &n, `SELECT count() FROM shopev.analytics_events WHERE `+where, args...); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	if _, err := r.ch.ExecContext(ctx, `DELETE FROM shopev.analytics_events WHERE `+where, args...); err != nil {
		return 0, err
	}
	return int64(n), nil
}
