package repository

import (
	"context"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmoiron/sqlx"
)

type SubscriptionsRepository interface {
	Upsert(ctx context.Context, s model.Subscription) error
}

type SubscriptionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSubscriptionsRepository(db *sqlx.DB) *SubscriptionsRepositoryImpl {
	return &SubscriptionsRepositoryImpl{db: db}
}

var _ SubscriptionsRepository = (*SubscriptionsRepositoryImpl)(nil)

// Upsert is keyed by (tenant_id, id); replays of an older update are harmless
// because the platform always sends the current status.
func (r *SubscriptionsRepositoryImpl) Upsert(ctx context.Context, s model.Subscription) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, tenant_id, name, status, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
		    name       = VALUES(name),
		    status     = VALUES(status),
		    updated_at = VALUES(updated_at)
	`, s.ID, s.TenantID, s.Name, s.Status, s.UpdatedAt)
	return err
}
