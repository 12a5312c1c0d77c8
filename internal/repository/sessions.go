package repository

import (
	"context"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmoiron/sqlx"
)

// SessionsRepository reads and erases sessions tied to a platform customer.
// A subject matches on subject_id or, when given, on email.
type SessionsRepository interface {
	ListBySubject(ctx context.Context, tenantID, subjectID, email string) ([]model.Session, error)
	DeleteBySubject(ctx context.Context, tenantID, subjectID, email string) (int64, error)
}

type SessionsRepositoryImpl struct {
	db *sqlx.DB
}

func NewSessionsRepository(db *sqlx.DB) *SessionsRepositoryImpl {
	return &SessionsRepositoryImpl{db: db}
}

var _ SessionsRepository = (*SessionsRepositoryImpl)(nil)

func (r *SessionsRepositoryImpl) ListBySubject(ctx context.Context, tenantID, subjectID, email string) ([]model.Session, error) {
	var rows []model.Session
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, tenant_id, subject_id, email, scope, expires_at, created_at
		  FROM sessions
		 WHERE tenant_id = ? AND (subject_id = ? OR (? <> '' AND email = ?))
		 ORDER BY created_at
	`, tenantID, subjectID, email, email)
	return rows, err
}

func (r *SessionsRepositoryImpl) DeleteBySubject(ctx context.Context, tenantID, subjectID, email string) (int64, error) {
	return affected(r.db.ExecContext(ctx, `
		DELETE FROM sessions
		 WHERE tenant_id = ? AND (subject_id = ? OR (? <> '' AND email = ?))
	`, tenantID, subjectID, email, email))
}
