package memory

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditTerminalRecordsAreFrozen(t *testing.T) {
	db := New()
	audit := db.Audit()
	ctx := context.Background()

	rec := &model.ComplianceAuditRecord{TenantID: "a.example.com", Topic: model.TopicTenantErasure, Status: model.AuditReceived}
	require.NoError(t, audit.Create(ctx, rec))
	require.NoError(t, audit.MarkProcessing(ctx, rec.ID))
	require.NoError(t, audit.Fail(ctx, rec.ID, "boom", time.Now()))

	assert.ErrorIs(t, audit.Complete(ctx, rec.ID, nil, nil, time.Now()), repository.ErrAuditFinalized)
	assert.ErrorIs(t, audit.MarkProcessing(ctx, 999), sql.ErrNoRows)

	got, err := audit.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AuditError, got.Status)
}

func TestDeleteExpiredKeepsLiveRows(t *testing.T) {
	db := New()
	now := time.Now()
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	db.AddRow(repository.TableProductCache, Row{TenantID: "a", Key: "old", ExpiresAt: &past})
	db.AddRow(repository.TableProductCache, Row{TenantID: "a", Key: "new", ExpiresAt: &future})
	db.AddRow(repository.TableProductCache, Row{TenantID: "a", Key: "forever"})
	db.AddRow(repository.TableProductCache, Row{TenantID: "b", Key: "old", ExpiresAt: &past})

	n, err := db.TenantData().DeleteExpired(context.Background(), repository.TableProductCache, "a", now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 2, db.Count(repository.TableProductCache, "a"))
	assert.Equal(t, 1, db.Count(repository.TableProductCache, "b"))
}

func TestDeleteForTenantAcrossTables(t *testing.T) {
	db := New()
	ctx := context.Background()
	db.AddSession(model.Session{ID: "s1", TenantID: "a"})
	db.AddRow(repository.TableCredentials, Row{TenantID: "a", Key: "token"})
	require.NoError(t, db.Policies().Upsert(ctx, model.RetentionPolicy{TenantID: "a", Category: model.CategoryLogs, RetentionDays: 7, IsActive: true}))

	for _, table := range repository.TenantTables {
		_, err := db.TenantData().DeleteForTenant(ctx, table, "a")
		require.NoError(t, err, table)
		assert.Zero(t, db.Count(table, "a"), table)
	}

	_, err := db.TenantData().DeleteForTenant(ctx, repository.Table("orders"), "a")
	assert.Error(t, err)
}

func TestListTenants(t *testing.T) {
	db := New()
	db.AddSession(model.Session{ID: "s1", TenantID: "b"})
	db.AddRow(repository.TableAnalyticsCache, Row{TenantID: "a"})

	tenants, err := db.TenantData().ListTenants(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tenants)
}
