package compliance

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/repository/memory"
	"github.com/jmehdipour/shop-events/internal/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const tenant = "demo.example.com"

func newHandlers(t *testing.T, db *memory.DB) *Handlers {
	t.Helper()
	return New(db.Audit(), db.Sessions(), db.TenantData(), db.Analytics(), zaptest.NewLogger(t))
}

func strptr(s string) *string { return &s }

func seedTenant(db *memory.DB, tenantID string) {
	db.AddSession(model.Session{ID: "s1", TenantID: tenantID, SubjectID: strptr("42"), CreatedAt: time.Now()})
	db.AddSession(model.Session{ID: "s2", TenantID: tenantID, CreatedAt: time.Now()})
	db.AddRow(repository.TableAnalyticsCache, memory.Row{TenantID: tenantID, Key: "daily"})
	db.AddRow(repository.TableProductCache, memory.Row{TenantID: tenantID, Key: "p1"})
	db.AddRow(repository.TableCredentials, memory.Row{TenantID: tenantID, Key: "token"})
	db.AddRow(repository.TableUserPreferences, memory.Row{TenantID: tenantID, Key: "theme"})
	db.AddAnalyticsEvent(memory.Row{TenantID: tenantID, Key: "view"})
	_ = db.Policies().Upsert(context.Background(), model.RetentionPolicy{
		TenantID: tenantID, Category: model.CategoryLogs, RetentionDays: 7, IsActive: true,
	})
	_ = db.Subscriptions().Upsert(context.Background(), model.Subscription{ID: "sub-1", TenantID: tenantID, Name: "Pro", Status: "active"})
}

// job builds a fresh event; every call is a distinct delivery.
func job(topic model.Topic, payload string) model.Job {
	return model.Job{ID: "job-" + util.New(), Topic: topic, TenantID: tenant, Payload: []byte(payload)}
}

// attempt marks j as run n of max by the queue.
func attempt(j model.Job, n, max int) model.Job {
	j.Attempt, j.MaxAttempts = n, max
	return j
}

func records(t *testing.T, db *memory.DB, tenantID string) []model.ComplianceAuditRecord {
	t.Helper()
	recs, err := db.Audit().ListByTenant(context.Background(), tenantID, 0, 0)
	require.NoError(t, err)
	return recs
}

func notes(t *testing.T, rec model.ComplianceAuditRecord) map[string]int64 {
	t.Helper()
	require.NotNil(t, rec.Notes)
	var c map[string]int64
	require.NoError(t, json.Unmarshal([]byte(*rec.Notes), &c))
	return c
}

func TestRegisterBindsComplianceTopics(t *testing.T) {
	r := registry.New()
	newHandlers(t, memory.New()).Register(r)
	assert.True(t, r.Has(model.TopicSubjectDataRequest))
	assert.True(t, r.Has(model.TopicSubjectErasure))
	assert.True(t, r.Has(model.TopicTenantErasure))
}

func TestTenantErasureRemovesEverything(t *testing.T) {
	db := memory.New()
	seedTenant(db, tenant)
	seedTenant(db, "other.example.com")
	h := newHandlers(t, db)

	require.NoError(t, h.TenantErasure(context.Background(), job(model.TopicTenantErasure, `{"shop_domain":"demo.example.com"}`)))

	for _, table := range repository.TenantTables {
		assert.Zero(t, db.Count(table, tenant), table.String())
		assert.NotZero(t, db.Count(table, "other.example.com"), table.String())
	}
	assert.Zero(t, db.CountAnalyticsEvents(tenant))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, model.AuditCompleted, rec.Status)
	assert.Nil(t, rec.SubjectID)
	require.NotNil(t, rec.CompletedAt)
	assert.WithinDuration(t, rec.ReceivedAt.Add(model.AuditRetention), rec.ExpiresAt, time.Second)

	c := notes(t, rec)
	assert.Equal(t, int64(2), c["sessions"])
	assert.Equal(t, int64(1), c["analytics_cache"])
	assert.Equal(t, int64(1), c["credentials"])
	assert.Equal(t, int64(1), c["subscriptions"])
	assert.Equal(t, int64(1), c["retention_policies"])
	assert.Equal(t, int64(1), c["analytics_events"])
}

func TestTenantErasureIsIdempotent(t *testing.T) {
	db := memory.New()
	seedTenant(db, tenant)
	h := newHandlers(t, db)
	ctx := context.Background()

	require.NoError(t, h.TenantErasure(ctx, job(model.TopicTenantErasure, `{}`)))
	require.NoError(t, h.TenantErasure(ctx, job(model.TopicTenantErasure, `{}`)))

	recs := records(t, db, tenant)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, model.AuditCompleted, rec.Status)
	}

	// newest first
	for k, v := range notes(t, recs[0]) {
		assert.Zero(t, v, k)
	}
}

func TestSubjectErasureDeletesOnlyThatSubject(t *testing.T) {
	db := memory.New()
	db.AddSession(model.Session{ID: "a", TenantID: tenant, SubjectID: strptr("42")})
	db.AddSession(model.Session{ID: "b", TenantID: tenant, Email: strptr("jane@example.com")})
	db.AddSession(model.Session{ID: "c", TenantID: tenant, SubjectID: strptr("7")})
	db.AddSession(model.Session{ID: "d", TenantID: "other.example.com", SubjectID: strptr("42")})

	old := time.Now().Add(-2 * model.AuditRetention)
	require.NoError(t, db.Audit().Create(context.Background(), &model.ComplianceAuditRecord{
		TenantID: tenant, Topic: model.TopicSubjectDataRequest, SubjectID: strptr("42"),
		Status: model.AuditCompleted, ReceivedAt: old, ExpiresAt: old.Add(model.AuditRetention),
	}))

	h := newHandlers(t, db)
	err := h.SubjectErasure(context.Background(), job(model.TopicSubjectErasure,
		`{"shop_domain":"demo.example.com","customer":{"id":42,"email":"jane@example.com"},"orders_to_redact":[1,2]}`))
	require.NoError(t, err)

	assert.Equal(t, 1, db.Count(repository.TableSessions, tenant))
	assert.Equal(t, 1, db.Count(repository.TableSessions, "other.example.com"))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditCompleted, recs[0].Status)
	require.NotNil(t, recs[0].SubjectID)
	assert.Equal(t, "42", *recs[0].SubjectID)

	c := notes(t, recs[0])
	assert.Equal(t, int64(2), c["sessions"])
	assert.Equal(t, int64(1), c["compliance_audit"])
}

func TestSubjectDataRequestExports(t *testing.T) {
	db := memory.New()
	db.AddSession(model.Session{ID: "a", TenantID: tenant, SubjectID: strptr("42"), Scope: "read_orders"})
	h := newHandlers(t, db)
	ctx := context.Background()
	payload := `{"shop_domain":"demo.example.com","customer":{"id":42,"email":"jane@example.com"},"data_request":{"id":9}}`

	require.NoError(t, h.SubjectDataRequest(ctx, job(model.TopicSubjectDataRequest, payload)))
	require.NoError(t, h.SubjectDataRequest(ctx, job(model.TopicSubjectDataRequest, payload)))

	recs := records(t, db, tenant)
	require.Len(t, recs, 2)
	latest := recs[0]
	assert.Equal(t, model.AuditCompleted, latest.Status)

	var out export
	require.NoError(t, json.Unmarshal(latest.Response, &out))
	assert.Equal(t, "42", out.SubjectID)
	assert.Equal(t, "9", out.DataRequestID)
	require.Len(t, out.Sessions, 1)
	assert.Equal(t, "a", out.Sessions[0].ID)
	require.Len(t, out.History, 1, "prior request only")
	assert.Equal(t, model.AuditCompleted, out.History[0].Status)
}

func TestInvalidPayloadLeavesErrorRecord(t *testing.T) {
	db := memory.New()
	h := newHandlers(t, db)

	// first of three attempts, but no retry can fix the payload
	err := h.SubjectErasure(context.Background(), attempt(job(model.TopicSubjectErasure, `{"customer":{}}`), 1, 3))
	require.Error(t, err)
	assert.True(t, registry.IsPermanent(err))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditError, recs[0].Status)
	require.NotNil(t, recs[0].Notes)
	assert.Contains(t, *recs[0].Notes, "customer id")
	assert.NotNil(t, recs[0].CompletedAt)
}

type failingSessions struct {
	repository.SessionsRepository
}

func (failingSessions) DeleteBySubject(context.Context, string, string, string) (int64, error) {
	return 0, errors.New("lock wait timeout")
}

func TestHandlerErrorIsRecordedAndReturned(t *testing.T) {
	db := memory.New()
	h := New(db.Audit(), failingSessions{db.Sessions()}, db.TenantData(), nil, zaptest.NewLogger(t))

	err := h.SubjectErasure(context.Background(), job(model.TopicSubjectErasure, `{"customer":{"id":"42"}}`))
	require.EqualError(t, err, "lock wait timeout")
	assert.False(t, registry.IsPermanent(err))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditError, recs[0].Status)
	require.NotNil(t, recs[0].Notes)
	assert.Contains(t, *recs[0].Notes, "lock wait timeout")
}

func TestRetriesShareOneRecord(t *testing.T) {
	db := memory.New()
	db.AddSession(model.Session{ID: "a", TenantID: tenant, SubjectID: strptr("42")})
	failing := New(db.Audit(), failingSessions{db.Sessions()}, db.TenantData(), nil, zaptest.NewLogger(t))
	healthy := newHandlers(t, db)
	ctx := context.Background()
	j := job(model.TopicSubjectErasure, `{"customer":{"id":"42"}}`)

	require.Error(t, failing.SubjectErasure(ctx, attempt(j, 1, 3)))
	require.Error(t, failing.SubjectErasure(ctx, attempt(j, 2, 3)))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditProcessing, recs[0].Status)

	require.NoError(t, healthy.SubjectErasure(ctx, attempt(j, 3, 3)))

	recs = records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditCompleted, recs[0].Status)
	assert.Equal(t, int64(1), notes(t, recs[0])["sessions"])
}

func TestFinalAttemptWritesErrorOnce(t *testing.T) {
	db := memory.New()
	h := New(db.Audit(), failingSessions{db.Sessions()}, db.TenantData(), nil, zaptest.NewLogger(t))
	ctx := context.Background()
	j := job(model.TopicSubjectErasure, `{"customer":{"id":"42"}}`)

	for n := 1; n <= 3; n++ {
		require.Error(t, h.SubjectErasure(ctx, attempt(j, n, 3)))
	}
	// redelivered after the outcome was written
	require.NoError(t, h.SubjectErasure(ctx, attempt(j, 3, 3)))

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditError, recs[0].Status)
}

type panickingTenants struct {
	repository.TenantDataRepository
}

func (panickingTenants) DeleteForTenant(context.Context, repository.Table, string) (int64, error) {
	panic("nil pointer")
}

func TestPanicStillWritesErrorRecord(t *testing.T) {
	db := memory.New()
	h := New(db.Audit(), db.Sessions(), panickingTenants{db.TenantData()}, nil, zaptest.NewLogger(t))

	err := h.TenantErasure(context.Background(), job(model.TopicTenantErasure, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditError, recs[0].Status)
}

func TestCancelledContextStillFinalizesRecord(t *testing.T) {
	db := memory.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := New(db.Audit(), db.Sessions(), cancelling{db.TenantData(), cancel}, nil, zaptest.NewLogger(t))

	err := h.TenantErasure(ctx, job(model.TopicTenantErasure, `{}`))
	require.ErrorIs(t, err, context.Canceled)

	recs := records(t, db, tenant)
	require.Len(t, recs, 1)
	assert.Equal(t, model.AuditError, recs[0].Status)
}

type cancelling struct {
	repository.TenantDataRepository
	cancel context.CancelFunc
}

func (c cancelling) DeleteForTenant(ctx context.Context, _ repository.Table, _ string) (int64, error) {
	c.cancel()
	return 0, ctx.Err()
}
