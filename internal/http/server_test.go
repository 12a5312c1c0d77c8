package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/shop-events/internal/http/middleware"
	"github.com/jmehdipour/shop-events/internal/model"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/ratelimit"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository/memory"
	"github.com/jmehdipour/shop-events/internal/retention"
	"github.com/jmehdipour/shop-events/internal/service/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const adminToken = "s3cret"

type recordingEnqueuer struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (r *recordingEnqueuer) Enqueue(_ context.Context, job model.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return job.ID, nil
}

type fakeInspector struct{}

func (fakeInspector) DeadLetters(context.Context, int) ([]jobqueue.DeadLetter, error) {
	return []jobqueue.DeadLetter{{JobID: "j1", Topic: model.TopicTenantErasure, Attempts: 3, Reason: "boom"}}, nil
}

func (fakeInspector) Completed(_ context.Context, limit int) ([]jobqueue.CompletedEntry, error) {
	all := []jobqueue.CompletedEntry{
		{JobID: "j3", Topic: model.TopicSubjectErasure, Attempts: 1},
		{JobID: "j2", Topic: model.TopicTenantErasure, Attempts: 2},
	}
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (fakeInspector) Stats(context.Context) (jobqueue.Stats, error) {
	return jobqueue.Stats{Waiting: 2, Failed: 1}, nil
}

type fixture struct {
	srv *Server
	enq *recordingEnqueuer
	db  *memory.DB
}

func newFixture(t *testing.T, limit int, inspector QueueInspector) fixture {
	t.Helper()
	log := zaptest.NewLogger(t)

	reg := registry.New()
	reg.Register(model.TopicTenantErasure, func(context.Context, model.Job) error { return nil })

	enq := &recordingEnqueuer{}
	svc := queue.New(enq, queue.NewFallback(reg, log, time.Second), reg, log)
	db := memory.New()

	srv := NewServer(Deps{
		Service:    svc,
		Limiter:    ratelimit.New(nil, ratelimit.Options{}, log),
		RateLimit:  ratelimit.Config{Window: time.Minute, MaxRequests: limit},
		Policies:   retention.New(db.Policies(), db.TenantData(), db.Audit(), nil, log),
		Queue:      inspector,
		Audit:      db.Audit(),
		AdminToken: adminToken,
		Log:        log,
	})
	return fixture{srv: srv, enq: enq, db: db}
}

func (f fixture) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func webhookHeaders(topic, shop string) map[string]string {
	return map[string]string{
		headerTopic:             topic,
		middleware.TenantHeader: shop,
		headerWebhookID:         "wh-1",
		headerScopes:            "read_orders, write_products",
	}
}

func TestWebhookAccepted(t *testing.T) {
	f := newFixture(t, 10, nil)

	rec := f.do(http.MethodPost, "/v1/webhooks", `{"shop_domain":"demo.example.com"}`, webhookHeaders("shop/redact", "Demo.Example.com"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"accepted":true}`, rec.Body.String())
	assert.Equal(t, "9", rec.Header().Get("X-RateLimit-Remaining"))

	require.Len(t, f.enq.jobs, 1)
	job := f.enq.jobs[0]
	assert.Equal(t, "demo.example.com", job.TenantID)
	assert.Equal(t, "wh-1", job.CorrelationID)
	assert.Equal(t, []string{"read_orders", "write_products"}, job.Scopes)
	assert.JSONEq(t, `{"shop_domain":"demo.example.com"}`, string(job.Payload))
}

func TestWebhookRejectsUnknownTopicAndMissingHeaders(t *testing.T) {
	f := newFixture(t, 10, nil)

	rec := f.do(http.MethodPost, "/v1/webhooks", `{}`, webhookHeaders("orders/create", "demo.example.com"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/v1/webhooks", `{}`, map[string]string{headerTopic: "shop/redact"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.enq.jobs)
}

func TestWebhookRateLimited(t *testing.T) {
	f := newFixture(t, 2, nil)
	h := webhookHeaders("shop/redact", "demo.example.com")

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/webhooks", `{}`, h).Code)
	}
	rec := f.do(http.MethodPost, "/v1/webhooks", `{}`, h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	reset, err := time.Parse(time.RFC3339, rec.Header().Get("X-RateLimit-Reset"))
	require.NoError(t, err, "reset is an RFC 3339 timestamp")
	assert.True(t, reset.After(time.Now().Add(-time.Second)))

	// separate quota per tenant
	assert.Equal(t, http.StatusOK, f.do(http.MethodPost, "/v1/webhooks", `{}`, webhookHeaders("shop/redact", "other.example.com")).Code)
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, 10, nil)

	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/admin/audit/demo.example.com", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, "/v1/admin/audit/demo.example.com", "",
		map[string]string{middleware.AdminTokenHeader: "nope"}).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/v1/admin/audit/demo.example.com", "",
		map[string]string{middleware.AdminTokenHeader: adminToken}).Code)
}

func TestAdminRetentionPolicy(t *testing.T) {
	f := newFixture(t, 10, nil)
	auth := map[string]string{middleware.AdminTokenHeader: adminToken}

	rec := f.do(http.MethodGet, "/v1/admin/retention/demo.example.com/analytics", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"retention_days":90`)

	rec = f.do(http.MethodPut, "/v1/admin/retention/demo.example.com/analytics", `{"retention_days":7}`, auth)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(http.MethodGet, "/v1/admin/retention/demo.example.com/analytics", "", auth)
	assert.Contains(t, rec.Body.String(), `"retention_days":7`)

	rec = f.do(http.MethodPut, "/v1/admin/retention/demo.example.com/analytics", `{"retention_days":0}`, auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodGet, "/v1/admin/retention/demo.example.com/orders", "", auth)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminQueueEndpoints(t *testing.T) {
	auth := map[string]string{middleware.AdminTokenHeader: adminToken}

	f := newFixture(t, 10, nil)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/v1/admin/queue/stats", "", auth).Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(http.MethodGet, "/v1/admin/dead-letters", "", auth).Code)

	f = newFixture(t, 10, fakeInspector{})
	rec := f.do(http.MethodGet, "/v1/admin/queue/stats", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var st jobqueue.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(2), st.Waiting)

	rec = f.do(http.MethodGet, "/v1/admin/dead-letters?limit=5", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(http.MethodGet, "/v1/admin/completed?limit=1", "", auth)
	require.Equal(t, http.StatusOK, rec.Code)
	var done struct {
		Items []jobqueue.CompletedEntry `json:"items"`
		Count int                       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, 1, done.Count)
	assert.Equal(t, "j3", done.Items[0].JobID)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 10, nil)
	rec := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","queued":true}`, rec.Body.String())
}
