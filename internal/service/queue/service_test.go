package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/shop-events/internal/model"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type handled struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (h *handled) handler(err error) registry.Handler {
	return func(ctx context.Context, job model.Job) error {
		h.mu.Lock()
		h.jobs = append(h.jobs, job)
		h.mu.Unlock()
		return err
	}
}

func (h *handled) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.jobs)
}

type stubEnqueuer struct {
	err   error
	calls int
	last  model.Job
}

func (s *stubEnqueuer) Enqueue(ctx context.Context, job model.Job) (string, error) {
	s.calls++
	s.last = job
	if s.err != nil {
		return "", s.err
	}
	return job.ID, nil
}

func newRegistry(h *handled, err error) *registry.Registry {
	r := registry.New()
	r.Register(model.TopicTenantErasure, h.handler(err))
	r.Register(model.TopicAppUninstalled, h.handler(err))
	return r
}

func waitFallback(t *testing.T, fb *Fallback) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, fb.Wait(ctx))
}

func TestStoreUnavailableRoutesEverythingToFallback(t *testing.T) {
	h := &handled{}
	reg := newRegistry(h, nil)
	log := zaptest.NewLogger(t)

	var st store.Store // no shared store configured
	mgr, err := jobqueue.New(st, reg, nil, nil, log, jobqueue.Config{})
	require.ErrorIs(t, err, jobqueue.ErrDisabled)
	require.Nil(t, mgr)

	fb := NewFallback(reg, log, time.Second)
	svc := New(nil, fb, reg, log)
	assert.False(t, svc.Queued())

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Submit(context.Background(), model.TopicTenantErasure, "demo.example.com", []byte(`{}`), model.Meta{}))
	}
	waitFallback(t, fb)
	assert.Equal(t, 5, h.count())
}

func TestQueuedPathDoesNotRunHandler(t *testing.T) {
	h := &handled{}
	reg := newRegistry(h, nil)
	q := &stubEnqueuer{}
	fb := NewFallback(reg, zaptest.NewLogger(t), time.Second)
	svc := New(q, fb, reg, zaptest.NewLogger(t))

	err := svc.Submit(context.Background(), model.TopicAppUninstalled, "demo.example.com", []byte(`{"id":1}`), model.Meta{
		CorrelationID: "webhook-1",
		SessionID:     "sess-1",
		Scopes:        []string{"read_products"},
	})
	require.NoError(t, err)

	waitFallback(t, fb)
	assert.Equal(t, 1, q.calls)
	assert.Zero(t, h.count())
	assert.Equal(t, "webhook-1", q.last.CorrelationID)
	assert.Equal(t, "sess-1", q.last.SessionID)
	assert.NotEmpty(t, q.last.ID)
}

func TestEnqueueFailureFallsBack(t *testing.T) {
	h := &handled{}
	reg := newRegistry(h, nil)
	q := &stubEnqueuer{err: errors.New("dial tcp: connection refused")}
	fb := NewFallback(reg, zaptest.NewLogger(t), time.Second)
	svc := New(q, fb, reg, zaptest.NewLogger(t))

	require.NoError(t, svc.Submit(context.Background(), model.TopicTenantErasure, "demo.example.com", nil, model.Meta{}))
	waitFallback(t, fb)
	assert.Equal(t, 1, h.count())
}

func TestDuplicateIsAcceptedWithoutRunning(t *testing.T) {
	h := &handled{}
	reg := newRegistry(h, nil)
	q := &stubEnqueuer{err: jobqueue.ErrDuplicate}
	fb := NewFallback(reg, zaptest.NewLogger(t), time.Second)
	svc := New(q, fb, reg, zaptest.NewLogger(t))

	require.NoError(t, svc.Submit(context.Background(), model.TopicTenantErasure, "demo.example.com", nil, model.Meta{}))
	waitFallback(t, fb)
	assert.Zero(t, h.count())
}

func TestSubmitValidation(t *testing.T) {
	h := &handled{}
	reg := newRegistry(h, nil)
	fb := NewFallback(reg, zaptest.NewLogger(t), time.Second)
	svc := New(&stubEnqueuer{}, fb, reg, zaptest.NewLogger(t))

	err := svc.Submit(context.Background(), "orders/create", "demo.example.com", nil, model.Meta{})
	assert.ErrorIs(t, err, registry.ErrUnknownTopic)

	err = svc.Submit(context.Background(), model.TopicTenantErasure, "  ", nil, model.Meta{})
	assert.ErrorIs(t, err, ErrInvalidEvent)
}

func TestFallbackReportsErrorsAndPanics(t *testing.T) {
	boom := errors.New("db down")
	r := registry.New()
	r.Register(model.TopicTenantErasure, func(context.Context, model.Job) error { return boom })
	r.Register(model.TopicAppUninstalled, func(context.Context, model.Job) error { panic("bad payload") })

	fb := NewFallback(r, zaptest.NewLogger(t), time.Second)
	fb.RunNow(model.Job{ID: "a", Topic: model.TopicTenantErasure})
	fb.RunNow(model.Job{ID: "b", Topic: model.TopicAppUninstalled})
	waitFallback(t, fb)

	got := map[string]error{}
	for i := 0; i < 2; i++ {
		select {
		case te := <-fb.Errors():
			got[te.Job.ID] = te
		case <-time.After(time.Second):
			t.Fatal("missing task error")
		}
	}
	assert.ErrorIs(t, got["a"], boom)
	assert.Contains(t, got["b"].Error(), "panic")
}

func TestFallbackWaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	r := registry.New()
	r.Register(model.TopicTenantErasure, func(context.Context, model.Job) error {
		<-release
		return nil
	})
	fb := NewFallback(r, zaptest.NewLogger(t), time.Second)
	fb.RunNow(model.Job{Topic: model.TopicTenantErasure})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, fb.Wait(ctx), context.DeadlineExceeded)

	close(release)
	waitFallback(t, fb)
}
