package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/repository/memory"
	"github.com/jmehdipour/shop-events/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakySessions fails the first n erasures.
type flakySessions struct {
	repository.SessionsRepository
	mu    sync.Mutex
	fails int
}

func (f *flakySessions) DeleteBySubject(ctx context.Context, tenantID, subjectID, email string) (int64, error) {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return 0, errors.New("deadlock found when trying to get lock")
	}
	f.mu.Unlock()
	return f.SessionsRepository.DeleteBySubject(ctx, tenantID, subjectID, email)
}

type outcome struct {
	completed bool
	attempts  int
}

type outcomes chan outcome

func (o outcomes) JobCompleted(job model.Job)        { o <- outcome{true, job.Attempt} }
func (o outcomes) JobFailed(job model.Job, _ string) { o <- outcome{false, job.Attempt} }

// runQueued pushes one event through a real queue manager and waits for its outcome.
func runQueued(t *testing.T, h *Handlers, j model.Job) outcome {
	t.Helper()
	reg := registry.New()
	h.Register(reg)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	done := make(outcomes, 1)
	m, err := queue.New(store.NewRedisStore(rdb), reg, nil, done, zaptest.NewLogger(t), queue.Config{
		Name:            "compliance-test",
		Concurrency:     1,
		MaxAttempts:     3,
		BackoffBase:     10 * time.Millisecond,
		PollInterval:    5 * time.Millisecond,
		PromoteInterval: 5 * time.Millisecond,
		JobTimeout:      time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	_, err = m.Enqueue(context.Background(), j)
	require.NoError(t, err)

	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("queued compliance event never finished")
		return outcome{}
	}
}

func TestQueuedEventLeavesOneTerminalRecord(t *testing.T) {
	tests := []struct {
		name      string
		fails     int
		payload   string
		completed bool
		attempts  int
		status    model.AuditStatus
	}{
		{"fails then succeeds", 1, `{"customer":{"id":"42"}}`, true, 2, model.AuditCompleted},
		{"always fails", 10, `{"customer":{"id":"42"}}`, false, 3, model.AuditError},
		{"payload without customer", 0, `{"customer":{}}`, false, 1, model.AuditError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := memory.New()
			db.AddSession(model.Session{ID: "a", TenantID: tenant, SubjectID: strptr("42")})
			sessions := &flakySessions{SessionsRepository: db.Sessions(), fails: tt.fails}
			h := New(db.Audit(), sessions, db.TenantData(), nil, zaptest.NewLogger(t))

			got := runQueued(t, h, job(model.TopicSubjectErasure, tt.payload))
			assert.Equal(t, tt.completed, got.completed)
			assert.Equal(t, tt.attempts, got.attempts)

			recs := records(t, db, tenant)
			require.Len(t, recs, 1)
			assert.Equal(t, tt.status, recs[0].Status)
		})
	}
}
