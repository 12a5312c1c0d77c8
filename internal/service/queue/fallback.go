package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/model"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"go.uber.org/zap"
)

// TaskError is a failed direct execution.
type TaskError struct {
	Job model.Job
	Err error
}

func (e TaskError) Error() string {
	return fmt.Sprintf("job %s (%s): %v", e.Job.ID, e.Job.Topic, e.Err)
}

func (e TaskError) Unwrap() error { return e.Err }

// Fallback runs jobs in-process without persistence or retry. Every task is
// tracked so shutdown can wait for it, and every failure is delivered on
// Errors().
type Fallback struct {
	handler jobqueue.Dispatcher
	log     *zap.Logger
	timeout time.Duration

	wg   sync.WaitGroup
	errs chan TaskError
}

func NewFallback(handler jobqueue.Dispatcher, log *zap.Logger, timeout time.Duration) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Fallback{
		handler: handler,
		log:     log,
		timeout: timeout,
		errs:    make(chan TaskError, 128),
	}
}

// RunNow starts job on its own goroutine and returns immediately.
func (f *Fallback) RunNow(job model.Job) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()

		job.Attempt, job.MaxAttempts = 1, 1
		err := f.run(job)
		if err == nil {
			metrics.FallbackTasks.WithLabelValues(job.Topic.String(), "ok").Inc()
			return
		}
		metrics.FallbackTasks.WithLabelValues(job.Topic.String(), "error").Inc()
		f.report(TaskError{Job: job, Err: err})
	}()
}

func (f *Fallback) run(job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	return f.handler.Dispatch(ctx, job)
}

func (f *Fallback) report(te TaskError) {
	select {
	case f.errs <- te:
	default:
		// nobody is draining; keep the failure visible in the log
		f.log.Error("fallback task failed",
			zap.String("job_id", te.Job.ID),
			zap.String("topic", te.Job.Topic.String()),
			zap.String("tenant_id", te.Job.TenantID),
			zap.Error(te.Err),
		)
	}
}

// Errors delivers failed direct executions.
func (f *Fallback) Errors() <-chan TaskError { return f.errs }

// Report logs failures from Errors() until ctx is done.
func (f *Fallback) Report(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case te := <-f.errs:
			f.log.Error("fallback task failed",
				zap.String("job_id", te.Job.ID),
				zap.String("topic", te.Job.Topic.String()),
				zap.String("tenant_id", te.Job.TenantID),
				zap.String("correlation_id", te.Job.CorrelationID),
				zap.Error(te.Err),
			)
		}
	}
}

// Wait blocks until every started task has returned or ctx is done.
func (f *Fallback) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
