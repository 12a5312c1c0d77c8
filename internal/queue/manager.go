// Package queue is the durable job queue kept in the shared store: admission
// with de-duplication, a fixed worker pool, retry with exponential backoff and
// bounded completed/dead-letter lists.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/jmehdipour/shop-events/internal/crypto"
	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/model"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/store"
	"github.com/jmehdipour/shop-events/internal/util"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrDisabled  = errors.New("queue disabled: shared store unavailable")
	ErrDuplicate = errors.New("duplicate job")
	ErrClosed    = errors.New("queue closed")
)

const storeOpTimeout = 5 * time.Second

// Dispatcher runs the handler registered for a job's topic.
type Dispatcher interface {
	Dispatch(ctx context.Context, job model.Job) error
}

type Config struct {
	Name            string
	InstanceID      string
	Concurrency     int
	MaxAttempts     int
	BackoffBase     time.Duration
	KeepCompleted   int
	KeepFailed      int
	PollInterval    time.Duration
	PromoteInterval time.Duration
	JobTimeout      time.Duration
	DedupeTTL       time.Duration
	// Heartbeat is how often a running instance refreshes its liveness score
	// and sweeps for stranded jobs.
	Heartbeat time.Duration
	// InstanceTTL is how long an instance may miss heartbeats before another
	// instance requeues its processing list.
	InstanceTTL time.Duration
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "shopev:events"
	}
	if c.InstanceID == "" {
		// unique per process: two processes on one host never share a processing list
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		c.InstanceID = host + "-" + util.New()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 500
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = 500 * time.Millisecond
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = 24 * time.Hour
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 5 * time.Second
	}
	if c.InstanceTTL <= 0 {
		c.InstanceTTL = 6 * c.Heartbeat
	}
}

type Manager struct {
	store    store.Store
	handler  Dispatcher
	cipher   crypto.Cipher
	observer Observer
	log      *zap.Logger
	cfg      Config
	keys     keys

	started *atomic.Bool
	closing *atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu        sync.Mutex
	inflight  map[string]int      // raw entries held by a worker
	unclaimed map[string]struct{} // own processing entries no worker held at the last sweep

	now func() time.Time
}

// New returns ErrDisabled when st is nil; callers then route every job to the
// fallback executor for the life of the process. A nil cipher stores payloads as-is.
func New(st store.Store, handler Dispatcher, cipher crypto.Cipher, observer Observer, log *zap.Logger, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, ErrDisabled
	}
	if handler == nil {
		return nil, errors.New("queue: nil dispatcher")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if observer == nil {
		observer = NewLogObserver(log)
	}
	cfg.setDefaults()

	return &Manager{
		store:    st,
		handler:  handler,
		cipher:   cipher,
		observer: observer,
		log:      log.With(zap.String("queue", cfg.Name), zap.String("instance", cfg.InstanceID)),
		cfg:      cfg,
		keys:     newKeys(cfg.Name, cfg.InstanceID),
		started:  atomic.NewBool(false),
		closing:  atomic.NewBool(false),
		stopCh:   make(chan struct{}),
		inflight: make(map[string]int),
		now:      time.Now,
	}, nil
}

// Enqueue admits job and returns its ID without waiting for processing.
func (m *Manager) Enqueue(ctx context.Context, job model.Job) (string, error) {
	if m.closing.Load() {
		return "", ErrClosed
	}

	now := m.now()
	digest := Digest(job)
	if job.ID == "" {
		job.ID = JobID(job, now, digest)
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = now
	}
	job.Attempt = 0

	dedupeKey := m.keys.dedupe(digest)
	fresh, err := m.store.SetNX(ctx, dedupeKey, job.ID, m.cfg.DedupeTTL)
	if err != nil {
		return "", fmt.Errorf("dedupe check: %w", err)
	}
	if !fresh {
		return "", ErrDuplicate
	}

	raw, err := m.encode(job)
	if err != nil {
		_, _ = m.store.Del(ctx, dedupeKey)
		return "", err
	}
	if err := m.store.LPush(ctx, m.keys.wait(), raw); err != nil {
		_, _ = m.store.Del(ctx, dedupeKey)
		return "", fmt.Errorf("push job: %w", err)
	}

	metrics.JobsTotal.WithLabelValues("enqueued", job.Topic.String()).Inc()
	return job.ID, nil
}

// Start requeues jobs this instance held when it last stopped and the jobs of
// instances whose heartbeat expired, then starts the worker pool, the
// delayed-job promoter and the heartbeat loop. It returns immediately.
func (m *Manager) Start(ctx context.Context) error {
	if m.closing.Load() {
		return ErrClosed
	}
	if !m.started.CAS(false, true) {
		return errors.New("queue: already started")
	}

	requeued, err := m.requeueOrphans(ctx)
	if err != nil {
		return fmt.Errorf("requeue orphaned jobs: %w", err)
	}
	if requeued > 0 {
		m.log.Warn("requeued jobs left in processing by a previous run", zap.Int("count", requeued))
	}
	if err := m.beat(ctx); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}
	m.reapExpired(ctx)

	for i := 0; i < m.cfg.Concurrency; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.work()
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.promote()
	}()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeat()
	}()

	m.log.Info("queue started",
		zap.Int("concurrency", m.cfg.Concurrency),
		zap.Int("max_attempts", m.cfg.MaxAttempts),
		zap.Duration("backoff_base", m.cfg.BackoffBase),
	)
	return nil
}

// Shutdown stops dequeuing and waits for in-flight jobs, bounded by ctx.
// The store stays open; the caller closes it afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	if !m.closing.CAS(false, true) {
		return nil
	}
	close(m.stopCh)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// nothing is in flight any more: whatever is left in processing is stranded
		if n, err := m.requeueOrphans(ctx); err != nil {
			m.log.Warn("requeue stranded jobs at shutdown", zap.Error(err))
		} else if n > 0 {
			m.log.Warn("requeued stranded jobs at shutdown", zap.Int("count", n))
		}
		if err := m.store.ZRem(ctx, m.keys.instances(), m.cfg.InstanceID); err != nil {
			m.log.Warn("deregister instance", zap.Error(err))
		}
		m.log.Info("queue drained")
		return nil
	case <-ctx.Done():
		m.log.Warn("queue shutdown timed out with jobs in flight")
		return ctx.Err()
	}
}

func (m *Manager) requeueOrphans(ctx context.Context) (int, error) {
	return m.drain(ctx, m.keys.processing())
}

// drain moves every entry of a processing list back to the wait list.
func (m *Manager) drain(ctx context.Context, processing string) (int, error) {
	n := 0
	for {
		_, err := m.store.RPopLPush(ctx, processing, m.keys.wait())
		if errors.Is(err, store.ErrEmpty) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

func (m *Manager) work() {
	for {
		select {
		case <-m.stopCh:
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
		raw, err := m.store.RPopLPush(ctx, m.keys.wait(), m.keys.processing())
		cancel()

		switch {
		case errors.Is(err, store.ErrEmpty):
			m.sleep(m.cfg.PollInterval)
		case err != nil:
			m.log.Warn("dequeue failed", zap.Error(err))
			m.sleep(m.cfg.PollInterval * 4)
		default:
			m.hold(raw)
			m.process(raw)
			m.release(raw)
		}
	}
}

func (m *Manager) hold(raw string) {
	m.mu.Lock()
	m.inflight[raw]++
	m.mu.Unlock()
}

func (m *Manager) release(raw string) {
	m.mu.Lock()
	if m.inflight[raw] <= 1 {
		delete(m.inflight, raw)
	} else {
		m.inflight[raw]--
	}
	m.mu.Unlock()
}

func (m *Manager) heartbeat() {
	tick := time.NewTicker(m.cfg.Heartbeat)
	defer tick.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			if err := m.beat(ctx); err != nil {
				m.log.Warn("heartbeat failed", zap.Error(err))
			}
			m.reapExpired(ctx)
			m.requeueStranded(ctx)
			cancel()
		}
	}
}

func (m *Manager) beat(ctx context.Context) error {
	return m.store.ZAdd(ctx, m.keys.instances(), float64(m.now().UnixMilli()), m.cfg.InstanceID)
}

// reapExpired requeues the processing lists of instances that stopped
// heartbeating. A slow but live instance may see its jobs run twice, which
// at-least-once delivery allows.
func (m *Manager) reapExpired(ctx context.Context) {
	cutoff := m.now().Add(-m.cfg.InstanceTTL)
	dead, err := m.store.ZRangeByScore(ctx, m.keys.instances(), float64(cutoff.UnixMilli()), 100)
	if err != nil {
		m.log.Warn("list expired instances", zap.Error(err))
		return
	}
	for _, id := range dead {
		if id == m.cfg.InstanceID {
			continue
		}
		n, err := m.drain(ctx, m.keys.processingOf(id))
		if err != nil {
			m.log.Warn("requeue jobs of expired instance", zap.String("expired_instance", id), zap.Error(err))
			continue
		}
		if err := m.store.ZRem(ctx, m.keys.instances(), id); err != nil {
			m.log.Warn("forget expired instance", zap.String("expired_instance", id), zap.Error(err))
		}
		metrics.JobsTotal.WithLabelValues("reaped", "").Add(float64(n))
		m.log.Warn("requeued jobs of expired instance", zap.String("expired_instance", id), zap.Int("count", n))
	}
}

// requeueStranded returns entries of this instance's processing list that no
// worker holds, such as a job whose retry could not be scheduled. An entry must
// be unclaimed on two consecutive sweeps so a job between dequeue and hold is
// never moved.
func (m *Manager) requeueStranded(ctx context.Context) {
	raws, err := m.store.LRange(ctx, m.keys.processing(), 0, -1)
	if err != nil {
		m.log.Warn("list processing jobs", zap.Error(err))
		return
	}

	var stranded []string
	next := make(map[string]struct{})
	m.mu.Lock()
	for _, raw := range raws {
		if m.inflight[raw] > 0 {
			continue
		}
		if _, seen := m.unclaimed[raw]; seen {
			stranded = append(stranded, raw)
			continue
		}
		next[raw] = struct{}{}
	}
	m.unclaimed = next
	m.mu.Unlock()

	for _, raw := range stranded {
		if err := m.store.LPush(ctx, m.keys.wait(), raw); err != nil {
			m.log.Warn("requeue stranded job", zap.Error(err))
			continue
		}
		if _, err := m.store.LRem(ctx, m.keys.processing(), 1, raw); err != nil {
			m.log.Warn("remove stranded job", zap.Error(err))
		}
	}
	if len(stranded) > 0 {
		m.log.Warn("requeued stranded jobs", zap.Int("count", len(stranded)))
	}
}

func (m *Manager) promote() {
	tick := time.NewTicker(m.cfg.PromoteInterval)
	defer tick.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-tick.C:
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			n, err := m.store.PromoteDue(ctx, m.keys.delayed(), m.keys.wait(), m.now(), 100)
			cancel()
			if err != nil {
				m.log.Warn("promote delayed jobs failed", zap.Error(err))
				continue
			}
			if n > 0 {
				m.log.Debug("promoted delayed jobs", zap.Int("count", n))
			}
		}
	}
}

// process runs one dequeued job. Jobs are not cancelled by shutdown; each gets
// its own timeout.
func (m *Manager) process(raw string) {
	env, job, err := m.decode(raw)
	if err != nil {
		m.log.Error("dropping undecodable job", zap.Error(err))
		m.deadLetter(model.Job{ID: "undecodable"}, err.Error())
		m.ack(raw)
		return
	}
	job.Attempt++
	job.MaxAttempts = m.cfg.MaxAttempts

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.JobTimeout)
	herr := m.dispatch(ctx, job)
	cancel()

	switch {
	case herr == nil:
		m.complete(job)
	case job.Attempt >= m.cfg.MaxAttempts || registry.IsPermanent(herr):
		m.deadLetter(job, herr.Error())
	default:
		if err := m.retry(env, job.Attempt); err != nil {
			// left in processing; the stranded sweep puts it back on the wait list
			m.log.Error("schedule retry failed", zap.String("job_id", job.ID), zap.Error(err))
			return
		}
		metrics.JobsTotal.WithLabelValues("retried", job.Topic.String()).Inc()
		m.log.Warn("job failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("topic", job.Topic.String()),
			zap.Int("attempt", job.Attempt),
			zap.Duration("backoff", Backoff(m.cfg.BackoffBase, job.Attempt)),
			zap.Error(herr),
		)
	}
	m.ack(raw)
}

func (m *Manager) dispatch(ctx context.Context, job model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return m.handler.Dispatch(ctx, job)
}

func (m *Manager) retry(env envelope, attempt int) error {
	env.Job.Attempt = attempt
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	readyAt := m.now().Add(Backoff(m.cfg.BackoffBase, attempt))

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return m.store.ZAdd(ctx, m.keys.delayed(), float64(readyAt.UnixMilli()), string(b))
}

func (m *Manager) complete(job model.Job) {
	entry := CompletedEntry{
		JobID:         job.ID,
		Topic:         job.Topic,
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Attempts:      job.Attempt,
		CompletedAt:   m.now(),
	}
	m.pushBounded(m.keys.completed(), entry, m.cfg.KeepCompleted)
	metrics.JobsTotal.WithLabelValues("completed", job.Topic.String()).Inc()
	m.observer.JobCompleted(job)
}

func (m *Manager) deadLetter(job model.Job, reason string) {
	entry := DeadLetter{
		JobID:         job.ID,
		Topic:         job.Topic,
		TenantID:      job.TenantID,
		CorrelationID: job.CorrelationID,
		Attempts:      job.Attempt,
		Reason:        reason,
		FailedAt:      m.now(),
	}
	m.pushBounded(m.keys.failed(), entry, m.cfg.KeepFailed)
	metrics.JobsTotal.WithLabelValues("failed", job.Topic.String()).Inc()
	m.observer.JobFailed(job, reason)
}

func (m *Manager) pushBounded(key string, v any, keep int) {
	b, err := json.Marshal(v)
	if err != nil {
		m.log.Error("encode queue entry", zap.String("list", key), zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if err := m.store.LPush(ctx, key, string(b)); err != nil {
		m.log.Error("record queue entry", zap.String("list", key), zap.Error(err))
		return
	}
	if err := m.store.LTrim(ctx, key, 0, int64(keep-1)); err != nil {
		m.log.Warn("trim queue list", zap.String("list", key), zap.Error(err))
	}
}

func (m *Manager) ack(raw string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	if _, err := m.store.LRem(ctx, m.keys.processing(), 1, raw); err != nil {
		m.log.Warn("ack job", zap.Error(err))
	}
}

func (m *Manager) encode(job model.Job) (string, error) {
	env := envelope{Job: job, Sealed: job.Payload}
	env.Job.Payload = nil
	if m.cipher != nil {
		sealed, err := m.cipher.Encrypt(job.Payload)
		if err != nil {
			return "", fmt.Errorf("seal payload: %w", err)
		}
		env.Sealed = sealed
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func (m *Manager) decode(raw string) (envelope, model.Job, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return env, model.Job{}, fmt.Errorf("decode job: %w", err)
	}
	job := env.Job
	job.Payload = env.Sealed
	if m.cipher != nil {
		plain, err := m.cipher.Decrypt(env.Sealed)
		if err != nil {
			return env, job, fmt.Errorf("open payload of %s: %w", job.ID, err)
		}
		job.Payload = plain
	}
	return env, job, nil
}

func (m *Manager) sleep(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-m.stopCh:
	case <-t.C:
	}
}

// DeadLetters returns up to limit of the most recent terminal failures.
func (m *Manager) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	raws, err := m.store.LRange(ctx, m.keys.failed(), 0, int64(clampLimit(limit, m.cfg.KeepFailed)-1))
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetter, 0, len(raws))
	for _, r := range raws {
		var d DeadLetter
		if err := json.Unmarshal([]byte(r), &d); err != nil {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Manager) Completed(ctx context.Context, limit int) ([]CompletedEntry, error) {
	raws, err := m.store.LRange(ctx, m.keys.completed(), 0, int64(clampLimit(limit, m.cfg.KeepCompleted)-1))
	if err != nil {
		return nil, err
	}
	out := make([]CompletedEntry, 0, len(raws))
	for _, r := range raws {
		var c CompletedEntry
		if err := json.Unmarshal([]byte(r), &c); err != nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// Stats reports list sizes and mirrors them into the queue depth gauge.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	var (
		s   Stats
		err error
	)
	if s.Waiting, err = m.store.LLen(ctx, m.keys.wait()); err != nil {
		return s, err
	}
	if s.Delayed, err = m.store.ZCard(ctx, m.keys.delayed()); err != nil {
		return s, err
	}
	if s.Processing, err = m.store.LLen(ctx, m.keys.processing()); err != nil {
		return s, err
	}
	if s.Completed, err = m.store.LLen(ctx, m.keys.completed()); err != nil {
		return s, err
	}
	if s.Failed, err = m.store.LLen(ctx, m.keys.failed()); err != nil {
		return s, err
	}

	metrics.QueueDepth.WithLabelValues("wait").Set(float64(s.Waiting))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(s.Delayed))
	metrics.QueueDepth.WithLabelValues("processing").Set(float64(s.Processing))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(s.Completed))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(s.Failed))
	return s, nil
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
