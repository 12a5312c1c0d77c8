// Package ratelimit admits requests per client identifier using a sliding
// window in the shared store, or a fixed window in process memory when the
// store is not configured.
package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/jmehdipour/shop-events/internal/metrics"
	"github.com/jmehdipour/shop-events/internal/store"
	"github.com/jmehdipour/shop-events/internal/util"
	"go.uber.org/zap"
)

const (
	backendStore  = "store"
	backendMemory = "memory"
)

type Config struct {
	Window      time.Duration
	MaxRequests int
}

type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Options struct {
	KeyPrefix        string
	StoreTimeout     time.Duration // default 100ms
	SweepProbability float64       // fixed-window map sweep chance per call
	BreakerThreshold int
	BreakerOpenFor   time.Duration
}

type Limiter struct {
	store   store.Store
	fixed   *FixedWindow
	breaker *Breaker
	prefix  string
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time
}

// New builds a limiter. A nil store selects the in-process fixed window.
func New(st store.Store, opts Options, log *zap.Logger) *Limiter {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 100 * time.Millisecond
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "rl:"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{
		store:   st,
		fixed:   NewFixedWindow(opts.SweepProbability),
		breaker: NewBreaker(opts.BreakerThreshold, opts.BreakerOpenFor),
		prefix:  opts.KeyPrefix,
		timeout: opts.StoreTimeout,
		log:     log,
		now:     time.Now,
	}
}

// Distributed reports whether decisions are shared across instances.
func (l *Limiter) Distributed() bool { return l.store != nil }

func (l *Limiter) Check(ctx context.Context, id string, cfg Config) Decision {
	now := l.now()
	if cfg.MaxRequests <= 0 || cfg.Window <= 0 {
		return Decision{Allowed: true, Limit: cfg.MaxRequests, ResetAt: now}
	}

	if l.store == nil {
		d := l.fixed.Allow(id, now, cfg)
		metrics.RateLimitDecisions.WithLabelValues(backendMemory, result(d)).Inc()
		return d
	}

	if !l.breaker.Allow() {
		return l.failOpen(now, cfg)
	}

	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	member := strconv.FormatInt(now.UnixMilli(), 10) + "-" + util.NewAt(now)
	res, err := l.store.SlidingWindow(cctx, l.prefix+id, now, cfg.Window, cfg.MaxRequests, member)
	if err != nil {
		l.breaker.Failure()
		l.log.Warn("rate limit store check failed, allowing request",
			zap.String("identifier", id),
			zap.Bool("breaker_open", l.breaker.Open()),
			zap.Error(err),
		)
		return l.failOpen(now, cfg)
	}
	l.breaker.Success()

	d := Decision{
		Allowed: res.Allowed,
		Limit:   cfg.MaxRequests,
		ResetAt: res.Oldest.Add(cfg.Window),
	}
	if res.Allowed {
		d.Remaining = cfg.MaxRequests - int(res.Count)
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	}
	metrics.RateLimitDecisions.WithLabelValues(backendStore, result(d)).Inc()
	return d
}

func (l *Limiter) failOpen(now time.Time, cfg Config) Decision {
	metrics.RateLimitDecisions.WithLabelValues(backendStore, "fail_open").Inc()
	return Decision{
		Allowed:   true,
		Limit:     cfg.MaxRequests,
		Remaining: cfg.MaxRequests,
		ResetAt:   now.Add(cfg.Window),
	}
}

func result(d Decision) string {
	if d.Allowed {
		return "allowed"
	}
	return "denied"
}
