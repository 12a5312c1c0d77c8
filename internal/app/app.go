// Package app builds the process graph from configuration. The shared store
// is opened once here and handed to the queue and the rate limiter.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/shop-events/internal/compliance"
	"github.com/jmehdipour/shop-events/internal/config"
	"github.com/jmehdipour/shop-events/internal/crypto"
	"github.com/jmehdipour/shop-events/internal/db"
	httpSrv "github.com/jmehdipour/shop-events/internal/http"
	"github.com/jmehdipour/shop-events/internal/kafka"
	"github.com/jmehdipour/shop-events/internal/lifecycle"
	jobqueue "github.com/jmehdipour/shop-events/internal/queue"
	"github.com/jmehdipour/shop-events/internal/ratelimit"
	"github.com/jmehdipour/shop-events/internal/registry"
	"github.com/jmehdipour/shop-events/internal/repository"
	"github.com/jmehdipour/shop-events/internal/repository/memory"
	"github.com/jmehdipour/shop-events/internal/retention"
	"github.com/jmehdipour/shop-events/internal/service/queue"
	"github.com/jmehdipour/shop-events/internal/store"
	"go.uber.org/zap"
)

var ErrMySQLRequired = errors.New("mysql.dsn is required in production")

type repos struct {
	audit         repository.AuditRepository
	sessions      repository.SessionsRepository
	tenants       repository.TenantDataRepository
	policies      repository.RetentionPolicyRepository
	subscriptions repository.SubscriptionsRepository
	analytics     repository.AnalyticsEventsRepository
}

type App struct {
	Config config.Config
	Log    *zap.Logger

	Store     *store.RedisStore // nil in fallback mode
	Queue     *jobqueue.Manager // nil in fallback mode
	Registry  *registry.Registry
	Fallback  *queue.Fallback
	Service   *queue.Service
	Limiter   *ratelimit.Limiter
	Retention *retention.Manager
	Audit     repository.AuditRepository

	// Memory is set when no MySQL DSN is configured outside production.
	Memory *memory.DB

	closers []func() error
}

// New connects every configured backend. A missing or unreachable shared
// store is not an error: the process runs in fallback mode.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log}

	key, dev := cfg.EncryptionKey()
	if dev {
		log.Warn("security.encryption_key not set; using the development key")
	}
	cipher, err := crypto.NewAESGCM(key)
	if err != nil {
		return nil, fmt.Errorf("payload cipher: %w", err)
	}

	r, err := a.openRepos(ctx)
	if err != nil {
		a.closeAll()
		return nil, err
	}
	a.Audit = r.audit

	st, err := store.Open(db.RedisOpts{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		DialTimeout: cfg.Redis.DialTimeout,
	})
	if err != nil {
		log.Warn("shared store unavailable; queue disabled, events run directly", zap.Error(err))
	} else {
		a.Store = st
		a.closers = append(a.closers, st.Close)
	}

	a.Registry = registry.New()
	compliance.New(r.audit, r.sessions, r.tenants, r.analytics, log.Named("compliance")).Register(a.Registry)
	lifecycle.New(r.tenants, r.subscriptions, log.Named("lifecycle")).Register(a.Registry)

	a.Fallback = queue.NewFallback(a.Registry, log.Named("fallback"), cfg.Queue.JobTimeout)

	var enq queue.Enqueuer
	if a.Store != nil {
		a.Queue, err = jobqueue.New(a.Store, a.Registry, cipher, a.observers(), log.Named("queue"), jobqueue.Config{
			Name:            cfg.Queue.Name,
			InstanceID:      cfg.Queue.InstanceID,
			Concurrency:     cfg.Queue.Concurrency,
			MaxAttempts:     cfg.Queue.MaxAttempts,
			BackoffBase:     cfg.Queue.BackoffBase,
			KeepCompleted:   cfg.Queue.KeepCompleted,
			KeepFailed:      cfg.Queue.KeepFailed,
			PollInterval:    cfg.Queue.PollInterval,
			PromoteInterval: cfg.Queue.PromoteInterval,
			JobTimeout:      cfg.Queue.JobTimeout,
			DedupeTTL:       cfg.Queue.DedupeTTL,
			Heartbeat:       cfg.Queue.Heartbeat,
			InstanceTTL:     cfg.Queue.InstanceTTL,
		})
		if err != nil {
			a.closeAll()
			return nil, fmt.Errorf("queue: %w", err)
		}
		enq = a.Queue
	}
	a.Service = queue.New(enq, a.Fallback, a.Registry, log.Named("submit"))

	var limiterStore store.Store
	if a.Store != nil {
		limiterStore = a.Store
	}
	a.Limiter = ratelimit.New(limiterStore, ratelimit.Options{
		KeyPrefix:        cfg.RateLimit.KeyPrefix,
		StoreTimeout:     cfg.RateLimit.StoreTimeout,
		SweepProbability: cfg.RateLimit.SweepProbability,
		BreakerThreshold: cfg.RateLimit.Breaker.FailThreshold,
		BreakerOpenFor:   time.Duration(cfg.RateLimit.Breaker.OpenForMs) * time.Millisecond,
	}, log.Named("ratelimit"))

	a.Retention = retention.New(r.policies, r.tenants, r.audit, r.analytics, log.Named("retention"))

	return a, nil
}

func (a *App) openRepos(ctx context.Context) (repos, error) {
	cfg := a.Config

	if cfg.MySQL.DSN == "" {
		if cfg.App.IsProduction() {
			return repos{}, ErrMySQLRequired
		}
		a.Log.Warn("mysql.dsn not set; using the in-memory store")
		a.Memory = memory.New()
		return repos{
			audit:         a.Memory.Audit(),
			sessions:      a.Memory.Sessions(),
			tenants:       a.Memory.TenantData(),
			policies:      a.Memory.Policies(),
			subscriptions: a.Memory.Subscriptions(),
			analytics:     a.Memory.Analytics(),
		}, nil
	}

	mysqlDB, err := db.NewMySQLConnection(ctx, cfg.MySQL.DSN, pool(cfg.MySQL))
	if err != nil {
		return repos{}, fmt.Errorf("mysql connect: %w", err)
	}
	a.closers = append(a.closers, mysqlDB.Close)

	r := repos{
		audit:         repository.NewAuditRepository(mysqlDB),
		sessions:      repository.NewSessionsRepository(mysqlDB),
		tenants:       repository.NewTenantDataRepository(mysqlDB),
		policies:      repository.NewRetentionPolicyRepository(mysqlDB),
		subscriptions: repository.NewSubscriptionsRepository(mysqlDB),
	}

	if cfg.ClickHouse.DSN != "" {
		chDB, err := db.NewClickHouseConnection(ctx, cfg.ClickHouse.DSN, pool(cfg.ClickHouse))
		if err != nil {
			return repos{}, fmt.Errorf("clickhouse connect: %w", err)
		}
		a.closers = append(a.closers, chDB.Close)
		r.analytics = repository.NewCHAnalyticsRepository(chDB)
	}
	return r, nil
}

func (a *App) observers() jobqueue.Observer {
	obs := jobqueue.Observers{jobqueue.NewLogObserver(a.Log.Named("queue"))}
	k := a.Config.Kafka
	if len(k.Brokers) > 0 && k.SignalsTopic != "" {
		p := kafka.NewSignalPublisher(k.Brokers, k.SignalsTopic, a.Log.Named("signals"))
		a.closers = append(a.closers, p.Close)
		obs = append(obs, p)
	}
	return obs
}

func pool(c config.DatabaseConfig) db.PoolOpts {
	return db.PoolOpts{
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
		ConnMaxIdleTime: c.ConnMaxIdleTime,
		PingTimeout:     c.PingTimeout,
	}
}

// Start launches queue workers (when enabled) and the fallback error reporter.
func (a *App) Start(ctx context.Context) error {
	go a.Fallback.Report(ctx)
	if a.Queue == nil {
		return nil
	}
	return a.Queue.Start(ctx)
}

// HTTPDeps wires the HTTP server to this process graph.
func (a *App) HTTPDeps() httpSrv.Deps {
	d := httpSrv.Deps{
		Service: a.Service,
		Limiter: a.Limiter,
		RateLimit: ratelimit.Config{
			Window:      a.Config.RateLimit.Window,
			MaxRequests: a.Config.RateLimit.MaxRequests,
		},
		Policies:   a.Retention,
		Audit:      a.Audit,
		AdminToken: a.Config.HTTP.AdminToken,
		LogLevel:   a.Config.App.LogLevel,
		Log:        a.Log.Named("http"),
	}
	if a.Queue != nil {
		d.Queue = a.Queue
	}
	return d
}

// Close drains workers and fallback tasks, then releases connections.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("queue shutdown: %w", err))
		}
	}
	if err := a.Fallback.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fallback drain: %w", err))
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
