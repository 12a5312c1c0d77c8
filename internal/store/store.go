// Package store is the shared key-value/sorted-set store used by the queue and the rate limiter.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUnavailable means no shared store is configured or reachable at startup.
	ErrUnavailable = errors.New("shared store unavailable")
	// ErrEmpty is returned for missing keys and empty lists.
	ErrEmpty = errors.New("store: empty")
)

// WindowResult is the outcome of one sliding-window admission.
type WindowResult struct {
	Allowed bool
	Count   int64     // entries in the window after the call
	Oldest  time.Time // oldest entry still in the window
}

// Store is the narrow surface the core needs from the shared store.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZCard(ctx context.Context, key string) (int64, error)
	ZRem(ctx context.Context, key, member string) error
	// ZRangeByScore returns up to limit members scored at or below max, lowest first.
	ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error)

	LPush(ctx context.Context, key string, values ...string) error
	LTrim(ctx context.Context, key string, start, stop int64) error
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LLen(ctx context.Context, key string) (int64, error)
	LRem(ctx context.Context, key string, count int64, value string) (int64, error)
	RPopLPush(ctx context.Context, src, dst string) (string, error)

	// SlidingWindow prunes entries at or before now-window, counts the rest and,
	// when below limit, records member at now. All steps run as one atomic unit.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (WindowResult, error)
	// PromoteDue atomically moves up to limit members scored at or before now
	// from the delayed sorted set to the head of the wait list.
	PromoteDue(ctx context.Context, delayedKey, waitKey string, now time.Time, limit int) (int, error)
}
