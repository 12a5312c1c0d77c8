package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jmehdipour/shop-events/internal/db"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestOpenWithoutAddressIsUnavailable(t *testing.T) {
	s, err := Open(db.RedisOpts{})
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, s)
}

func TestOpenUnreachableIsUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(db.RedisOpts{Addr: addr, DialTimeout: 200 * time.Millisecond})
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestKeyValueAndTTL(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := s.SetNX(ctx, "k", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	require.ErrorIs(t, err, ErrEmpty)

	n, err := s.Incr(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	deleted, err := s.Del(ctx, "counter", "nope")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}

func TestListRotation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.RPopLPush(ctx, "src", "dst")
	require.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, s.LPush(ctx, "src", "a", "b"))
	v, err := s.RPopLPush(ctx, "src", "dst")
	require.NoError(t, err)
	assert.Equal(t, "a", v)

	removed, err := s.LRem(ctx, "dst", 1, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	require.NoError(t, s.LPush(ctx, "capped", "1", "2", "3", "4"))
	require.NoError(t, s.LTrim(ctx, "capped", 0, 1))
	items, err := s.LRange(ctx, "capped", 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "3"}, items)
}

func TestSlidingWindowScript(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i := 0; i < 3; i++ {
		res, err := s.SlidingWindow(ctx, "rl:a", base.Add(time.Duration(i)*time.Millisecond), time.Second, 3, "m"+string(rune('0'+i)))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(i+1), res.Count)
		assert.Equal(t, base.UnixMilli(), res.Oldest.UnixMilli())
	}

	res, err := s.SlidingWindow(ctx, "rl:a", base.Add(10*time.Millisecond), time.Second, 3, "m3")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(3), res.Count)

	// denied requests are not recorded
	card, err := s.ZCard(ctx, "rl:a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), card)

	assert.Greater(t, mr.TTL("rl:a"), time.Second)
}

func TestPromoteDue(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	require.NoError(t, s.ZAdd(ctx, "delayed", float64(now.Add(-time.Second).UnixMilli()), "due-1"))
	require.NoError(t, s.ZAdd(ctx, "delayed", float64(now.UnixMilli()), "due-2"))
	require.NoError(t, s.ZAdd(ctx, "delayed", float64(now.Add(time.Minute).UnixMilli()), "later"))

	n, err := s.PromoteDue(ctx, "delayed", "wait", now, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waiting, err := s.LLen(ctx, "wait")
	require.NoError(t, err)
	assert.Equal(t, int64(2), waiting)

	left, err := s.ZCard(ctx, "delayed")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestZRangeByScoreAndRem(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.ZAdd(ctx, "instances", 100, "old-a"))
	require.NoError(t, s.ZAdd(ctx, "instances", 200, "old-b"))
	require.NoError(t, s.ZAdd(ctx, "instances", 900, "fresh"))

	stale, err := s.ZRangeByScore(ctx, "instances", 500, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-a", "old-b"}, stale)

	limited, err := s.ZRangeByScore(ctx, "instances", 500, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"old-a"}, limited)

	require.NoError(t, s.ZRem(ctx, "instances", "old-a"))
	n, err := s.ZCard(ctx, "instances")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
