package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jmehdipour/shop-events/internal/db"
	"github.com/redis/go-redis/v9"
)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
local allowed = 0
if count < tonumber(ARGV[3]) then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[5])
  count = count + 1
  allowed = 1
end

local oldest = tonumber(ARGV[1])
local first = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if first[2] then
  oldest = tonumber(first[2])
end
return {allowed, count, oldest}
`)

var promoteDueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, member in ipairs(due) do
  redis.call('ZREM', KEYS[1], member)
  redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// RedisStore implements Store on go-redis.
type RedisStore struct {
	rdb redis.UniversalClient
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// Open connects using opts. A missing address or a failed ping yields ErrUnavailable.
func Open(opts db.RedisOpts) (*RedisStore, error) {
	rdb, err := db.NewRedisClient(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return NewRedisStore(rdb), nil
}

func (s *RedisStore) Ping(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *RedisStore) Close() error                   { return s.rdb.Close() }

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.rdb.Incr(ctx, key).Result()
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	return v, mapNil(err)
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	return s.rdb.Del(ctx, keys...).Result()
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

func (s *RedisStore) ZRem(ctx context.Context, key, member string) error {
	return s.rdb.ZRem(ctx, key, member).Err()
}

func (s *RedisStore) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
}

func (s *RedisStore) LPush(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, key, args...).Err()
}

func (s *RedisStore) LTrim(ctx context.Context, key string, start, stop int64) error {
	return s.rdb.LTrim(ctx, key, start, stop).Err()
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

func (s *RedisStore) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

func (s *RedisStore) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return s.rdb.LRem(ctx, key, count, value).Result()
}

func (s *RedisStore) RPopLPush(ctx context.Context, src, dst string) (string, error) {
	v, err := s.rdb.RPopLPush(ctx, src, dst).Result()
	return v, mapNil(err)
}

func (s *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int, member string) (WindowResult, error) {
	nowMs := now.UnixMilli()
	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key},
		strconv.FormatInt(nowMs, 10),
		strconv.FormatInt(nowMs-window.Milliseconds(), 10),
		strconv.Itoa(limit),
		member,
		strconv.FormatInt(window.Milliseconds()+1000, 10),
	).Int64Slice()
	if err != nil {
		return WindowResult{}, err
	}
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("sliding window: unexpected reply length %d", len(res))
	}
	return WindowResult{
		Allowed: res[0] == 1,
		Count:   res[1],
		Oldest:  time.UnixMilli(res[2]),
	}, nil
}

func (s *RedisStore) PromoteDue(ctx context.Context, delayedKey, waitKey string, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	n, err := promoteDueScript.Run(ctx, s.rdb, []string{delayedKey, waitKey},
		strconv.FormatInt(now.UnixMilli(), 10), limit,
	).Int()
	if err != nil {
		return 0, err
	}
	return n, nil
}

func mapNil(err error) error {
	if errors.Is(err, redis.Nil) {
		return ErrEmpty
	}
	return err
}
