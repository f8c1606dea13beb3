// Package store wraps the shared Redis instance every gateway replica
// points at. All cross-instance mutable state (window counters, abuse
// counters, block records, the whitelist, breach history) lives here;
// nothing is cached in process memory, so two replicas can never
// disagree about a count.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrUnavailable marks a failed or timed-out round trip to Redis.
// Admission checks treat it as fail-closed; the notifier treats it as
// fail-open. There is no in-memory fallback counter: a local fallback
// would silently break the cross-instance guarantees the rest of the
// design depends on.
var ErrUnavailable = errors.New("counter store unavailable")

type Store struct {
	rdb *redis.Client
	log *zap.Logger
}

func New(addr, password string, db int, log *zap.Logger) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	return &Store{rdb: rdb, log: log}
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(rdb *redis.Client, log *zap.Logger) *Store {
	return &Store{rdb: rdb, log: log}
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return s.wrap("ping", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Increment atomically bumps the counter at key and returns the new
// value. The TTL is attached only when the key has none yet, so the
// window expiry set by the first request of a window survives later
// increments.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	if ttl > 0 {
		pipe.ExpireNX(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.wrap("increment", err)
	}
	return incr.Val(), nil
}

// Get returns the current counter value, or 0 when the key is absent
// or already expired.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	val, err := s.rdb.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, s.wrap("get", err)
	}
	return val, nil
}

// SetIfAbsent stores value only when the key does not exist yet.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, s.wrap("setnx", err)
	}
	return ok, nil
}

// AddToSet adds member to the set at setKey. A ttl of 0 leaves the
// set without expiry (the whitelist case).
func (s *Store) AddToSet(ctx context.Context, setKey, member string, ttl time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.SAdd(ctx, setKey, member)
	if ttl > 0 {
		pipe.ExpireNX(ctx, setKey, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap("sadd", err)
	}
	return nil
}

func (s *Store) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if err := s.rdb.SRem(ctx, setKey, member).Err(); err != nil {
		return s.wrap("srem", err)
	}
	return nil
}

func (s *Store) IsMember(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, s.wrap("sismember", err)
	}
	return ok, nil
}

func (s *Store) Members(ctx context.Context, setKey string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, s.wrap("smembers", err)
	}
	return members, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return s.wrap("del", err)
	}
	return nil
}

// SetJSON stores a JSON-encoded record with a TTL. Block records rely
// on this: the store expires them, no separate cleanup pass needed.
func (s *Store) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return s.wrap("set", err)
	}
	return nil
}

// GetJSON loads a JSON record into out. Returns (false, nil) when the
// key is absent or expired.
func (s *Store) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("get", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// AppendHistory adds a JSON-encoded entry to a time-ordered history
// and drops entries older than the retention window in the same
// round trip.
func (s *Store) AppendHistory(ctx context.Context, key string, at time.Time, value interface{}, retention time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	cutoff := at.Add(-retention).UnixMilli()
	pipe := s.rdb.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixMilli()), Member: string(data)})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", cutoff))
	if _, err := pipe.Exec(ctx); err != nil {
		return s.wrap("zadd", err)
	}
	return nil
}

// HistoryPage returns raw history entries newest-first.
func (s *Store) HistoryPage(ctx context.Context, key string, limit, offset int64) ([]string, error) {
	entries, err := s.rdb.ZRevRange(ctx, key, offset, offset+limit-1).Result()
	if err != nil {
		return nil, s.wrap("zrevrange", err)
	}
	return entries, nil
}

func (s *Store) wrap(op string, err error) error {
	s.log.Error("store operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
