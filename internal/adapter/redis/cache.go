package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/wspush/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNonPositiveDelta is returned by counter operations given a delta <= 0.
var ErrNonPositiveDelta = errors.New("delta must be greater than 0")

// Cache is a typed key-value helper over one Redis database. Values are
// stored JSON-encoded; collection reads return the raw encoded members, which
// Decode and DecodeAll turn back into values.
type Cache struct {
	rdb     *goredis.Client
	clock   clockwork.Clock
	metrics *metrics.StorageMetrics

	mu  sync.Mutex
	dbs map[int]*Cache // lazily opened sibling databases
}

func NewCache(rdb *goredis.Client, clock clockwork.Clock, m *metrics.StorageMetrics) *Cache {
	return &Cache{
		rdb:     rdb,
		clock:   clock,
		metrics: m,
		dbs:     make(map[int]*Cache),
	}
}

// DB returns a Cache for database n on the same server. Clients are created
// on first use and kept until Close.
func (c *Cache) DB(n int) *Cache {
	if n == c.rdb.Options().DB {
		return c
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if db, ok := c.dbs[n]; ok {
		return db
	}

	opts := *c.rdb.Options()
	opts.DB = n
	rdb := goredis.NewClient(&opts)
	for _, h := range Hooks(c.metrics) {
		rdb.AddHook(h)
	}

	db := NewCache(rdb, c.clock, c.metrics)
	c.dbs[n] = db
	return db
}

// Close closes the clients opened by DB. The root client belongs to the caller.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for n, db := range c.dbs {
		if err := db.rdb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("db %d: %w", n, err))
		}
		delete(c.dbs, n)
	}
	return errors.Join(errs...)
}

func encode(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return string(b), nil
}

func encodeAll(values []any) ([]any, error) {
	out := make([]any, len(values))
	for i, v := range values {
		s, err := encode(v)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}

// Decode unmarshals one raw value returned by the cache.
func Decode[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

// DecodeAll unmarshals a slice of raw values returned by the cache.
func DecodeAll[T any](raw []string) ([]T, error) {
	out := make([]T, 0, len(raw))
	for _, r := range raw {
		v, err := Decode[T](r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ---- keys ----

// Expire sets a TTL on key. A non-positive ttl is a no-op that reports true,
// leaving any existing expiry in place.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return true, nil
	}
	ok, err := c.rdb.Expire(ctx, key, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to expire %s: %w", key, err)
	}
	return ok, nil
}

// TTL returns the remaining time to live. go-redis reports -1 for keys without
// expiry and -2 for missing keys.
func (c *Cache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get ttl of %s: %w", key, err)
	}
	return d, nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s: %w", key, err)
	}
	return n > 0, nil
}

func (c *Cache) Del(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete keys: %w", err)
	}
	return n, nil
}

// ---- strings ----

// Get decodes the value at key into dst. It reports false when the key does
// not exist.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// GetString returns the raw stored value, without decoding.
func (c *Cache) GetString(ctx context.Context, key string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return raw, true, nil
}

// Set stores value at key. A non-positive ttl stores it without expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	s, err := encode(value)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := c.rdb.Set(ctx, key, s, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Incr(ctx context.Context, key string, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, ErrNonPositiveDelta
	}
	n, err := c.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) Decr(ctx context.Context, key string, delta int64) (int64, error) {
	if delta <= 0 {
		return 0, ErrNonPositiveDelta
	}
	n, err := c.rdb.DecrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to decrement %s: %w", key, err)
	}
	return n, nil
}

// ---- hashes ----

func (c *Cache) HGet(ctx context.Context, key, field string, dst any) (bool, error) {
	raw, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s.%s: %w", key, field, err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("failed to decode %s.%s: %w", key, field, err)
	}
	return true, nil
}

// HGetAll returns every field of the hash with its raw encoded value.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get hash %s: %w", key, err)
	}
	return m, nil
}

// HSet writes all fields and, when ttl is positive, sets the key expiry in
// the same transaction.
func (c *Cache) HSet(ctx context.Context, key string, fields map[string]any, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		s, err := encode(v)
		if err != nil {
			return err
		}
		values = append(values, f, s)
	}

	_, err := c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, values...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set hash %s: %w", key, err)
	}
	return nil
}

func (c *Cache) HSetField(ctx context.Context, key, field string, value any, ttl time.Duration) error {
	return c.HSet(ctx, key, map[string]any{field: value}, ttl)
}

func (c *Cache) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	n, err := c.rdb.HDel(ctx, key, fields...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to delete fields of %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) HExists(ctx context.Context, key, field string) (bool, error) {
	ok, err := c.rdb.HExists(ctx, key, field).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check %s.%s: %w", key, field, err)
	}
	return ok, nil
}

// HIncrByFloat adds by to a hash field; use a negative by to decrement.
func (c *Cache) HIncrByFloat(ctx context.Context, key, field string, by float64) (float64, error) {
	v, err := c.rdb.HIncrByFloat(ctx, key, field, by).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s.%s: %w", key, field, err)
	}
	return v, nil
}

// ---- sets ----

func (c *Cache) SMembers(ctx context.Context, key string) ([]string, error) {
	m, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members of %s: %w", key, err)
	}
	return m, nil
}

func (c *Cache) SIsMember(ctx context.Context, key string, value any) (bool, error) {
	s, err := encode(value)
	if err != nil {
		return false, err
	}
	ok, err := c.rdb.SIsMember(ctx, key, s).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check member of %s: %w", key, err)
	}
	return ok, nil
}

// SAdd adds values to the set and returns how many were new. A positive ttl
// (re)sets the key expiry.
func (c *Cache) SAdd(ctx context.Context, key string, ttl time.Duration, values ...any) (int64, error) {
	encoded, err := encodeAll(values)
	if err != nil {
		return 0, err
	}

	var added *goredis.IntCmd
	_, err = c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		added = p.SAdd(ctx, key, encoded...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to add to %s: %w", key, err)
	}
	return added.Val(), nil
}

func (c *Cache) SCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", key, err)
	}
	return n, nil
}

func (c *Cache) SRem(ctx context.Context, key string, values ...any) (int64, error) {
	encoded, err := encodeAll(values)
	if err != nil {
		return 0, err
	}
	n, err := c.rdb.SRem(ctx, key, encoded...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove from %s: %w", key, err)
	}
	return n, nil
}

// ---- lists ----

// LRange returns the raw elements between start and stop inclusive; 0, -1 is
// the whole list.
func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	l, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return l, nil
}

func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to size %s: %w", key, err)
	}
	return n, nil
}

// LIndex returns the raw element at index. Negative indexes count from the tail.
func (c *Cache) LIndex(ctx context.Context, key string, index int64) (string, bool, error) {
	raw, err := c.rdb.LIndex(ctx, key, index).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s[%d]: %w", key, index, err)
	}
	return raw, true, nil
}

// RPush appends values and returns the new length. A positive ttl (re)sets the
// key expiry.
func (c *Cache) RPush(ctx context.Context, key string, ttl time.Duration, values ...any) (int64, error) {
	encoded, err := encodeAll(values)
	if err != nil {
		return 0, err
	}

	var length *goredis.IntCmd
	_, err = c.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		length = p.RPush(ctx, key, encoded...)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return length.Val(), nil
}

func (c *Cache) LSet(ctx context.Context, key string, index int64, value any) error {
	s, err := encode(value)
	if err != nil {
		return err
	}
	if err := c.rdb.LSet(ctx, key, index, s).Err(); err != nil {
		return fmt.Errorf("failed to set %s[%d]: %w", key, index, err)
	}
	return nil
}

// LRem removes up to count occurrences of value (0 removes all) and returns
// how many were removed.
func (c *Cache) LRem(ctx context.Context, key string, count int64, value any) (int64, error) {
	s, err := encode(value)
	if err != nil {
		return 0, err
	}
	n, err := c.rdb.LRem(ctx, key, count, s).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to remove from %s: %w", key, err)
	}
	return n, nil
}

// ---- hyperloglog ----

// PFAdd reports whether the approximated cardinality changed.
func (c *Cache) PFAdd(ctx context.Context, key string, values ...any) (bool, error) {
	encoded, err := encodeAll(values)
	if err != nil {
		return false, err
	}
	n, err := c.rdb.PFAdd(ctx, key, encoded...).Result()
	if err != nil {
		return false, fmt.Errorf("failed to add to %s: %w", key, err)
	}
	return n == 1, nil
}

func (c *Cache) PFCount(ctx context.Context, keys ...string) (int64, error) {
	n, err := c.rdb.PFCount(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %v: %w", keys, err)
	}
	return n, nil
}

// Ping checks the connection, for readiness probes.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
