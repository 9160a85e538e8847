package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

var ErrLeadershipLost = errors.New("leader lock lost")

// releaseScript deletes the lock only if this instance still holds it.
var releaseScript = goredis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// renewScript extends the lease only if this instance still holds it.
var renewScript = goredis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("PEXPIRE", KEYS[1], ARGV[2])
	end
	return 0
`)

// LeaderElector is a SETNX lease shared by all instances. Jobs that must run
// on one instance at a time check it before each run.
type LeaderElector struct {
	rdb        *goredis.Client
	instanceID string
	lockKey    string
	lockTTL    time.Duration
}

// NewLeaderElector creates an elector for lockKey. instanceID must be unique
// per process.
func NewLeaderElector(rdb *goredis.Client, lockKey, instanceID string, ttl time.Duration) *LeaderElector {
	return &LeaderElector{
		rdb:        rdb,
		instanceID: instanceID,
		lockKey:    lockKey,
		lockTTL:    ttl,
	}
}

func (l *LeaderElector) InstanceID() string { return l.instanceID }

// TryAcquire reports whether this instance now holds the lease.
func (l *LeaderElector) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.lockKey, l.instanceID, l.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire leader lock: %w", err)
	}
	return ok, nil
}

// Renew extends the lease. It returns ErrLeadershipLost if another instance
// holds it or it expired.
func (l *LeaderElector) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID, l.lockTTL.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew leader lock: %w", err)
	}
	if n == 0 {
		return ErrLeadershipLost
	}
	return nil
}

// Acquire holds the lease after the call: it renews if already held, otherwise
// tries to take it.
func (l *LeaderElector) Acquire(ctx context.Context) (bool, error) {
	err := l.Renew(ctx)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, ErrLeadershipLost) {
		return false, err
	}
	return l.TryAcquire(ctx)
}

// Release gives the lease up if held. Called on graceful shutdown.
func (l *LeaderElector) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.lockKey}, l.instanceID).Err(); err != nil {
		return fmt.Errorf("failed to release leader lock: %w", err)
	}
	return nil
}
