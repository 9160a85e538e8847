package redis

import (
	"context"
	"fmt"
	"time"
)

// NextDailySequence increments the counter at key and returns it formatted as
// five digits modulo 10000. The counter starts at 1 each day: its key expires
// at the next local midnight.
func (c *Cache) NextDailySequence(ctx context.Context, key string) (string, error) {
	now := c.clock.Now()
	ttl := nextMidnight(now).Sub(now)

	if err := c.rdb.SetNX(ctx, key, 0, ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to initialize sequence %s: %w", key, err)
	}
	n, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("failed to advance sequence %s: %w", key, err)
	}
	return formatSequence(n), nil
}

func formatSequence(n int64) string {
	return fmt.Sprintf("%05d", n%10000)
}

func nextMidnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
}
