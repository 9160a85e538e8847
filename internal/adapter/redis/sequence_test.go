package redis

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatSequence(t *testing.T) {
	assert.Equal(t, "00001", formatSequence(1))
	assert.Equal(t, "09999", formatSequence(9999))
	assert.Equal(t, "00000", formatSequence(10000))
	assert.Equal(t, "00042", formatSequence(20042))
}

func TestNextMidnight(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	now := time.Date(2021, 7, 30, 10, 12, 0, 0, loc)
	assert.Equal(t, time.Date(2021, 7, 31, 0, 0, 0, 0, loc), nextMidnight(now))

	endOfMonth := time.Date(2021, 12, 31, 23, 59, 59, 0, loc)
	assert.Equal(t, time.Date(2022, 1, 1, 0, 0, 0, 0, loc), nextMidnight(endOfMonth))
}

func TestNextDailySequence(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2021, 7, 30, 23, 0, 0, 0, time.Local))
	cache := setupTestCache(t, clock)
	ctx := context.Background()

	first, err := cache.NextDailySequence(ctx, "meal:seq")
	require.NoError(t, err)
	second, err := cache.NextDailySequence(ctx, "meal:seq")
	require.NoError(t, err)

	assert.Equal(t, "00001", first)
	assert.Equal(t, "00002", second)

	ttl, err := cache.TTL(ctx, "meal:seq")
	require.NoError(t, err)
	assert.InDelta(t, time.Hour.Seconds(), ttl.Seconds(), 2, "expires at midnight")
}
