// Copyright 2025 James Ross
package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/paperatlas/enrichq/internal/config"
)

func setupLimiter(t *testing.T, cfgs map[string]config.RateLimit) (*Limiter, *time.Time, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	now := time.Now()
	l := New(rdb, zap.NewNop(), cfgs)
	l.now = func() time.Time { return now }
	return l, &now, func() { mr.Close() }
}

func TestAcquireUnderLimit(t *testing.T) {
	l, _, cleanup := setupLimiter(t, map[string]config.RateLimit{
		"api": {MaxRequests: 3, Window: time.Minute, RetryInterval: 10 * time.Millisecond},
	})
	defer cleanup()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.True(t, l.Acquire(ctx, "api", 100*time.Millisecond), "grant %d", i)
	}
	// saturated: fourth acquire times out
	start := time.Now()
	assert.False(t, l.Acquire(ctx, "api", 50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestWindowRotation(t *testing.T) {
	l, now, cleanup := setupLimiter(t, map[string]config.RateLimit{
		"api": {MaxRequests: 2, Window: time.Minute, RetryInterval: 10 * time.Millisecond},
	})
	defer cleanup()
	ctx := context.Background()

	assert.True(t, l.Acquire(ctx, "api", 50*time.Millisecond))
	assert.True(t, l.Acquire(ctx, "api", 50*time.Millisecond))
	assert.False(t, l.Acquire(ctx, "api", 30*time.Millisecond))

	// window passes: counter resets lazily on the next acquire
	*now = now.Add(61 * time.Second)
	assert.True(t, l.Acquire(ctx, "api", 50*time.Millisecond))

	st, err := l.Stats(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.RequestsCount)
}

func TestBackoffRespected(t *testing.T) {
	l, now, cleanup := setupLimiter(t, map[string]config.RateLimit{
		"api": {MaxRequests: 100, Window: time.Minute, RetryInterval: 10 * time.Millisecond},
	})
	defer cleanup()
	ctx := context.Background()

	assert.True(t, l.Acquire(ctx, "api", 50*time.Millisecond))
	l.ReportLimitHit(ctx, "api", 30*time.Second)

	// no acquire succeeds while now < backoff_until
	assert.False(t, l.Acquire(ctx, "api", 50*time.Millisecond))

	st, err := l.Stats(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, now.Add(30*time.Second).UnixMilli(), st.BackoffUntil.UnixMilli())
	assert.Equal(t, int64(100), st.RequestsCount) // saturated

	// past the deadline the window rotates and grants resume
	*now = now.Add(31 * time.Second)
	assert.False(t, l.Acquire(ctx, "api", 20*time.Millisecond)) // counter still maxed inside window
	*now = now.Add(30 * time.Second)
	assert.True(t, l.Acquire(ctx, "api", 50*time.Millisecond))
}

func TestClearBackoff(t *testing.T) {
	l, _, cleanup := setupLimiter(t, map[string]config.RateLimit{
		"api": {MaxRequests: 5, Window: time.Minute, RetryInterval: 10 * time.Millisecond},
	})
	defer cleanup()
	ctx := context.Background()

	l.ReportLimitHit(ctx, "api", time.Hour)
	assert.False(t, l.Acquire(ctx, "api", 20*time.Millisecond))

	require.NoError(t, l.ClearBackoff(ctx, "api"))
	// counter is still saturated from the backoff; next window grants.
	st, err := l.Stats(ctx, "api")
	require.NoError(t, err)
	assert.True(t, st.BackoffUntil.IsZero())
}

func TestUnknownProviderGetsDefaults(t *testing.T) {
	l, _, cleanup := setupLimiter(t, nil)
	defer cleanup()
	assert.True(t, l.Acquire(context.Background(), "mystery", 100*time.Millisecond))
}

func TestStatsEmptyBucket(t *testing.T) {
	l, _, cleanup := setupLimiter(t, map[string]config.RateLimit{
		"api": {MaxRequests: 5, Window: time.Minute, RetryInterval: 10 * time.Millisecond},
	})
	defer cleanup()
	st, err := l.Stats(context.Background(), "api")
	require.NoError(t, err)
	assert.Equal(t, int64(0), st.RequestsCount)
	assert.Equal(t, int64(5), st.MaxRequests)
}
