package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(t *testing.T, limits Limits) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewLimiter(client, limits), mr
}

func TestAllowPermitsRequestsWithinBurst(t *testing.T) {
	limiter, _ := newTestLimiter(t, Limits{RatePerMinute: 60, Burst: 3})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "tenant-1")
		require.NoError(t, err)
		require.True(t, allowed, "request %d should be within burst", i)
	}
}

func TestAllowDeniesRequestBeyondBurst(t *testing.T) {
	limiter, _ := newTestLimiter(t, Limits{RatePerMinute: 60, Burst: 2})
	ctx := context.Background()

	_, _, _ = limiter.Allow(ctx, "tenant-1")
	_, _, _ = limiter.Allow(ctx, "tenant-1")

	allowed, retryAfter, err := limiter.Allow(ctx, "tenant-1")
	require.NoError(t, err)
	require.False(t, allowed)
	require.Greater(t, retryAfter.Milliseconds(), int64(0))
}

func TestAllowTracksTenantsIndependently(t *testing.T) {
	limiter, _ := newTestLimiter(t, Limits{RatePerMinute: 60, Burst: 1})
	ctx := context.Background()

	allowedA, _, err := limiter.Allow(ctx, "tenant-a")
	require.NoError(t, err)
	require.True(t, allowedA)

	allowedB, _, err := limiter.Allow(ctx, "tenant-b")
	require.NoError(t, err)
	require.True(t, allowedB, "separate tenant key must have its own bucket")
}

func TestNewLimiterFallsBackToDefaultsOnZeroValue(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewLimiter(client, Limits{})

	require.Equal(t, DefaultLimits, limiter.limits)
}
