package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLimiterAllowsWithinBurst(t *testing.T) {
	backend := NewLocalTokenBucketBackend()
	l := New(backend, nil, TierConfig{RequestsPerSecond: 1, BurstSize: 3})

	for i := 0; i < 3; i++ {
		res, err := l.Allow(context.Background(), "k", "default")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(context.Background(), "k", "default")
	require.NoError(t, err)
	require.False(t, res.Allowed)
}

func TestLimiterPerTierConfig(t *testing.T) {
	backend := NewLocalTokenBucketBackend()
	l := New(backend, map[string]TierConfig{
		"premium": {RequestsPerSecond: 10, BurstSize: 100},
	}, TierConfig{RequestsPerSecond: 1, BurstSize: 1})

	res, err := l.Allow(context.Background(), "premium-key", "premium")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, 99, res.Remaining)
}

func TestFallbackBackendDegradesOnPrimaryError(t *testing.T) {
	primary := &erroringBackend{}
	fb := NewFallbackBackend(primary)

	allowed, _, err := fb.CheckRateLimit(context.Background(), "k", 5, 1, 1)
	require.NoError(t, err)
	require.True(t, allowed)
	require.True(t, fb.Degraded())
}

type erroringBackend struct{}

func (e *erroringBackend) CheckRateLimit(ctx context.Context, key string, maxTokens int, refillRate float64, requested int) (bool, int, error) {
	return false, 0, context.DeadlineExceeded
}
