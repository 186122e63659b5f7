package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, nil), mr
}

func TestRedisStoreAllowsWithinCap(t *testing.T) {
	s, _ := newTestRedisStore(t)
	limits := Limits{PerMinute: 2, PerHour: 100}
	now := time.Now()

	d, err := s.Admit(context.Background(), "tenant-a", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.Admit(context.Background(), "tenant-a", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisStoreDeniesOverCap(t *testing.T) {
	s, _ := newTestRedisStore(t)
	limits := Limits{PerMinute: 1, PerHour: 100}
	now := time.Now()

	_, err := s.Admit(context.Background(), "tenant-b", limits, now)
	require.NoError(t, err)
	d, err := s.Admit(context.Background(), "tenant-b", limits, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedisStoreDegradesToMemoryOnFailure(t *testing.T) {
	s, mr := newTestRedisStore(t)
	mr.Close() // simulate an unreachable redis

	limits := Limits{PerMinute: 5, PerHour: 100}
	d, err := s.Admit(context.Background(), "tenant-c", limits, time.Now())
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	s.mu.Lock()
	degraded := s.degraded
	s.mu.Unlock()
	assert.True(t, degraded)
}
