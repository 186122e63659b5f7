package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisSessionStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, ""), mr
}

func TestRedisStoreSaveLoadRoundTrip(t *testing.T) {
	s, _ := newTestRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte(`{"k":1}`), time.Hour))

	rec, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.JSONEq(t, `{"k":1}`, string(rec.State))
}

func TestRedisStoreLoadMissingReturnsNotFound(t *testing.T) {
	s, _ := newTestRedisSessionStore(t)
	_, err := s.Load(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreExpiresViaTTL(t *testing.T) {
	s, mr := newTestRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte("v"), time.Second))
	mr.FastForward(2 * time.Second)

	_, err := s.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreDeleteAndExists(t *testing.T) {
	s, _ := newTestRedisSessionStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte("v"), time.Hour))
	exists, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.Delete(ctx, "s1"))
	exists, err = s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, exists)
}
