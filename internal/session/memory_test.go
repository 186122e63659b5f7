package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreSaveLoadRoundTrip(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte(`{"k":1}`), time.Hour))

	rec, err := s.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", rec.TenantID)
	assert.JSONEq(t, `{"k":1}`, string(rec.State))
}

func TestMemoryStoreLoadExpired(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte("v"), -time.Second))

	_, err := s.Load(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDeleteIsIdempotent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	require.NoError(t, s.Delete(ctx, "does-not-exist"))

	require.NoError(t, s.Save(ctx, "s1", "tenant-a", []byte("v"), time.Hour))
	require.NoError(t, s.Delete(ctx, "s1"))
	exists, err := s.Exists(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStoreEvictsOverflowByExpiry(t *testing.T) {
	s := NewMemoryStore(2)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "soon", "t", []byte("v"), time.Second))
	require.NoError(t, s.Save(ctx, "later", "t", []byte("v"), time.Hour))
	require.NoError(t, s.Save(ctx, "latest", "t", []byte("v"), time.Hour))

	existsSoon, _ := s.Exists(ctx, "soon")
	existsLater, _ := s.Exists(ctx, "later")
	existsLatest, _ := s.Exists(ctx, "latest")

	assert.False(t, existsSoon, "soonest-expiring entry should have been evicted")
	assert.True(t, existsLater)
	assert.True(t, existsLatest)
}

func TestMemoryStoreExistsFalseForUnknown(t *testing.T) {
	s := NewMemoryStore(0)
	exists, err := s.Exists(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, exists)
}
