package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreAllowsWithinCap(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{PerMinute: 3, PerHour: 100}
	now := time.Now()

	for i := 0; i < 3; i++ {
		d, err := s.Admit(context.Background(), "tenant-a", limits, now)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestMemoryStoreDeniesOverCap(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{PerMinute: 2, PerHour: 100}
	now := time.Now()

	for i := 0; i < 2; i++ {
		_, err := s.Admit(context.Background(), "tenant-b", limits, now)
		require.NoError(t, err)
	}
	d, err := s.Admit(context.Background(), "tenant-b", limits, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestMemoryStoreSlidesWindowOpen(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{PerMinute: 1, PerHour: 100}
	now := time.Now()

	d, err := s.Admit(context.Background(), "tenant-c", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.Admit(context.Background(), "tenant-c", limits, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = s.Admit(context.Background(), "tenant-c", limits, now.Add(61*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreIsolatesIdentities(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{PerMinute: 1, PerHour: 100}
	now := time.Now()

	_, err := s.Admit(context.Background(), "tenant-d", limits, now)
	require.NoError(t, err)
	d, err := s.Admit(context.Background(), "tenant-e", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryStoreHourCapBindsWhenTighter(t *testing.T) {
	s := NewMemoryStore()
	limits := Limits{PerMinute: 1000, PerHour: 1}
	now := time.Now()

	d, err := s.Admit(context.Background(), "tenant-f", limits, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = s.Admit(context.Background(), "tenant-f", limits, now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}
