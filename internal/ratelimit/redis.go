package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyGrace is added to a sorted set's TTL so a burst of misses around the
// window boundary doesn't cause the key to expire mid-computation.
const keyGrace = 60 * time.Second

// RedisStore is the cluster-wide Store backend: each identity/window pair
// is a Redis sorted set scored by timestamp. Admit runs add, prune, and
// count as a single pipelined round trip per window.
//
// If Redis is unreachable, RedisStore transparently degrades to an
// in-memory fallback and logs once per failure window (spec §4.4); it
// resumes using Redis on the first subsequent success.
type RedisStore struct {
	client   *redis.Client
	fallback *MemoryStore
	logger   *slog.Logger

	mu            sync.Mutex
	degraded      bool
	loggedDegrade bool
}

// NewRedisStore creates a Redis-backed rate-limit store with an in-memory
// fallback for transparent degradation.
func NewRedisStore(client *redis.Client, logger *slog.Logger) *RedisStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisStore{
		client:   client,
		fallback: NewMemoryStore(),
		logger:   logger,
	}
}

// Admit implements Store.
func (s *RedisStore) Admit(ctx context.Context, identity string, limits Limits, now time.Time) (Decision, error) {
	// The random suffix keeps two requests at the same instant distinct.
	member := fmt.Sprintf("%d.%09d-%d", now.Unix(), now.Nanosecond(), rand.Int63())
	minuteCount, oldestMinute, err := s.probeWindow(ctx, identity, "m", minuteWindow, now, member)
	if err != nil {
		s.markDegraded(err)
		return s.fallback.Admit(ctx, identity, limits, now)
	}
	hourCount, oldestHour, err := s.probeWindow(ctx, identity, "h", hourWindow, now, member)
	if err != nil {
		s.markDegraded(err)
		return s.fallback.Admit(ctx, identity, limits, now)
	}
	s.markHealthy()
	d := evaluate(minuteCount, hourCount, limits, oldestMinute, oldestHour, now)
	if !d.Allowed {
		s.client.ZRem(ctx, fmt.Sprintf("ratelimit:m:%s", identity), member)
		s.client.ZRem(ctx, fmt.Sprintf("ratelimit:h:%s", identity), member)
	}
	return d, nil
}

func (s *RedisStore) probeWindow(ctx context.Context, identity, suffix string, win time.Duration, now time.Time, member string) (int, time.Time, error) {
	key := fmt.Sprintf("ratelimit:%s:%s", suffix, identity)
	cutoff := float64(now.Add(-win).UnixNano())

	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%.0f", cutoff))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, win+keyGrace)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, err
	}

	count, err := countCmd.Result()
	if err != nil {
		return 0, time.Time{}, err
	}
	oldest := now
	if zs, err := oldestCmd.Result(); err == nil && len(zs) > 0 {
		oldest = time.Unix(0, int64(zs[0].Score))
	}
	return int(count), oldest, nil
}

func (s *RedisStore) markDegraded(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degraded = true
	if !s.loggedDegrade {
		s.loggedDegrade = true
		s.logger.Warn("rate limiter falling back to memory store", "error", err)
	}
}

func (s *RedisStore) markHealthy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		s.logger.Info("rate limiter recovered, resuming redis store")
	}
	s.degraded = false
	s.loggedDegrade = false
}
