// Package ratelimit implements per-identity sliding-window rate limiting
// with a pluggable store (spec §4.4): an in-memory store for single-node
// deployments, and a Redis-backed sorted-set store for cluster-wide
// enforcement, with transparent degradation from Redis to memory on
// back-end failure.
package ratelimit

import (
	"context"
	"time"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limits configures the two concurrent sliding windows enforced per identity.
type Limits struct {
	PerMinute int
	PerHour   int
}

// Store is the pluggable admission backend. Admit atomically appends now to
// both the minute and hour windows for identity, prunes entries older than
// each window, counts the remainder, and reports whether both counts stay
// within the configured caps. A denied request's entry is removed again,
// so only admitted requests count against later calls.
type Store interface {
	Admit(ctx context.Context, identity string, limits Limits, now time.Time) (Decision, error)
}

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// evaluate applies the sliding-window admission rule to two already-pruned
// counts (including the just-appended entry) and the oldest timestamp in
// whichever window is tighter, producing the caller-facing Decision. It is
// shared by every Store implementation so the admission semantics stay
// identical regardless of backing storage.
func evaluate(minuteCount, hourCount int, limits Limits, oldestMinute, oldestHour, now time.Time) Decision {
	minuteOK := limits.PerMinute <= 0 || minuteCount <= limits.PerMinute
	hourOK := limits.PerHour <= 0 || hourCount <= limits.PerHour

	if minuteOK && hourOK {
		remaining := remainingOf(limits.PerMinute, minuteCount)
		if limits.PerHour > 0 {
			if hourRemaining := remainingOf(limits.PerHour, hourCount); hourRemaining < remaining || limits.PerMinute <= 0 {
				remaining = hourRemaining
			}
		}
		return Decision{Allowed: true, Remaining: remaining, ResetAt: now.Add(minuteWindow)}
	}

	// Denied by at least one window. When both windows disagree on when the
	// caller may retry, spec.md §9 resolves the conflict by returning the
	// larger retry-after, guaranteeing admission by both windows on return.
	retry := time.Duration(0)
	resetAt := now
	if !minuteOK {
		if d := retryAfter(oldestMinute, minuteWindow, now); d > retry {
			retry = d
			resetAt = oldestMinute.Add(minuteWindow)
		}
	}
	if !hourOK {
		if d := retryAfter(oldestHour, hourWindow, now); d > retry {
			retry = d
			resetAt = oldestHour.Add(hourWindow)
		}
	}
	return Decision{
		Allowed:    false,
		Remaining:  0,
		ResetAt:    resetAt,
		RetryAfter: retry,
	}
}

func remainingOf(cap, count int) int {
	if cap <= 0 {
		return 0
	}
	r := cap - count
	if r < 0 {
		r = 0
	}
	return r
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := window - now.Sub(oldest)
	if d < 0 {
		d = 0
	}
	return d
}
