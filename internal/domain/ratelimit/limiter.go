// Package ratelimit provides the per-(subject, tool) sliding-window limiter
// used as the gateway's admission-control surface.
package ratelimit

import (
	"sync"
	"time"
)

// DefaultWindowSeconds is the sliding window length when none is configured.
const DefaultWindowSeconds = 60

// DefaultLimit applies to tools without a per-tool cap.
const DefaultLimit = 60

// Status describes the current window for one (subject, tool) bucket.
type Status struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Limiter keeps one timestamp deque per (subject, tool) key. A single mutex
// guards all buckets; critical sections are short. State is per-process: a
// multi-replica deployment swaps in a KV implementation with the same
// contract.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string][]time.Time
	window  time.Duration
	limits  map[string]int
	base    int
	now     func() time.Time
}

// New creates a limiter with the given window, per-tool limits, and default
// limit for unlisted tools.
func New(windowSeconds int, limits map[string]int, defaultLimit int) *Limiter {
	if windowSeconds <= 0 {
		windowSeconds = DefaultWindowSeconds
	}
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Limiter{
		buckets: make(map[string][]time.Time),
		window:  time.Duration(windowSeconds) * time.Second,
		limits:  limits,
		base:    defaultLimit,
		now:     time.Now,
	}
}

// SetLimits replaces the per-tool caps, typically after a policy reload.
func (l *Limiter) SetLimits(limits map[string]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits = limits
}

// Allow trims entries older than the window, checks the bucket against the
// tool's limit, and appends on success.
func (l *Limiter) Allow(subjectID, toolName string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := subjectID + "|" + toolName
	bucket := l.trimLocked(key, now)

	if len(bucket) >= l.limitFor(toolName) {
		l.buckets[key] = bucket
		return false
	}
	l.buckets[key] = append(bucket, now)
	return true
}

// GetStatus reports the bucket state without consuming a slot.
func (l *Limiter) GetStatus(subjectID, toolName string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := subjectID + "|" + toolName
	bucket := l.trimLocked(key, now)
	l.buckets[key] = bucket

	limit := l.limitFor(toolName)
	remaining := limit - len(bucket)
	if remaining < 0 {
		remaining = 0
	}

	resetAt := now.Add(l.window)
	if len(bucket) > 0 {
		resetAt = bucket[0].Add(l.window)
	}
	return Status{Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

// Purge drops every bucket and returns how many were tracked. Per-tool
// limits are untouched.
func (l *Limiter) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.buckets)
	l.buckets = make(map[string][]time.Time)
	return n
}

// Size returns the number of tracked buckets, for the metrics gauge.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// trimLocked drops timestamps older than now-window and removes empty
// buckets. Must be called with l.mu held.
func (l *Limiter) trimLocked(key string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	bucket := l.buckets[key]
	keep := 0
	for _, ts := range bucket {
		if ts.After(cutoff) {
			break
		}
		keep++
	}
	bucket = bucket[keep:]
	if len(bucket) == 0 {
		delete(l.buckets, key)
	}
	return bucket
}

func (l *Limiter) limitFor(toolName string) int {
	if limit, ok := l.limits[toolName]; ok && limit > 0 {
		return limit
	}
	return l.base
}
