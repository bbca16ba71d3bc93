package storews

import (
	"sync"
	"time"
)

// ConnRateLimiter is a sliding window limiter keyed by connection id.
type ConnRateLimiter struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	limit    int
	interval time.Duration
}

func NewConnRateLimiter(limit int, interval time.Duration) *ConnRateLimiter {
	return &ConnRateLimiter{
		history:  make(map[string][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *ConnRateLimiter) Allow(id string) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := make([]time.Time, 0, len(attempts)+1)
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *ConnRateLimiter) Forget(id string) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
