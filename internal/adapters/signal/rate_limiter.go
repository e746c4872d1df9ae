package signal

import (
	"sync"
	"time"

	"github.com/dkeye/callbridge/internal/domain"
)

// ConnRateLimiter is a sliding-window limit on inbound messages per connection.
type ConnRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.ConnectionID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

// NewConnRateLimiter returns a limiter; limit <= 0 disables it.
func NewConnRateLimiter(limit int, interval time.Duration) *ConnRateLimiter {
	return &ConnRateLimiter{
		history:  make(map[domain.ConnectionID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

func (rl *ConnRateLimiter) Allow(id domain.ConnectionID) bool {
	if rl == nil || rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
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

func (rl *ConnRateLimiter) Forget(id domain.ConnectionID) {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	delete(rl.history, id)
	rl.mu.Unlock()
}
