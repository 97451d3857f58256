package audit

import (
	"sync"
	"time"

	"cloudserver/internal/clock"
	"cloudserver/internal/config"
)

const (
	clientWindow   = time.Second
	variableWindow = time.Minute

	// historyRetention bounds how long any timestamp is kept.
	historyRetention = time.Minute
)

// RateLimiter flags bursts of variable changes with two exact sliding
// windows: changes per client per second and changes per variable per
// minute. It only reports; nothing is ever rejected.
type RateLimiter struct {
	config config.RateLimitConfig
	clock  clock.Clock

	mu        sync.Mutex
	history   map[string][]time.Time
	offenders map[string][]time.Time // ip -> times flagged suspicious
}

// NewRateLimiter creates a rate limiter.
func NewRateLimiter(cfg config.RateLimitConfig, clk clock.Clock) *RateLimiter {
	if clk == nil {
		clk = clock.Real()
	}
	return &RateLimiter{
		config:    cfg,
		clock:     clk,
		history:   make(map[string][]time.Time),
		offenders: make(map[string][]time.Time),
	}
}

// IsSuspicious records a change by ip to variableName and reports whether it
// exceeded either window. The client window is checked first; when it trips,
// the change is not recorded in the variable window.
func (rl *RateLimiter) IsSuspicious(ip, variableName string) bool {
	if !rl.config.EnableRateLimiting {
		return false
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	if !rl.admit("client:"+ip, now, clientWindow, rl.config.MaxChangesPerSecondPerClient) {
		return true
	}
	if !rl.admit("var:"+variableName, now, variableWindow, rl.config.MaxChangesPerMinutePerVariable) {
		return true
	}
	return false
}

// admit prunes the window for key and records now unless the window is
// already full. Caller holds rl.mu.
func (rl *RateLimiter) admit(key string, now time.Time, window time.Duration, limit int) bool {
	fresh := prune(rl.history[key], now.Add(-window))
	if len(fresh) >= limit {
		rl.history[key] = fresh
		return false
	}
	rl.history[key] = append(fresh, now)
	return true
}

// Flag records a suspicious event for ip and returns how many it has had
// within the retention horizon.
func (rl *RateLimiter) Flag(ip string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	events := append(prune(rl.offenders[ip], now.Add(-historyRetention)), now)
	rl.offenders[ip] = events
	return len(events)
}

// Cleanup drops history older than the retention horizon and forgets keys
// with nothing left.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.clock.Now().Add(-historyRetention)
	for _, m := range []map[string][]time.Time{rl.history, rl.offenders} {
		for key, times := range m {
			if fresh := prune(times, cutoff); len(fresh) > 0 {
				m[key] = fresh
			} else {
				delete(m, key)
			}
		}
	}
}

// Tracked returns the number of keys with recorded history.
func (rl *RateLimiter) Tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.history)
}

// prune returns the timestamps after cutoff, reusing the backing array.
func prune(times []time.Time, cutoff time.Time) []time.Time {
	fresh := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	return fresh
}
