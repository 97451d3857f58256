package websocket

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"cloudserver/internal/clock"
)

// visitorTTL is how long an idle address keeps its limiter.
const visitorTTL = 3 * time.Minute

// Admission limits how fast each address may open connections.
type Admission struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	r        rate.Limit
	burst    int
	clock    clock.Clock
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAdmission allows perSecond connections per address with the given
// burst. perSecond <= 0 disables the limit.
func NewAdmission(perSecond float64, burst int, clk clock.Clock) *Admission {
	if clk == nil {
		clk = clock.Real()
	}
	r := rate.Limit(perSecond)
	if perSecond <= 0 {
		r = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &Admission{
		visitors: make(map[string]*visitor),
		r:        r,
		burst:    burst,
		clock:    clk,
	}
}

// Allow reports whether addr may open another connection now.
func (a *Admission) Allow(addr string) bool {
	now := a.clock.Now()

	a.mu.Lock()
	v, exists := a.visitors[addr]
	if !exists {
		v = &visitor{limiter: rate.NewLimiter(a.r, a.burst)}
		a.visitors[addr] = v
	}
	v.lastSeen = now
	a.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Cleanup forgets addresses idle for longer than visitorTTL.
func (a *Admission) Cleanup() int {
	now := a.clock.Now()

	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	for addr, v := range a.visitors {
		if now.Sub(v.lastSeen) > visitorTTL {
			delete(a.visitors, addr)
			removed++
		}
	}
	return removed
}

// Start runs Cleanup every minute until ctx is cancelled.
func (a *Admission) Start(ctx context.Context) {
	ticker := a.clock.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cleanup()
		}
	}
}

// Tracked returns the number of addresses with a limiter.
func (a *Admission) Tracked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.visitors)
}
