package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves when Advance or Set is
// called; tickers fire during Advance for every interval boundary crossed.
//
// FakeClock is safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
	changed *sync.Cond
}

type fakeTicker struct {
	next     time.Time
	interval time.Duration
	channel  chan time.Time
	stopped  bool
}

// Fake returns a FakeClock set to initial.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// NewTicker registers a ticker that fires when Advance crosses its deadline.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	ticker := &fakeTicker{
		next:     c.current.Add(d),
		interval: d,
		channel:  make(chan time.Time, 1),
	}
	c.tickers = append(c.tickers, ticker)
	c.changed.Broadcast()

	return &Ticker{
		C: ticker.channel,
		stopFunc: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			ticker.stopped = true
		},
	}
}

// Advance moves the clock forward by d and delivers any ticks that became
// due. Ticks are dropped if the ticker channel is still full, matching
// time.Ticker.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)
	for _, ticker := range c.tickers {
		if ticker.stopped {
			continue
		}
		for !ticker.next.After(c.current) {
			select {
			case ticker.channel <- ticker.next:
			default:
			}
			ticker.next = ticker.next.Add(ticker.interval)
		}
	}
}

// Set jumps the clock to t without firing tickers.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = t
}

// WaitForTickers blocks until at least n live tickers are registered. Use it
// before Advance when a goroutine creates its ticker asynchronously.
func (c *FakeClock) WaitForTickers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.liveTickers() < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) liveTickers() int {
	live := 0
	for _, ticker := range c.tickers {
		if !ticker.stopped {
			live++
		}
	}
	return live
}
