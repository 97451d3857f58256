// Package clock provides an injectable time source so the janitor, the
// audit rate limiter and room activity tracking can be driven
// deterministically in tests.
//
// Production code takes a Clock and uses Real(). Tests use Fake() and move
// time forward with Advance.
package clock

import "time"

// Clock abstracts the time operations used by the broker.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// NewTicker returns a Ticker delivering ticks every d. Panics if d <= 0.
	NewTicker(d time.Duration) *Ticker
}

// Ticker wraps a periodic timer. Read ticks from C and call Stop when done.
// C has capacity 1; a slow consumer drops ticks instead of queueing them.
type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

// Stop turns off the ticker. Stop does not close C.
func (t *Ticker) Stop() { t.stopFunc() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stopFunc: ticker.Stop}
}
