package websocket

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"cloudserver/internal/clock"
)

var epoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestAdmission_BurstThenRefill(t *testing.T) {
	clk := clock.Fake(epoch)
	a := NewAdmission(2, 3, clk)

	for i := 0; i < 3; i++ {
		assert.True(t, a.Allow("192.0.2.1"), "burst %d", i)
	}
	assert.False(t, a.Allow("192.0.2.1"))
	assert.True(t, a.Allow("192.0.2.2"), "addresses are independent")

	clk.Advance(500 * time.Millisecond)
	assert.True(t, a.Allow("192.0.2.1"))
	assert.False(t, a.Allow("192.0.2.1"))
}

func TestAdmission_Unlimited(t *testing.T) {
	a := NewAdmission(0, 0, clock.Fake(epoch))
	for i := 0; i < 100; i++ {
		assert.True(t, a.Allow("192.0.2.1"))
	}
}

func TestAdmission_Cleanup(t *testing.T) {
	clk := clock.Fake(epoch)
	a := NewAdmission(1, 1, clk)
	a.Allow("192.0.2.1")
	clk.Advance(2 * time.Minute)
	a.Allow("192.0.2.2")

	clk.Advance(2 * time.Minute)
	assert.Equal(t, 1, a.Cleanup())
	assert.Equal(t, 1, a.Tracked())
}

func TestAdmission_Start(t *testing.T) {
	clk := clock.Fake(epoch)
	a := NewAdmission(1, 1, clk)
	a.Allow("192.0.2.1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Start(ctx)
	clk.WaitForTickers(1)

	for i := 0; i < 4; i++ {
		clk.Advance(time.Minute)
	}
	assert.Eventually(t, func() bool { return a.Tracked() == 0 }, time.Second, 5*time.Millisecond)
}
