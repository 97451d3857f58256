// Package janitor evicts rooms that have been empty and idle for too long.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"cloudserver/internal/clock"
	"cloudserver/internal/room"
)

// Config controls the sweep period and the idle threshold.
type Config struct {
	Interval           time.Duration
	EmptyRoomThreshold time.Duration
}

// Janitor periodically scans a room list and removes idle empty rooms.
type Janitor struct {
	rooms  *room.List
	config Config
	clock  clock.Clock
	logger *slog.Logger
}

// New creates a janitor for rooms.
func New(rooms *room.List, config Config, clk clock.Clock, logger *slog.Logger) *Janitor {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{rooms: rooms, config: config, clock: clk, logger: logger}
}

// Start sweeps on every tick until ctx is cancelled. It blocks; run it in
// its own goroutine.
func (j *Janitor) Start(ctx context.Context) {
	ticker := j.clock.NewTicker(j.config.Interval)
	defer ticker.Stop()

	j.logger.Info("janitor started",
		"interval", j.config.Interval, "empty_room_threshold", j.config.EmptyRoomThreshold)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return
		case <-ticker.C:
			if evicted := j.Sweep(); evicted > 0 {
				j.logger.Info("janitor evicted idle rooms", "evicted", evicted, "remaining", j.rooms.Len())
			}
		}
	}
}

// Sweep runs one pass and returns the number of rooms evicted. Emptiness and
// idleness are re-checked under the room list lock for each candidate.
func (j *Janitor) Sweep() int {
	evicted := 0
	for _, id := range j.rooms.IDs() {
		if j.rooms.RemoveIfIdle(id, j.config.EmptyRoomThreshold) {
			j.logger.Debug("room evicted", "room", id)
			evicted++
		}
	}
	return evicted
}
