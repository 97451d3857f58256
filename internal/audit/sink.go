package audit

import (
	"context"
	"sync"
	"time"

	"cloudserver/pkg/types"
)

// Sink receives finished audit entries from the background writer. Writes
// happen on a single goroutine.
type Sink interface {
	Write(entry *types.AuditEntry) error
	Close() error
}

// Pruner is implemented by sinks that enforce their own retention.
type Pruner interface {
	Prune(now time.Time) error
}

// DefaultRecentSize is the capacity used when NewRecentBuffer gets size <= 0.
const DefaultRecentSize = 1000

// RecentBuffer keeps the latest entries in memory.
type RecentBuffer struct {
	mu      sync.Mutex
	entries []*types.AuditEntry
	next    int
	full    bool
}

// NewRecentBuffer creates a ring holding at most size entries.
func NewRecentBuffer(size int) *RecentBuffer {
	if size <= 0 {
		size = DefaultRecentSize
	}
	return &RecentBuffer{entries: make([]*types.AuditEntry, size)}
}

// Write stores entry, overwriting the oldest one when full.
func (b *RecentBuffer) Write(entry *types.AuditEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = entry
	b.next = (b.next + 1) % len(b.entries)
	if b.next == 0 {
		b.full = true
	}
	return nil
}

// Close is a no-op.
func (b *RecentBuffer) Close() error { return nil }

// RecentEntries returns up to limit entries, newest first. An empty roomID
// matches every room; limit <= 0 returns everything held.
func (b *RecentBuffer) RecentEntries(_ context.Context, roomID string, limit int) ([]*types.AuditEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := b.next
	if b.full {
		count = len(b.entries)
	}

	var out []*types.AuditEntry
	for i := 0; i < count; i++ {
		idx := (b.next - 1 - i + len(b.entries)) % len(b.entries)
		entry := b.entries[idx]
		if roomID != "" && (entry.RoomID == nil || *entry.RoomID != roomID) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
