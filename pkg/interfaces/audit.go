package interfaces

import (
	"context"
	"time"

	"cloudserver/pkg/types"
)

// Auditor observes every variable mutation. LogChange must never block the
// caller or report failure; rooms call it while holding their lock.
type Auditor interface {
	LogChange(change *types.VariableChange)
}

// AuditStore persists audit entries and serves the most recent ones back.
type AuditStore interface {
	StoreEntry(ctx context.Context, entry *types.AuditEntry) error
	RecentEntries(ctx context.Context, roomID string, limit int) ([]*types.AuditEntry, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
