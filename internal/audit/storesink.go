package audit

import (
	"context"
	"fmt"
	"time"

	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

const storeTimeout = 5 * time.Second

// StoreSink writes entries to an AuditStore and prunes rows past the
// retention age. The store is owned by the caller and not closed here.
type StoreSink struct {
	store     interfaces.AuditStore
	retention time.Duration
}

// NewStoreSink wraps store. retention <= 0 keeps rows forever.
func NewStoreSink(store interfaces.AuditStore, retention time.Duration) *StoreSink {
	return &StoreSink{store: store, retention: retention}
}

func (s *StoreSink) Write(entry *types.AuditEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	return s.store.StoreEntry(ctx, entry)
}

// Prune deletes rows older than the retention age.
func (s *StoreSink) Prune(now time.Time) error {
	if s.retention <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if _, err := s.store.PruneOlderThan(ctx, now.Add(-s.retention)); err != nil {
		return fmt.Errorf("failed to prune audit store: %w", err)
	}
	return nil
}

func (s *StoreSink) Close() error { return nil }
