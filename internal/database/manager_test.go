package database

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "cloudserver/pkg/database"
	"cloudserver/pkg/types"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	manager, err := NewManager(dbconfig.DefaultConfig(filepath.Join(t.TempDir(), "nested", "audit.db")), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func entryAt(room, variable string, at time.Time) *types.AuditEntry {
	action := types.ActionUpdate
	entry := &types.AuditEntry{
		Timestamp:    &at,
		VariableName: &variable,
		Action:       &action,
	}
	if room != "" {
		entry.RoomID = &room
	}
	return entry
}

func TestNewManager_CreatesSchema(t *testing.T) {
	manager := setupTestDB(t)

	assert.NoError(t, dbconfig.NewSchemaValidator(manager.GetDB()).Validate())
	assert.NoError(t, manager.HealthCheck(context.Background()))
}

func TestNewManager_InvalidConfig(t *testing.T) {
	_, err := NewManager(&dbconfig.Config{}, nil)
	assert.Error(t, err)
}

func TestManager_StoreAndRecent(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, manager.StoreEntry(ctx, entryAt("104", "☁ a", base)))
	require.NoError(t, manager.StoreEntry(ctx, entryAt("104", "☁ b", base.Add(time.Second))))
	require.NoError(t, manager.StoreEntry(ctx, entryAt("205", "☁ c", base.Add(2*time.Second))))

	entries, err := manager.RecentEntries(ctx, "104", 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "☁ b", *entries[0].VariableName, "newest first")
	assert.Equal(t, "☁ a", *entries[1].VariableName)
	assert.True(t, base.Equal(*entries[1].Timestamp))

	entries, err = manager.RecentEntries(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	entries, err = manager.RecentEntries(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "☁ c", *entries[0].VariableName)
}

func TestManager_StoreSparseEntry(t *testing.T) {
	manager := setupTestDB(t)
	manager.now = func() time.Time { return base }
	ctx := context.Background()

	name := "☁ x"
	require.NoError(t, manager.StoreEntry(ctx, &types.AuditEntry{VariableName: &name, Suspicious: true}))

	var recordedAt int64
	var suspicious bool
	var room sql.NullString
	require.NoError(t, manager.GetDB().QueryRow(
		"SELECT recorded_at, suspicious, room_id FROM audit_entries").Scan(&recordedAt, &suspicious, &room))
	assert.Equal(t, base.UnixMilli(), recordedAt)
	assert.True(t, suspicious)
	assert.False(t, room.Valid)

	entries, err := manager.RecentEntries(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Nil(t, entries[0].Timestamp)
	assert.Nil(t, entries[0].RoomID)
}

func TestManager_PruneOlderThan(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, manager.StoreEntry(ctx, entryAt("104", "☁ v", base.Add(time.Duration(i)*24*time.Hour))))
	}

	removed, err := manager.PruneOlderThan(ctx, base.Add(3*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	entries, err := manager.RecentEntries(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	manager := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, manager.StoreEntry(ctx, entryAt("104", "☁ v", base.Add(time.Duration(i)*time.Millisecond))))
		}(i)
	}
	wg.Wait()

	entries, err := manager.RecentEntries(ctx, "104", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestManager_WriteRetriesOnce(t *testing.T) {
	manager := setupTestDB(t)
	manager.retryDelay = time.Millisecond

	attempts := 0
	err := manager.executeWrite(context.Background(), func(*sql.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, attempts)

	attempts = 0
	err = manager.executeWrite(context.Background(), func(*sql.DB) error {
		attempts++
		return errors.New("disk I/O error")
	})
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestManager_Close(t *testing.T) {
	manager := setupTestDB(t)

	require.NoError(t, manager.Close())
	require.NoError(t, manager.Close(), "close is idempotent")

	err := manager.StoreEntry(context.Background(), entryAt("104", "☁ v", base))
	assert.ErrorIs(t, err, ErrClosed)
}
