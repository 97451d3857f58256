// Package database is the SQLite audit store. All writes go through a single
// goroutine; reads use the connection pool directly.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "cloudserver/pkg/database"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

var (
	ErrClosed       = errors.New("database manager is closed")
	ErrWriteTimeout = errors.New("write operation timeout")
)

const (
	writeQueueSize = 100
	writeTimeout   = 30 * time.Second
	retryDelay     = 5 * time.Second
)

var _ interfaces.AuditStore = (*Manager)(nil)

// Manager implements interfaces.AuditStore on SQLite.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex

	retryDelay time.Duration
	now        func() time.Time
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database at config.DatabasePath, creating its parent
// directory, brings the schema up to date and starts the writer.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	if dir := filepath.Dir(config.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}
	if err := dbconfig.NewMigrationManager(db, dbconfig.AuditMigrations).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, err
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger,
		writeChannel: make(chan writeOperation, writeQueueSize),
		shutdown:     make(chan struct{}),
		retryDelay:   retryDelay,
		now:          time.Now,
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	logger.Info("audit database ready", "path", config.DatabasePath)
	return manager, nil
}

// writeLoop runs every write. A failed write is retried once.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				m.logger.Warn("database write failed, retrying", "delay", m.retryDelay, "error", err)
				select {
				case <-time.After(m.retryDelay):
					err = op.operation(m.db)
				case <-m.shutdown:
				}
				if err != nil {
					m.logger.Error("database write failed after retry", "error", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

func (m *Manager) executeWrite(ctx context.Context, operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timeout := time.NewTimer(writeTimeout)
	defer timeout.Stop()

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
	case <-timeout.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-m.shutdown:
		return ErrClosed
	}
}

// StoreEntry inserts entry. Entries without a timestamp are recorded at the
// current time so retention still applies to them.
func (m *Manager) StoreEntry(ctx context.Context, entry *types.AuditEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal audit entry: %w", err)
	}

	recordedAt := m.now()
	if entry.Timestamp != nil {
		recordedAt = *entry.Timestamp
	}

	return m.executeWrite(ctx, func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO audit_entries (recorded_at, room_id, variable_name, action, ip, suspicious, entry)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			recordedAt.UnixMilli(),
			nullable(entry.RoomID),
			nullable(entry.VariableName),
			nullableAction(entry.Action),
			nullable(entry.IP),
			entry.Suspicious,
			string(payload),
		)
		if err != nil {
			return fmt.Errorf("failed to insert audit entry: %w", err)
		}
		return nil
	})
}

// RecentEntries returns up to limit entries, newest first. An empty roomID
// matches every room and limit <= 0 returns everything.
func (m *Manager) RecentEntries(ctx context.Context, roomID string, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = -1
	}

	var (
		rows *sql.Rows
		err  error
	)
	if roomID == "" {
		rows, err = m.db.QueryContext(ctx, `
			SELECT entry FROM audit_entries
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		`, limit)
	} else {
		rows, err = m.db.QueryContext(ctx, `
			SELECT entry FROM audit_entries
			WHERE room_id = ?
			ORDER BY recorded_at DESC, id DESC
			LIMIT ?
		`, roomID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*types.AuditEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		var entry types.AuditEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("failed to unmarshal audit entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit rows: %w", err)
	}
	return entries, nil
}

// PruneOlderThan deletes entries recorded before cutoff and reports how
// many were removed.
func (m *Manager) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := m.executeWrite(ctx, func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM audit_entries WHERE recorded_at < ?", cutoff.UnixMilli())
		if err != nil {
			return fmt.Errorf("failed to prune audit entries: %w", err)
		}
		removed, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		m.logger.Debug("pruned audit entries", "removed", removed, "cutoff", cutoff)
	}
	return removed, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	var count int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_entries LIMIT 1").Scan(&count); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying connection for schema checks.
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close stops the writer and closes the connection. Safe to call twice.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -16000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableAction(a *types.Action) sql.NullString {
	if a == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(*a), Valid: true}
}
