// Package integration exercises the broker's components together: rooms,
// the audit pipeline with its SQLite store, the janitor and the filters.
package integration

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloudserver/internal/audit"
	"cloudserver/internal/clock"
	"cloudserver/internal/config"
	"cloudserver/internal/database"
	"cloudserver/internal/janitor"
	"cloudserver/internal/room"
	dbconfig "cloudserver/pkg/database"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

// Epoch is the fake clock's starting time in every stack.
var Epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Stack is a broker without its network surface.
type Stack struct {
	Clock   *clock.FakeClock
	Store   *database.Manager
	Recent  *audit.RecentBuffer
	Audit   *audit.Log
	Rooms   *room.List
	Janitor *janitor.Janitor
}

// NewStack builds rooms over an audit log persisting to a fresh SQLite
// database. mutate may adjust the default configuration first.
func NewStack(t *testing.T, classifier interfaces.Classifier, mutate func(*config.Config)) *Stack {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Monitoring.Monitoring.LogFormat = "simple"
	if mutate != nil {
		mutate(cfg)
	}

	store, err := database.NewManager(dbconfig.DefaultConfig(filepath.Join(t.TempDir(), "audit.db")), nil)
	if err != nil {
		t.Fatalf("Failed to create database manager: %v", err)
	}

	retention, err := config.ParseMaxFiles(cfg.Monitoring.AuditLog.MaxFiles.String())
	if err != nil {
		t.Fatalf("Invalid retention: %v", err)
	}

	clk := clock.Fake(Epoch)
	recent := audit.NewRecentBuffer(100)
	log := audit.New(audit.Options{
		Config:     cfg.Monitoring,
		Classifier: classifier,
		Sinks:      []audit.Sink{recent, audit.NewStoreSink(store, retention.MaxAge)},
		Clock:      clk,
	})
	t.Cleanup(func() {
		if err := log.Close(); err != nil {
			t.Logf("Failed to close audit log: %v", err)
		}
		if err := store.Close(); err != nil {
			t.Logf("Failed to close database manager: %v", err)
		}
	})

	limits := cfg.Room.Limits
	rooms := room.NewList(room.Limits{
		MaxRooms:            limits.MaxRooms,
		MaxClientsPerRoom:   limits.MaxClientsPerRoom,
		MaxVariablesPerRoom: limits.MaxVariablesPerRoom,
	}, log, clk, nil)

	return &Stack{
		Clock:  clk,
		Store:  store,
		Recent: recent,
		Audit:  log,
		Rooms:  rooms,
		Janitor: janitor.New(rooms, janitor.Config{
			Interval:           cfg.Room.Janitor.Interval.Duration(),
			EmptyRoomThreshold: cfg.Room.Janitor.EmptyRoomThreshold.Duration(),
		}, clk, nil),
	}
}

// WaitWritten blocks until the audit log has written n entries.
func (s *Stack) WaitWritten(t *testing.T, n int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.Audit.Stats().Written < n {
		if time.Now().After(deadline) {
			t.Fatalf("audit log wrote %d entries, want %d", s.Audit.Stats().Written, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Recorder is a Transport that keeps everything sent to it.
type Recorder struct {
	mu     sync.Mutex
	sent   []*types.Message
	closed int
}

func (r *Recorder) Send(msg *types.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Close(code int, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = code
	return nil
}

// Messages returns a copy of what was sent so far.
func (r *Recorder) Messages() []*types.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.Message(nil), r.sent...)
}

// CloseCode returns the code the transport was closed with, or 0.
func (r *Recorder) CloseCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// NewClient returns a client with a recording transport.
func NewClient(ip string) (*room.Client, *Recorder) {
	rec := &Recorder{}
	return room.NewClient(ip, "integration/1.0", rec), rec
}
