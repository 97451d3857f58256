// Package api serves the broker's HTTP surface: health, statistics, room
// inspection and the websocket endpoint itself.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"cloudserver/internal/audit"
	"cloudserver/internal/room"
	"cloudserver/internal/websocket"
	"cloudserver/pkg/types"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
	healthTimeout     = 5 * time.Second
)

// AuditSource serves recent audit entries.
type AuditSource interface {
	RecentEntries(ctx context.Context, roomID string, limit int) ([]*types.AuditEntry, error)
}

// HealthChecker is implemented by the persistent audit store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// FilterCounter reports how many filters are loaded.
type FilterCounter interface {
	CountFilters() int
	CountFilterLists() int
}

// AuditStatser reports audit pipeline counters.
type AuditStatser interface {
	Stats() audit.Stats
}

// Options wires the server to the rest of the broker. Everything except
// Rooms is optional.
type Options struct {
	Rooms     *room.List
	Registry  *websocket.Registry
	Audit     AuditSource
	Store     HealthChecker
	Filters   FilterCounter
	AuditLog  AuditStatser
	WebSocket http.HandlerFunc
	Logger    *slog.Logger
}

// Server routes HTTP requests.
type Server struct {
	opts    Options
	router  *mux.Router
	started time.Time
}

// NewServer creates a server and registers its routes.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		opts:    opts,
		router:  mux.NewRouter(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(securityHeaders)

	if s.opts.WebSocket != nil {
		s.router.HandleFunc("/", s.opts.WebSocket).
			Methods(http.MethodGet).
			HeadersRegexp("Upgrade", "(?i)^websocket$")
	}
	s.router.HandleFunc("/", s.index).Methods(http.MethodGet)

	s.handleJSON("/health", s.healthCheck)
	s.handleJSON("/api/stats", s.stats)
	s.handleJSON("/api/rooms/{id}", s.getRoom)
	s.handleJSON("/api/rooms/{id}/audit", s.roomAudit)
}

func (s *Server) handleJSON(path string, fn http.HandlerFunc) {
	s.router.Handle(path, jsonMiddleware(fn)).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status      string                  `json:"status"`
	Timestamp   time.Time               `json:"timestamp"`
	Database    string                  `json:"database"`
	Connections websocket.RegistryStats `json:"connections"`
	System      map[string]interface{}  `json:"system"`
}

type StatsResponse struct {
	Rooms       room.Stats              `json:"rooms"`
	Connections websocket.RegistryStats `json:"connections"`
	Filters     FilterStats             `json:"filters"`
	Audit       *audit.Stats            `json:"audit,omitempty"`
}

type FilterStats struct {
	Filters int `json:"filters"`
	Lists   int `json:"lists"`
}

type RoomResponse struct {
	ID           string            `json:"id"`
	Clients      int               `json:"clients"`
	Variables    map[string]string `json:"variables"`
	LastActivity time.Time         `json:"last_activity"`
}

type AuditResponse struct {
	RoomID  string              `json:"room_id"`
	Entries []*types.AuditEntry `json:"entries"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (s *Server) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("cloud variable server\n"))
}

// healthCheck reports 503 when the audit store is configured but failing.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.opts.Store != nil {
		dbStatus = "healthy"
		if err := s.opts.Store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = "error: " + err.Error()
		}
	}

	response := HealthResponse{
		Status:      status,
		Timestamp:   time.Now(),
		Database:    dbStatus,
		Connections: s.connectionStats(),
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	response := StatsResponse{
		Rooms:       s.opts.Rooms.Stats(),
		Connections: s.connectionStats(),
	}
	if s.opts.Filters != nil {
		response.Filters = FilterStats{
			Filters: s.opts.Filters.CountFilters(),
			Lists:   s.opts.Filters.CountFilterLists(),
		}
	}
	if s.opts.AuditLog != nil {
		st := s.opts.AuditLog.Stats()
		response.Audit = &st
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rm, err := s.opts.Rooms.Get(id)
	if err != nil {
		s.sendError(w, "Room not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, http.StatusOK, RoomResponse{
		ID:           rm.ID,
		Clients:      rm.ClientCount(),
		Variables:    rm.Variables(),
		LastActivity: rm.LastActivity(),
	})
}

func (s *Server) roomAudit(w http.ResponseWriter, r *http.Request) {
	if s.opts.Audit == nil {
		s.sendError(w, "Audit log disabled", http.StatusNotFound)
		return
	}
	id := mux.Vars(r)["id"]

	limit := defaultAuditLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.sendError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAuditLimit)
	}

	entries, err := s.opts.Audit.RecentEntries(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.opts.Logger.Error("failed to read audit entries", "room", id, "error", err)
		s.sendError(w, "Failed to read audit log", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []*types.AuditEntry{}
	}
	s.writeJSON(w, http.StatusOK, AuditResponse{RoomID: id, Entries: entries})
}

func (s *Server) connectionStats() websocket.RegistryStats {
	if s.opts.Registry == nil {
		return websocket.RegistryStats{}
	}
	return s.opts.Registry.Stats()
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.opts.Logger.Debug("failed to write response", "error", err)
	}
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Permissions-Policy", "interest-cohort=()")
		next.ServeHTTP(w, r)
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
