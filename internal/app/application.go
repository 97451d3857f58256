// Package app wires the broker's components together and owns their
// start and stop order.
package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"cloudserver/internal/api"
	"cloudserver/internal/audit"
	"cloudserver/internal/config"
	"cloudserver/internal/database"
	"cloudserver/internal/filter"
	"cloudserver/internal/hub"
	"cloudserver/internal/janitor"
	"cloudserver/internal/room"
	"cloudserver/internal/router"
	"cloudserver/internal/websocket"
	dbconfig "cloudserver/pkg/database"
)

const (
	// DefaultFiltersDir holds .filter and .jsfilter lists.
	DefaultFiltersDir = "filters"

	recentAuditEntries = 1000
	readHeaderTimeout  = 10 * time.Second
)

// Options carries what is not part of the configuration files.
type Options struct {
	FiltersDir string
	Logger     *slog.Logger
	// Listener replaces the configured port when set.
	Listener net.Listener
}

// Application coordinates all system components.
type Application struct {
	config *config.Config
	logger *slog.Logger

	filters   *filter.Engine
	store     *database.Manager
	auditLog  *audit.Log
	rooms     *room.List
	janitor   *janitor.Janitor
	hub       *hub.Hub
	registry  *websocket.Registry
	admission *websocket.Admission
	wsHandler *websocket.Handler
	apiServer *api.Server

	httpServer *http.Server
	listener   net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApplication creates every component. Initialization order:
// filters → audit sinks → audit log → rooms → router → hub → websocket → API.
func NewApplication(cfg *config.Config, opts Options) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.FiltersDir == "" {
		opts.FiltersDir = DefaultFiltersDir
	}

	app := &Application{
		config:   cfg,
		logger:   logger,
		listener: opts.Listener,
	}

	app.filters = filter.Load(opts.FiltersDir, logger)

	sinks, recent, err := app.openSinks()
	if err != nil {
		return nil, err
	}

	app.auditLog = audit.New(audit.Options{
		Config:     cfg.Monitoring,
		Classifier: app.filters,
		Sinks:      sinks,
		Logger:     logger.With("component", "audit"),
	})

	limits := cfg.Room.Limits
	app.rooms = room.NewList(room.Limits{
		MaxRooms:            limits.MaxRooms,
		MaxClientsPerRoom:   limits.MaxClientsPerRoom,
		MaxVariablesPerRoom: limits.MaxVariablesPerRoom,
	}, app.auditLog, nil, logger)

	app.janitor = janitor.New(app.rooms, janitor.Config{
		Interval:           cfg.Room.Janitor.Interval.Duration(),
		EmptyRoomThreshold: cfg.Room.Janitor.EmptyRoomThreshold.Duration(),
	}, nil, logger.With("component", "janitor"))

	messageRouter := router.NewRouter(app.rooms, router.Options{
		Features:   cfg.Server.Features,
		Classifier: app.filters,
		Logger:     logger.With("component", "router"),
	})
	app.hub = hub.NewHub(messageRouter, logger.With("component", "hub"))

	ws := cfg.Server.WebSocket
	app.registry = websocket.NewRegistry()
	app.admission = websocket.NewAdmission(ws.ConnectionsPerSecond, ws.ConnectionBurst, nil)
	app.wsHandler, err = websocket.NewHandler(app.hub, app.registry, cfg.Server, app.admission, logger.With("component", "websocket"))
	if err != nil {
		app.closeAudit()
		return nil, fmt.Errorf("failed to create websocket handler: %w", err)
	}

	apiOpts := api.Options{
		Rooms:     app.rooms,
		Registry:  app.registry,
		Audit:     recent,
		Filters:   app.filters,
		AuditLog:  app.auditLog,
		WebSocket: app.wsHandler.HandleWebSocket,
		Logger:    logger.With("component", "api"),
	}
	if app.store != nil {
		apiOpts.Audit = app.store
		apiOpts.Store = app.store
	}
	app.apiServer = api.NewServer(apiOpts)

	app.httpServer = &http.Server{
		Handler:           app.apiServer,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return app, nil
}

// openSinks builds the audit sinks from the monitoring section. The
// in-memory buffer is always present so recent entries can be served.
func (app *Application) openSinks() ([]audit.Sink, *audit.RecentBuffer, error) {
	auditCfg := app.config.Monitoring.AuditLog
	recent := audit.NewRecentBuffer(recentAuditEntries)
	sinks := []audit.Sink{recent}

	if auditCfg.Enabled {
		fileSink, err := audit.NewFileSink(auditCfg, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open audit log: %w", err)
		}
		app.logger.Info("writing audit log", "path", fileSink.Path())
		sinks = append(sinks, fileSink)
	}

	if auditCfg.Database.Enabled {
		retention, err := config.ParseMaxFiles(auditCfg.MaxFiles.String())
		if err != nil {
			closeSinks(sinks)
			return nil, nil, err
		}
		store, err := database.NewManager(dbconfig.DefaultConfig(auditCfg.Database.Path), app.logger.With("component", "database"))
		if err != nil {
			closeSinks(sinks)
			return nil, nil, fmt.Errorf("failed to open audit database: %w", err)
		}
		app.store = store
		sinks = append(sinks, audit.NewStoreSink(store, retention.MaxAge))
	}
	return sinks, recent, nil
}

func closeSinks(sinks []audit.Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}

// Start launches background workers and begins serving. It returns once the
// listener is bound.
func (app *Application) Start(ctx context.Context) error {
	if err := app.listen(); err != nil {
		return err
	}

	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	app.cancel = cancel

	if err := app.hub.Start(bg); err != nil {
		cancel()
		_ = app.listener.Close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}
	for _, worker := range []func(context.Context){app.janitor.Start, app.auditLog.Start, app.admission.Start} {
		worker := worker
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			worker(bg)
		}()
	}

	app.wg.Add(1)
	go func() {
		defer app.wg.Done()
		if err := app.httpServer.Serve(app.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("HTTP server stopped", "error", err)
		}
	}()

	app.logger.Info("cloud server started",
		"network", app.listener.Addr().Network(),
		"address", app.listener.Addr().String())
	return nil
}

func (app *Application) listen() error {
	if app.listener != nil {
		return nil
	}
	network, address, err := app.config.Server.Server.Address()
	if err != nil {
		return err
	}

	if network == "unix" {
		if err := os.Remove(address); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove stale socket %s: %w", address, err)
		}
	}
	listener, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	if network == "unix" {
		perm := fs.FileMode(app.config.Server.Server.UnixSocketPermissions)
		if err := os.Chmod(address, perm); err != nil {
			_ = listener.Close()
			return fmt.Errorf("failed to set socket permissions: %w", err)
		}
	}
	app.listener = listener
	return nil
}

// Stop shuts down in reverse dependency order:
// HTTP → connections → hub and workers → audit log → database.
func (app *Application) Stop(ctx context.Context) error {
	app.logger.Info("shutting down cloud server")

	var errs []error
	if err := app.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP server shutdown: %w", err))
	}

	app.registry.CloseAll(gorillaws.CloseGoingAway, "server shutting down")
	app.wsHandler.Wait()

	if app.cancel != nil {
		app.cancel()
	}
	if err := app.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("message hub shutdown: %w", err))
	}
	app.wg.Wait()

	app.closeAudit()

	app.logger.Info("cloud server shutdown complete")
	return errors.Join(errs...)
}

func (app *Application) closeAudit() {
	if err := app.auditLog.Close(); err != nil {
		app.logger.Warn("audit log shutdown error", "error", err)
	}
	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Warn("database shutdown error", "error", err)
		}
	}
}

// Addr returns the bound listen address, or nil before Start.
func (app *Application) Addr() net.Addr {
	if app.listener == nil {
		return nil
	}
	return app.listener.Addr()
}

// Rooms exposes the room list for inspection.
func (app *Application) Rooms() *room.List {
	return app.rooms
}
