package websocket

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cloudserver/internal/config"
	"cloudserver/internal/hub"
	"cloudserver/internal/room"
	"cloudserver/pkg/types"
)

// Handler upgrades HTTP requests to broker connections and pumps their
// frames into the hub.
type Handler struct {
	hub       *hub.Hub
	registry  *Registry
	addresses *AddressResolver
	admission *Admission
	upgrader  websocket.Upgrader
	connCfg   ConnectionConfig
	logger    *slog.Logger

	wg sync.WaitGroup
}

// NewHandler creates a handler. admission may be nil to accept every
// connection.
func NewHandler(h *hub.Hub, registry *Registry, cfg config.ServerConfig, admission *Admission, logger *slog.Logger) (*Handler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addresses, err := NewAddressResolver(cfg.Proxy)
	if err != nil {
		return nil, err
	}
	return &Handler{
		hub:       h,
		registry:  registry,
		addresses: addresses,
		admission: admission,
		upgrader: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: cfg.WebSocket.PerMessageDeflate,
		},
		connCfg: NewConnectionConfig(cfg),
		logger:  logger,
	}, nil
}

// HandleWebSocket accepts one connection.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	addr := h.addresses.Resolve(r)
	if h.admission != nil && !h.admission.Allow(addr) {
		h.logger.Debug("connection refused by admission limit", "ip", addr)
		http.Error(w, "Too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "ip", addr, "error", err)
		return
	}

	conn := NewConnection(ws, h.connCfg, h.logger)
	client := room.NewClient(addr, r.UserAgent(), conn)
	if err := h.registry.Register(conn, client); err != nil {
		h.logger.Error("failed to register connection", "error", err)
		_ = conn.Close(types.CloseGeneric, "registration failed")
		return
	}

	h.wg.Add(1)
	go h.handleConnection(conn, client)
}

func (h *Handler) handleConnection(conn *Connection, client *room.Client) {
	defer h.wg.Done()
	defer func() {
		h.registry.Unregister(client)
		if err := h.hub.Disconnect(client); err != nil {
			h.logger.Debug("disconnect not queued", "client", client.ID, "error", err)
		}
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}()

	err := conn.ReadLoop(func(msg *types.Message) error {
		return h.hub.Dispatch(client, msg)
	})

	switch {
	case errors.Is(err, ErrInvalidFrame):
		h.logger.Debug("closed connection after malformed frame", "client", client.ID, "ip", client.IP)
	case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
		h.logger.Debug("websocket error", "client", client.ID, "error", err)
	}
}

// Wait blocks until every connection goroutine has finished.
func (h *Handler) Wait() {
	h.wg.Wait()
}
