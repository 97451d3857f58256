// Package hub serializes protocol traffic. Every inbound message and every
// disconnect from every connection passes through one goroutine, so the
// router sees a single ordered stream of events.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"cloudserver/internal/room"
	"cloudserver/internal/router"
	"cloudserver/pkg/types"
)

const eventBufferSize = 1000

// event is one unit of work for the hub loop. A nil message means the
// client disconnected.
type event struct {
	client  *room.Client
	message *types.Message
}

// Hub feeds client events to the router one at a time.
type Hub struct {
	events          chan event
	shutdownChannel chan struct{}
	done            chan struct{}

	router *router.Router
	logger *slog.Logger

	running bool
	stopped bool
	mu      sync.RWMutex
}

// NewHub creates a hub dispatching to r.
func NewHub(r *router.Router, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		events:          make(chan event, eventBufferSize),
		shutdownChannel: make(chan struct{}),
		done:            make(chan struct{}),
		router:          r,
		logger:          logger,
	}
}

// Start begins hub processing. A hub cannot be restarted once stopped.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running || h.stopped {
		return ErrHubAlreadyRunning
	}
	h.running = true

	go h.run(ctx)
	return nil
}

// Stop ends processing and waits for the loop to exit. Queued events that
// were not yet handled are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	h.stopped = true
	close(h.shutdownChannel)
	h.mu.Unlock()

	<-h.done
	return nil
}

// Dispatch queues msg from c. It blocks while the queue is full, which
// pushes back on the sending connection's read loop.
func (h *Hub) Dispatch(c *room.Client, msg *types.Message) error {
	if c == nil {
		return ErrNilClient
	}
	return h.enqueue(event{client: c, message: msg})
}

// Disconnect queues the removal of c from its room, after any messages c
// sent before it.
func (h *Hub) Disconnect(c *room.Client) error {
	if c == nil {
		return ErrNilClient
	}
	return h.enqueue(event{client: c})
}

func (h *Hub) enqueue(ev event) error {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.events <- ev:
		return nil
	case <-h.shutdownChannel:
		return ErrHubNotRunning
	}
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case ev := <-h.events:
			if ev.message == nil {
				h.router.Disconnect(ev.client)
				continue
			}
			h.handleMessage(ev.client, ev.message)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			h.logger.Debug("hub context cancelled")
			return
		}
	}
}

// handleMessage routes one message. Close errors end the connection; other
// errors only drop the message.
func (h *Hub) handleMessage(c *room.Client, msg *types.Message) {
	err := h.router.Handle(c, msg)
	if err == nil {
		return
	}

	var closeErr *router.CloseError
	if errors.As(err, &closeErr) {
		h.logger.Info("closing connection",
			"client", c.ID, "ip", c.IP, "method", msg.Method, "code", closeErr.Code, "error", closeErr.Err)
		h.router.Disconnect(c)
		// Closing can wait on a stalled writer; keep it off the hub loop.
		go func() {
			if cerr := c.Close(closeErr.Code, closeErr.Reason); cerr != nil {
				h.logger.Debug("close failed", "client", c.ID, "error", cerr)
			}
		}()
		return
	}

	h.logger.Debug("message dropped",
		"client", c.ID, "room", c.RoomID(), "method", msg.Method, "name", msg.Name, "error", err)
}
