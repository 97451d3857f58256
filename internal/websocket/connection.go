package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"cloudserver/internal/config"
	"cloudserver/pkg/interfaces"
	"cloudserver/pkg/types"
)

var _ interfaces.Transport = (*Connection)(nil)

// ConnectionConfig tunes one connection.
type ConnectionConfig struct {
	// SendBufferSize bounds queued outbound messages. A client that falls
	// further behind is closed with CloseOverloaded.
	SendBufferSize int
	// FlushInterval batches outbound messages into one frame per interval.
	// Zero writes each message as soon as it is queued.
	FlushInterval time.Duration
	PingInterval  time.Duration
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	MaxPayload    int64
}

// NewConnectionConfig derives connection settings from the server section.
func NewConnectionConfig(cfg config.ServerConfig) ConnectionConfig {
	c := ConnectionConfig{
		SendBufferSize: cfg.WebSocket.SendBufferSize,
		PingInterval:   cfg.WebSocket.PingInterval.Duration(),
		ReadTimeout:    cfg.WebSocket.ReadTimeout.Duration(),
		WriteTimeout:   cfg.WebSocket.WriteTimeout.Duration(),
		MaxPayload:     cfg.WebSocket.MaxPayload,
	}
	if n := cfg.Performance.BufferSends; n > 0 {
		c.FlushInterval = time.Second / time.Duration(n)
	}
	return c
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.SendBufferSize <= 0 {
		c.SendBufferSize = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout / 2
	}
	return c
}

// Connection wraps a websocket. All data frames are written by a single
// writer goroutine; Send only enqueues.
type Connection struct {
	conn   *websocket.Conn
	config ConnectionConfig
	logger *slog.Logger

	sendCh    chan *types.Message
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
}

// NewConnection wraps conn and starts its writer.
func NewConnection(conn *websocket.Conn, cfg ConnectionConfig, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:   conn,
		config: cfg,
		logger: logger,
		sendCh: make(chan *types.Message, cfg.SendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.writeLoop()
	return c
}

// Send queues msg. It never blocks: when the buffer is full the connection
// is closed as overloaded.
func (c *Connection) Send(msg *types.Message) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	select {
	case c.sendCh <- msg:
		return nil
	default:
		go func() { _ = c.Close(types.CloseOverloaded, "send buffer full") }()
		return interfaces.ErrSendBufferFull
	}
}

// Close sends a close frame with code and tears the connection down. Only
// the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.done

		deadline := time.Now().Add(c.config.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		err = c.conn.Close()
	})
	return err
}

// Done is closed once the connection has been closed.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

func (c *Connection) writeLoop() {
	defer close(c.done)

	ping := time.NewTicker(c.config.PingInterval)
	defer ping.Stop()

	var (
		flush   <-chan time.Time
		pending []*types.Message
	)
	if c.config.FlushInterval > 0 {
		ticker := time.NewTicker(c.config.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		// Stop pulling from sendCh while a full batch is waiting, so the
		// buffer bound still applies in batched mode.
		in := c.sendCh
		if len(pending) >= c.config.SendBufferSize {
			in = nil
		}

		select {
		case msg := <-in:
			if flush != nil {
				pending = append(pending, msg)
				continue
			}
			if err := c.write([]*types.Message{msg}); err != nil {
				c.fail(err)
				return
			}

		case <-flush:
			if len(pending) == 0 {
				continue
			}
			if err := c.write(pending); err != nil {
				c.fail(err)
				return
			}
			pending = pending[:0]

		case <-ping.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.fail(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Connection) write(messages []*types.Message) error {
	data, err := types.EncodeFrame(messages)
	if err != nil {
		return err
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail is called by the writer when the socket is no longer writable.
func (c *Connection) fail(err error) {
	c.logger.Debug("websocket write failed", "error", err)
	c.cancel()
	_ = c.conn.Close()
}

// ReadLoop reads frames until the connection fails, passing every decoded
// message to handle. A frame that does not parse closes the connection with
// CloseGeneric.
func (c *Connection) ReadLoop(handle func(*types.Message) error) error {
	if c.config.MaxPayload > 0 {
		c.conn.SetReadLimit(c.config.MaxPayload)
	}
	if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return err
		}

		messages, err := types.ParseFrame(data)
		if err != nil {
			_ = c.Close(types.CloseGeneric, "invalid message")
			return ErrInvalidFrame
		}
		for _, msg := range messages {
			if err := handle(msg); err != nil {
				return err
			}
		}
	}
}
