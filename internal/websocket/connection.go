package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"relaychat/pkg/interfaces"
	"relaychat/pkg/types"
)

// Options tune a live connection.
type Options struct {
	SendBuffer     int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
}

// DefaultOptions returns the production connection settings.
func DefaultOptions() Options {
	return Options{
		SendBuffer:     100,
		WriteTimeout:   5 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 128 << 10,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.SendBuffer <= 0 {
		o.SendBuffer = d.SendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = d.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = d.MaxMessageSize
	}
	return o
}

// Connection is one authenticated websocket handle.
// ARCHITECTURAL DISCOVERY: websocket writes must be serialized, so every
// frame (including pings) goes through a single writer goroutine.
type Connection struct {
	id       string
	userID   int64
	openedAt time.Time

	conn      *websocket.Conn
	writeCh   chan []byte
	opts      Options
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closeErr  error
}

var _ interfaces.Connection = (*Connection)(nil)

// NewConnection wraps conn for userID and starts its writer.
func NewConnection(conn *websocket.Conn, userID int64, opts Options) *Connection {
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:       uuid.NewString(),
		userID:   userID,
		openedAt: time.Now(),
		conn:     conn,
		writeCh:  make(chan []byte, opts.SendBuffer),
		opts:     opts,
		ctx:      ctx,
		cancel:   cancel,
	}

	go c.writeLoop()
	return c
}

func (c *Connection) ID() string          { return c.id }
func (c *Connection) UserID() int64       { return c.userID }
func (c *Connection) OpenedAt() time.Time { return c.openedAt }

// Context is cancelled when the connection closes.
func (c *Connection) Context() context.Context { return c.ctx }

// Send queues event without blocking. A full buffer returns
// ErrSendBufferFull; the caller decides whether to drop the handle.
func (c *Connection) Send(event types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close stops the writer and closes the socket. Safe to call repeatedly.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.closeErr = c.conn.Close()
		}
	})
	return c.closeErr
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				_ = c.Close()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ReadPump reads text frames and passes each to onFrame until the peer goes
// away, the pong deadline passes or the connection is closed. It closes the
// connection before returning.
func (c *Connection) ReadPump(onFrame func(frame []byte)) error {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(c.opts.MaxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && !websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				return nil
			}
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}
		if messageType == websocket.TextMessage {
			onFrame(data)
		}
	}
}
