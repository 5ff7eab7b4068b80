// Package wsconn wraps a gorilla/websocket connection as a single-frame
// (relay.Writer-compatible) binary transport: one AMP wire frame per
// WebSocket binary message, with read/write pumps modeled on the
// relay server's client hub.
package wsconn

import (
	"sync"
	"time"

	"github.com/agentries/amp/pkg/amperrors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// MaxMessageBytes bounds a single WebSocket binary message, mirroring
	// internal/framing.MaxFrameSize so a frame that fits on the wire also
	// fits over a WebSocket transport.
	MaxMessageBytes = 8 * 1024 * 1024

	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Handler processes one inbound frame. A returned error logs but does not
// close the connection; only transport-level read errors and non-binary
// frames do that.
type Handler func(frame []byte) error

// Conn is a bidirectional binary-frame connection over a WebSocket. It
// implements relay.Writer so it can be registered directly with
// relay.Relay.RegisterWriter.
type Conn struct {
	conn *websocket.Conn
	log  *zap.Logger

	sendCh chan []byte
	doneCh chan struct{}

	mu     sync.Mutex
	closed bool
}

// New wraps an already-upgraded/dialed WebSocket connection. Call ReadLoop
// and WriteLoop each in their own goroutine before using the connection.
func New(conn *websocket.Conn, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	conn.SetReadLimit(MaxMessageBytes)
	return &Conn{
		conn:   conn,
		log:    log,
		sendCh: make(chan []byte, 256),
		doneCh: make(chan struct{}),
	}
}

// Write enqueues frame for delivery. It never blocks past the connection's
// buffer: a full send buffer is treated as a dead peer and closes the
// connection, matching the relay server's broadcast-drops-slow-clients
// policy.
func (c *Conn) Write(frame []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amperrors.EndpointUnavailable("connection closed")
	}
	c.mu.Unlock()

	select {
	case c.sendCh <- frame:
		return nil
	default:
		c.Close()
		return amperrors.EndpointUnavailable("send buffer full")
	}
}

// Close closes the underlying connection exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.doneCh)
	return c.conn.Close()
}

// ReadLoop blocks reading binary messages and dispatching them to handle
// until the connection errors or is closed. It always returns (never
// panics) so the caller can clean up registration state.
func (c *Conn) ReadLoop(handle Handler) {
	defer c.Close()

	c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Debug("wsconn: read error", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			c.log.Warn("wsconn: rejecting non-binary frame", zap.Error(amperrors.InvalidMessage("text frames are not supported; binary frames only")))
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if err := handle(data); err != nil {
			c.log.Warn("wsconn: handler error", zap.Error(err))
		}
	}
}

// WriteLoop drains the send queue onto the wire and emits keepalive pings,
// returning when the connection is closed.
func (c *Conn) WriteLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.log.Debug("wsconn: write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.doneCh:
			return
		}
	}
}
