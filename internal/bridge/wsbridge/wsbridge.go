// Package wsbridge carries the bridge protocol over a websocket connection,
// one JSON message per text frame. It serves both directions: the host dials
// a remote sandbox with Dial, and the server wraps accepted connections with
// Wrap to face a remote host.
package wsbridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/ScriptBridge/internal/bridge"
	"github.com/GriffinCanCode/ScriptBridge/internal/logging"
	"github.com/GriffinCanCode/ScriptBridge/internal/protocol"
)

// ErrClosed is returned by Post after the connection is closed.
var ErrClosed = errors.New("websocket bridge is closed")

const closeGrace = 250 * time.Millisecond

// Conn adapts one websocket connection to the bridge contract. A single read
// goroutine delivers inbound messages in arrival order; writes are serialized
// by a mutex because gorilla permits only one concurrent writer.
type Conn struct {
	log  *logging.Logger
	conn *websocket.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	handler  func(protocol.Message)
	readOnce sync.Once
	doneOnce sync.Once
	done     chan struct{}
	closed   bool
}

var _ bridge.Bridge = (*Conn)(nil)

// Wrap adapts an already-established websocket connection.
func Wrap(conn *websocket.Conn, log *logging.Logger) *Conn {
	if log == nil {
		log = logging.NewNop()
	}
	return &Conn{log: log, conn: conn, done: make(chan struct{})}
}

// Dial connects to a remote bridge endpoint.
func Dial(ctx context.Context, url string, log *logging.Logger) (*Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(conn, log), nil
}

func (c *Conn) Post(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	return nil
}

func (c *Conn) Listen(handler func(protocol.Message)) func() {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()

	c.readOnce.Do(func() {
		go c.readLoop()
	})

	return func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
}

// Done is closed when the connection is no longer usable, either because the
// peer hung up or Dispose was called.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) readLoop() {
	defer c.doneOnce.Do(func() { close(c.done) })
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	}
}

// Dispose sends a best-effort close frame and tears the connection down,
// which also unblocks the read loop. Safe to call more than once.
func (c *Conn) Dispose() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(closeGrace),
	)
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.doneOnce.Do(func() { close(c.done) })
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
