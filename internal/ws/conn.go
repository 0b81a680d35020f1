package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/remote-sandbox/client/internal/logging"
	"github.com/remote-sandbox/client/internal/model"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Output fragments can be long lines.
	maxMessageSize = 1 << 20

	// Outbound frames buffered before the connection is considered stuck.
	sendBufferSize = 256

	// Inbound frames buffered ahead of the consumer.
	eventBufferSize = 256

	// Time Close waits for the peer to answer the close frame.
	closeGrace = time.Second
)

var (
	// ErrConnClosed is returned by Emit after the connection has closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is the close reason when the peer stops draining writes.
	ErrSendBufferFull = errors.New("send buffer full")
)

// Channel is an open duplex event channel.
type Channel interface {
	// ID identifies the connection in logs.
	ID() string
	// Emit queues an event without blocking.
	Emit(event string, data any) error
	// Events delivers inbound frames in arrival order and is closed when the
	// connection ends.
	Events() <-chan model.Frame
	// Err returns why the connection ended, or nil while it is open or after
	// a local Close.
	Err() error
	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Options configures a Conn.
type Options struct {
	Logger *zap.Logger
	// PingPeriod overrides the keepalive period; zero uses the default.
	PingPeriod time.Duration
}

// Conn is a websocket connection carrying JSON event frames.
type Conn struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	events chan model.Frame
	quit   chan struct{}
	logger *zap.Logger

	pingPeriod time.Duration

	mu     sync.Mutex
	closed bool
	err    error

	pumps sync.WaitGroup
}

// NewConn wraps an established websocket connection and starts its pumps.
func NewConn(conn *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		events:     make(chan model.Frame, eventBufferSize),
		quit:       make(chan struct{}),
		pingPeriod: opts.PingPeriod,
	}
	if c.pingPeriod <= 0 {
		c.pingPeriod = pingPeriod
	}
	c.logger = logging.OrNop(opts.Logger).With(zap.String("conn", c.id))

	c.pumps.Add(2)
	go c.writePump()
	go c.readPump()

	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Events returns the inbound frame channel.
func (c *Conn) Events() <-chan model.Frame {
	return c.events
}

// Emit serializes data as the frame payload and queues it for writing.
func (c *Conn) Emit(event string, data any) error {
	frame, err := MarshalFrame(event, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

// MarshalFrame encodes an event frame. HTML escaping is disabled so signed
// payload bytes embedded as json.RawMessage reach the peer unchanged.
func MarshalFrame(event string, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(data); err != nil {
		return nil, fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	raw := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))

	var out bytes.Buffer
	enc = json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(model.Frame{Event: event, Data: raw}); err != nil {
		return nil, fmt.Errorf("failed to marshal frame: %w", err)
	}
	return bytes.TrimSuffix(out.Bytes(), []byte("\n")), nil
}

func (c *Conn) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.closeLocked(ErrSendBufferFull)
		return ErrSendBufferFull
	}
}

// Err returns the reason the connection ended.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for both pumps to exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closeLocked(nil)
	c.mu.Unlock()

	// Give the write pump a moment to send the close frame, then force the
	// read pump out in case the peer never answers it.
	done := make(chan struct{})
	go func() {
		c.pumps.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(closeGrace):
		c.conn.Close()
		<-done
	}
	return nil
}

// Abort drops the underlying connection without a close handshake. The
// pumps observe it as a transport failure.
func (c *Conn) Abort() {
	c.conn.Close()
}

// IsClosed returns true if the connection is closed.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) closeLocked(reason error) {
	if c.closed {
		return
	}
	c.closed = true
	if c.err == nil {
		c.err = reason
	}
	close(c.send)
	close(c.quit)
}

// fail records a transport failure observed by a pump. A failure after a
// local Close is not recorded.
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.err = err
	c.closeLocked(err)
}

// readPump pumps frames from the websocket connection to the events channel.
func (c *Conn) readPump() {
	defer func() {
		close(c.events)
		c.conn.Close()
		c.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.IsClosed() {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			c.fail(err)
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var frame model.Frame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		if frame.Event == "" {
			c.logger.Warn("dropping frame without event name")
			continue
		}

		select {
		case c.events <- frame:
		case <-c.quit:
			return
		}
	}
}

// writePump pumps frames from the send queue to the websocket connection.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.pumps.Done()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Queue closed: say goodbye and let the peer close its side.
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			// One frame per websocket message.
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.fail(err)
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.fail(err)
				c.conn.Close()
				return
			}
		}
	}
}
