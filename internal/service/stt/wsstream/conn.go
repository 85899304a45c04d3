// Package wsstream is the WebSocket transport shared by the websocket-based
// STT adapters. It owns dialing, serialized writes, the receive goroutine and
// the close handshake; message encoding stays with each provider.
package wsstream

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Default connection constants.
const (
	DefaultDialTimeout    = 10 * time.Second
	DefaultWriteWait      = 5 * time.Second
	DefaultMaxMessageSize = 4 * 1024 * 1024
	closeFrameWait        = time.Second
)

// ErrNotConnected is returned by writes on a closed or never-opened stream.
var ErrNotConnected = errors.New("websocket is not connected")

// Config configures the connection.
type Config struct {
	URL            string
	Header         http.Header
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func (c *Config) defaults() {
	if c.DialTimeout == 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.WriteWait == 0 {
		c.WriteWait = DefaultWriteWait
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
}

// Handler receives every inbound text or binary message.
type Handler func(data []byte)

// ExitFunc is called once when the receive goroutine stops. expected is true
// when the stream ended because we were closing it or the peer closed normally.
type ExitFunc func(err error, expected bool)

// Conn is one provider WebSocket.
type Conn struct {
	cfg      Config
	conn     *websocket.Conn
	header   http.Header
	writeMu  sync.Mutex // gorilla allows one concurrent writer
	closing  atomic.Bool
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
	loopOnce sync.Once
}

// Dial opens the connection. The handshake response headers are kept for
// providers that report session ids there.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.defaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, fmt.Errorf("websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	var header http.Header
	if resp != nil {
		header = resp.Header
		if resp.Body != nil {
			_ = resp.Body.Close()
		}
	}

	conn.SetReadLimit(cfg.MaxMessageSize)

	return &Conn{
		cfg:    cfg,
		conn:   conn,
		header: header,
		done:   make(chan struct{}),
	}, nil
}

// ResponseHeader returns the handshake response headers.
func (c *Conn) ResponseHeader() http.Header {
	return c.header
}

// Start launches the receive goroutine. Only the first call has an effect.
func (c *Conn) Start(handle Handler, exit ExitFunc) {
	c.loopOnce.Do(func() {
		go c.receiveLoop(handle, exit)
	})
}

func (c *Conn) receiveLoop(handle Handler, exit ExitFunc) {
	defer close(c.done)
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			expected := c.closing.Load() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			if exit != nil {
				exit(err, expected)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		handle(data)
	}
}

// Done is closed once the receive goroutine has exited.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// WriteBinary sends one binary frame.
func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

// WriteJSON sends v as one text frame.
func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(mt int, data []byte) error {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.conn.WriteMessage(mt, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// MarkClosing flags that a read error from now on is part of shutdown.
func (c *Conn) MarkClosing() {
	c.closing.Store(true)
}

// Close sends a close frame and releases the socket. Idempotent.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()
	c.closing.Store(true)

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeFrameWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	return c.conn.Close()
}
