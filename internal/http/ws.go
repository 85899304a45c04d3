package http

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"speech-relay-service/internal/service/relay"
)

const (
	defaultWriteTimeout = 5 * time.Second
	hardReadLimit       = 16 << 20
	closeWriteWait      = time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 8 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsClient adapts a client websocket to relay.ClientConn.
type wsClient struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSClient(conn *websocket.Conn, writeTimeout time.Duration) *wsClient {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	conn.SetReadLimit(hardReadLimit)
	return &wsClient{conn: conn, writeTimeout: writeTimeout}
}

// ReadFrame blocks for the next client message. Cancelling ctx expires the
// read deadline so the pending read returns.
func (c *wsClient) ReadFrame(ctx context.Context) (relay.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	mt, data, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return relay.Frame{}, ctx.Err()
		}
		return relay.Frame{}, err
	}

	switch mt {
	case websocket.BinaryMessage:
		return relay.Frame{Kind: relay.FrameBinary, Data: data}, nil
	case websocket.TextMessage:
		return relay.Frame{Kind: relay.FrameText, Data: data}, nil
	default:
		return relay.Frame{Kind: relay.FrameOther, Data: data}, nil
	}
}

func (c *wsClient) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

// Close sends a close frame with code and releases the socket.
func (c *wsClient) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(closeWriteWait),
		)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}
