package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/logging"
)

const (
	// Time allowed to write a message to the bridge
	wsWriteWait = 10 * time.Second

	// Maximum inbound message size accepted from the bridge
	wsMaxMessageSize = 4096

	// Receive channel depth; the session drains promptly, this only absorbs bursts
	wsReceiveBuffer = 16
)

// WebSocketDialer connects to a BLE bridge gateway that relays raw link bytes
// over binary WebSocket messages.
type WebSocketDialer struct {
	// URL is the bridge endpoint (e.g. "ws://bridge.local:6080/link")
	URL string

	// HandshakeTimeout bounds the WebSocket upgrade
	HandshakeTimeout time.Duration
}

// NewWebSocketDialer creates a dialer for a WebSocket bridge endpoint
func NewWebSocketDialer(url string) *WebSocketDialer {
	return &WebSocketDialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Endpoint returns the bridge URL
func (d *WebSocketDialer) Endpoint() string { return d.URL }

// Dial opens a new WebSocket link to the bridge
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, d.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bridge %s: %w", d.URL, err)
	}
	ws.SetReadLimit(wsMaxMessageSize)

	logging.LogLink(d.URL, "connected")

	c := &wsConn{
		ws:       ws,
		endpoint: d.URL,
		recv:     make(chan []byte, wsReceiveBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	endpoint string
	recv     chan []byte
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("bridge write failed: %w", err)
	}
	return nil
}

func (c *wsConn) Receive() <-chan []byte { return c.recv }

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
		logging.LogLink(c.endpoint, "closed")
	})
	return err
}

// readPump moves inbound binary messages onto the receive channel until the
// link drops, then closes the channel so the session sees the loss.
func (c *wsConn) readPump() {
	defer close(c.recv)
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			logging.Debug("Bridge read loop ended",
				zap.String("endpoint", c.endpoint),
				zap.Error(err),
			)
			_ = c.Close()
			return
		}
		if msgType != websocket.BinaryMessage {
			logging.Warn("Ignoring non-binary bridge message",
				zap.String("endpoint", c.endpoint),
				zap.Int("message_type", msgType),
			)
			continue
		}
		// A consumer that stopped draining must not pin the pump past Close
		select {
		case c.recv <- data:
		case <-c.done:
			return
		}
	}
}
