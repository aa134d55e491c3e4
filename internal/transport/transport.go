package transport

import (
	"context"
	"fmt"
	"strings"
)

// Conn is one established link to the radio bridge or module. A fresh Conn is
// dialed for every connect attempt; a Conn is never reused after its receive
// channel closes.
type Conn interface {
	// Send writes one chunk of raw bytes to the link
	Send(data []byte) error

	// Receive returns the channel of inbound byte chunks. The channel is
	// closed when the link drops, whether locally or by the peer.
	Receive() <-chan []byte

	// Close tears the link down. Safe to call more than once.
	Close() error
}

// Dialer establishes links to a device's radio transport
type Dialer interface {
	// Dial opens a new link. The context bounds connection establishment
	// only, not the life of the returned Conn.
	Dial(ctx context.Context) (Conn, error)

	// Endpoint returns a human-readable description of the link target
	Endpoint() string
}

// NewDialer builds a dialer from an endpoint string.
//
// Supported forms:
//   - "ws://host:port/path" or "wss://..." - WebSocket bridge
//   - "serial:/dev/ttyUSB0" or "serial:/dev/ttyUSB0?baud=115200" - local radio module
func NewDialer(endpoint string) (Dialer, error) {
	switch {
	case strings.HasPrefix(endpoint, "ws://"), strings.HasPrefix(endpoint, "wss://"):
		return NewWebSocketDialer(endpoint), nil
	case strings.HasPrefix(endpoint, "serial:"):
		return NewSerialDialerFromEndpoint(endpoint)
	default:
		return nil, fmt.Errorf("unsupported transport endpoint %q (want ws://, wss:// or serial:)", endpoint)
	}
}
