package transport

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/logging"
)

const (
	// DefaultBaudRate matches the radio module's factory UART setting
	DefaultBaudRate = 115200

	// serialReadTimeout keeps the read loop responsive to Close
	serialReadTimeout = 250 * time.Millisecond

	serialReceiveBuffer = 16
	serialChunkSize     = 256
)

// SerialDialer connects to a radio module attached over a local serial port
type SerialDialer struct {
	// Port is the serial device path (e.g. "/dev/ttyUSB0")
	Port string

	// BaudRate is the UART speed (default 115200)
	BaudRate int
}

// NewSerialDialer creates a dialer for a local serial port
func NewSerialDialer(port string, baudRate int) *SerialDialer {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &SerialDialer{Port: port, BaudRate: baudRate}
}

// NewSerialDialerFromEndpoint parses a "serial:/dev/ttyUSB0?baud=115200" endpoint
func NewSerialDialerFromEndpoint(endpoint string) (*SerialDialer, error) {
	rest := strings.TrimPrefix(endpoint, "serial:")
	port := rest
	baud := DefaultBaudRate

	if i := strings.IndexByte(rest, '?'); i >= 0 {
		port = rest[:i]
		query, err := url.ParseQuery(rest[i+1:])
		if err != nil {
			return nil, fmt.Errorf("invalid serial endpoint %q: %w", endpoint, err)
		}
		if b := query.Get("baud"); b != "" {
			baud, err = strconv.Atoi(b)
			if err != nil {
				return nil, fmt.Errorf("invalid baud rate %q: %w", b, err)
			}
		}
	}
	if port == "" {
		return nil, fmt.Errorf("serial endpoint %q has no port path", endpoint)
	}
	return NewSerialDialer(port, baud), nil
}

// Endpoint returns the serial port path
func (d *SerialDialer) Endpoint() string { return "serial:" + d.Port }

// Dial opens the serial port
func (d *SerialDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		StopBits: serial.OneStopBit,
		Parity:   serial.NoParity,
	}

	port, err := serial.Open(d.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", d.Port, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	logging.LogLink(d.Endpoint(), "connected")

	c := &serialConn{
		port:     port,
		endpoint: d.Endpoint(),
		recv:     make(chan []byte, serialReceiveBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

type serialConn struct {
	port     serial.Port
	endpoint string
	recv     chan []byte
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *serialConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	n, err := c.port.Write(data)
	if err != nil {
		return fmt.Errorf("serial write failed: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("short serial write: %d of %d bytes", n, len(data))
	}
	return nil
}

func (c *serialConn) Receive() <-chan []byte { return c.recv }

func (c *serialConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.port.Close()
		logging.LogLink(c.endpoint, "closed")
	})
	return err
}

// readPump reads the port in small chunks. Read timeouts return n == 0 and no
// error, which keeps the loop able to observe Close.
func (c *serialConn) readPump() {
	defer close(c.recv)
	buf := make([]byte, serialChunkSize)
	for {
		select {
		case <-c.done:
			return
		default:
		}

		n, err := c.port.Read(buf)
		if err != nil {
			logging.Debug("Serial read loop ended",
				zap.String("endpoint", c.endpoint),
				zap.Error(err),
			)
			_ = c.Close()
			return
		}
		if n == 0 {
			continue
		}
		chunk := make([]byte, n)
		copy(chunk, buf[:n])
		// A consumer that stopped draining must not pin the pump past Close
		select {
		case c.recv <- chunk:
		case <-c.done:
			return
		}
	}
}
