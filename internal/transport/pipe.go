package transport

import (
	"sync"

	"github.com/muurk/tuyalink/internal/protocol"
)

const pipeBuffer = 64

// pipeConn is one end of an in-process link. Used by the device simulator
// and by tests that need a link without a radio.
type pipeConn struct {
	send chan<- []byte
	recv <-chan []byte

	mu     sync.Mutex
	closed bool
	// closeBoth tears down both ends; shared by the pair
	closeBoth func()
}

// Pipe returns two connected in-process Conns. Bytes sent on one end arrive
// on the other. Closing either end closes both receive channels, mirroring a
// dropped radio link.
func Pipe() (Conn, Conn) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			close(ab)
			close(ba)
		})
	}

	a := &pipeConn{send: ab, recv: ba, closeBoth: closeBoth}
	b := &pipeConn{send: ba, recv: ab, closeBoth: closeBoth}
	return a, b
}

func (p *pipeConn) Send(data []byte) (err error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return protocol.NewLinkError("pipe is closed", nil)
	}

	buf := make([]byte, len(data))
	copy(buf, data)

	// Sending on a pipe torn down by the peer panics on the closed channel;
	// report it as a link error like a real transport would.
	defer func() {
		if recover() != nil {
			err = protocol.NewLinkError("pipe closed by peer", nil)
		}
	}()
	select {
	case p.send <- buf:
		return nil
	default:
		return protocol.NewLinkError("pipe buffer is full", nil)
	}
}

func (p *pipeConn) Receive() <-chan []byte {
	return p.recv
}

func (p *pipeConn) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.closeBoth()
	return nil
}
