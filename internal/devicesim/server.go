package devicesim

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/protocol"
)

const serverWriteWait = 10 * time.Second

// Server exposes a Simulator over a WebSocket bridge endpoint, the same
// shape a real radio bridge presents, so a host can dial it with a plain
// ws:// endpoint.
type Server struct {
	sim     *Simulator
	httpSrv *http.Server
	wg      sync.WaitGroup

	upgrader websocket.Upgrader
}

// NewServer creates a bridge server for the given simulated device
func NewServer(sim *Simulator, addr string) *Server {
	s := &Server{
		sim: sim,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	logging.Info("Simulated device listening",
		zap.String("addr", s.httpSrv.Addr),
		zap.String("uuid", s.sim.opts.UUID),
	)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections, drops the live ones, and waits for
// handlers to finish
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.sim.DropConnections()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Warn("Simulator shutdown timeout, forcing close")
	}
	return err
}

// handleUpgrade upgrades one HTTP request and hands the link to the simulator
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	logging.LogLink(r.RemoteAddr, "connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sim.ServeConn(newServerConn(ws))
		logging.LogLink(r.RemoteAddr, "disconnected")
	}()
}

// serverConn adapts an accepted WebSocket connection to the link interface
// the simulator consumes
type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	recv    chan []byte

	closeOnce sync.Once
}

func newServerConn(ws *websocket.Conn) *serverConn {
	c := &serverConn{
		ws:   ws,
		recv: make(chan []byte, 32),
	}
	go c.readPump()
	return c
}

func (c *serverConn) readPump() {
	defer close(c.recv)
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		c.recv <- data
	}
}

func (c *serverConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(serverWriteWait)); err != nil {
		return protocol.NewLinkError("write deadline failed", err)
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return protocol.NewLinkError("frame write failed", err)
	}
	return nil
}

func (c *serverConn) Receive() <-chan []byte {
	return c.recv
}

func (c *serverConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}
