package devicesim

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/cipher"
	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/protocol"
	"github.com/muurk/tuyalink/internal/transport"
)

// Options configures a simulated device
type Options struct {
	UUID            string
	DeviceID        string
	LocalKey        cipher.Key
	ProtocolVersion byte

	// ResponseDelay is artificial latency inserted before every reply
	ResponseDelay time.Duration

	// SuppressAcks makes the device swallow datapoint-set commands without
	// acknowledging them
	SuppressAcks bool

	// Datapoints seeds the device's datapoint table
	Datapoints []protocol.Datapoint
}

// Simulator is a device-side protocol endpoint: it answers the handshake,
// applies datapoint sets to an in-memory table, acknowledges them, and can
// push unsolicited reports. It backs both the simulate command and tests
// that need a live peer without hardware.
type Simulator struct {
	opts Options

	mu             sync.Mutex
	store          map[byte]protocol.Datapoint
	peers          map[*peer]struct{}
	reportSeq      uint32
	pendingSets    int
	maxPendingSets int
}

// peer is one connected host with its per-link derived key
type peer struct {
	conn  transport.Conn
	key   cipher.Key
	ready bool
}

// New creates a Simulator. It serves no connections until a Dialer link is
// dialed or ServeConn is called.
func New(opts Options) *Simulator {
	s := &Simulator{
		opts:  opts,
		store: make(map[byte]protocol.Datapoint),
		peers: make(map[*peer]struct{}),
	}
	for _, dp := range opts.Datapoints {
		s.store[dp.ID] = dp
	}
	return s
}

// Datapoint returns the current value of one datapoint
func (s *Simulator) Datapoint(id byte) (protocol.Datapoint, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dp, ok := s.store[id]
	return dp, ok
}

// SetDatapoint updates the device's table directly, without a report
func (s *Simulator) SetDatapoint(dp protocol.Datapoint) {
	s.mu.Lock()
	s.store[dp.ID] = dp
	s.mu.Unlock()
}

// Dialer returns an in-process dialer for this device. Every Dial builds a
// fresh pipe pair and starts a device-side handler on the far end, matching
// the fresh-link-per-attempt contract of the real transports.
func (s *Simulator) Dialer() transport.Dialer {
	return &pipeDialer{sim: s}
}

type pipeDialer struct {
	sim *Simulator
}

func (d *pipeDialer) Dial(_ context.Context) (transport.Conn, error) {
	host, device := transport.Pipe()
	go d.sim.ServeConn(device)
	return host, nil
}

func (d *pipeDialer) Endpoint() string {
	return "sim:" + d.sim.opts.UUID
}

// Report pushes an unsolicited datapoint report to every connected host and
// returns the sequence number used
func (s *Simulator) Report(dps []protocol.Datapoint) (uint32, error) {
	s.mu.Lock()
	s.reportSeq++
	if s.reportSeq == 0 {
		s.reportSeq = 1
	}
	seq := s.reportSeq
	s.mu.Unlock()

	return seq, s.ReportWithSeq(seq, dps)
}

// ReportWithSeq pushes a report with an explicit sequence number. Reusing a
// previous number models a radio-level retransmission.
func (s *Simulator) ReportWithSeq(seq uint32, dps []protocol.Datapoint) error {
	payload, err := protocol.EncodeDatapoints(dps)
	if err != nil {
		return err
	}

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		if p.ready {
			peers = append(peers, p)
		}
	}
	s.mu.Unlock()

	for _, p := range peers {
		ct, err := cipher.Encrypt(p.key, payload)
		if err != nil {
			return err
		}
		raw, err := protocol.Encode(&protocol.Frame{
			Seq:     seq,
			Code:    protocol.CodeDatapointRpt,
			Payload: ct,
		})
		if err != nil {
			return err
		}
		if err := p.conn.Send(raw); err != nil {
			return err
		}
	}
	return nil
}

// Inject writes raw bytes to every connected host, bypassing the codec.
// Used to exercise the host's corrupt-frame handling.
func (s *Simulator) Inject(raw []byte) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Send(raw)
	}
}

// DropConnections closes every live link, as a radio dropout would
func (s *Simulator) DropConnections() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.Close()
	}
}

// ConnectionCount returns the number of live links
func (s *Simulator) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// MaxConcurrentSets reports the most datapoint-set commands that were ever
// outstanding at once, counted from the moment a set is decoded until just
// before its acknowledgement is written. A host honouring the one-in-flight
// rule never pushes this past 1.
func (s *Simulator) MaxConcurrentSets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxPendingSets
}

// ServeConn runs the device side of the protocol on one link until the link
// drops. Blocks; callers usually run it in a goroutine.
func (s *Simulator) ServeConn(conn transport.Conn) {
	p := &peer{conn: conn}
	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		delete(s.peers, p)
		s.mu.Unlock()
	}()

	var dec protocol.Decoder
	for chunk := range conn.Receive() {
		dec.Write(chunk)
		for {
			frame, err := dec.Next()
			if err != nil {
				logging.Debug("Simulator dropped corrupt frame",
					zap.String("uuid", s.opts.UUID),
					zap.Error(err),
				)
				continue
			}
			if frame == nil {
				break
			}
			if err := s.handleFrame(p, frame); err != nil {
				logging.Warn("Simulator closing link",
					zap.String("uuid", s.opts.UUID),
					zap.Error(err),
				)
				return
			}
		}
	}
}

// handleFrame dispatches one parsed frame from the host. Datapoint sets delay
// their acknowledgement off the read loop instead of sleeping here, so
// commands pipelined by the host are still decoded as they arrive.
func (s *Simulator) handleFrame(p *peer, frame *protocol.Frame) error {
	if s.opts.ResponseDelay > 0 && frame.Code != protocol.CodeDatapointSet {
		time.Sleep(s.opts.ResponseDelay)
	}

	switch frame.Code {
	case protocol.CodeSessionOpen:
		return s.handleSessionOpen(p, frame)
	case protocol.CodeDeviceInfo:
		return s.handleDeviceInfo(p, frame)
	case protocol.CodeDatapointSet:
		return s.handleDatapointSet(p, frame)
	default:
		logging.Debug("Simulator ignoring frame",
			zap.String("uuid", s.opts.UUID),
			zap.String("code", frame.Code.String()),
		)
		return nil
	}
}

// handleSessionOpen answers the cleartext host nonce with the device nonce
// under the auth key and derives the per-link session key
func (s *Simulator) handleSessionOpen(p *peer, frame *protocol.Frame) error {
	if len(frame.Payload) != 1+cipher.NonceSize {
		return protocol.NewMalformedLengthError("session open payload has wrong size")
	}
	var hostNonce cipher.Nonce
	copy(hostNonce[:], frame.Payload[1:])

	deviceNonce, err := cipher.NewNonce()
	if err != nil {
		return err
	}
	authKey, err := cipher.DeriveAuthKey(s.opts.LocalKey)
	if err != nil {
		return err
	}
	p.key, err = cipher.DeriveSessionKey(s.opts.LocalKey, hostNonce, deviceNonce)
	if err != nil {
		return err
	}

	ct, err := cipher.Encrypt(authKey, deviceNonce[:])
	if err != nil {
		return err
	}
	return s.reply(p, frame.Seq, protocol.CodeSessionOpened, ct)
}

// handleDeviceInfo completes the handshake with the first round-trip under
// the derived session key
func (s *Simulator) handleDeviceInfo(p *peer, frame *protocol.Frame) error {
	if _, err := cipher.Decrypt(p.key, frame.Payload); err != nil {
		// Host derived a different key; a real device goes silent here
		return err
	}

	info := make([]byte, 0, len(s.opts.UUID)+len(s.opts.DeviceID)+2)
	info = append(info, s.opts.ProtocolVersion)
	info = append(info, s.opts.UUID...)
	info = append(info, 0x00)
	info = append(info, s.opts.DeviceID...)

	ct, err := cipher.Encrypt(p.key, info)
	if err != nil {
		return err
	}
	if err := s.reply(p, frame.Seq, protocol.CodeDeviceInfoAck, ct); err != nil {
		return err
	}
	p.ready = true
	return nil
}

// handleDatapointSet applies the records to the table and acknowledges with
// the applied values
func (s *Simulator) handleDatapointSet(p *peer, frame *protocol.Frame) error {
	plaintext, err := cipher.Decrypt(p.key, frame.Payload)
	if err != nil {
		return err
	}
	dps, err := protocol.DecodeDatapoints(plaintext)
	if err != nil {
		logging.Debug("Simulator ignoring malformed datapoint set",
			zap.String("uuid", s.opts.UUID),
			zap.Error(err),
		)
		return nil
	}

	s.mu.Lock()
	for _, dp := range dps {
		s.store[dp.ID] = dp
	}
	s.pendingSets++
	if s.pendingSets > s.maxPendingSets {
		s.maxPendingSets = s.pendingSets
	}
	s.mu.Unlock()

	if s.opts.SuppressAcks {
		return nil
	}

	payload, err := protocol.EncodeDatapoints(dps)
	if err != nil {
		return err
	}
	ct, err := cipher.Encrypt(p.key, payload)
	if err != nil {
		return err
	}

	seq := frame.Seq
	go func() {
		if s.opts.ResponseDelay > 0 {
			time.Sleep(s.opts.ResponseDelay)
		}
		// The command stops being outstanding before the ack hits the wire,
		// otherwise the host's next command could race the bookkeeping
		s.mu.Lock()
		s.pendingSets--
		s.mu.Unlock()
		if err := s.reply(p, seq, protocol.CodeDatapointAck, ct); err != nil {
			logging.Debug("Simulator ack write failed",
				zap.String("uuid", s.opts.UUID),
				zap.Error(err),
			)
		}
	}()
	return nil
}

// reply echoes the request sequence number back, as the protocol requires
func (s *Simulator) reply(p *peer, seq uint32, code protocol.Code, payload []byte) error {
	raw, err := protocol.Encode(&protocol.Frame{Seq: seq, Code: code, Payload: payload})
	if err != nil {
		return err
	}
	return p.conn.Send(raw)
}
