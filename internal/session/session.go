package session

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/cipher"
	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/protocol"
	"github.com/muurk/tuyalink/internal/transport"
)

// Default tuning parameters
const (
	// DefaultHandshakeTimeout bounds the key exchange and first round-trip
	DefaultHandshakeTimeout = 5 * time.Second

	// DefaultFramingErrorLimit is how many consecutive framing errors force a
	// reconnect. A single corrupt frame is dropped silently; a run of them
	// usually means encryption desynchronization.
	DefaultFramingErrorLimit = 3

	// inboundBuffer absorbs report bursts while the dispatcher catches up
	inboundBuffer = 32
)

// Identity is the immutable per-device record supplied at session creation.
// Obtained once from the vendor cloud by the credentials layer; never mutated.
type Identity struct {
	UUID            string
	DeviceID        string
	LocalKey        cipher.Key
	ProtocolVersion byte
}

// Options configures a Session
type Options struct {
	Identity Identity
	Dialer   transport.Dialer

	// HandshakeTimeout bounds the handshake; zero means the default
	HandshakeTimeout time.Duration

	// BackoffMin/BackoffMax bound the reconnect backoff; zero means defaults
	BackoffMin time.Duration
	BackoffMax time.Duration

	// FramingErrorLimit is the consecutive framing error escalation
	// threshold; zero means the default
	FramingErrorLimit int
}

// Inbound is a decrypted incoming frame delivered to the dispatcher
type Inbound struct {
	Seq     uint32
	Code    protocol.Code
	Payload []byte
}

// link is the per-connection state: one radio link, one derived session key,
// one sequence counter. A fresh link is built for every connect attempt and
// discarded wholesale on link loss; only the identity outlives it.
type link struct {
	conn transport.Conn
	key  cipher.Key
	dec  protocol.Decoder

	seq         atomic.Uint32
	lastPeerSeq uint32
	sawPeerSeq  bool
}

// nextSeq returns the next outbound sequence number, wrapping past the
// protocol modulus and skipping zero. Atomic because Send may be called
// concurrently.
func (l *link) nextSeq() uint32 {
	for {
		if seq := l.seq.Add(1); seq != 0 {
			return seq
		}
	}
}

// Session owns the radio connection for one device: it drives the handshake,
// tracks connection state, and reconnects with backoff. Callers never reach
// into it concurrently except through Send, Connect, WaitReady, OnState and
// Close, all of which are safe for concurrent use.
type Session struct {
	opts Options

	mu        sync.Mutex
	state     State
	current   *link
	stateSubs map[int]func(State)
	nextSubID int
	started   bool
	closed    bool

	wake    chan struct{}
	done    chan struct{}
	runDone chan struct{}
	inbound chan Inbound
}

// New creates a Session for the given device identity and transport.
// No connection is attempted until Connect or WaitReady is called.
func New(opts Options) *Session {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.FramingErrorLimit <= 0 {
		opts.FramingErrorLimit = DefaultFramingErrorLimit
	}
	return &Session{
		opts:      opts,
		state:     StateDisconnected,
		stateSubs: make(map[int]func(State)),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		runDone:   make(chan struct{}),
		inbound:   make(chan Inbound, inboundBuffer),
	}
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnState registers a callback invoked on every state change. The returned
// function unregisters it. Callbacks run on the session goroutine and must
// not block.
func (s *Session) OnState(fn func(State)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.stateSubs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.stateSubs, id)
		s.mu.Unlock()
	}
}

// Inbound returns the channel of decrypted incoming frames (responses and
// unsolicited reports). Closed when the session closes.
func (s *Session) Inbound() <-chan Inbound {
	return s.inbound
}

// Connect requests that the session establish and keep a connection. Calling
// it while a connect attempt is already in flight coalesces into that
// attempt; it never starts a second one.
func (s *Session) Connect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.started {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// WaitReady connects and blocks until the session reaches Ready, the context
// ends, or the session is closed.
func (s *Session) WaitReady(ctx context.Context) error {
	ready := make(chan struct{}, 1)
	unsubscribe := s.OnState(func(st State) {
		if st == StateReady {
			select {
			case ready <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	s.Connect()
	if s.State() == StateReady {
		return nil
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return protocol.NewCancelledError("session closed")
	}
}

// Send encrypts plaintext and writes it as a single frame. Returns the
// sequence number used, which the device echoes in its response. Fails with
// Disconnected when the session is not Ready.
func (s *Session) Send(code protocol.Code, plaintext []byte) (uint32, error) {
	s.mu.Lock()
	lnk := s.current
	state := s.state
	s.mu.Unlock()

	if state != StateReady || lnk == nil {
		return 0, protocol.NewDisconnectedError("session is not ready")
	}

	ct, err := cipher.Encrypt(lnk.key, plaintext)
	if err != nil {
		return 0, err
	}

	seq := lnk.nextSeq()
	raw, err := protocol.Encode(&protocol.Frame{Seq: seq, Code: code, Payload: ct})
	if err != nil {
		return 0, err
	}

	if err := lnk.conn.Send(raw); err != nil {
		return 0, protocol.NewLinkError("frame write failed", err)
	}

	logging.LogFrame(s.opts.Identity.UUID, "sent", seq, uint16(code), len(plaintext))
	return seq, nil
}

// Close tears the session down. All state transitions to Disconnected, the
// inbound channel closes, and ephemeral key material is dropped with the
// link. The session cannot be reused after Close.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	lnk := s.current
	s.current = nil
	s.mu.Unlock()

	close(s.done)
	if lnk != nil {
		_ = lnk.conn.Close()
	}

	if started {
		<-s.runDone
	} else {
		close(s.runDone)
	}
	close(s.inbound)

	s.setState(StateDisconnected)
	return nil
}

// run is the connection manager goroutine: it owns the connect/handshake/
// serve/reconnect cycle for the life of the session.
func (s *Session) run() {
	defer close(s.runDone)

	// Wait for the first connect request
	select {
	case <-s.done:
		return
	case <-s.wake:
	}

	bo := newBackoff(s.opts.BackoffMin, s.opts.BackoffMax)
	reconnecting := false

	for {
		if s.isClosed() {
			return
		}

		if reconnecting {
			s.setState(StateReconnecting)
		} else {
			s.setState(StateConnecting)
		}
		reconnecting = false

		lnk, err := s.establish()
		if err != nil {
			if protocol.IsAuthenticationError(err) {
				// Wrong or stale key material: a retry with the same
				// derived key cannot succeed, so force a full reconnect
				// with fresh nonces after backoff.
				logging.Warn("Handshake authentication failed",
					zap.String("device", s.opts.Identity.UUID),
					zap.Error(err),
				)
				s.setState(StateReconnecting)
			} else {
				logging.Warn("Connect attempt failed",
					zap.String("device", s.opts.Identity.UUID),
					zap.Error(err),
				)
				s.setState(StateDisconnected)
			}

			select {
			case <-s.done:
				return
			case <-time.After(bo.Next()):
			}
			continue
		}

		bo.Reset()
		s.setLink(lnk)
		s.setState(StateReady)

		s.serve(lnk)
		s.clearLink()

		if s.isClosed() {
			return
		}
		reconnecting = true
	}
}

// establish dials a fresh link and runs the handshake on it
func (s *Session) establish() (*link, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.HandshakeTimeout)
	defer cancel()

	conn, err := s.opts.Dialer.Dial(ctx)
	if err != nil {
		return nil, protocol.NewLinkError("link establishment failed", err)
	}

	s.setState(StateHandshaking)

	lnk, err := s.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return lnk, nil
}

// handshake runs the fixed key exchange on a fresh link:
//
//  1. host sends its nonce in the clear (session open)
//  2. device replies with its nonce under the auth key (session opened)
//  3. both sides derive the session key from local key + both nonces
//  4. host confirms with the first authenticated round-trip (device info)
//
// A key mismatch surfaces here as an AuthenticationError on step 4.
func (s *Session) handshake(conn transport.Conn) (*link, error) {
	deadline := time.Now().Add(s.opts.HandshakeTimeout)
	lnk := &link{conn: conn}

	hostNonce, err := cipher.NewNonce()
	if err != nil {
		return nil, protocol.NewAuthenticationError("nonce generation failed", err)
	}
	authKey, err := cipher.DeriveAuthKey(s.opts.Identity.LocalKey)
	if err != nil {
		return nil, protocol.NewAuthenticationError("auth key derivation failed", err)
	}

	// Session open: version byte + host nonce, cleartext
	open := make([]byte, 1+cipher.NonceSize)
	open[0] = s.opts.Identity.ProtocolVersion
	copy(open[1:], hostNonce[:])

	raw, err := protocol.Encode(&protocol.Frame{
		Seq:     lnk.nextSeq(),
		Code:    protocol.CodeSessionOpen,
		Payload: open,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(raw); err != nil {
		return nil, protocol.NewLinkError("session open write failed", err)
	}

	opened, err := s.awaitFrame(lnk, protocol.CodeSessionOpened, deadline)
	if err != nil {
		return nil, err
	}

	devNoncePlain, err := cipher.Decrypt(authKey, opened.Payload)
	if err != nil {
		return nil, err
	}
	if len(devNoncePlain) != cipher.NonceSize {
		return nil, protocol.NewAuthenticationError("device nonce has wrong size", nil)
	}
	var deviceNonce cipher.Nonce
	copy(deviceNonce[:], devNoncePlain)

	lnk.key, err = cipher.DeriveSessionKey(s.opts.Identity.LocalKey, hostNonce, deviceNonce)
	if err != nil {
		return nil, protocol.NewAuthenticationError("session key derivation failed", err)
	}

	// First authenticated round-trip proves both sides derived the same key
	infoReq, err := cipher.Encrypt(lnk.key, []byte{s.opts.Identity.ProtocolVersion})
	if err != nil {
		return nil, err
	}
	raw, err = protocol.Encode(&protocol.Frame{
		Seq:     lnk.nextSeq(),
		Code:    protocol.CodeDeviceInfo,
		Payload: infoReq,
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Send(raw); err != nil {
		return nil, protocol.NewLinkError("device info write failed", err)
	}

	infoAck, err := s.awaitFrame(lnk, protocol.CodeDeviceInfoAck, deadline)
	if err != nil {
		return nil, err
	}
	info, err := cipher.Decrypt(lnk.key, infoAck.Payload)
	if err != nil {
		return nil, err
	}

	logging.Info("Session handshake complete",
		zap.String("device", s.opts.Identity.UUID),
		zap.String("device_info", hex.EncodeToString(info)),
	)
	return lnk, nil
}

// awaitFrame reads link bytes until a frame with the wanted code arrives or
// the deadline passes. Frames with other codes arriving mid-handshake are
// dropped; framing errors here count as handshake failures.
func (s *Session) awaitFrame(lnk *link, want protocol.Code, deadline time.Time) (*protocol.Frame, error) {
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		for {
			frame, err := lnk.dec.Next()
			if err != nil {
				return nil, protocol.NewAuthenticationError("framing error during handshake", err)
			}
			if frame == nil {
				break
			}
			if frame.Code == want {
				return frame, nil
			}
			logging.Debug("Dropping unexpected frame during handshake",
				zap.String("device", s.opts.Identity.UUID),
				zap.String("code", frame.Code.String()),
			)
		}

		select {
		case <-s.done:
			return nil, protocol.NewCancelledError("session closed during handshake")
		case <-timer.C:
			return nil, protocol.NewTimeoutError("handshake timed out")
		case chunk, ok := <-lnk.conn.Receive():
			if !ok {
				return nil, protocol.NewLinkError("link lost during handshake", nil)
			}
			lnk.dec.Write(chunk)
		}
	}
}

// serve forwards decrypted frames to the inbound channel until the link is
// lost, a framing-error run or authentication failure forces a reconnect, or
// the session closes.
func (s *Session) serve(lnk *link) {
	framingErrors := 0

	for {
		select {
		case <-s.done:
			return
		case chunk, ok := <-lnk.conn.Receive():
			if !ok {
				logging.LogLink(s.opts.Dialer.Endpoint(), "disconnected")
				return
			}
			lnk.dec.Write(chunk)

			for {
				frame, err := lnk.dec.Next()
				if err != nil {
					framingErrors++
					logging.Warn("Dropped corrupt frame",
						zap.String("device", s.opts.Identity.UUID),
						zap.Int("consecutive_errors", framingErrors),
						zap.Error(err),
					)
					if framingErrors >= s.opts.FramingErrorLimit {
						// Likely encryption desynchronization
						logging.Warn("Framing error limit reached, forcing reconnect",
							zap.String("device", s.opts.Identity.UUID),
						)
						_ = lnk.conn.Close()
						return
					}
					continue
				}
				if frame == nil {
					break
				}
				framingErrors = 0

				if !s.deliver(lnk, frame) {
					_ = lnk.conn.Close()
					return
				}
			}
		}
	}
}

// deliver decrypts one frame and hands it to the inbound channel. Returns
// false when the session must reconnect (integrity failure).
func (s *Session) deliver(lnk *link, frame *protocol.Frame) bool {
	plaintext, err := cipher.Decrypt(lnk.key, frame.Payload)
	if err != nil {
		logging.Warn("Payload integrity failure, forcing reconnect",
			zap.String("device", s.opts.Identity.UUID),
			zap.String("code", frame.Code.String()),
			zap.Error(err),
		)
		return false
	}

	// De-duplicate retransmitted reports by peer sequence number
	if frame.Code == protocol.CodeDatapointRpt {
		if lnk.sawPeerSeq && frame.Seq == lnk.lastPeerSeq {
			logging.Debug("Dropping duplicate report",
				zap.String("device", s.opts.Identity.UUID),
				zap.Uint32("seq", frame.Seq),
			)
			return true
		}
		lnk.lastPeerSeq = frame.Seq
		lnk.sawPeerSeq = true
	}

	logging.LogFrame(s.opts.Identity.UUID, "received", frame.Seq, uint16(frame.Code), len(plaintext))

	select {
	case s.inbound <- Inbound{Seq: frame.Seq, Code: frame.Code, Payload: plaintext}:
	case <-s.done:
		return false
	}
	return true
}

func (s *Session) setLink(lnk *link) {
	s.mu.Lock()
	s.current = lnk
	s.mu.Unlock()
}

func (s *Session) clearLink() {
	s.mu.Lock()
	lnk := s.current
	s.current = nil
	s.mu.Unlock()
	if lnk != nil {
		_ = lnk.conn.Close()
		lnk.key = cipher.Key{}
	}
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == st {
		s.mu.Unlock()
		return
	}
	s.state = st
	subs := make([]func(State), 0, len(s.stateSubs))
	for _, fn := range s.stateSubs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	logging.Debug("Session state change",
		zap.String("device", s.opts.Identity.UUID),
		zap.String("state", st.String()),
	)
	for _, fn := range subs {
		fn(st)
	}
}
