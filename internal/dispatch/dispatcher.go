package dispatch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/protocol"
	"github.com/muurk/tuyalink/internal/session"
)

// Default tuning parameters
const (
	// DefaultRequestTimeout is the per-request response budget. Round-trips
	// over the radio are sub-second in practice; the margin covers link
	// retries and connection negotiation windows.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultMaxQueueDepth bounds undispatched queued commands. The newest
	// enqueue past the bound fails, preserving ordering of accepted ones.
	DefaultMaxQueueDepth = 16
)

// Result is the outcome of one enqueued command
type Result struct {
	// Datapoints are the decoded records the device acknowledged with
	Datapoints []protocol.Datapoint

	// Err is the specific failure kind, nil on success
	Err error
}

// Future resolves exactly once with the command's Result
type Future struct {
	ch chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// Done returns the channel the Result is delivered on
func (f *Future) Done() <-chan Result { return f.ch }

// Wait blocks for the result or the context
func (f *Future) Wait(ctx context.Context) ([]protocol.Datapoint, error) {
	select {
	case r := <-f.ch:
		return r.Datapoints, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// request is one queued or in-flight command
type request struct {
	dps      []protocol.Datapoint
	fut      *Future
	seq      uint32
	resolved bool
}

func (r *request) resolve(res Result) {
	if r.resolved {
		return
	}
	r.resolved = true
	r.fut.ch <- res
}

// Options configures a Dispatcher
type Options struct {
	Session *session.Session

	// RequestTimeout bounds each pending request; zero means the default
	RequestTimeout time.Duration

	// MaxQueueDepth bounds undispatched commands; zero means the default
	MaxQueueDepth int
}

// Dispatcher orders commands for one device. It dispatches exactly one
// request at a time (the protocol does not support pipelining), matches
// responses to requests by sequence number, times out stalled requests, and
// fans decoded unsolicited reports out to subscribers.
//
// Enqueue and Subscribe are safe for concurrent use. Enqueue never blocks,
// so subscribers may enqueue follow-up commands from their callback.
type Dispatcher struct {
	opts Options
	sess *session.Session

	mu       sync.Mutex
	queue    []*request
	inflight *request
	closed   bool

	subs      map[int]func([]protocol.Datapoint)
	nextSubID int

	kick     chan struct{}
	states   chan session.State
	done     chan struct{}
	loopDone chan struct{}

	unsubState func()
}

// New creates a Dispatcher on top of an existing Session and starts its
// dispatch loop
func New(opts Options) *Dispatcher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.MaxQueueDepth <= 0 {
		opts.MaxQueueDepth = DefaultMaxQueueDepth
	}

	d := &Dispatcher{
		opts:     opts,
		sess:     opts.Session,
		subs:     make(map[int]func([]protocol.Datapoint)),
		kick:     make(chan struct{}, 1),
		states:   make(chan session.State, 16),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}

	// State changes are observed on a channel so the session callback never
	// blocks; the loop drains it promptly.
	d.unsubState = d.sess.OnState(func(st session.State) {
		select {
		case d.states <- st:
		default:
		}
	})

	go d.run()
	return d
}

// Ready reports whether the underlying session can carry a request right now
func (d *Dispatcher) Ready() bool {
	return d.sess.State() == session.StateReady
}

// Enqueue appends a datapoint-set command to the FIFO. If the session is
// Ready and nothing is in flight it dispatches immediately; otherwise it
// waits its turn, surviving a reconnect while undispatched. Fails with
// QueueOverflow when the queue is full and Cancelled after Close.
func (d *Dispatcher) Enqueue(dps []protocol.Datapoint) (*Future, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, protocol.NewCancelledError("dispatcher closed")
	}
	if len(d.queue) >= d.opts.MaxQueueDepth {
		d.mu.Unlock()
		return nil, protocol.NewQueueOverflowError("command queue is full")
	}
	req := &request{dps: dps, fut: newFuture()}
	d.queue = append(d.queue, req)
	d.mu.Unlock()

	// A queued command while disconnected triggers a connect attempt
	d.sess.Connect()

	select {
	case d.kick <- struct{}{}:
	default:
	}
	return req.fut, nil
}

// Set is a convenience wrapper: enqueue one datapoint set and wait for the
// device's acknowledgement.
func (d *Dispatcher) Set(ctx context.Context, dps []protocol.Datapoint) ([]protocol.Datapoint, error) {
	fut, err := d.Enqueue(dps)
	if err != nil {
		return nil, err
	}
	return fut.Wait(ctx)
}

// Subscribe registers a callback for unsolicited datapoint reports. Delivery
// iterates a snapshot of the subscriber set, so subscribing or unsubscribing
// during delivery is safe. The returned function unregisters the callback.
func (d *Dispatcher) Subscribe(fn func([]protocol.Datapoint)) (unsubscribe func()) {
	d.mu.Lock()
	id := d.nextSubID
	d.nextSubID++
	d.subs[id] = fn
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

// Close stops the dispatcher. The in-flight request and every queued command
// fail with Cancelled; none are silently lost. The underlying session is not
// closed; its owner does that.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.unsubState()
	close(d.done)
	<-d.loopDone

	d.mu.Lock()
	inflight := d.inflight
	d.inflight = nil
	queue := d.queue
	d.queue = nil
	d.mu.Unlock()

	if inflight != nil {
		inflight.resolve(Result{Err: protocol.NewCancelledError("dispatcher closed")})
	}
	for _, req := range queue {
		req.resolve(Result{Err: protocol.NewCancelledError("dispatcher closed")})
	}
	return nil
}

// run is the dispatch loop: it owns the pending-request slot
func (d *Dispatcher) run() {
	defer close(d.loopDone)

	timeout := time.NewTimer(d.opts.RequestTimeout)
	if !timeout.Stop() {
		<-timeout.C
	}
	timerArmed := false

	disarm := func() {
		if timerArmed && !timeout.Stop() {
			<-timeout.C
		}
		timerArmed = false
	}
	arm := func() {
		disarm()
		timeout.Reset(d.opts.RequestTimeout)
		timerArmed = true
	}

	for {
		if d.dispatchNext() {
			arm()
		}

		select {
		case <-d.done:
			disarm()
			return

		case <-d.kick:
			// Re-check dispatch conditions at the top of the loop

		case st := <-d.states:
			if st != session.StateReady {
				// Pending request dies with the link; queued commands
				// are preserved for the next Ready.
				d.failInflight(protocol.NewDisconnectedError("session lost while request was pending"))
				disarm()
			}

		case in, ok := <-d.sess.Inbound():
			if !ok {
				d.failInflight(protocol.NewCancelledError("session closed"))
				disarm()
				return
			}
			if d.handleInbound(in) {
				disarm()
			}

		case <-timeout.C:
			timerArmed = false
			d.failInflight(protocol.NewTimeoutError("no response within request budget"))
		}
	}
}

// dispatchNext sends the head of the queue when the slot is free and the
// session is Ready. Returns true when a new request went in flight.
func (d *Dispatcher) dispatchNext() bool {
	d.mu.Lock()
	if d.inflight != nil || len(d.queue) == 0 {
		d.mu.Unlock()
		return false
	}
	if d.sess.State() != session.StateReady {
		d.mu.Unlock()
		return false
	}
	req := d.queue[0]
	d.queue = d.queue[1:]
	d.inflight = req
	d.mu.Unlock()

	payload, err := protocol.EncodeDatapoints(req.dps)
	if err != nil {
		d.clearInflight(req)
		req.resolve(Result{Err: err})
		return false
	}

	seq, err := d.sess.Send(protocol.CodeDatapointSet, payload)
	if err != nil {
		if protocol.IsDisconnected(err) {
			// Lost the race with a disconnect: the command was never on
			// the wire, so it goes back to the head of the queue.
			d.mu.Lock()
			d.inflight = nil
			d.queue = append([]*request{req}, d.queue...)
			d.mu.Unlock()
			return false
		}
		d.clearInflight(req)
		req.resolve(Result{Err: err})
		return false
	}

	req.seq = seq
	logging.Debug("Dispatched command",
		zap.Uint32("seq", seq),
		zap.Int("datapoints", len(req.dps)),
	)
	return true
}

// handleInbound routes one decrypted frame. Returns true when it resolved
// the in-flight request.
func (d *Dispatcher) handleInbound(in session.Inbound) bool {
	switch in.Code {
	case protocol.CodeDatapointAck:
		d.mu.Lock()
		req := d.inflight
		d.mu.Unlock()

		if req == nil || in.Seq != req.seq {
			logging.Debug("Ignoring unmatched acknowledgement",
				zap.Uint32("seq", in.Seq),
			)
			return false
		}

		dps, err := protocol.DecodeDatapoints(in.Payload)
		d.clearInflight(req)
		if err != nil {
			req.resolve(Result{Err: err})
		} else {
			req.resolve(Result{Datapoints: dps})
		}
		return true

	case protocol.CodeDatapointRpt:
		dps, err := protocol.DecodeDatapoints(in.Payload)
		if err != nil {
			logging.Warn("Dropping undecodable report", zap.Error(err))
			return false
		}
		d.fanout(dps)
		return false

	default:
		logging.Debug("Ignoring frame",
			zap.String("code", in.Code.String()),
			zap.Uint32("seq", in.Seq),
		)
		return false
	}
}

// fanout delivers a report to a snapshot of the subscriber set. Reports never
// consume the pending-request slot.
func (d *Dispatcher) fanout(dps []protocol.Datapoint) {
	d.mu.Lock()
	subs := make([]func([]protocol.Datapoint), 0, len(d.subs))
	for _, fn := range d.subs {
		subs = append(subs, fn)
	}
	d.mu.Unlock()

	for _, fn := range subs {
		fn(dps)
	}
}

func (d *Dispatcher) failInflight(err error) {
	d.mu.Lock()
	req := d.inflight
	d.inflight = nil
	d.mu.Unlock()

	if req != nil {
		req.resolve(Result{Err: err})
	}
}

func (d *Dispatcher) clearInflight(req *request) {
	d.mu.Lock()
	if d.inflight == req {
		d.inflight = nil
	}
	d.mu.Unlock()
}
