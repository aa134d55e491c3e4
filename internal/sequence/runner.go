package sequence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/tuyalink/internal/dispatch"
	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/protocol"
)

// Step is one stage of an action: drive a datapoint to a value, then hold it
// there for the given duration
type Step struct {
	Value protocol.Datapoint
	Hold  time.Duration
}

// Action is a timed datapoint program. Steps run in order; the whole pass
// repeats Repeats times (zero means one pass), or until cancelled when
// Forever is set. Idle, when set, is sent once after the action ends for any
// reason, so a cancelled action still parks the actuator.
type Action struct {
	Steps   []Step
	Repeats int
	Forever bool
	Idle    *protocol.Datapoint
}

// Handle tracks one running action
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Cancel stops the action at the next step boundary or mid-hold. Idempotent.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the action has fully stopped, idle command included
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns nil after a completed run, a Cancelled error after Cancel, or
// the step failure that aborted the action. Valid once Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

func (h *Handle) setErr(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
}

// Runner executes actions against one device through its dispatcher. One
// action runs at a time; starting a second while one is live cancels the
// first, since both would be fighting over the same actuator.
type Runner struct {
	disp *dispatch.Dispatcher

	mu      sync.Mutex
	current *Handle
}

// NewRunner creates a Runner on top of a dispatcher
func NewRunner(d *dispatch.Dispatcher) *Runner {
	return &Runner{disp: d}
}

// Run starts an action and returns immediately with its Handle. The context
// bounds the whole run; cancelling it is equivalent to Handle.Cancel.
func (r *Runner) Run(ctx context.Context, action Action) (*Handle, error) {
	if len(action.Steps) == 0 {
		return nil, protocol.NewCancelledError("action has no steps")
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	if r.current != nil {
		select {
		case <-r.current.done:
		default:
			r.current.Cancel()
		}
	}
	r.current = h
	r.mu.Unlock()

	go r.execute(runCtx, action, h)
	return h, nil
}

// execute walks the steps, holding between them, and always finishes with
// the idle command when one is configured
func (r *Runner) execute(ctx context.Context, action Action, h *Handle) {
	defer close(h.done)
	defer h.cancel()

	passes := action.Repeats
	if passes < 1 {
		passes = 1
	}

	err := r.runPasses(ctx, action, passes)
	h.setErr(err)

	// Park the actuator regardless of how the run ended. Best effort: when
	// the session is down the idle value is dropped, never queued for a
	// surprise replay after reconnect.
	if action.Idle != nil {
		r.sendIdle(*action.Idle)
	}
}

func (r *Runner) runPasses(ctx context.Context, action Action, passes int) error {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for pass := 0; action.Forever || pass < passes; pass++ {
		for i, step := range action.Steps {
			if err := ctx.Err(); err != nil {
				return protocol.NewCancelledError("action cancelled")
			}

			if _, err := r.disp.Set(ctx, []protocol.Datapoint{step.Value}); err != nil {
				if ctx.Err() != nil {
					return protocol.NewCancelledError("action cancelled")
				}
				logging.Warn("Action step failed",
					zap.Int("pass", pass),
					zap.Int("step", i),
					zap.Error(err),
				)
				return err
			}

			if step.Hold <= 0 {
				continue
			}
			timer.Reset(step.Hold)
			select {
			case <-timer.C:
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return protocol.NewCancelledError("action cancelled")
			}
		}
	}
	return nil
}

// sendIdle issues the idle command outside the run context so a cancelled
// action can still park the device, but only when the session can actually
// carry it right now.
func (r *Runner) sendIdle(dp protocol.Datapoint) {
	if !r.disp.Ready() {
		logging.Debug("Skipping idle command, session not ready")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatch.DefaultRequestTimeout)
	defer cancel()
	if _, err := r.disp.Set(ctx, []protocol.Datapoint{dp}); err != nil {
		logging.Warn("Idle command failed", zap.Error(err))
	}
}
