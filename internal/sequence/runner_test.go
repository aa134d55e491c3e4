package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/muurk/tuyalink/internal/cipher"
	"github.com/muurk/tuyalink/internal/devicesim"
	"github.com/muurk/tuyalink/internal/dispatch"
	"github.com/muurk/tuyalink/internal/protocol"
	"github.com/muurk/tuyalink/internal/session"
)

func newTestStack(t *testing.T) (*devicesim.Simulator, *dispatch.Dispatcher) {
	t.Helper()

	var key cipher.Key
	for i := range key {
		key[i] = 0x42
	}

	sim := devicesim.New(devicesim.Options{
		UUID:            "testdevice000001",
		DeviceID:        "cloudid0000000000001",
		LocalKey:        key,
		ProtocolVersion: 3,
	})
	sess := session.New(session.Options{
		Identity: session.Identity{
			UUID:            "testdevice000001",
			DeviceID:        "cloudid0000000000001",
			LocalKey:        key,
			ProtocolVersion: 3,
		},
		Dialer:     sim.Dialer(),
		BackoffMin: 10 * time.Millisecond,
	})
	disp := dispatch.New(dispatch.Options{Session: sess})

	t.Cleanup(func() {
		_ = disp.Close()
		_ = sess.Close()
	})
	return sim, disp
}

func mustBool(t *testing.T, sim *devicesim.Simulator, id byte) bool {
	t.Helper()
	dp, ok := sim.Datapoint(id)
	if !ok {
		t.Fatalf("device has no datapoint %d", id)
	}
	v, err := dp.Bool()
	if err != nil {
		t.Fatalf("datapoint %d: %v", id, err)
	}
	return v
}

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	sim, disp := newTestStack(t)
	runner := NewRunner(disp)

	pos1, err := protocol.NewValue(102, 50, 4)
	if err != nil {
		t.Fatalf("NewValue() error = %v", err)
	}
	pos2, err := protocol.NewValue(102, 100, 4)
	if err != nil {
		t.Fatalf("NewValue() error = %v", err)
	}

	idle := protocol.NewBool(101, false)
	action := Action{
		Steps: []Step{
			{Value: protocol.NewBool(101, true), Hold: 20 * time.Millisecond},
			{Value: pos1, Hold: 20 * time.Millisecond},
			{Value: pos2, Hold: 0},
		},
		Idle: &idle,
	}

	handle, err := runner.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("action did not finish within 10s")
	}

	if err := handle.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}

	// Final state: last position applied, switch parked by the idle value
	dp, ok := sim.Datapoint(102)
	if !ok {
		t.Fatal("device has no datapoint 102")
	}
	if v, err := dp.Int(); err != nil || v != 100 {
		t.Errorf("datapoint 102 = (%d, %v), want 100", v, err)
	}
	if mustBool(t, sim, 101) {
		t.Error("datapoint 101 = true after idle, want false")
	}
}

func TestRunnerRepeatsPasses(t *testing.T) {
	sim, disp := newTestStack(t)
	runner := NewRunner(disp)

	hold := 50 * time.Millisecond
	action := Action{
		Steps:   []Step{{Value: protocol.NewBool(101, true), Hold: hold}},
		Repeats: 3,
	}

	start := time.Now()
	handle, err := runner.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("action did not finish within 10s")
	}
	if err := handle.Err(); err != nil {
		t.Fatalf("Err() = %v, want nil", err)
	}

	// Three passes, each holding: the run cannot be shorter than the holds
	if elapsed := time.Since(start); elapsed < 3*hold {
		t.Errorf("run took %v, want at least %v for 3 passes", elapsed, 3*hold)
	}
	if !mustBool(t, sim, 101) {
		t.Error("datapoint 101 = false, want true")
	}
}

func TestRunnerForeverRepeatsUntilCancelled(t *testing.T) {
	sim, disp := newTestStack(t)
	runner := NewRunner(disp)

	idle := protocol.NewBool(101, false)
	action := Action{
		Steps: []Step{
			{Value: protocol.NewBool(101, true), Hold: 10 * time.Millisecond},
			{Value: protocol.NewBool(101, false), Hold: 10 * time.Millisecond},
		},
		Forever: true,
		Idle:    &idle,
	}

	handle, err := runner.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Many pass lengths later the action must still be cycling
	time.Sleep(150 * time.Millisecond)
	select {
	case <-handle.Done():
		t.Fatal("forever action finished on its own")
	default:
	}

	handle.Cancel()
	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled forever action did not stop within 10s")
	}
	if err := handle.Err(); !protocol.IsCancelled(err) {
		t.Errorf("Err() = %v, want cancelled", err)
	}
	if mustBool(t, sim, 101) {
		t.Error("datapoint 101 = true after cancel, want idle value false")
	}
}

func TestRunnerCancelDuringHoldSendsIdle(t *testing.T) {
	sim, disp := newTestStack(t)
	runner := NewRunner(disp)

	idle := protocol.NewBool(101, false)
	action := Action{
		Steps: []Step{
			{Value: protocol.NewBool(101, true), Hold: 30 * time.Second},
			{Value: protocol.NewBool(103, true), Hold: 0},
		},
		Idle: &idle,
	}

	handle, err := runner.Run(context.Background(), action)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Wait for the first step to land, then cancel mid-hold
	deadline := time.Now().Add(5 * time.Second)
	for {
		if dp, ok := sim.Datapoint(101); ok {
			if v, _ := dp.Bool(); v {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("first step never reached the device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	handle.Cancel()

	select {
	case <-handle.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled action did not stop within 10s")
	}

	if err := handle.Err(); err == nil {
		t.Fatal("Err() = nil after Cancel, want cancelled")
	} else if !protocol.IsCancelled(err) {
		t.Errorf("Err() = %v, want cancelled", err)
	}

	// The remaining step must not have run, and the idle value must have
	if _, ok := sim.Datapoint(103); ok {
		t.Error("step after the cancelled hold still ran")
	}
	if mustBool(t, sim, 101) {
		t.Error("datapoint 101 = true after cancel, want idle value false")
	}
}

func TestRunnerRejectsEmptyAction(t *testing.T) {
	_, disp := newTestStack(t)
	runner := NewRunner(disp)

	if _, err := runner.Run(context.Background(), Action{}); err == nil {
		t.Fatal("Run() with no steps must fail")
	}
}

func TestRunnerSecondActionCancelsFirst(t *testing.T) {
	sim, disp := newTestStack(t)
	runner := NewRunner(disp)

	long := Action{
		Steps: []Step{{Value: protocol.NewBool(101, true), Hold: 30 * time.Second}},
	}
	first, err := runner.Run(context.Background(), long)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Wait for the first action's step to land
	deadline := time.Now().Add(5 * time.Second)
	for {
		if dp, ok := sim.Datapoint(101); ok {
			if v, _ := dp.Bool(); v {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("first action never reached the device")
		}
		time.Sleep(5 * time.Millisecond)
	}

	short := Action{
		Steps: []Step{{Value: protocol.NewBool(103, true), Hold: 0}},
	}
	second, err := runner.Run(context.Background(), short)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	select {
	case <-first.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("first action was not cancelled within 10s")
	}
	if err := first.Err(); !protocol.IsCancelled(err) {
		t.Errorf("first action Err() = %v, want cancelled", err)
	}

	select {
	case <-second.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("second action did not finish within 10s")
	}
	if err := second.Err(); err != nil {
		t.Errorf("second action Err() = %v, want nil", err)
	}
}
