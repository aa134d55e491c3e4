package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/muurk/tuyalink/internal/cipher"
	"github.com/muurk/tuyalink/internal/devicesim"
	"github.com/muurk/tuyalink/internal/protocol"
)

func testKey(b byte) cipher.Key {
	var k cipher.Key
	for i := range k {
		k[i] = b
	}
	return k
}

func testIdentity(key cipher.Key) Identity {
	return Identity{
		UUID:            "testdevice000001",
		DeviceID:        "cloudid0000000000001",
		LocalKey:        key,
		ProtocolVersion: 3,
	}
}

func newTestSimulator(key cipher.Key) *devicesim.Simulator {
	return devicesim.New(devicesim.Options{
		UUID:            "testdevice000001",
		DeviceID:        "cloudid0000000000001",
		LocalKey:        key,
		ProtocolVersion: 3,
	})
}

// watchStates subscribes before Connect so no transition is missed. The
// channel is large enough that the session goroutine never blocks on it.
func watchStates(s *Session) (<-chan State, func()) {
	ch := make(chan State, 64)
	unsub := s.OnState(func(st State) {
		select {
		case ch <- st:
		default:
		}
	})
	return ch, unsub
}

func waitForState(t *testing.T, ch <-chan State, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case st := <-ch:
			if st == want {
				return
			}
		case <-deadline:
			t.Fatalf("state %s not reached within %v", want, timeout)
		}
	}
}

func TestSessionReachesReady(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{
		Identity:   testIdentity(key),
		Dialer:     sim.Dialer(),
		BackoffMin: 10 * time.Millisecond,
	})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	if st := sess.State(); st != StateReady {
		t.Errorf("State() = %s, want ready", st)
	}
}

func TestSessionSendBeforeConnect(t *testing.T) {
	sim := newTestSimulator(testKey(0x42))
	sess := New(Options{Identity: testIdentity(testKey(0x42)), Dialer: sim.Dialer()})
	defer sess.Close()

	_, err := sess.Send(protocol.CodeDatapointSet, []byte{0x01})
	if err == nil {
		t.Fatal("Send() before connect must fail")
	}
	if !protocol.IsDisconnected(err) {
		t.Errorf("error = %v, want disconnected", err)
	}
}

func TestSessionWrongKeyForcesReconnect(t *testing.T) {
	// Device provisioned with one key, host paired with another: the
	// handshake reply fails integrity and the session must go through a
	// full reconnect, never Ready.
	sim := newTestSimulator(testKey(0x42))

	sess := New(Options{
		Identity:   testIdentity(testKey(0x43)),
		Dialer:     sim.Dialer(),
		BackoffMin: 10 * time.Millisecond,
	})
	defer sess.Close()

	states, unsub := watchStates(sess)
	defer unsub()

	sess.Connect()
	waitForState(t, states, StateReconnecting, 5*time.Second)

	if st := sess.State(); st == StateReady {
		t.Error("session became ready with mismatched keys")
	}
}

func TestSessionReconnectsAfterLinkLoss(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{
		Identity:   testIdentity(key),
		Dialer:     sim.Dialer(),
		BackoffMin: 10 * time.Millisecond,
	})
	defer sess.Close()

	states, unsub := watchStates(sess)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	sim.DropConnections()

	waitForState(t, states, StateReconnecting, 5*time.Second)
	waitForState(t, states, StateReady, 5*time.Second)
}

func TestSessionDatapointRoundTrip(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{Identity: testIdentity(key), Dialer: sim.Dialer()})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	want := []protocol.Datapoint{protocol.NewBool(101, true)}
	payload, err := protocol.EncodeDatapoints(want)
	if err != nil {
		t.Fatalf("EncodeDatapoints() error = %v", err)
	}

	seq, err := sess.Send(protocol.CodeDatapointSet, payload)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case in, ok := <-sess.Inbound():
		if !ok {
			t.Fatal("inbound channel closed")
		}
		if in.Code != protocol.CodeDatapointAck {
			t.Fatalf("inbound code = %s, want DatapointAck", in.Code)
		}
		if in.Seq != seq {
			t.Errorf("ack seq = %d, want %d (echoed)", in.Seq, seq)
		}
		got, err := protocol.DecodeDatapoints(in.Payload)
		if err != nil {
			t.Fatalf("DecodeDatapoints() error = %v", err)
		}
		if len(got) != 1 || !got[0].Equal(want[0]) {
			t.Errorf("acked datapoints = %v, want %v", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no acknowledgement within 5s")
	}

	// The device applied the value
	dp, ok := sim.Datapoint(101)
	if !ok {
		t.Fatal("simulator did not store datapoint 101")
	}
	if v, err := dp.Bool(); err != nil || !v {
		t.Errorf("simulator datapoint 101 = (%v, %v), want true", v, err)
	}
}

func TestSessionConcurrentSendsUniqueSequences(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{Identity: testIdentity(key), Dialer: sim.Dialer()})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	const (
		workers = 4
		sends   = 15
	)

	// Datapoint-ack frames are meaningless to the device, so it drains and
	// ignores them; only the sequence allocation matters here.
	seqs := make(chan uint32, workers*sends)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < sends; i++ {
				seq, err := sess.Send(protocol.CodeDatapointAck, []byte{0x01})
				if err != nil {
					t.Errorf("Send() error = %v", err)
					return
				}
				seqs <- seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint32]bool)
	for seq := range seqs {
		if seq == 0 {
			t.Error("Send() allocated sequence number 0")
		}
		if seen[seq] {
			t.Errorf("sequence number %d allocated twice", seq)
		}
		seen[seq] = true
	}
}

func TestSessionDeduplicatesRetransmittedReports(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{Identity: testIdentity(key), Dialer: sim.Dialer()})
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	// One full round-trip guarantees the simulator finished its handshake
	// bookkeeping before reports are pushed.
	payload, _ := protocol.EncodeDatapoints([]protocol.Datapoint{protocol.NewBool(1, true)})
	if _, err := sess.Send(protocol.CodeDatapointSet, payload); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	awaitInbound(t, sess, protocol.CodeDatapointAck)

	report := []protocol.Datapoint{protocol.NewEnum(103, 7)}
	if err := sim.ReportWithSeq(500, report); err != nil {
		t.Fatalf("ReportWithSeq() error = %v", err)
	}
	// Radio-level retransmission of the same report
	if err := sim.ReportWithSeq(500, report); err != nil {
		t.Fatalf("ReportWithSeq() error = %v", err)
	}
	if err := sim.ReportWithSeq(501, report); err != nil {
		t.Fatalf("ReportWithSeq() error = %v", err)
	}

	seen := make(map[uint32]int)
	deadline := time.After(5 * time.Second)
	for {
		select {
		case in, ok := <-sess.Inbound():
			if !ok {
				t.Fatal("inbound channel closed")
			}
			if in.Code != protocol.CodeDatapointRpt {
				continue
			}
			seen[in.Seq]++
			if in.Seq == 501 {
				if seen[500] != 1 {
					t.Errorf("report seq 500 delivered %d times, want exactly 1", seen[500])
				}
				return
			}
		case <-deadline:
			t.Fatal("report seq 501 not delivered within 5s")
		}
	}
}

func TestSessionRecoversFromFramingErrorRun(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)

	sess := New(Options{
		Identity:          testIdentity(key),
		Dialer:            sim.Dialer(),
		BackoffMin:        10 * time.Millisecond,
		FramingErrorLimit: 3,
	})
	defer sess.Close()

	states, unsub := watchStates(sess)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	corrupt, err := protocol.Encode(&protocol.Frame{Seq: 9, Code: protocol.CodeDatapointRpt, Payload: []byte{0x01}})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	corrupt[protocol.HeaderSize] ^= 0xFF

	// A run of consecutive corrupt frames at the limit must force a reconnect
	for i := 0; i < 3; i++ {
		sim.Inject(corrupt)
	}

	waitForState(t, states, StateReconnecting, 5*time.Second)
	waitForState(t, states, StateReady, 5*time.Second)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	key := testKey(0x42)
	sim := newTestSimulator(key)
	sess := New(Options{Identity: testIdentity(key), Dialer: sim.Dialer()})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	if err := sess.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if st := sess.State(); st != StateDisconnected {
		t.Errorf("State() after Close = %s, want disconnected", st)
	}

	// The inbound channel must be closed
	select {
	case _, ok := <-sess.Inbound():
		if ok {
			t.Error("inbound channel still delivering after Close")
		}
	case <-time.After(time.Second):
		t.Error("inbound channel not closed after Close")
	}

	if err := sess.WaitReady(context.Background()); err == nil {
		t.Error("WaitReady() after Close must fail")
	}
}

func awaitInbound(t *testing.T, sess *Session, want protocol.Code) Inbound {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case in, ok := <-sess.Inbound():
			if !ok {
				t.Fatal("inbound channel closed")
			}
			if in.Code == want {
				return in
			}
		case <-deadline:
			t.Fatalf("no %s frame within 5s", want)
		}
	}
}
