package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/filetransfer"
	"github.com/steveseguin/ninjamcp/protocol"
	"github.com/steveseguin/ninjamcp/transport"
	"github.com/steveseguin/ninjamcp/transport/fake"
)

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newFakePair(t *testing.T, room string) (*Session, *Session) {
	t.Helper()
	broker := fake.NewBroker()
	a, err := New(Config{
		ID:            "a",
		Room:          room,
		LocalStreamID: "stream-a",
		HeartbeatInterval: time.Hour,
	}, func() transport.PeerTransport { return fake.New(broker) }, nil)
	if err != nil {
		t.Fatalf("New a: %v", err)
	}
	b, err := New(Config{
		ID:            "b",
		Room:          room,
		LocalStreamID: "stream-b",
		HeartbeatInterval: time.Hour,
	}, func() transport.PeerTransport { return fake.New(broker) }, nil)
	if err != nil {
		t.Fatalf("New b: %v", err)
	}
	t.Cleanup(func() { a.Stop(); b.Stop() })
	return a, b
}

func TestStartAdmitsPeersOnBothSides(t *testing.T) {
	a, b := newFakePair(t, "room1")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("b.Start: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool { return a.Status().State == StateConnected })
	waitUntil(t, 2*time.Second, func() bool { return b.Status().State == StateConnected })
	waitUntil(t, 2*time.Second, func() bool { return len(a.Status().Peers) == 1 })
	waitUntil(t, 2*time.Second, func() bool { return len(b.Status().Peers) == 1 })
}

func TestSendRejectsWhenNoPeerConnected(t *testing.T) {
	a, _ := newFakePair(t, "room2")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return a.Status().State == StateConnected })

	ok, _, err := a.Send(context.Background(), map[string]any{"hello": "world"}, nil)
	if ok || err == nil {
		t.Fatalf("expected send to be rejected, got ok=%v err=%v", ok, err)
	}
	code, _ := errclass.CodeOf(err)
	if code != errclass.CodeSendRejected {
		t.Fatalf("expected send_rejected code, got %v", code)
	}
}

func TestSendDeliversToSolePeer(t *testing.T) {
	a, b := newFakePair(t, "room3")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(a.Status().Peers) == 1 })
	waitUntil(t, 2*time.Second, func() bool { return len(b.Status().Peers) == 1 })

	ok, used, err := a.Send(context.Background(), map[string]any{"ping": true}, nil)
	if err != nil || !ok {
		t.Fatalf("Send: ok=%v err=%v", ok, err)
	}
	if used != "stream-b" {
		t.Fatalf("expected resolved target stream-b, got %q", used)
	}

	waitUntil(t, 2*time.Second, func() bool {
		evs := b.Events().Poll(context.Background(), 10, 0)
		for _, e := range evs {
			if e.Type == "data_received" {
				return true
			}
		}
		return false
	})
}

func TestStateSyncReplicatesAcrossSessions(t *testing.T) {
	a, b := newFakePair(t, "room4")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(a.Status().Peers) == 1 })
	waitUntil(t, 2*time.Second, func() bool { return len(b.Status().Peers) == 1 })

	entry, err := a.Store().Set("mission", "alpha")
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	wire := protocol.StatePatchPayload{Entry: protocol.StateEntryWire{
		Key: entry.Key, Value: entry.Value, Actor: entry.Actor, Clock: entry.Clock, UpdatedAt: entry.UpdatedAt,
	}}
	if err := a.SendEnvelope(context.Background(), "stream-b", protocol.KindStatePatch, wire); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		v, ok := b.Store().Get("mission")
		return ok && v == "alpha"
	})
}

func TestFileSendRoundTripsOverSession(t *testing.T) {
	a, b := newFakePair(t, "room5")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("a.Start: %v", err)
	}
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("b.Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return len(a.Status().Peers) == 1 })
	waitUntil(t, 2*time.Second, func() bool { return len(b.Status().Peers) == 1 })

	ctx := context.Background()
	payload := []byte("the quick brown fox jumps over the lazy dog")
	summary, err := a.Files().SendFile(ctx, "stream-b", payload, "", filetransfer.SendOptions{AckTimeout: time.Second, MaxRetries: 3})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if summary.Status != "completed" {
		t.Fatalf("expected completed, got %v", summary.Status)
	}

	waitUntil(t, 2*time.Second, func() bool {
		for _, s := range b.Files().IncomingTransfers() {
			if s.TransferID == summary.TransferID && s.Status == "completed" {
				return true
			}
		}
		return false
	})
}

func TestStopIsIdempotent(t *testing.T) {
	a, _ := newFakePair(t, "room6")
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return a.Status().State == StateConnected })
	a.Stop()
	a.Stop()
	if a.Status().State != StateStopped {
		t.Fatalf("expected stopped, got %v", a.Status().State)
	}
}

// failThenSucceedTransport fails Connect a fixed number of times before
// succeeding, used to exercise the reconnect backoff path deterministically.
type failThenSucceedTransport struct {
	delegate  transport.PeerTransport
	failTimes int32
	failures  *int32
}

func (f *failThenSucceedTransport) Connect(ctx context.Context) error {
	if atomic.AddInt32(f.failures, 1) <= f.failTimes {
		return errors.New("simulated connect failure")
	}
	return f.delegate.Connect(ctx)
}
func (f *failThenSucceedTransport) JoinRoom(ctx context.Context, room, password string) error {
	return f.delegate.JoinRoom(ctx, room, password)
}
func (f *failThenSucceedTransport) Announce(ctx context.Context, streamID, label string) error {
	return f.delegate.Announce(ctx, streamID, label)
}
func (f *failThenSucceedTransport) View(ctx context.Context, targetStreamID string, opts transport.ViewOptions) error {
	return f.delegate.View(ctx, targetStreamID, opts)
}
func (f *failThenSucceedTransport) Disconnect() error             { return f.delegate.Disconnect() }
func (f *failThenSucceedTransport) SendData(ctx context.Context, payload any, target string) error {
	return f.delegate.SendData(ctx, payload, target)
}
func (f *failThenSucceedTransport) SendPing(ctx context.Context, uuid string) error {
	return f.delegate.SendPing(ctx, uuid)
}
func (f *failThenSucceedTransport) HasOpenDataChannel(uuid string) bool {
	return f.delegate.HasOpenDataChannel(uuid)
}
func (f *failThenSucceedTransport) Events() <-chan transport.Event { return f.delegate.Events() }

func TestReconnectRetriesWithBackoffThenConnects(t *testing.T) {
	broker := fake.NewBroker()
	var failures int32
	s, err := New(Config{
		ID:                    "retry",
		Room:                  "room7",
		LocalStreamID:         "stream-retry",
		InitialReconnectDelay: 5 * time.Millisecond,
		MaxReconnectDelay:     20 * time.Millisecond,
		HeartbeatInterval:     time.Hour,
	}, func() transport.PeerTransport {
		return &failThenSucceedTransport{delegate: fake.New(broker), failTimes: 2, failures: &failures}
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool { return s.Status().State == StateConnected })
	if s.Status().ReconnectCount < 2 {
		t.Fatalf("expected at least 2 reconnect attempts, got %d", s.Status().ReconnectCount)
	}
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	d := 100 * time.Millisecond
	max := 1 * time.Second
	for i := 0; i < 10; i++ {
		d = nextBackoff(d, max)
		if d > max {
			t.Fatalf("backoff exceeded cap: %v", d)
		}
	}
	if d != max {
		t.Fatalf("expected backoff to settle at cap %v, got %v", max, d)
	}
}
