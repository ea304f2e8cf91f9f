package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/filetransfer"
	"github.com/steveseguin/ninjamcp/handshake"
	"github.com/steveseguin/ninjamcp/internal/channelid"
	"github.com/steveseguin/ninjamcp/internal/contextutil"
	"github.com/steveseguin/ninjamcp/internal/endpointid"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/protocol"
	"github.com/steveseguin/ninjamcp/state"
	"github.com/steveseguin/ninjamcp/transport"
)

// State is a BridgeSession's lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateStarting       State = "starting"
	StateConnecting     State = "connecting"
	StateConnected      State = "connected"
	StateReconnecting   State = "reconnecting"
	StateStopped        State = "stopped"
)

// Status is the caller-facing snapshot of a session's lifecycle.
type Status struct {
	SessionID      string
	State          State
	Room           string
	LocalStreamID  string
	ReconnectCount int
	Peers          []string
}

// Session is a BridgeSession: one PeerTransport, one HandshakeEngine per
// connect attempt, one long-lived FileTransferEngine and state.Store, driven
// by a single executor goroutine reading from mailbox.
type Session struct {
	cfg          Config
	newTransport NewTransportFunc
	obs          observability.SessionObserver

	files  *filetransfer.Engine
	store  *state.Store
	events *eventqueue.Queue
	bus    *eventqueue.Bus

	mailbox  chan func()
	stopCh   chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	// finalStatus is set once, inside the Stop mailbox closure, before
	// stopCh is closed; Status reads it directly once stopped so callers
	// querying a torn-down session still see its last state rather than a
	// Status built from a no-op exec().
	finalStatus Status

	// Every field below is touched only from the executor goroutine
	// (inside a closure run via exec/post), except where Stop/Status read
	// them through exec themselves. No separate mutex guards them.
	st             State
	epoch          int
	tr             transport.PeerTransport
	hs             *handshake.Engine
	reconnectCount int
	reconnectDelay time.Duration
	reconnectTimer *time.Timer
	peers          map[string]bool
	heartbeatTicks int
	heartbeatStop  chan struct{}
}

// New constructs a Session. obs may be nil. Room and LocalStreamID are
// validated/defaulted using the same id-normalization helpers the teacher
// lineage uses for tunnel channel/endpoint ids.
func New(cfg Config, newTransport NewTransportFunc, obs observability.SessionObserver) (*Session, error) {
	cfg = cfg.normalized()
	cfg.Room = channelid.Normalize(cfg.Room)
	if err := channelid.Validate(cfg.Room); err != nil {
		return nil, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeInvalidInput, err)
	}
	if cfg.LocalStreamID == "" {
		id, err := endpointid.Random(16)
		if err != nil {
			return nil, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeInternal, err)
		}
		cfg.LocalStreamID = id
	}
	if obs == nil {
		obs = observability.NoopSessionObserver
	}

	events := eventqueue.New(cfg.EventQueueCap)
	events.OnDrop(func(n int) { obs.EventDropped(n) })
	bus := eventqueue.NewBus(eventqueue.DefaultBusHistory)

	s := &Session{
		cfg:            cfg,
		newTransport:   newTransport,
		obs:            obs,
		events:         events,
		bus:            bus,
		mailbox:        make(chan func(), 64),
		stopCh:         make(chan struct{}),
		st:             StateIdle,
		reconnectDelay: cfg.InitialReconnectDelay,
		peers:          make(map[string]bool),
	}
	s.files = filetransfer.NewEngine(cfg.FileTransfer, s, bus, events, nil)
	cfg.State.Room = cfg.Room
	cfg.State.LocalActor = cfg.LocalStreamID
	s.cfg.State = cfg.State
	s.store = state.New(cfg.State, events)
	go s.run()
	return s, nil
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.mailbox:
			s.safeCall(fn)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Session) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.emitEvent("session_panic", map[string]any{"recovered": fmt.Sprintf("%v", r)})
		}
	}()
	fn()
}

// exec runs fn on the executor goroutine and blocks until it completes.
func (s *Session) exec(fn func()) {
	done := make(chan struct{})
	select {
	case s.mailbox <- func() { fn(); close(done) }:
	case <-s.stopCh:
		return
	}
	select {
	case <-done:
	case <-s.stopCh:
	}
}

// post enqueues fn to run on the executor goroutine without waiting,
// used by background goroutines (connect attempts, heartbeat ticks, the
// transport event pump) to deliver results back through the mailbox.
func (s *Session) post(fn func()) {
	select {
	case s.mailbox <- fn:
	case <-s.stopCh:
	}
}

func (s *Session) emitEvent(eventType string, data map[string]any) {
	s.events.Push(eventqueue.Event{Type: eventType, TS: time.Now().UnixMilli(), Data: data})
}

// Status returns a snapshot of the session's current lifecycle state.
func (s *Session) Status() Status {
	if s.stopped.Load() {
		return s.finalStatus
	}
	var st Status
	s.exec(func() {
		peers := make([]string, 0, len(s.peers))
		for p := range s.peers {
			peers = append(peers, p)
		}
		st = Status{
			SessionID:      s.cfg.ID,
			State:          s.st,
			Room:           s.cfg.Room,
			LocalStreamID:  s.cfg.LocalStreamID,
			ReconnectCount: s.reconnectCount,
			Peers:          peers,
		}
	})
	return st
}

// Events returns the session's user-visible event queue.
func (s *Session) Events() *eventqueue.Queue { return s.events }

// Files returns the session's file-transfer engine.
func (s *Session) Files() *filetransfer.Engine { return s.files }

// Store returns the session's replicated state store.
func (s *Session) Store() *state.Store { return s.store }

// Start transitions idle/stopped -> starting and kicks off an asynchronous
// connect attempt; success or failure is reported via the ready/connect_error
// events, not Start's return value, per the executor model.
func (s *Session) Start(ctx context.Context) error {
	s.exec(func() {
		if s.st != StateIdle && s.st != StateStopped {
			return
		}
		s.st = StateStarting
		s.epoch++
		epoch := s.epoch
		go s.attemptConnect(epoch)
	})
	return nil
}

func (s *Session) attemptConnect(epoch int) {
	tr := s.newTransport()

	connectCtx, cancelConnect := contextutil.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	err := tr.Connect(connectCtx)
	cancelConnect()

	if err == nil {
		handshakeCtx, cancelHandshake := contextutil.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		err = tr.JoinRoom(handshakeCtx, s.cfg.Room, s.cfg.Password)
		if err == nil {
			err = tr.Announce(handshakeCtx, s.cfg.LocalStreamID, s.cfg.Label)
		}
		if err == nil && s.cfg.TargetStreamID != "" {
			err = tr.View(handshakeCtx, s.cfg.TargetStreamID, transport.ViewOptions{Password: s.cfg.Password})
		}
		cancelHandshake()
	}
	s.post(func() { s.onConnectResult(epoch, tr, err) })
}

func (s *Session) onConnectResult(epoch int, tr transport.PeerTransport, err error) {
	if epoch != s.epoch {
		_ = tr.Disconnect()
		return
	}
	if err != nil {
		s.emitEvent("connect_error", map[string]any{"error": err.Error()})
		s.scheduleReconnect(epoch)
		return
	}

	hs, herr := handshake.NewEngine(handshake.Config{
		Room:               s.cfg.Room,
		LocalStreamID:      s.cfg.LocalStreamID,
		JoinToken:          s.cfg.JoinToken,
		JoinTokenSecret:    s.cfg.JoinTokenSecret,
		TokenTTL:           s.cfg.TokenTTL,
		EnforceJoinToken:   s.cfg.EnforceJoinToken,
		StreamAllowlist:    s.cfg.StreamAllowlist,
		RequireSessionMAC:  s.cfg.RequireSessionMAC,
		Capabilities:       s.cfg.Capabilities,
		ClockSkewTolerance: s.cfg.ClockSkewTolerance,
	}, s.obs)
	if herr != nil {
		s.emitEvent("connect_error", map[string]any{"error": herr.Error()})
		s.scheduleReconnect(epoch)
		return
	}

	s.tr = tr
	s.hs = hs
	s.st = StateConnected
	s.peers = make(map[string]bool)
	s.reconnectDelay = s.cfg.InitialReconnectDelay

	go s.pumpEvents(tr, epoch)
	s.heartbeatStop = make(chan struct{})
	go s.runHeartbeat(epoch, s.heartbeatStop)

	s.emitEvent("ready", map[string]any{"room": s.cfg.Room, "local_stream_id": s.cfg.LocalStreamID})
}

// scheduleReconnect arms a single backoff timer; a subsequent Stop disarms
// it via the epoch check in its fired closure.
func (s *Session) scheduleReconnect(epoch int) {
	s.st = StateReconnecting
	delay := s.reconnectDelay
	if delay <= 0 {
		delay = s.cfg.InitialReconnectDelay
	}
	s.reconnectDelay = nextBackoff(delay, s.cfg.MaxReconnectDelay)
	s.reconnectCount++
	s.obs.Reconnect(s.cfg.ID)

	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(func() {
			if epoch != s.epoch {
				return
			}
			s.epoch++
			next := s.epoch
			go s.attemptConnect(next)
		})
	})
}

// nextBackoff doubles current, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if max > 0 && next > max {
		next = max
	}
	return next
}

// Stop tears the session down: cancels timers, disconnects the transport,
// releases file-transfer spool storage, and emits stopped. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		var tr transport.PeerTransport
		s.exec(func() {
			s.st = StateStopped
			s.epoch++
			if s.reconnectTimer != nil {
				s.reconnectTimer.Stop()
			}
			if s.heartbeatStop != nil {
				close(s.heartbeatStop)
			}
			tr = s.tr
			peers := make([]string, 0, len(s.peers))
			for p := range s.peers {
				peers = append(peers, p)
			}
			s.finalStatus = Status{
				SessionID:      s.cfg.ID,
				State:          StateStopped,
				Room:           s.cfg.Room,
				LocalStreamID:  s.cfg.LocalStreamID,
				ReconnectCount: s.reconnectCount,
				Peers:          peers,
			}
		})

		if tr != nil {
			_ = tr.Disconnect()
		}
		s.files.Stop()
		s.stopped.Store(true)
		close(s.stopCh)
		s.emitEvent("stopped", nil)
	})
}

// SendEnvelope implements filetransfer.Sender: marshal, MAC (for non-sync
// kinds and sync.hello_ack, when a shared key is ready), and send to
// targetUUID.
func (s *Session) SendEnvelope(ctx context.Context, targetUUID string, kind protocol.Kind, payload any) error {
	var result error
	s.exec(func() {
		result = s.sendEnvelopeLocked(ctx, targetUUID, kind, payload)
	})
	return result
}

func (s *Session) sendEnvelopeLocked(ctx context.Context, targetUUID string, kind protocol.Kind, payload any) error {
	if s.tr == nil {
		return errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeTransportFailure, nil)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeInvalidInput, err)
	}
	// Re-encode through a generic value so the payload bytes are the
	// sorted-key form a receiver reproduces when it re-encodes the decoded
	// envelope map; both sides compute the MAC over these bytes.
	var generic any
	if json.Unmarshal(body, &generic) == nil {
		if norm, err := json.Marshal(generic); err == nil {
			body = norm
		}
	}
	env := &protocol.Envelope{
		Magic:        protocol.Magic,
		Kind:         kind,
		TS:           time.Now().UnixMilli(),
		Nonce:        randomNonceHex(),
		Room:         s.cfg.Room,
		FromStreamID: s.cfg.LocalStreamID,
		Payload:      body,
	}
	if (!kind.IsSync() || kind == protocol.KindSyncHelloAck) && s.hs != nil {
		if mac, ok := s.hs.MAC(targetUUID, env); ok {
			env.MAC = mac
		}
	}
	return s.deliverEnvelope(ctx, targetUUID, env)
}

func (s *Session) deliverEnvelope(ctx context.Context, targetUUID string, env *protocol.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeInvalidInput, err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(b, &asMap); err != nil {
		return errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeInvalidInput, err)
	}
	if err := s.tr.SendData(ctx, asMap, targetUUID); err != nil {
		return errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeTransportFailure, err)
	}
	return nil
}

func randomNonceHex() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
