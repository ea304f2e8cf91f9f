package toolsurface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/transport"
	"github.com/steveseguin/ninjamcp/transport/fake"
)

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func decode[T any](t *testing.T, b json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v
}

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

func newFakeSurface(broker *fake.Broker) *Surface {
	return New(func() transport.PeerTransport { return fake.New(broker) }, nil)
}

func connectPair(t *testing.T, sf *Surface, room string) (string, string) {
	t.Helper()
	ctx := context.Background()
	respA, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-a", Room: room, LocalStreamID: "stream-a", HeartbeatIntervalMS: 3600000,
	}))
	if toolErr != nil {
		t.Fatalf("connect a: %+v", toolErr)
	}
	respB, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-b", Room: room, LocalStreamID: "stream-b", HeartbeatIntervalMS: 3600000,
	}))
	if toolErr != nil {
		t.Fatalf("connect b: %+v", toolErr)
	}
	a := decode[ConnectResponse](t, respA)
	b := decode[ConnectResponse](t, respB)

	waitUntil(t, 2*time.Second, func() bool {
		s, _ := sf.getSession(a.SessionID)
		return len(s.Status().Peers) == 1
	})
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := sf.getSession(b.SessionID)
		return len(s.Status().Peers) == 1
	})
	return a.SessionID, b.SessionID
}

func TestConnectStatusDisconnect(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	ctx := context.Background()

	connResp, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{Room: "room1", HeartbeatIntervalMS: 3600000}))
	if toolErr != nil {
		t.Fatalf("connect: %+v", toolErr)
	}
	c := decode[ConnectResponse](t, connResp)
	if c.SessionID == "" {
		t.Fatalf("expected generated session id")
	}

	statusResp, toolErr := sf.Dispatch(ctx, "status", raw(t, SessionIDRequest{SessionID: c.SessionID}))
	if toolErr != nil {
		t.Fatalf("status: %+v", toolErr)
	}
	st := decode[StatusResponse](t, statusResp)
	if st.Room != "room1" {
		t.Fatalf("expected room1, got %q", st.Room)
	}

	listResp, toolErr := sf.Dispatch(ctx, "list_sessions", raw(t, struct{}{}))
	if toolErr != nil {
		t.Fatalf("list_sessions: %+v", toolErr)
	}
	list := decode[ListSessionsResponse](t, listResp)
	if len(list.SessionIDs) != 1 {
		t.Fatalf("expected 1 session, got %d", len(list.SessionIDs))
	}

	if _, toolErr := sf.Dispatch(ctx, "disconnect", raw(t, SessionIDRequest{SessionID: c.SessionID})); toolErr != nil {
		t.Fatalf("disconnect: %+v", toolErr)
	}

	if _, toolErr := sf.Dispatch(ctx, "status", raw(t, SessionIDRequest{SessionID: c.SessionID})); toolErr == nil {
		t.Fatalf("expected unknown_session after disconnect")
	} else if toolErr.Code != string(errclass.CodeUnknownSession) {
		t.Fatalf("expected unknown_session, got %q", toolErr.Code)
	}
}

func TestUnknownToolIsValidationError(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	_, toolErr := sf.Dispatch(context.Background(), "not_a_real_tool", raw(t, struct{}{}))
	if toolErr == nil {
		t.Fatalf("expected error")
	}
	if toolErr.Kind != errclass.KindValidation {
		t.Fatalf("expected validation_error, got %q", toolErr.Kind)
	}
}

func TestSendDeliversAcrossConnectedSessions(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	aID, bID := connectPair(t, sf, "room2")

	sendResp, toolErr := sf.Dispatch(context.Background(), "send", raw(t, SendRequest{
		SessionID: aID, Data: map[string]any{"hello": "world"},
	}))
	if toolErr != nil {
		t.Fatalf("send: %+v", toolErr)
	}
	sr := decode[SendResponse](t, sendResp)
	if !sr.OK {
		t.Fatalf("expected ok send")
	}

	waitUntil(t, 2*time.Second, func() bool {
		recvResp, toolErr := sf.Dispatch(context.Background(), "receive", raw(t, ReceiveRequest{SessionID: bID, MaxEvents: 10}))
		if toolErr != nil {
			return false
		}
		rr := decode[ReceiveResponse](t, recvResp)
		return rr.EventCount > 0
	})
}

func TestFileSendReceiveSaveRoundTrip(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	aID, bID := connectPair(t, sf, "room3")
	ctx := context.Background()

	payload := []byte("the quick brown fox jumps over the lazy dog")
	sendResp, toolErr := sf.Dispatch(ctx, "file_send", raw(t, FileSendRequest{
		SessionID:  aID,
		DataBase64: base64.StdEncoding.EncodeToString(payload),
		Name:       "fox.txt",
		MIME:       "text/plain",
		Target:     "stream-b",
	}))
	if toolErr != nil {
		t.Fatalf("file_send: %+v", toolErr)
	}
	summary := decode[struct {
		TransferID string `json:"transfer_id"`
		Status     string `json:"status"`
	}](t, sendResp)
	if summary.Status != "completed" {
		t.Fatalf("expected completed, got %q", summary.Status)
	}

	var foundIncoming bool
	waitUntil(t, 2*time.Second, func() bool {
		listResp, toolErr := sf.Dispatch(ctx, "file_transfers", raw(t, FileTransfersRequest{SessionID: bID, Direction: "incoming"}))
		if toolErr != nil {
			return false
		}
		list := decode[FileTransfersResponse](t, listResp)
		for _, s := range list.Incoming {
			if s.TransferID == summary.TransferID && s.Status == "completed" {
				foundIncoming = true
				return true
			}
		}
		return false
	})
	if !foundIncoming {
		t.Fatalf("incoming transfer never completed")
	}

	recvResp, toolErr := sf.Dispatch(ctx, "file_receive", raw(t, FileReceiveRequest{
		SessionID: bID, TransferID: summary.TransferID, Encoding: "utf8",
	}))
	if toolErr != nil {
		t.Fatalf("file_receive: %+v", toolErr)
	}
	fr := decode[FileReceiveResponse](t, recvResp)
	if fr.DataText != string(payload) {
		t.Fatalf("payload mismatch: got %q", fr.DataText)
	}

	outPath := t.TempDir() + "/fox.txt"
	saveResp, toolErr := sf.Dispatch(ctx, "file_save", raw(t, FileSaveRequest{
		SessionID: bID, TransferID: summary.TransferID, OutputPath: outPath,
	}))
	if toolErr != nil {
		t.Fatalf("file_save: %+v", toolErr)
	}
	saved := decode[FileSaveResponse](t, saveResp)
	if saved.BytesWritten != int64(len(payload)) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), saved.BytesWritten)
	}
}

func TestStateSetGetSyncConverges(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	aID, bID := connectPair(t, sf, "room4")
	ctx := context.Background()

	if _, toolErr := sf.Dispatch(ctx, "state_set", raw(t, StateSetRequest{
		SessionID: aID, Key: "mission", Value: "alpha",
	})); toolErr != nil {
		t.Fatalf("state_set: %+v", toolErr)
	}

	waitUntil(t, 2*time.Second, func() bool {
		getResp, toolErr := sf.Dispatch(ctx, "state_get", raw(t, StateGetRequest{SessionID: bID, Key: "mission"}))
		if toolErr != nil {
			return false
		}
		g := decode[StateGetResponse](t, getResp)
		return g.Found && g.Value == "alpha"
	})

	// session c joins and requests a sync from a, which should reflect a's
	// already-converged view.
	connResp, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-c", Room: "room4", LocalStreamID: "stream-c", HeartbeatIntervalMS: 3600000,
	}))
	if toolErr != nil {
		t.Fatalf("connect c: %+v", toolErr)
	}
	c := decode[ConnectResponse](t, connResp)
	waitUntil(t, 2*time.Second, func() bool {
		s, _ := sf.getSession(c.SessionID)
		return len(s.Status().Peers) >= 1
	})

	if _, toolErr := sf.Dispatch(ctx, "state_sync", raw(t, StateSyncRequest{
		SessionID: aID, Target: "stream-c", Mode: "send",
	})); toolErr != nil {
		t.Fatalf("state_sync: %+v", toolErr)
	}

	waitUntil(t, 2*time.Second, func() bool {
		getResp, toolErr := sf.Dispatch(ctx, "state_get", raw(t, StateGetRequest{SessionID: c.SessionID, Key: "mission"}))
		if toolErr != nil {
			return false
		}
		g := decode[StateGetResponse](t, getResp)
		return g.Found && g.Value == "alpha"
	})
}

func TestSyncPeersReportsRejectedPeerAlongsideAdmitted(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	ctx := context.Background()

	respA, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-a", Room: "room5", LocalStreamID: "stream-a",
		HeartbeatIntervalMS: 3600000, AllowPeerStreamIDs: []string{"stream-b"},
	}))
	if toolErr != nil {
		t.Fatalf("connect a: %+v", toolErr)
	}
	a := decode[ConnectResponse](t, respA)

	if _, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-b", Room: "room5", LocalStreamID: "stream-b", HeartbeatIntervalMS: 3600000,
	})); toolErr != nil {
		t.Fatalf("connect b: %+v", toolErr)
	}
	if _, toolErr := sf.Dispatch(ctx, "connect", raw(t, ConnectRequest{
		SessionID: "sess-intruder", Room: "room5", LocalStreamID: "stream-intruder", HeartbeatIntervalMS: 3600000,
	})); toolErr != nil {
		t.Fatalf("connect intruder: %+v", toolErr)
	}

	var peers []PeerSyncStatus
	waitUntil(t, 2*time.Second, func() bool {
		resp, toolErr := sf.Dispatch(ctx, "sync_peers", raw(t, SessionIDRequest{SessionID: a.SessionID}))
		if toolErr != nil {
			return false
		}
		peers = decode[SyncPeersResponse](t, resp).Peers
		if len(peers) < 2 {
			return false
		}
		for _, p := range peers {
			if p.HandshakeState == "rejected" {
				return true
			}
		}
		return false
	})

	var sawReady, sawRejected bool
	for _, p := range peers {
		switch p.HandshakeState {
		case "ready":
			sawReady = true
		case "rejected":
			sawRejected = true
			if p.Reason != "peer_not_allowed" {
				t.Fatalf("expected peer_not_allowed reason, got %q", p.Reason)
			}
		}
	}
	if !sawReady {
		t.Fatalf("expected an admitted peer among %+v", peers)
	}
	if !sawRejected {
		t.Fatalf("expected a rejected peer among %+v", peers)
	}
}

func TestCapabilitiesListsRegisteredTools(t *testing.T) {
	sf := newFakeSurface(fake.NewBroker())
	capResp, toolErr := sf.Dispatch(context.Background(), "capabilities", raw(t, struct{}{}))
	if toolErr != nil {
		t.Fatalf("capabilities: %+v", toolErr)
	}
	caps := decode[CapabilitiesResponse](t, capResp)
	if len(caps.Tools) < 10 {
		t.Fatalf("expected a full tool registry, got %d", len(caps.Tools))
	}
}
