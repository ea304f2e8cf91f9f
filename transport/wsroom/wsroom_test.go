package wsroom

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/steveseguin/ninjamcp/transport"
)

func newTestServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := NewRoomServer(nil, nil)
	ts := httptest.NewServer(srv)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	return ts, wsURL
}

func drain(t *testing.T, ch <-chan transport.Event, want transport.EventKind) transport.Event {
	t.Helper()
	for {
		select {
		case e := <-ch:
			if e.Kind == want {
				return e
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for event %q", want)
			return transport.Event{}
		}
	}
}

func connectAndAnnounce(t *testing.T, wsURL, room, streamID string) *Transport {
	t.Helper()
	tr := New(Dialer{URL: wsURL})
	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	drain(t, tr.Events(), transport.EventConnected)
	if err := tr.JoinRoom(ctx, room, ""); err != nil {
		t.Fatalf("JoinRoom: %v", err)
	}
	if err := tr.Announce(ctx, streamID, "label-"+streamID); err != nil {
		t.Fatalf("Announce: %v", err)
	}
	return tr
}

func TestWSRoomSendDataRoundTrip(t *testing.T) {
	ts, wsURL := newTestServer(t)
	defer ts.Close()

	a := connectAndAnnounce(t, wsURL, "roomA", "peerA")
	defer a.Disconnect()
	b := connectAndAnnounce(t, wsURL, "roomA", "peerB")
	defer b.Disconnect()

	payload := map[string]any{"magic": "vdo_mcp_bridge_v1", "kind": "file.chunk"}
	if err := a.SendData(context.Background(), payload, "peerB"); err != nil {
		t.Fatalf("SendData: %v", err)
	}

	ev := drain(t, b.Events(), transport.EventDataReceived)
	if ev.UUID != "peerA" {
		t.Fatalf("expected sender peerA, got %q", ev.UUID)
	}
	if ev.Decoded == nil || ev.Decoded["kind"] != "file.chunk" {
		t.Fatalf("unexpected decoded payload: %+v", ev.Decoded)
	}
}
