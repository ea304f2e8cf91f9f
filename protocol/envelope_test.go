package protocol

import (
	"encoding/json"
	"testing"
)

func TestCanonicalBytesFixedOrder(t *testing.T) {
	env := &Envelope{
		Magic:        Magic,
		Kind:         KindFileAck,
		TS:           1234,
		Nonce:        "abc",
		Room:         "room1",
		FromStreamID: "agent_a",
		Payload:      json.RawMessage(`{"seq":1}`),
		MAC:          "deadbeef",
	}
	b, err := CanonicalBytes(env)
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	want := `{"kind":"file.ack","ts":1234,"nonce":"abc","room":"room1","from_stream_id":"agent_a","payload":{"seq":1}}`
	if string(b) != want {
		t.Fatalf("got %s, want %s", b, want)
	}
}

func TestCanonicalBytesExcludesMAC(t *testing.T) {
	a := &Envelope{Magic: Magic, Kind: KindSyncHeartbeat, TS: 1, Nonce: "n", Room: "r", FromStreamID: "s", Payload: json.RawMessage(`{}`)}
	b := *a
	b.MAC = "somemac"
	ba, _ := CanonicalBytes(a)
	bb, _ := CanonicalBytes(&b)
	if string(ba) != string(bb) {
		t.Fatalf("MAC field leaked into canonical bytes")
	}
}

func TestLooksLikeEnvelope(t *testing.T) {
	if LooksLikeEnvelope(nil) {
		t.Fatal("nil should not look like an envelope")
	}
	if LooksLikeEnvelope(map[string]any{"magic": "something_else"}) {
		t.Fatal("wrong magic should not match")
	}
	if !LooksLikeEnvelope(map[string]any{"magic": Magic}) {
		t.Fatal("correct magic should match")
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	env, err := Encode(KindFileOffer, OfferPayload{TransferID: "t1", TotalBytes: 19, TotalChunks: 1, ChunkBytes: 19, FileHash: "h"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := DecodeOffer(env)
	if err != nil {
		t.Fatalf("DecodeOffer: %v", err)
	}
	if got.TransferID != "t1" || got.TotalBytes != 19 {
		t.Fatalf("unexpected decode: %+v", got)
	}
}
