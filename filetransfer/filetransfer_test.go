package filetransfer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/protocol"
)

// pairedSender wires a sender engine's outbound envelopes directly into a
// receiver engine's Handle* calls and publishes the receiver's replies back
// onto the sender's bus, modeling a lossless in-process link between two
// FileTransferEngines.
type pairedSender struct {
	t        *testing.T
	fromUUID string
	recv     *Engine
	replyBus *eventqueue.Bus

	mu     sync.Mutex
	dropAck bool
	dropOnce bool
}

func newEnvelope(kind protocol.Kind, payload any) *protocol.Envelope {
	b, _ := json.Marshal(payload)
	return &protocol.Envelope{Magic: protocol.Magic, Kind: kind, TS: nowMillis(), Room: "r", FromStreamID: "sender", Payload: b}
}

func (p *pairedSender) SendEnvelope(ctx context.Context, targetUUID string, kind protocol.Kind, payload any) error {
	switch kind {
	case protocol.KindFileOffer:
		var offer protocol.OfferPayload
		_ = remarshal(payload, &offer)
		accept, err := p.recv.HandleOffer(ctx, p.fromUUID, "sender", offer)
		if err != nil {
			return err
		}
		p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileAccept, accept))
	case protocol.KindFileChunk:
		var chunk protocol.ChunkPayload
		_ = remarshal(payload, &chunk)
		ack, nack := p.recv.HandleChunk(ctx, chunk)
		p.mu.Lock()
		drop := p.dropOnce || p.dropAck
		p.dropOnce = false
		p.mu.Unlock()
		if drop {
			return nil
		}
		if ack != nil {
			p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileAck, ack))
		} else {
			p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileNack, nack))
		}
	case protocol.KindFileComplete:
		var complete protocol.CompletePayload
		_ = remarshal(payload, &complete)
		ack, nack := p.recv.HandleComplete(ctx, complete)
		if ack != nil {
			p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileCompleteAck, ack))
		} else {
			p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileNack, nack))
		}
	case protocol.KindFileResumeReq:
		var req protocol.ResumeReqPayload
		_ = remarshal(payload, &req)
		state := p.recv.HandleResumeReq(req.TransferID)
		p.replyBus.Publish(targetUUID, newEnvelope(protocol.KindFileResumeState, state))
	}
	return nil
}

func remarshal(src any, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, dst)
}

func newPair(t *testing.T, cfg Config) (*Engine, *Engine) {
	t.Helper()
	sender, recv, _ := newPairWithLink(t, cfg)
	return sender, recv
}

// newPairWithLink is newPair but also returns the pairedSender standing
// between the two engines, so a test can flip dropAck/dropOnce to force the
// sender's timeout/resume path.
func newPairWithLink(t *testing.T, cfg Config) (*Engine, *Engine, *pairedSender) {
	t.Helper()
	senderBus := eventqueue.NewBus(eventqueue.DefaultBusHistory)
	recvEvents := eventqueue.New(0)
	recv := NewEngine(cfg, nil, eventqueue.NewBus(eventqueue.DefaultBusHistory), recvEvents, nil)
	link := &pairedSender{t: t, fromUUID: "peerA", recv: recv, replyBus: senderBus}
	sender := NewEngine(cfg, link, senderBus, eventqueue.New(0), nil)
	return sender, recv, link
}

func TestSendFileRoundTripInMemory(t *testing.T) {
	cfg := Config{ChunkBytes: 8, MaxBytes: 1 << 20, AckTimeout: 2 * time.Second, MaxRetries: 3, SpoolThresholdBytes: 1 << 20}
	sender, recv := newPair(t, cfg)

	data := []byte("hello world, this is a test payload")
	sum, err := sender.SendFile(context.Background(), "peerB", data, "", SendOptions{Name: "greeting.txt", MIME: "text/plain"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if sum.Status != string(OutgoingCompleted) {
		t.Fatalf("expected completed, got %+v", sum)
	}

	rc, err := recv.Finalized(sum.TransferID)
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, len(data)+16)
	n, _ := rc.Read(buf)
	if string(buf[:n]) != string(data) {
		t.Fatalf("got %q want %q", buf[:n], data)
	}
}

func TestSendFileSpoolsAboveThreshold(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ChunkBytes: 16, MaxBytes: 1 << 20, AckTimeout: 2 * time.Second, MaxRetries: 3, SpoolThresholdBytes: 32, SpoolDir: dir, KeepSpoolFiles: true}
	sender, recv := newPair(t, cfg)

	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i)
	}
	sum, err := sender.SendFile(context.Background(), "peerB", data, "", SendOptions{})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	recv.mu.Lock()
	it := recv.incoming[sum.TransferID]
	recv.mu.Unlock()
	if !it.Spooled {
		t.Fatalf("expected transfer to be spooled")
	}
}

func TestHandleChunkRejectsHashMismatch(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 1 << 20, SpoolThresholdBytes: 1 << 20}
	recv := NewEngine(cfg, nil, eventqueue.NewBus(8), eventqueue.New(0), nil)
	_, err := recv.HandleOffer(context.Background(), "peerA", "sender", protocol.OfferPayload{
		TransferID: "t1", TotalBytes: 4, TotalChunks: 1, ChunkBytes: 4, FileHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	ack, nack := recv.HandleChunk(context.Background(), protocol.ChunkPayload{
		TransferID: "t1", Seq: 0, DataBase64: encodeChunk([]byte("abcd")), ChunkHash: "wrong",
	})
	if ack != nil || nack == nil || nack.Reason != "chunk_hash_mismatch" {
		t.Fatalf("expected chunk_hash_mismatch nack, got ack=%+v nack=%+v", ack, nack)
	}
}

func TestHandleChunkDuplicateIsIdempotent(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 1 << 20, SpoolThresholdBytes: 1 << 20}
	recv := NewEngine(cfg, nil, eventqueue.NewBus(8), eventqueue.New(0), nil)
	data := []byte("abcd")
	hash := hashChunk(data)
	_, _ = recv.HandleOffer(context.Background(), "peerA", "sender", protocol.OfferPayload{
		TransferID: "t1", TotalBytes: 4, TotalChunks: 1, ChunkBytes: 4, FileHash: hash,
	})
	payload := protocol.ChunkPayload{TransferID: "t1", Seq: 0, DataBase64: encodeChunk(data), ChunkHash: hashChunk(data)}
	ack1, nack1 := recv.HandleChunk(context.Background(), payload)
	if ack1 == nil || nack1 != nil {
		t.Fatalf("first chunk should ack, got ack=%+v nack=%+v", ack1, nack1)
	}
	ack2, nack2 := recv.HandleChunk(context.Background(), payload)
	if ack2 == nil || nack2 != nil {
		t.Fatalf("duplicate chunk should still ack, got ack=%+v nack=%+v", ack2, nack2)
	}
	recv.mu.Lock()
	receivedBytes := recv.incoming["t1"].ReceivedBytes
	recv.mu.Unlock()
	if receivedBytes != int64(len(data)) {
		t.Fatalf("duplicate chunk must not double-count received bytes, got %d", receivedBytes)
	}
}

func TestOfferIsIdempotentForKnownTransferID(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 1 << 20, SpoolThresholdBytes: 1 << 20}
	recv := NewEngine(cfg, nil, eventqueue.NewBus(8), eventqueue.New(0), nil)
	offer := protocol.OfferPayload{TransferID: "t1", TotalBytes: 8, TotalChunks: 2, ChunkBytes: 4, FileHash: "deadbeef"}

	accept1, err := recv.HandleOffer(context.Background(), "peerA", "sender", offer)
	if err != nil {
		t.Fatalf("first HandleOffer: %v", err)
	}
	if accept1.NextSeq != 0 {
		t.Fatalf("expected next_seq=0 on first offer, got %d", accept1.NextSeq)
	}

	ack, nack := recv.HandleChunk(context.Background(), protocol.ChunkPayload{
		TransferID: "t1", Seq: 0, DataBase64: encodeChunk([]byte("abcd")), ChunkHash: hashChunk([]byte("abcd")),
	})
	if ack == nil || nack != nil {
		t.Fatalf("expected chunk 0 to ack, got ack=%+v nack=%+v", ack, nack)
	}

	accept2, err := recv.HandleOffer(context.Background(), "peerA", "sender", offer)
	if err != nil {
		t.Fatalf("re-offer HandleOffer: %v", err)
	}
	if accept2.NextSeq != 1 {
		t.Fatalf("expected re-offer to report the current next_seq=1, got %d", accept2.NextSeq)
	}
	if len(recv.IncomingTransfers()) != 1 {
		t.Fatalf("re-offer must not create a second transfer record, got %d", len(recv.IncomingTransfers()))
	}
}

func TestHandleResumeReqUnknownTransfer(t *testing.T) {
	recv := NewEngine(Config{}, nil, eventqueue.NewBus(8), eventqueue.New(0), nil)
	state := recv.HandleResumeReq("nope")
	if state.NextSeq != 0 || state.Status != "unknown_transfer" {
		t.Fatalf("expected unknown_transfer resume state, got %+v", state)
	}
}

func TestSendFileResumesAfterDroppedChunkAck(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 1 << 20, AckTimeout: 100 * time.Millisecond, MaxRetries: 3, SpoolThresholdBytes: 1 << 20}
	sender, recv, link := newPairWithLink(t, cfg)

	link.mu.Lock()
	link.dropOnce = true
	link.mu.Unlock()

	data := []byte("abcdefgh")
	sum, err := sender.SendFile(context.Background(), "peerB", data, "", SendOptions{Name: "resume.bin"})
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if sum.Status != string(OutgoingCompleted) {
		t.Fatalf("expected completed despite a dropped chunk ack, got %+v", sum)
	}

	sender.mu.Lock()
	retries := sender.outgoing[sum.TransferID].RetryTotal
	sender.mu.Unlock()
	if retries == 0 {
		t.Fatalf("expected the dropped chunk to force at least one retry via the resume path")
	}

	rc, err := recv.Finalized(sum.TransferID)
	if err != nil {
		t.Fatalf("Finalized: %v", err)
	}
	defer rc.Close()
	buf := make([]byte, len(data)+16)
	n, _ := rc.Read(buf)
	if string(buf[:n]) != string(data) {
		t.Fatalf("got %q want %q", buf[:n], data)
	}
}

func TestSendFileRejectsEmptyPayload(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 1 << 20, SpoolThresholdBytes: 1 << 20}
	sender, _ := newPair(t, cfg)
	_, err := sender.SendFile(context.Background(), "peerB", []byte{}, "", SendOptions{})
	if err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestSendFileRejectsOversizedPayload(t *testing.T) {
	cfg := Config{ChunkBytes: 4, MaxBytes: 8, SpoolThresholdBytes: 1 << 20}
	sender, _ := newPair(t, cfg)
	_, err := sender.SendFile(context.Background(), "peerB", make([]byte, 9), "", SendOptions{})
	if err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}
