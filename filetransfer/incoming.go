package filetransfer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/protocol"
)

func errNotCompleted(transferID string) error {
	return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeNotCompleted, nil)
}

// HandleOffer processes an inbound file.offer from fromUUID/fromStreamID,
// creating (or re-acknowledging, for an idempotent re-offer) the incoming
// transfer record, and returns the file.accept reply to send back.
func (e *Engine) HandleOffer(ctx context.Context, fromUUID, fromStreamID string, offer protocol.OfferPayload) (protocol.AcceptPayload, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.incoming[offer.TransferID]; ok {
		return protocol.AcceptPayload{TransferID: offer.TransferID, NextSeq: existing.firstMissingSeq()}, nil
	}

	spooled := offer.TotalBytes >= e.cfg.SpoolThresholdBytes
	t := &IncomingTransfer{
		ID:               offer.TransferID,
		Status:           IncomingReceiving,
		FromUUID:         fromUUID,
		FromStreamID:     fromStreamID,
		Name:             offer.Name,
		MIME:             offer.MIME,
		TotalBytes:       offer.TotalBytes,
		TotalChunks:      offer.TotalChunks,
		ChunkBytes:       offer.ChunkBytes,
		ExpectedFileHash: offer.FileHash,
		Received:         make(map[int]bool),
		Spooled:          spooled,
		CreatedAt:        nowMillis(),
		UpdatedAt:        nowMillis(),
	}

	if spooled {
		e.mu.Unlock()
		dir, err := e.ensureSpoolDir()
		e.mu.Lock()
		if err != nil {
			return protocol.AcceptPayload{}, err
		}
		f, path, err := spoolPathFor(dir, offer.TransferID)
		if err != nil {
			return protocol.AcceptPayload{}, err
		}
		f.Close()
		t.SpoolPath = path
		e.obs.Spooled(observability.TransferIncoming)
	} else {
		t.MemChunks = make([][]byte, offer.TotalChunks)
	}

	e.incoming[offer.TransferID] = t
	e.obs.Started(observability.TransferIncoming)
	return protocol.AcceptPayload{TransferID: offer.TransferID, NextSeq: 0}, nil
}

// HandleChunk validates and stores one inbound file.chunk, returning either
// an AckPayload or a NackPayload (exactly one non-nil).
func (e *Engine) HandleChunk(ctx context.Context, chunk protocol.ChunkPayload) (*protocol.AckPayload, *protocol.NackPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t, ok := e.incoming[chunk.TransferID]
	if !ok {
		return nil, &protocol.NackPayload{TransferID: chunk.TransferID, ExpectedSeq: 0, Reason: "unknown_transfer"}
	}
	if chunk.Seq < 0 || chunk.Seq >= t.TotalChunks {
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "seq_out_of_range"}
	}

	if t.Received[chunk.Seq] {
		return &protocol.AckPayload{TransferID: t.ID, Seq: chunk.Seq, NextSeq: t.firstMissingSeq(), ReceivedBytes: t.ReceivedBytes}, nil
	}

	data, err := decodeChunk(chunk.DataBase64)
	if err != nil {
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "bad_base64"}
	}
	wantLen := expectedChunkLen(t.TotalBytes, t.ChunkBytes, chunk.Seq)
	if len(data) != wantLen {
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "chunk_length_mismatch"}
	}
	if hashChunk(data) != chunk.ChunkHash {
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "chunk_hash_mismatch"}
	}

	if t.Spooled {
		f, err := os.OpenFile(t.SpoolPath, os.O_WRONLY, 0o600)
		if err != nil {
			return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "spool_io_error"}
		}
		_, werr := f.WriteAt(data, int64(chunk.Seq)*int64(t.ChunkBytes))
		f.Close()
		if werr != nil {
			return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: t.firstMissingSeq(), Reason: "spool_io_error"}
		}
	} else {
		t.MemChunks[chunk.Seq] = data
	}

	t.Received[chunk.Seq] = true
	t.ReceivedBytes += int64(len(data))
	t.UpdatedAt = nowMillis()

	return &protocol.AckPayload{TransferID: t.ID, Seq: chunk.Seq, NextSeq: t.firstMissingSeq(), ReceivedBytes: t.ReceivedBytes}, nil
}

// HandleComplete processes an inbound file.complete, attempting
// finalization. On success it returns (ack, nil); on failure it returns a
// nack reason and the transfer remains open for further chunks or resume.
func (e *Engine) HandleComplete(ctx context.Context, complete protocol.CompletePayload) (*protocol.CompleteAckPayload, *protocol.NackPayload) {
	e.mu.Lock()
	t, ok := e.incoming[complete.TransferID]
	if !ok {
		e.mu.Unlock()
		return nil, &protocol.NackPayload{TransferID: complete.TransferID, ExpectedSeq: 0, Reason: "unknown_transfer"}
	}
	t.CompleteReceived = true
	missing := t.firstMissingSeq()
	e.mu.Unlock()

	if missing < t.TotalChunks {
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: missing, Reason: "incomplete"}
	}

	actualHash, err := e.finalizeHash(t)
	if err != nil || actualHash != t.ExpectedFileHash {
		reason := "hash_mismatch"
		if err != nil {
			reason = "finalize_io_error"
		}
		return nil, &protocol.NackPayload{TransferID: t.ID, ExpectedSeq: missing, Reason: reason}
	}

	e.mu.Lock()
	t.Status = IncomingCompleted
	t.UpdatedAt = nowMillis()
	e.completedInOrder = append(e.completedInOrder, t.ID)
	e.evictIncomingIfNeeded()
	e.mu.Unlock()
	e.obs.Outcome(observability.TransferIncoming, observability.TransferOutcomeCompleted, time.Duration(t.UpdatedAt-t.CreatedAt)*time.Millisecond)
	e.emit("file_received", map[string]any{
		"transfer_id": t.ID,
		"name":        t.Name,
		"mime":        t.MIME,
		"total_bytes": t.TotalBytes,
		"from_uuid":   t.FromUUID,
	})

	return &protocol.CompleteAckPayload{TransferID: t.ID, FileHash: t.ExpectedFileHash, TotalBytes: t.TotalBytes}, nil
}

func (e *Engine) finalizeHash(t *IncomingTransfer) (string, error) {
	if t.Spooled {
		return hashFile(t.SpoolPath)
	}
	h := sha256.New()
	for _, c := range t.MemChunks {
		if _, err := h.Write(c); err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Finalized returns the reassembled bytes of a completed in-memory transfer,
// or opens the spool file for a completed spooled transfer.
func (e *Engine) Finalized(transferID string) (io.ReadCloser, error) {
	e.mu.Lock()
	t, ok := e.incoming[transferID]
	e.mu.Unlock()
	if !ok || t.Status != IncomingCompleted {
		return nil, errNotCompleted(transferID)
	}
	if t.Spooled {
		return os.Open(t.SpoolPath)
	}
	buf := &bytes.Buffer{}
	for _, c := range t.MemChunks {
		buf.Write(c)
	}
	return io.NopCloser(buf), nil
}

// HandleResumeReq always replies, even for a transfer this side has never
// seen.
func (e *Engine) HandleResumeReq(transferID string) protocol.ResumeStatePayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.incoming[transferID]
	if !ok {
		return protocol.ResumeStatePayload{TransferID: transferID, NextSeq: 0, Status: "unknown_transfer"}
	}
	return protocol.ResumeStatePayload{TransferID: transferID, NextSeq: t.firstMissingSeq(), Status: string(t.Status)}
}

// HandleCancel marks an incoming transfer cancelled and releases storage.
func (e *Engine) HandleCancel(transferID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.incoming[transferID]
	if !ok {
		return
	}
	t.Status = IncomingCancelled
	e.releaseIncomingStorage(t)
	e.emit("file_transfer_cancelled", map[string]any{"transfer_id": transferID})
}
