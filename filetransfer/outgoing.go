package filetransfer

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/protocol"
)

// SendOptions overrides the Engine's default chunking/timeout/retry tuning
// for a single outgoing transfer; zero fields fall back to Config.
type SendOptions struct {
	TransferID string
	Name       string
	MIME       string
	ChunkBytes int
	AckTimeout time.Duration
	MaxRetries int
}

// SendFile drives one outgoing transfer end to end: prepare, offer, transmit
// loop, complete. data is used when non-nil; otherwise filePath is opened
// and read positionally, per the "avoid materializing whole files" source
// design.
func (e *Engine) SendFile(ctx context.Context, target string, data []byte, filePath string, opts SendOptions) (*Summary, error) {
	chunkBytes := opts.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = e.cfg.ChunkBytes
	}
	ackTimeout := opts.AckTimeout
	if ackTimeout <= 0 {
		ackTimeout = e.cfg.AckTimeout
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}
	transferID := opts.TransferID
	if transferID == "" {
		transferID = newTransferID()
	}

	t, err := e.prepareOutgoing(transferID, target, data, filePath, opts.Name, opts.MIME, chunkBytes)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.outgoing[transferID] = t
	e.mu.Unlock()
	e.obs.Started(observability.TransferOutgoing)
	start := time.Now()

	if err := e.offer(ctx, t, ackTimeout); err != nil {
		e.failOutgoing(t, err)
		e.obs.Outcome(observability.TransferOutgoing, observability.TransferOutcomeFailed, time.Since(start))
		return nil, err
	}

	if err := e.transmitLoop(ctx, t, ackTimeout, maxRetries); err != nil {
		e.failOutgoing(t, err)
		e.obs.Outcome(observability.TransferOutgoing, observability.TransferOutcomeFailed, time.Since(start))
		return nil, err
	}

	if err := e.completeOutgoing(ctx, t, ackTimeout); err != nil {
		e.failOutgoing(t, err)
		e.obs.Outcome(observability.TransferOutgoing, observability.TransferOutcomeFailed, time.Since(start))
		return nil, err
	}

	e.mu.Lock()
	t.Status = OutgoingCompleted
	t.UpdatedAt = nowMillis()
	e.completedOutOrder = append(e.completedOutOrder, t.ID)
	e.evictOutgoingIfNeeded()
	sum := t.summary()
	e.mu.Unlock()
	e.obs.Outcome(observability.TransferOutgoing, observability.TransferOutcomeCompleted, time.Since(start))
	return &sum, nil
}

func newTransferID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("xfer-%x-%d", b, nowMillis())
}

func (e *Engine) failOutgoing(t *OutgoingTransfer, err error) {
	e.mu.Lock()
	t.Status = OutgoingFailed
	t.LastError = err.Error()
	t.UpdatedAt = nowMillis()
	e.mu.Unlock()
}

func (e *Engine) prepareOutgoing(transferID, target string, data []byte, filePath, name, mime string, chunkBytes int) (*OutgoingTransfer, error) {
	var totalBytes int64
	source := SourceMemory
	if data == nil {
		source = SourcePath
		info, err := os.Stat(filePath)
		if err != nil {
			return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeInvalidInput, err)
		}
		totalBytes = info.Size()
	} else {
		totalBytes = int64(len(data))
	}

	if totalBytes == 0 {
		return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeFileEmpty, nil)
	}
	if totalBytes > e.cfg.MaxBytes {
		return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeFileTooLarge, nil)
	}

	var fileHash string
	var err error
	if source == SourcePath {
		fileHash, err = hashFile(filePath)
	} else {
		fileHash = hashChunk(data)
	}
	if err != nil {
		return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeInternal, err)
	}

	totalChunks := totalChunksFor(totalBytes, chunkBytes)
	now := nowMillis()
	return &OutgoingTransfer{
		ID:          transferID,
		Status:      OutgoingOffered,
		Target:      target,
		Name:        name,
		MIME:        mime,
		TotalBytes:  totalBytes,
		TotalChunks: totalChunks,
		ChunkBytes:  chunkBytes,
		FileHash:    fileHash,
		Source:      source,
		Data:        data,
		FilePath:    filePath,
		Acked:       make(map[int]bool),
		RetryBySeq:  make(map[int]int),
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

func (e *Engine) readChunk(t *OutgoingTransfer, seq int) ([]byte, error) {
	n := expectedChunkLen(t.TotalBytes, t.ChunkBytes, seq)
	if n == 0 {
		return nil, nil
	}
	if t.Source == SourceMemory {
		start := seq * t.ChunkBytes
		return t.Data[start : start+n], nil
	}
	f, err := os.Open(t.FilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, int64(seq)*int64(t.ChunkBytes)); err != nil {
		return nil, err
	}
	return buf, nil
}

// matchTransferReply returns a Bus match predicate accepting any of kinds whose
// decoded transfer_id equals transferID, from fromUUID.
func matchTransferReply(fromUUID, transferID string, kinds ...protocol.Kind) func(string, *protocol.Envelope) bool {
	set := make(map[protocol.Kind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return func(uuid string, env *protocol.Envelope) bool {
		if uuid != fromUUID || !set[env.Kind] {
			return false
		}
		var withID struct {
			TransferID string `json:"transfer_id"`
		}
		if err := json.Unmarshal(env.Payload, &withID); err != nil {
			return false
		}
		return withID.TransferID == transferID
	}
}

func (e *Engine) offer(ctx context.Context, t *OutgoingTransfer, ackTimeout time.Duration) error {
	timeout := ackTimeout
	if timeout < time.Second {
		timeout = time.Second
	}
	sinceCursor := e.bus.Cursor()
	if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileOffer, protocol.OfferPayload{
		TransferID:  t.ID,
		Name:        t.Name,
		MIME:        t.MIME,
		TotalBytes:  t.TotalBytes,
		TotalChunks: t.TotalChunks,
		ChunkBytes:  t.ChunkBytes,
		FileHash:    t.FileHash,
	}); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageOffer, errclass.CodeTransportFailure, err)
	}

	env, _, err := e.bus.Wait(ctx, sinceCursor, timeout, matchTransferReply(t.Target, t.ID, protocol.KindFileAccept))
	if err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageOffer, errclass.CodeTimeout, err)
	}
	var accept protocol.AcceptPayload
	if err := json.Unmarshal(env.Payload, &accept); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageOffer, errclass.CodeInvalidInput, err)
	}

	e.mu.Lock()
	t.NextSeq = accept.NextSeq
	t.Status = OutgoingTransferring
	e.mu.Unlock()
	return nil
}

func (e *Engine) transmitLoop(ctx context.Context, t *OutgoingTransfer, ackTimeout time.Duration, maxRetries int) error {
	for t.NextSeq < t.TotalChunks {
		seq := t.NextSeq
		chunk, err := e.readChunk(t, seq)
		if err != nil {
			return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeInternal, err)
		}

		sinceCursor := e.bus.Cursor()
		if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileChunk, protocol.ChunkPayload{
			TransferID: t.ID,
			Seq:        seq,
			DataBase64: encodeChunk(chunk),
			ChunkHash:  hashChunk(chunk),
		}); err != nil {
			return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeTransportFailure, err)
		}

		env, _, err := e.bus.Wait(ctx, sinceCursor, ackTimeout, matchTransferReply(t.Target, t.ID, protocol.KindFileAck, protocol.KindFileNack))
		if err != nil {
			if err2 := e.handleTransmitTimeout(ctx, t, seq, ackTimeout, maxRetries); err2 != nil {
				return err2
			}
			continue
		}

		switch env.Kind {
		case protocol.KindFileAck:
			var ack protocol.AckPayload
			if err := json.Unmarshal(env.Payload, &ack); err != nil {
				return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeInvalidInput, err)
			}
			e.mu.Lock()
			t.Acked[seq] = true
			next := seq + 1
			if ack.NextSeq > next {
				next = ack.NextSeq
			}
			t.NextSeq = next
			t.UpdatedAt = nowMillis()
			e.mu.Unlock()
		case protocol.KindFileNack:
			var nack protocol.NackPayload
			if err := json.Unmarshal(env.Payload, &nack); err != nil {
				return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeInvalidInput, err)
			}
			e.mu.Lock()
			t.NextSeq = nack.ExpectedSeq
			t.RetryBySeq[seq]++
			t.RetryTotal++
			e.mu.Unlock()
			e.obs.Retry(observability.TransferOutgoing)
			if t.RetryBySeq[seq] > maxRetries {
				return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeMaxRetriesExceeded, nil)
			}
		}
	}
	return nil
}

func (e *Engine) handleTransmitTimeout(ctx context.Context, t *OutgoingTransfer, seq int, ackTimeout time.Duration, maxRetries int) error {
	e.mu.Lock()
	t.RetryBySeq[seq]++
	retries := t.RetryBySeq[seq]
	t.RetryTotal++
	e.mu.Unlock()
	e.obs.Retry(observability.TransferOutgoing)
	if retries > maxRetries {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeMaxRetriesExceeded, nil)
	}

	sinceCursor := e.bus.Cursor()
	if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileResumeReq, protocol.ResumeReqPayload{TransferID: t.ID}); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeTransportFailure, err)
	}
	env, _, err := e.bus.Wait(ctx, sinceCursor, ackTimeout, matchTransferReply(t.Target, t.ID, protocol.KindFileResumeState))
	if err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeTimeout, err)
	}
	var resume protocol.ResumeStatePayload
	if err := json.Unmarshal(env.Payload, &resume); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeInvalidInput, err)
	}
	e.mu.Lock()
	t.NextSeq = resume.NextSeq
	e.mu.Unlock()
	return nil
}

func (e *Engine) completeOutgoing(ctx context.Context, t *OutgoingTransfer, ackTimeout time.Duration) error {
	sinceCursor := e.bus.Cursor()
	if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileComplete, protocol.CompletePayload{
		TransferID: t.ID,
		TotalBytes: t.TotalBytes,
		FileHash:   t.FileHash,
	}); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeTransportFailure, err)
	}

	_, _, err := e.bus.Wait(ctx, sinceCursor, 2*ackTimeout, matchTransferReply(t.Target, t.ID, protocol.KindFileCompleteAck))
	if err == nil {
		return nil
	}

	sinceCursor = e.bus.Cursor()
	if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileResumeReq, protocol.ResumeReqPayload{TransferID: t.ID}); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeTransportFailure, err)
	}
	env, _, err := e.bus.Wait(ctx, sinceCursor, ackTimeout, matchTransferReply(t.Target, t.ID, protocol.KindFileResumeState))
	if err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeTimeout, err)
	}
	var resume protocol.ResumeStatePayload
	if err := json.Unmarshal(env.Payload, &resume); err != nil {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeInvalidInput, err)
	}
	if resume.NextSeq >= t.TotalChunks {
		return nil
	}
	return errclass.Wrap(errclass.PathFileTransfer, errclass.StageFinalize, errclass.CodeNotCompleted, nil)
}

// Resume re-enters the transmit/complete loop for an already-offered
// outgoing transfer, optionally overriding the starting sequence.
func (e *Engine) Resume(ctx context.Context, transferID string, startSeq *int, ackTimeout time.Duration, maxRetries int) (*Summary, error) {
	e.mu.Lock()
	t, ok := e.outgoing[transferID]
	e.mu.Unlock()
	if !ok {
		return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeUnknownTransfer, nil)
	}
	if ackTimeout <= 0 {
		ackTimeout = e.cfg.AckTimeout
	}
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	if startSeq != nil {
		e.mu.Lock()
		t.NextSeq = *startSeq
		e.mu.Unlock()
	} else {
		sinceCursor := e.bus.Cursor()
		if err := e.sender.SendEnvelope(ctx, t.Target, protocol.KindFileResumeReq, protocol.ResumeReqPayload{TransferID: t.ID}); err != nil {
			return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeTransportFailure, err)
		}
		env, _, err := e.bus.Wait(ctx, sinceCursor, ackTimeout, matchTransferReply(t.Target, t.ID, protocol.KindFileResumeState))
		if err != nil {
			return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeTimeout, err)
		}
		var resume protocol.ResumeStatePayload
		if err := json.Unmarshal(env.Payload, &resume); err != nil {
			return nil, errclass.Wrap(errclass.PathFileTransfer, errclass.StageTransmit, errclass.CodeInvalidInput, err)
		}
		e.mu.Lock()
		t.NextSeq = resume.NextSeq
		e.mu.Unlock()
	}

	e.mu.Lock()
	t.Status = OutgoingTransferring
	e.mu.Unlock()

	if err := e.transmitLoop(ctx, t, ackTimeout, maxRetries); err != nil {
		e.failOutgoing(t, err)
		return nil, err
	}
	if err := e.completeOutgoing(ctx, t, ackTimeout); err != nil {
		e.failOutgoing(t, err)
		return nil, err
	}

	e.mu.Lock()
	t.Status = OutgoingCompleted
	t.UpdatedAt = nowMillis()
	e.completedOutOrder = append(e.completedOutOrder, t.ID)
	e.evictOutgoingIfNeeded()
	sum := t.summary()
	e.mu.Unlock()
	return &sum, nil
}
