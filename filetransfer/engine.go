package filetransfer

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/internal/securefile"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/protocol"
)

// Sender is the narrow outbound contract Engine needs from its owning
// session: MAC-and-send a single envelope to one peer by uuid.
type Sender interface {
	SendEnvelope(ctx context.Context, targetUUID string, kind protocol.Kind, payload any) error
}

// Config is the immutable, per-session file-transfer tuning.
type Config struct {
	ChunkBytes           int
	MaxBytes             int64
	AckTimeout           time.Duration
	MaxRetries           int
	SpoolThresholdBytes  int64
	SpoolDir             string
	KeepSpoolFiles       bool
	// CompletedTransferCap bounds how many finished transfers the engine
	// retains for listings and late resume requests (default 256).
	CompletedTransferCap int
}

func (c Config) normalized() Config {
	if c.ChunkBytes <= 0 {
		c.ChunkBytes = 16 * 1024
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 * 1024 * 1024
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 10 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.SpoolThresholdBytes <= 0 {
		c.SpoolThresholdBytes = 4 * 1024 * 1024
	}
	if c.CompletedTransferCap <= 0 {
		c.CompletedTransferCap = 256
	}
	return c
}

// Engine owns the per-session registries of incoming and outgoing
// transfers, bounded by a generous completed-transfer cap documented in
// Config.CompletedTransferCap (the spec leaves the exact cap an open
// decision; 256 keeps recent history useful for file_transfers listings
// without unbounded growth).
type Engine struct {
	cfg    Config
	sender Sender
	bus    *eventqueue.Bus
	events *eventqueue.Queue
	obs    observability.TransferObserver

	mu                sync.Mutex
	outgoing          map[string]*OutgoingTransfer
	incoming          map[string]*IncomingTransfer
	completedOutOrder []string
	completedInOrder  []string
	spoolDirReady     bool
}

// NewEngine constructs an Engine. obs may be nil (metrics become no-ops).
func NewEngine(cfg Config, sender Sender, bus *eventqueue.Bus, events *eventqueue.Queue, obs observability.TransferObserver) *Engine {
	if obs == nil {
		obs = observability.NoopTransferObserver
	}
	return &Engine{
		cfg:      cfg.normalized(),
		sender:   sender,
		bus:      bus,
		events:   events,
		obs:      obs,
		outgoing: make(map[string]*OutgoingTransfer),
		incoming: make(map[string]*IncomingTransfer),
	}
}

func (e *Engine) emit(eventType string, data map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Push(eventqueue.Event{Type: eventType, TS: nowMillis(), Data: data})
}

func (e *Engine) ensureSpoolDir() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.SpoolDir == "" {
		return "", errclass.Wrap(errclass.PathFileTransfer, errclass.StageSpool, errclass.CodeSpoolIOError, fmt.Errorf("no spool directory configured"))
	}
	if !e.spoolDirReady {
		if err := securefile.MkdirAllOwnerOnly(e.cfg.SpoolDir); err != nil {
			return "", errclass.Wrap(errclass.PathFileTransfer, errclass.StageSpool, errclass.CodeSpoolIOError, err)
		}
		e.spoolDirReady = true
	}
	return e.cfg.SpoolDir, nil
}

func hashChunk(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func encodeChunk(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decodeChunk(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// OutgoingTransfers lists a snapshot of all outgoing transfer summaries.
func (e *Engine) OutgoingTransfers() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, 0, len(e.outgoing))
	for _, t := range e.outgoing {
		out = append(out, t.summary())
	}
	return out
}

// IncomingTransfers lists a snapshot of all incoming transfer summaries.
func (e *Engine) IncomingTransfers() []Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Summary, 0, len(e.incoming))
	for _, t := range e.incoming {
		out = append(out, t.summary())
	}
	return out
}

func (e *Engine) evictOutgoingIfNeeded() {
	if len(e.completedOutOrder) <= e.cfg.CompletedTransferCap {
		return
	}
	oldest := e.completedOutOrder[0]
	e.completedOutOrder = e.completedOutOrder[1:]
	delete(e.outgoing, oldest)
}

func (e *Engine) evictIncomingIfNeeded() {
	if len(e.completedInOrder) <= e.cfg.CompletedTransferCap {
		return
	}
	oldest := e.completedInOrder[0]
	e.completedInOrder = e.completedInOrder[1:]
	if t, ok := e.incoming[oldest]; ok {
		e.releaseIncomingStorage(t)
	}
	delete(e.incoming, oldest)
}

func (e *Engine) releaseIncomingStorage(t *IncomingTransfer) {
	t.MemChunks = nil
	if t.Spooled && t.SpoolPath != "" && !e.cfg.KeepSpoolFiles {
		_ = os.Remove(t.SpoolPath)
	}
}

// CancelIncoming marks transferID cancelled and releases its storage.
func (e *Engine) CancelIncoming(transferID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.incoming[transferID]
	if !ok {
		return errclass.Wrap(errclass.PathFileTransfer, errclass.StageValidate, errclass.CodeUnknownTransfer, nil)
	}
	t.Status = IncomingCancelled
	e.releaseIncomingStorage(t)
	e.emit("file_transfer_cancelled", map[string]any{"transfer_id": transferID})
	return nil
}

// Stop releases all non-kept spool files, for use at session teardown.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cfg.KeepSpoolFiles {
		return
	}
	for _, t := range e.incoming {
		if t.Spooled && t.SpoolPath != "" {
			_ = os.Remove(t.SpoolPath)
		}
	}
}

func spoolPathFor(dir, transferID string) (*os.File, string, error) {
	f, err := os.CreateTemp(dir, transferID+".*.part")
	if err != nil {
		return nil, "", err
	}
	return f, f.Name(), nil
}

// hashFile streams a file's contents through SHA-256 without loading it
// into memory, used both for outgoing path-source transfers and for
// finalizing spooled incoming transfers.
func hashFile(path string) (string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
