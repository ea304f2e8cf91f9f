// Package filetransfer implements the chunked file-transfer protocol: a
// sender state machine (outgoing.go) and a receiver state machine
// (incoming.go) coordinated by Engine, with SHA-256 integrity, bounded
// retries, and optional on-disk spooling for large payloads.
package filetransfer

import "time"

// OutgoingStatus is the lifecycle state of a sender-side transfer.
type OutgoingStatus string

const (
	OutgoingOffered      OutgoingStatus = "offered"
	OutgoingTransferring OutgoingStatus = "transferring"
	OutgoingCompleted    OutgoingStatus = "completed"
	OutgoingFailed       OutgoingStatus = "failed"
)

// OutgoingSource distinguishes an in-memory payload from a file path read
// positionally at send time.
type OutgoingSource string

const (
	SourceMemory OutgoingSource = "memory"
	SourcePath   OutgoingSource = "path"
)

// OutgoingTransfer is the sender-side record for one file transfer.
type OutgoingTransfer struct {
	ID          string
	Status      OutgoingStatus
	Target      string
	Name        string
	MIME        string
	TotalBytes  int64
	TotalChunks int
	ChunkBytes  int
	ChunkHashes []string
	FileHash    string

	Source   OutgoingSource
	Data     []byte
	FilePath string

	NextSeq      int
	Acked        map[int]bool
	RetryBySeq   map[int]int
	RetryTotal   int
	LastError    string
	CreatedAt    int64
	UpdatedAt    int64
}

// Summary is the caller-facing snapshot of a transfer's terminal or
// in-progress state.
type Summary struct {
	TransferID  string `json:"transfer_id"`
	Status      string `json:"status"`
	TotalBytes  int64  `json:"total_bytes"`
	TotalChunks int    `json:"total_chunks"`
	NextSeq     int    `json:"next_seq,omitempty"`
	Name        string `json:"name,omitempty"`
	MIME        string `json:"mime,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

func (o *OutgoingTransfer) summary() Summary {
	return Summary{
		TransferID:  o.ID,
		Status:      string(o.Status),
		TotalBytes:  o.TotalBytes,
		TotalChunks: o.TotalChunks,
		NextSeq:     o.NextSeq,
		Name:        o.Name,
		MIME:        o.MIME,
		LastError:   o.LastError,
	}
}

// IncomingStatus is the lifecycle state of a receiver-side transfer.
type IncomingStatus string

const (
	IncomingReceiving IncomingStatus = "receiving"
	IncomingCompleted IncomingStatus = "completed"
	IncomingFailed    IncomingStatus = "failed"
	IncomingCancelled IncomingStatus = "cancelled"
)

// IncomingTransfer is the receiver-side record for one file transfer.
type IncomingTransfer struct {
	ID               string
	Status           IncomingStatus
	FromUUID         string
	FromStreamID     string
	Name             string
	MIME             string
	TotalBytes       int64
	TotalChunks      int
	ChunkBytes       int
	ExpectedFileHash string

	Received      map[int]bool
	ReceivedBytes int64
	CompleteReceived bool

	Spooled   bool
	SpoolPath string

	MemChunks [][]byte
	Finalized []byte // not assigned by the engine; Engine.Finalized reassembles in-memory payloads from MemChunks

	CreatedAt int64
	UpdatedAt int64
}

func (in *IncomingTransfer) firstMissingSeq() int {
	for i := 0; i < in.TotalChunks; i++ {
		if !in.Received[i] {
			return i
		}
	}
	return in.TotalChunks
}

func (in *IncomingTransfer) summary() Summary {
	return Summary{
		TransferID:  in.ID,
		Status:      string(in.Status),
		TotalBytes:  in.TotalBytes,
		TotalChunks: in.TotalChunks,
		NextSeq:     in.firstMissingSeq(),
		Name:        in.Name,
		MIME:        in.MIME,
	}
}

func expectedChunkLen(totalBytes int64, chunkBytes, seq int) int {
	remaining := totalBytes - int64(seq)*int64(chunkBytes)
	if remaining <= 0 {
		return 0
	}
	if remaining > int64(chunkBytes) {
		return chunkBytes
	}
	return int(remaining)
}

func totalChunksFor(totalBytes int64, chunkBytes int) int {
	if chunkBytes <= 0 {
		return 0
	}
	n := totalBytes / int64(chunkBytes)
	if totalBytes%int64(chunkBytes) != 0 {
		n++
	}
	return int(n)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
