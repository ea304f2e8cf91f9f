package toolsurface

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"os"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/filetransfer"
)

func registerFileOps(sf *Surface) {
	Register(sf, "file_send", opFileSend)
	Register(sf, "file_resume", opFileResume)
	Register(sf, "file_transfers", opFileTransfers)
	Register(sf, "file_receive", opFileReceive)
	Register(sf, "file_save", opFileSave)
}

// FileSendRequest is the file_send(...) request. Exactly one of DataBase64
// or FilePath must be set.
type FileSendRequest struct {
	SessionID    string `json:"session_id"`
	DataBase64   string `json:"data_base64,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	Name         string `json:"name,omitempty"`
	MIME         string `json:"mime,omitempty"`
	Target       string `json:"target,omitempty"`
	ChunkBytes   int    `json:"chunk_bytes,omitempty"`
	AckTimeoutMS int64  `json:"ack_timeout_ms,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
	TransferID   string `json:"transfer_id,omitempty"`
}

func opFileSend(ctx context.Context, sf *Surface, req FileSendRequest) (*filetransfer.Summary, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	if (req.DataBase64 == "") == (req.FilePath == "") {
		return nil, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, errors.New("exactly one of data_base64 or file_path is required"))
	}
	var data []byte
	if req.DataBase64 != "" {
		data, err = base64.StdEncoding.DecodeString(req.DataBase64)
		if err != nil {
			return nil, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, err)
		}
	}
	opts := filetransfer.SendOptions{
		TransferID: req.TransferID,
		Name:       req.Name,
		MIME:       req.MIME,
		ChunkBytes: req.ChunkBytes,
		AckTimeout: msToDuration(req.AckTimeoutMS),
		MaxRetries: req.MaxRetries,
	}
	return s.Files().SendFile(ctx, req.Target, data, req.FilePath, opts)
}

// FileResumeRequest is the file_resume(...) request.
type FileResumeRequest struct {
	SessionID    string `json:"session_id"`
	TransferID   string `json:"transfer_id"`
	StartSeq     *int   `json:"start_seq,omitempty"`
	AckTimeoutMS int64  `json:"ack_timeout_ms,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
}

func opFileResume(ctx context.Context, sf *Surface, req FileResumeRequest) (*filetransfer.Summary, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return nil, err
	}
	return s.Files().Resume(ctx, req.TransferID, req.StartSeq, msToDuration(req.AckTimeoutMS), req.MaxRetries)
}

// FileTransfersRequest is the file_transfers(session_id, direction) request.
type FileTransfersRequest struct {
	SessionID string `json:"session_id"`
	Direction string `json:"direction,omitempty"`
}

// FileTransfersResponse lists outgoing and/or incoming transfer summaries,
// per the requested direction.
type FileTransfersResponse struct {
	Outgoing []filetransfer.Summary `json:"outgoing,omitempty"`
	Incoming []filetransfer.Summary `json:"incoming,omitempty"`
}

func opFileTransfers(ctx context.Context, sf *Surface, req FileTransfersRequest) (FileTransfersResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return FileTransfersResponse{}, err
	}
	dir := req.Direction
	if dir == "" {
		dir = "all"
	}
	var resp FileTransfersResponse
	switch dir {
	case "outgoing":
		resp.Outgoing = s.Files().OutgoingTransfers()
	case "incoming":
		resp.Incoming = s.Files().IncomingTransfers()
	case "all":
		resp.Outgoing = s.Files().OutgoingTransfers()
		resp.Incoming = s.Files().IncomingTransfers()
	default:
		return FileTransfersResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, errors.New("direction must be incoming, outgoing, or all"))
	}
	return resp, nil
}

// FileReceiveRequest is the file_receive(...) request.
type FileReceiveRequest struct {
	SessionID  string `json:"session_id"`
	TransferID string `json:"transfer_id"`
	Encoding   string `json:"encoding,omitempty"`
}

// FileReceiveResponse carries a completed transfer's payload in exactly one
// of the three fields, matching the requested encoding.
type FileReceiveResponse struct {
	DataBase64 string `json:"data_base64,omitempty"`
	DataText   string `json:"data_text,omitempty"`
	DataJSON   any    `json:"data_json,omitempty"`
}

func opFileReceive(ctx context.Context, sf *Surface, req FileReceiveRequest) (FileReceiveResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return FileReceiveResponse{}, err
	}
	rc, err := s.Files().Finalized(req.TransferID)
	if err != nil {
		return FileReceiveResponse{}, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return FileReceiveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeSpoolIOError, err)
	}

	encoding := req.Encoding
	if encoding == "" {
		encoding = "base64"
	}
	switch encoding {
	case "base64":
		return FileReceiveResponse{DataBase64: base64.StdEncoding.EncodeToString(data)}, nil
	case "utf8":
		return FileReceiveResponse{DataText: string(data)}, nil
	case "json":
		var v any
		if err := json.Unmarshal(data, &v); err != nil {
			return FileReceiveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeInternal, err)
		}
		return FileReceiveResponse{DataJSON: v}, nil
	default:
		return FileReceiveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, errors.New("encoding must be base64, utf8, or json"))
	}
}

// FileSaveRequest is the file_save(...) request.
type FileSaveRequest struct {
	SessionID  string `json:"session_id"`
	TransferID string `json:"transfer_id"`
	OutputPath string `json:"output_path"`
	Overwrite  bool   `json:"overwrite,omitempty"`
}

// FileSaveResponse is the file_save() response.
type FileSaveResponse struct {
	OutputPath   string `json:"output_path"`
	BytesWritten int64  `json:"bytes_written"`
}

func opFileSave(ctx context.Context, sf *Surface, req FileSaveRequest) (FileSaveResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return FileSaveResponse{}, err
	}
	if req.OutputPath == "" {
		return FileSaveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, errors.New("output_path is required"))
	}
	rc, err := s.Files().Finalized(req.TransferID)
	if err != nil {
		return FileSaveResponse{}, err
	}
	defer rc.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !req.Overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(req.OutputPath, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return FileSaveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeOutputExists, err)
		}
		return FileSaveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeSpoolIOError, err)
	}
	defer f.Close()

	n, err := io.Copy(f, rc)
	if err != nil {
		return FileSaveResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeSpoolIOError, err)
	}
	return FileSaveResponse{OutputPath: req.OutputPath, BytesWritten: n}, nil
}
