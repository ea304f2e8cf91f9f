// Package errclass provides a structured, wrapped error type used across the
// bridge to produce the stable validation_error/tool_error classification at
// the ToolSurface boundary.
package errclass

import "fmt"

// Path identifies the top-level area of the bridge an error originated in.
type Path string

const (
	PathSession      Path = "session"
	PathHandshake    Path = "handshake"
	PathFileTransfer Path = "filetransfer"
	PathState        Path = "state"
	PathToolSurface  Path = "toolsurface"
)

// Stage identifies which step within Path failed.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageConnect    Stage = "connect"
	StageAdmission  Stage = "admission"
	StageMAC        Stage = "mac"
	StageOffer      Stage = "offer"
	StageTransmit   Stage = "transmit"
	StageFinalize   Stage = "finalize"
	StageSpool      Stage = "spool"
	StageApply      Stage = "apply"
	StageDispatch   Stage = "dispatch"
)

// Code is a stable, programmatic error identifier.
type Code string

const (
	CodeInvalidInput           Code = "invalid_input"
	CodeUnsupportedField       Code = "unsupported_field"
	CodeUnknownSession         Code = "unknown_session"
	CodeUnknownTransfer        Code = "unknown_transfer"
	CodeAmbiguousTarget        Code = "ambiguous_target"
	CodeUnknownTool            Code = "unknown_tool"
	CodeProfileDisabled        Code = "profile_disabled"
	CodeMalformedTarget        Code = "malformed_target"
	CodePeerNotAllowed         Code = "peer_not_allowed"
	CodeInvalidJoinToken       Code = "invalid_join_token"
	CodeTimestampOutOfRange    Code = "timestamp_out_of_range"
	CodeMACMismatch            Code = "mac_mismatch"
	CodeMACMissing             Code = "mac_missing"
	CodeNoSharedKey            Code = "no_shared_key"
	CodeTransportFailure       Code = "transport_failure"
	CodeSendRejected           Code = "send_rejected"
	CodeFileTooLarge           Code = "file_too_large"
	CodeFileEmpty              Code = "file_empty"
	CodeHashMismatch           Code = "hash_mismatch"
	CodeTimeout                Code = "timeout"
	CodeMaxRetriesExceeded     Code = "max_retries_exceeded"
	CodeStateKeyLimitReached   Code = "state_key_limit_reached"
	CodeSpoolIOError           Code = "spool_io_error"
	CodeNotCompleted           Code = "not_completed"
	CodeOutputExists           Code = "output_exists"
	CodeInternal               Code = "internal"
)

// Kind is the coarse classification surfaced to ToolSurface callers.
type Kind string

const (
	KindValidation Kind = "validation_error"
	KindTool       Kind = "tool_error"
)

// Error is a structured, programmatically identifiable error.
type Error struct {
	Path  Path
	Stage Stage
	Code  Code
	Err   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s/%s (%s): %v", e.Path, e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("%s/%s (%s)", e.Path, e.Stage, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds a new structured Error.
func Wrap(path Path, stage Stage, code Code, err error) error {
	return &Error{Path: path, Stage: stage, Code: code, Err: err}
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Code, true
	}
	return "", false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
