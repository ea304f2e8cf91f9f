package session

import (
	"context"
	"errors"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/protocol"
)

// Send resolves target (nil meaning "the sole connected peer", a uuid
// string, or a {uuid, fallback} object), verifies an open data channel
// unless fallback is set, and hands payload to the transport. It reports
// send_rejected on refusal and send_error on a transport exception, per the
// send contract.
func (s *Session) Send(ctx context.Context, payload any, target any) (bool, string, error) {
	var ok bool
	var used string
	var sendErr error
	s.exec(func() {
		uuid, fallback, err := s.resolveTarget(target)
		if err != nil {
			sendErr = err
			s.emitEvent("send_rejected", map[string]any{"reason": err.Error()})
			return
		}
		if s.tr == nil {
			sendErr = errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeTransportFailure, errors.New("not connected"))
			s.emitEvent("send_error", map[string]any{"uuid": uuid, "error": "not connected"})
			return
		}
		if !fallback && !s.tr.HasOpenDataChannel(uuid) {
			sendErr = errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeSendRejected, nil)
			s.emitEvent("send_rejected", map[string]any{"uuid": uuid, "reason": "no_open_channel"})
			return
		}
		if err := s.tr.SendData(ctx, payload, uuid); err != nil {
			sendErr = errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeTransportFailure, err)
			s.emitEvent("send_error", map[string]any{"uuid": uuid, "error": err.Error()})
			return
		}
		ok = true
		used = uuid
	})
	return ok, used, sendErr
}

func (s *Session) resolveTarget(target any) (string, bool, error) {
	switch v := target.(type) {
	case nil:
		if len(s.peers) == 0 {
			return "", false, errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeSendRejected, errors.New("no connected peer"))
		}
		if len(s.peers) > 1 {
			return "", false, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeAmbiguousTarget, nil)
		}
		for uuid := range s.peers {
			return uuid, false, nil
		}
		return "", false, errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeSendRejected, nil)
	case string:
		if v == "" {
			return "", false, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeMalformedTarget, nil)
		}
		return v, false, nil
	case map[string]any:
		uuid, _ := v["uuid"].(string)
		if uuid == "" {
			uuid, _ = v["stream_id"].(string)
		}
		fallback, _ := v["fallback"].(bool)
		if uuid == "" {
			return "", false, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeMalformedTarget, nil)
		}
		return uuid, fallback, nil
	default:
		return "", false, errclass.Wrap(errclass.PathSession, errclass.StageValidate, errclass.CodeMalformedTarget, nil)
	}
}

// SyncPeers returns the uuids of currently admitted peers.
func (s *Session) SyncPeers() []string {
	var out []string
	s.exec(func() {
		out = make([]string, 0, len(s.peers))
		for uuid := range s.peers {
			out = append(out, uuid)
		}
	})
	return out
}

// PeerSummary is one peer's handshake record as seen by the handshake
// engine, admitted or rejected.
type PeerSummary struct {
	UUID   string
	State  string
	Reason string
}

// PeerSummaries returns the handshake record of every peer the session's
// handshake engine has ever observed, including rejected ones, for the
// sync_peers tool surface.
func (s *Session) PeerSummaries() []PeerSummary {
	var out []PeerSummary
	s.exec(func() {
		if s.hs == nil {
			return
		}
		for _, p := range s.hs.Peers() {
			out = append(out, PeerSummary{UUID: p.UUID, State: string(p.State), Reason: p.RejectReason})
		}
	})
	return out
}

// SyncAnnounce re-sends sync.hello to target (or every admitted peer if
// target is empty), refreshing advertised capabilities and join token.
func (s *Session) SyncAnnounce(ctx context.Context, target string) error {
	var outerr error
	s.exec(func() {
		if s.hs == nil {
			outerr = errclass.Wrap(errclass.PathSession, errclass.StageDispatch, errclass.CodeTransportFailure, errors.New("not connected"))
			return
		}
		hello, err := s.hs.BuildHello()
		if err != nil {
			outerr = err
			return
		}
		if target != "" {
			outerr = s.sendEnvelopeLocked(ctx, target, protocol.KindSyncHello, hello)
			return
		}
		for uuid := range s.peers {
			if err := s.sendEnvelopeLocked(ctx, uuid, protocol.KindSyncHello, hello); err != nil {
				outerr = err
			}
		}
	})
	return outerr
}
