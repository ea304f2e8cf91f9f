package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"

	"github.com/steveseguin/ninjamcp/protocol"
	"github.com/steveseguin/ninjamcp/transport"
)

// pumpEvents drains tr's event channel and posts each one back to the
// executor goroutine, so every piece of transport-driven state mutation
// happens on the single session mailbox. Exits once tr's channel closes
// (after Disconnect) or a newer connect attempt supersedes epoch.
func (s *Session) pumpEvents(tr transport.PeerTransport, epoch int) {
	for ev := range tr.Events() {
		e := ev
		s.post(func() {
			if epoch != s.epoch {
				return
			}
			s.onTransportEvent(e)
		})
	}
}

func (s *Session) onTransportEvent(e transport.Event) {
	switch e.Kind {
	case transport.EventPeerConnected:
		s.onPeerConnected(e.UUID)
	case transport.EventPeerDisconnected:
		delete(s.peers, e.UUID)
		s.emitEvent("peer_disconnected", map[string]any{"uuid": e.UUID})
	case transport.EventDataChannelOpen:
		s.emitEvent("data_channel_open", map[string]any{"uuid": e.UUID})
	case transport.EventDataChannelClose:
		s.emitEvent("data_channel_close", map[string]any{"uuid": e.UUID})
	case transport.EventDataReceived:
		s.onDataReceived(e)
	case transport.EventDisconnected:
		s.onDisconnected()
	case transport.EventConnectionFailed, transport.EventError:
		s.emitEvent("transport_error", map[string]any{"detail": e.Detail})
	}
}

// onPeerConnected greets a newly discovered peer with our own sync.hello,
// beginning the handshake from our side even if the peer hasn't sent one yet.
func (s *Session) onPeerConnected(uuid string) {
	s.emitEvent("peer_connected", map[string]any{"uuid": uuid})
	if s.hs == nil {
		return
	}
	hello, err := s.hs.BuildHello()
	if err != nil {
		return
	}
	_ = s.sendEnvelopeLocked(context.Background(), uuid, protocol.KindSyncHello, hello)
}

// onDisconnected marks the transport lost and schedules a reconnect; a real
// EventDisconnected only fires after the transport itself has given up, so
// there is nothing further to salvage from the current epoch.
func (s *Session) onDisconnected() {
	if s.st == StateStopped {
		return
	}
	s.emitEvent("disconnected", nil)
	s.scheduleReconnect(s.epoch)
}

func (s *Session) onDataReceived(e transport.Event) {
	if e.Decoded != nil && protocol.LooksLikeEnvelope(e.Decoded) {
		if env, err := envelopeFromMap(e.Decoded); err == nil {
			s.onEnvelope(e.UUID, e.StreamID, env)
			return
		}
	}
	data := map[string]any{"from": e.UUID, "stream_id": e.StreamID}
	if e.Decoded != nil {
		data["payload"] = e.Decoded
	} else {
		data["payload_base64"] = base64.StdEncoding.EncodeToString(e.Bytes)
	}
	s.emitEvent("data_received", data)
}

func envelopeFromMap(m map[string]any) (*protocol.Envelope, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var env protocol.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Session) onEnvelope(fromUUID, fromStreamID string, env *protocol.Envelope) {
	if !env.Valid() || env.Room != s.cfg.Room {
		return
	}
	if !env.Kind.IsSync() {
		if s.hs != nil {
			if err := s.hs.VerifyMAC(fromUUID, env); err != nil {
				s.emitEvent("protocol_auth_failed", map[string]any{"from": fromUUID, "error": err.Error()})
				return
			}
		}
		s.bus.Publish(fromUUID, env)
	}

	switch {
	case env.Kind == protocol.KindSyncHello:
		s.handleHello(fromUUID, fromStreamID, env, false)
	case env.Kind == protocol.KindSyncHelloAck:
		s.handleHello(fromUUID, fromStreamID, env, true)
	case env.Kind == protocol.KindSyncHeartbeat:
		// liveness only; no reply required.
	case env.Kind == protocol.KindSyncReject:
		s.emitEvent("peer_rejected", map[string]any{"from": fromUUID})
	case strings.HasPrefix(string(env.Kind), "file."):
		s.dispatchFileTransfer(fromUUID, env)
	case strings.HasPrefix(string(env.Kind), "state."):
		s.dispatchState(fromUUID, env)
	}
}

func (s *Session) handleHello(fromUUID, fromStreamID string, env *protocol.Envelope, isAck bool) {
	var hello protocol.HelloPayload
	if err := json.Unmarshal(env.Payload, &hello); err != nil {
		return
	}
	outcome := s.hs.AdmitHello(fromUUID, fromStreamID, hello)
	if !outcome.Accepted {
		if !isAck {
			_ = s.sendEnvelopeLocked(context.Background(), fromUUID, protocol.KindSyncReject, protocol.RejectPayload{Reason: outcome.Reason})
		}
		s.emitEvent("peer_rejected", map[string]any{"from": fromUUID, "reason": outcome.Reason})
		return
	}
	s.peers[fromUUID] = true
	if !isAck {
		if mine, err := s.hs.BuildHello(); err == nil {
			_ = s.sendEnvelopeLocked(context.Background(), fromUUID, protocol.KindSyncHelloAck, mine)
		}
	}
	s.emitEvent("sync_peer_updated", map[string]any{"from": fromUUID})
	_ = s.sendEnvelopeLocked(context.Background(), fromUUID, protocol.KindStateSnapshotReq, protocol.StateSnapshotReqPayload{})
}

func (s *Session) dispatchFileTransfer(fromUUID string, env *protocol.Envelope) {
	ctx := context.Background()
	switch env.Kind {
	case protocol.KindFileOffer:
		var p protocol.OfferPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		accept, err := s.files.HandleOffer(ctx, fromUUID, env.FromStreamID, p)
		if err != nil {
			return
		}
		_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileAccept, accept)
	case protocol.KindFileChunk:
		var p protocol.ChunkPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ack, nack := s.files.HandleChunk(ctx, p)
		if nack != nil {
			_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileNack, nack)
		} else if ack != nil {
			_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileAck, ack)
		}
	case protocol.KindFileComplete:
		var p protocol.CompletePayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		ackp, nack := s.files.HandleComplete(ctx, p)
		if nack != nil {
			_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileNack, nack)
		} else if ackp != nil {
			_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileCompleteAck, ackp)
		}
	case protocol.KindFileResumeReq:
		var p protocol.ResumeReqPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		state := s.files.HandleResumeReq(p.TransferID)
		_ = s.sendEnvelopeLocked(ctx, fromUUID, protocol.KindFileResumeState, state)
	case protocol.KindFileCancel:
		var p protocol.CancelPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		s.files.HandleCancel(p.TransferID)
	default:
		// file.accept, file.ack, file.nack, file.complete_ack and
		// file.resume_state are reply kinds already delivered to waiters
		// via the bus publish above.
	}
}

func (s *Session) dispatchState(fromUUID string, env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindStatePatch:
		var p protocol.StatePatchPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		_ = s.store.ApplyPatch(p.Entry)
	case protocol.KindStateSnapshotReq:
		snap := s.store.SnapshotWire(s.cfg.LocalStreamID)
		_ = s.sendEnvelopeLocked(context.Background(), fromUUID, protocol.KindStateSnapshot, snap)
	case protocol.KindStateSnapshot:
		var snap protocol.StateSnapshotPayload
		if json.Unmarshal(env.Payload, &snap) != nil {
			return
		}
		s.store.ApplySnapshot(snap)
	}
}
