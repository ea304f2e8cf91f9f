package toolsurface

import (
	"context"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/protocol"
)

func registerStateOps(sf *Surface) {
	Register(sf, "state_set", opStateSet)
	Register(sf, "state_get", opStateGet)
	Register(sf, "state_sync", opStateSync)
}

// StateSetRequest is the state_set(key, value) request. Broadcast defaults
// to true: the new entry is replicated to every admitted peer as a
// state.patch unless the caller opts out.
type StateSetRequest struct {
	SessionID string `json:"session_id"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Broadcast *bool  `json:"broadcast,omitempty"`
	Target    string `json:"target,omitempty"`
}

// StateEntryResponse mirrors the stored entry back to the caller.
type StateEntryResponse struct {
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Actor     string `json:"actor"`
	Clock     int64  `json:"clock"`
	UpdatedAt int64  `json:"updated_at"`
}

func opStateSet(ctx context.Context, sf *Surface, req StateSetRequest) (StateEntryResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return StateEntryResponse{}, err
	}
	if req.Key == "" {
		return StateEntryResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, nil)
	}
	entry, err := s.Store().Set(req.Key, req.Value)
	if err != nil {
		return StateEntryResponse{}, err
	}

	broadcast := req.Broadcast == nil || *req.Broadcast
	if broadcast {
		wire := protocol.StatePatchPayload{Entry: protocol.StateEntryWire{
			Key: entry.Key, Value: entry.Value, Actor: entry.Actor, Clock: entry.Clock, UpdatedAt: entry.UpdatedAt,
		}}
		targets := []string{req.Target}
		if req.Target == "" {
			targets = s.SyncPeers()
		}
		for _, t := range targets {
			if t == "" {
				continue
			}
			_ = s.SendEnvelope(ctx, t, protocol.KindStatePatch, wire)
		}
	}

	return StateEntryResponse{Key: entry.Key, Value: entry.Value, Actor: entry.Actor, Clock: entry.Clock, UpdatedAt: entry.UpdatedAt}, nil
}

// StateGetRequest is the state_get(key?, include_meta?) request. An empty
// Key requests the full entry list plus the actor-clock map.
type StateGetRequest struct {
	SessionID   string `json:"session_id"`
	Key         string `json:"key,omitempty"`
	IncludeMeta bool   `json:"include_meta,omitempty"`
}

// StateGetResponse carries either a single value or, when Key is empty, the
// full entry list and actor-clock map.
type StateGetResponse struct {
	Found      bool                  `json:"found"`
	Value      any                   `json:"value,omitempty"`
	Entries    []StateEntryResponse  `json:"entries,omitempty"`
	ActorClock map[string]int64      `json:"actor_clock,omitempty"`
}

func opStateGet(ctx context.Context, sf *Surface, req StateGetRequest) (StateGetResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return StateGetResponse{}, err
	}
	if req.Key != "" {
		if req.IncludeMeta {
			entry, ok := s.Store().GetEntry(req.Key)
			if !ok {
				return StateGetResponse{Found: false}, nil
			}
			return StateGetResponse{Found: true, Value: entry.Value, Entries: []StateEntryResponse{{
				Key: entry.Key, Value: entry.Value, Actor: entry.Actor, Clock: entry.Clock, UpdatedAt: entry.UpdatedAt,
			}}}, nil
		}
		v, ok := s.Store().Get(req.Key)
		if !ok {
			return StateGetResponse{Found: false}, nil
		}
		return StateGetResponse{Found: true, Value: v}, nil
	}

	entries, actorClock := s.Store().All()
	out := make([]StateEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = StateEntryResponse{Key: e.Key, Value: e.Value, Actor: e.Actor, Clock: e.Clock, UpdatedAt: e.UpdatedAt}
	}
	return StateGetResponse{Found: true, Entries: out, ActorClock: actorClock}, nil
}

// StateSyncRequest is the state_sync(session_id, target?, mode?) request.
// mode="send" (the default) pushes this side's current snapshot to target
// (or every admitted peer); mode="request" asks target(s) to send theirs.
type StateSyncRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
	Mode      string `json:"mode,omitempty"`
}

func opStateSync(ctx context.Context, sf *Surface, req StateSyncRequest) (OKResponse, error) {
	s, err := sf.getSession(req.SessionID)
	if err != nil {
		return OKResponse{}, err
	}
	mode := req.Mode
	if mode == "" {
		mode = "send"
	}

	targets := []string{req.Target}
	if req.Target == "" {
		targets = s.SyncPeers()
	}

	switch mode {
	case "send":
		snap := s.Store().SnapshotWire(s.Status().LocalStreamID)
		for _, t := range targets {
			if t == "" {
				continue
			}
			if err := s.SendEnvelope(ctx, t, protocol.KindStateSnapshot, snap); err != nil {
				return OKResponse{}, err
			}
		}
	case "request":
		for _, t := range targets {
			if t == "" {
				continue
			}
			if err := s.SendEnvelope(ctx, t, protocol.KindStateSnapshotReq, protocol.StateSnapshotReqPayload{}); err != nil {
				return OKResponse{}, err
			}
		}
	default:
		return OKResponse{}, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, nil)
	}
	return OKResponse{OK: true}, nil
}
