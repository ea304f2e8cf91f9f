// Package toolsurface implements the named tool-call dispatch layer in
// front of a BridgeSession registry: each operation is a typed request/
// response pair registered under a string tool name, with every returned
// error classified as validation_error or tool_error before it reaches a
// caller. Grounded on the teacher lineage's rpc/typed generic Call/Register
// pair (see rpc/typed/typed.go), substituting a string tool name for that
// package's numeric wire type id since a tool surface is addressed by name
// rather than a binary RPC header.
package toolsurface

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/steveseguin/ninjamcp/config/profile"
	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/observability"
	"github.com/steveseguin/ninjamcp/session"
)

// ToolError is the JSON-RPC-shaped failure a Dispatch call returns in place
// of a response payload.
type ToolError struct {
	Kind    errclass.Kind `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

func toolErrorFrom(err error) *ToolError {
	if err == nil {
		return nil
	}
	code, _ := errclass.CodeOf(err)
	return &ToolError{Kind: errclass.Classify(err), Code: string(code), Message: err.Error()}
}

type handlerFunc func(ctx context.Context, sf *Surface, raw json.RawMessage) (json.RawMessage, error)

// Surface owns the live session registry plus the name-to-handler table.
// A process normally constructs exactly one Surface per transport-adapter
// choice (one backed by transport/fake for tests/demo, one by
// transport/wsroom for a deployed bridge).
type Surface struct {
	newTransport session.NewTransportFunc
	obs          observability.SessionObserver

	mu       sync.Mutex
	sessions map[string]*session.Session
	order    []string

	handlers map[string]handlerFunc
}

// New returns a Surface whose connect operation builds sessions with
// newTransport and obs. obs may be nil (defaults to a no-op observer).
func New(newTransport session.NewTransportFunc, obs observability.SessionObserver) *Surface {
	if obs == nil {
		obs = observability.NoopSessionObserver
	}
	sf := &Surface{
		newTransport: newTransport,
		obs:          obs,
		sessions:     make(map[string]*session.Session),
		handlers:     make(map[string]handlerFunc),
	}
	registerAll(sf)
	return sf
}

// Register adds a typed operation named name to sf. fn's TReq is decoded
// from the raw JSON request and its TResp is re-encoded to JSON; fn's own
// error, if any, flows straight to Dispatch's classification.
func Register[TReq any, TResp any](sf *Surface, name string, fn func(ctx context.Context, sf *Surface, req TReq) (TResp, error)) {
	sf.handlers[name] = func(ctx context.Context, sf *Surface, raw json.RawMessage) (json.RawMessage, error) {
		var req TReq
		if len(raw) != 0 {
			if err := json.Unmarshal(raw, &req); err != nil {
				return nil, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeInvalidInput, err)
			}
		}
		resp, err := fn(ctx, sf, req)
		if err != nil {
			return nil, err
		}
		b, err := json.Marshal(resp)
		if err != nil {
			return nil, errclass.Wrap(errclass.PathToolSurface, errclass.StageFinalize, errclass.CodeInternal, err)
		}
		return b, nil
	}
	sf.order = append(sf.order, name)
}

// Names returns every registered tool name, in registration order.
func (sf *Surface) Names() []string {
	out := make([]string, len(sf.order))
	copy(out, sf.order)
	return out
}

// Dispatch looks up name and runs it against raw, returning either the
// marshalled response or a classified ToolError. An unknown tool name is
// itself a validation_error (CodeUnknownTool).
func (sf *Surface) Dispatch(ctx context.Context, name string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	h, ok := sf.handlers[name]
	if !ok {
		return nil, toolErrorFrom(errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeUnknownTool, nil))
	}
	resp, err := h(ctx, sf, raw)
	if err != nil {
		return nil, toolErrorFrom(err)
	}
	return resp, nil
}

// DispatchWithProfile is the same as Dispatch but first checks prof.Allows,
// failing fast with CodeProfileDisabled otherwise. Tool-profile filtering is
// a host concern (see config/profile.ToolProfile); this exists purely as the
// shared predicate a host or cmd/bridgesessionctl can reuse instead of
// reimplementing the check.
func (sf *Surface) DispatchWithProfile(ctx context.Context, prof profile.ToolProfile, name string, raw json.RawMessage) (json.RawMessage, *ToolError) {
	if !prof.Allows(name) {
		return nil, toolErrorFrom(errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeProfileDisabled, nil))
	}
	return sf.Dispatch(ctx, name, raw)
}

func registerAll(sf *Surface) {
	registerSessionOps(sf)
	registerSendOps(sf)
	registerFileOps(sf)
	registerStateOps(sf)
}

// --- session registry helpers shared by the op files ---

func (sf *Surface) addSession(id string, s *session.Session) {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	sf.sessions[id] = s
	sf.obs.SessionCount(len(sf.sessions))
}

func (sf *Surface) getSession(id string) (*session.Session, error) {
	sf.mu.Lock()
	s, ok := sf.sessions[id]
	sf.mu.Unlock()
	if !ok {
		return nil, errclass.Wrap(errclass.PathToolSurface, errclass.StageValidate, errclass.CodeUnknownSession, nil)
	}
	return s, nil
}

func (sf *Surface) removeSession(id string) {
	sf.mu.Lock()
	delete(sf.sessions, id)
	n := len(sf.sessions)
	sf.mu.Unlock()
	sf.obs.SessionCount(n)
}

func (sf *Surface) sessionIDs() []string {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	out := make([]string, 0, len(sf.sessions))
	for id := range sf.sessions {
		out = append(out, id)
	}
	return out
}
