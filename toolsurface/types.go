package toolsurface

import "time"

func msToDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

func durationToMS(d time.Duration) int64 {
	return d.Milliseconds()
}

// ConnectRequest is the connect(config) tool request. Every duration is
// expressed in milliseconds on the wire; zero-value fields are left for
// config/profile.Apply (and session.Config.normalized) to default.
type ConnectRequest struct {
	SessionID      string   `json:"session_id,omitempty"`
	Room           string   `json:"room"`
	Password       string   `json:"password,omitempty"`
	LocalStreamID  string   `json:"local_stream_id,omitempty"`
	TargetStreamID string   `json:"target_stream_id,omitempty"`
	Label          string   `json:"label,omitempty"`
	Capabilities   []string `json:"capabilities,omitempty"`
	Profile        string   `json:"profile,omitempty"`

	IdleTimeoutSeconds      int32 `json:"idle_timeout_seconds,omitempty"`
	HeartbeatIntervalMS     int64 `json:"heartbeat_interval_ms,omitempty"`
	InitialReconnectDelayMS int64 `json:"initial_reconnect_delay_ms,omitempty"`
	MaxReconnectDelayMS     int64 `json:"max_reconnect_delay_ms,omitempty"`
	ConnectTimeoutMS        int64 `json:"connect_timeout_ms,omitempty"`
	HandshakeTimeoutMS      int64 `json:"handshake_timeout_ms,omitempty"`

	JoinToken          string   `json:"join_token,omitempty"`
	JoinTokenSecret    string   `json:"join_token_secret,omitempty"`
	TokenTTLSeconds    int64    `json:"token_ttl_seconds,omitempty"`
	EnforceJoinToken   bool     `json:"enforce_join_token,omitempty"`
	AllowPeerStreamIDs []string `json:"allow_peer_stream_ids,omitempty"`
	RequireSessionMAC  bool     `json:"require_session_mac,omitempty"`
	ClockSkewToleranceS int64   `json:"clock_skew_tolerance_seconds,omitempty"`

	ChunkBytes          int    `json:"chunk_bytes,omitempty"`
	FileMaxBytes        int64  `json:"file_max_bytes,omitempty"`
	FileAckTimeoutMS    int64  `json:"file_ack_timeout_ms,omitempty"`
	FileMaxRetries      int    `json:"file_max_retries,omitempty"`
	SpoolThresholdBytes int64  `json:"spool_threshold_bytes,omitempty"`
	SpoolDir            string `json:"spool_dir,omitempty"`
	KeepSpoolFiles      bool   `json:"keep_spool_files,omitempty"`

	StateMaxKeys            int `json:"state_max_keys,omitempty"`
	StateMaxSnapshotEntries int `json:"state_max_snapshot_entries,omitempty"`

	EventQueueCap int `json:"event_queue_cap,omitempty"`
}

// EffectiveConfig mirrors back the fully-resolved tuning a connect() call
// ended up with, after profile defaulting, so a caller can see what it
// actually got.
type EffectiveConfig struct {
	Room                  string `json:"room"`
	LocalStreamID         string `json:"local_stream_id"`
	HeartbeatIntervalMS   int64  `json:"heartbeat_interval_ms"`
	InitialReconnectMS    int64  `json:"initial_reconnect_delay_ms"`
	MaxReconnectMS        int64  `json:"max_reconnect_delay_ms"`
	ChunkBytes            int    `json:"chunk_bytes"`
	FileMaxBytes          int64  `json:"file_max_bytes"`
	FileAckTimeoutMS      int64  `json:"file_ack_timeout_ms"`
	FileMaxRetries        int    `json:"file_max_retries"`
	SpoolThresholdBytes   int64  `json:"spool_threshold_bytes"`
	StateMaxKeys          int    `json:"state_max_keys"`
	EventQueueCap         int    `json:"event_queue_cap"`
}

// ConnectResponse is returned by connect(config).
type ConnectResponse struct {
	SessionID      string          `json:"session_id"`
	Status         string          `json:"status"`
	EffectiveConfig EffectiveConfig `json:"effective_config"`
}

// SessionIDRequest is the shape shared by every operation that only needs a
// session id: status, disconnect, sync_peers.
type SessionIDRequest struct {
	SessionID string `json:"session_id"`
}

// StatusResponse is the status(session_id) response.
type StatusResponse struct {
	SessionID      string   `json:"session_id"`
	State          string   `json:"state"`
	Room           string   `json:"room"`
	LocalStreamID  string   `json:"local_stream_id"`
	ReconnectCount int      `json:"reconnect_count"`
	Peers          []string `json:"peers"`
}

// DisconnectResponse is the disconnect(session_id) response.
type DisconnectResponse struct {
	OK       bool  `json:"ok"`
	ClosedAt int64 `json:"closed_at"`
}

// ListSessionsResponse is the list_sessions() response.
type ListSessionsResponse struct {
	SessionIDs []string `json:"session_ids"`
}

// CapabilitiesResponse is the capabilities() response: static server info
// plus the live tool registry.
type CapabilitiesResponse struct {
	ProtocolMagic string   `json:"protocol_magic"`
	Tools         []string `json:"tools"`
	Profiles      []string `json:"profiles"`
}

// PeerSyncStatus is one peer's handshake record in a sync_peers() response:
// admitted and rejected peers are both reported.
type PeerSyncStatus struct {
	UUID           string `json:"uuid"`
	HandshakeState string `json:"handshake_state"`
	Reason         string `json:"reason,omitempty"`
}

// SyncPeersResponse is the sync_peers(session_id) response.
type SyncPeersResponse struct {
	Peers []PeerSyncStatus `json:"peers"`
}

// SyncAnnounceRequest is the sync_announce(session_id, target?) request.
type SyncAnnounceRequest struct {
	SessionID string `json:"session_id"`
	Target    string `json:"target,omitempty"`
}

// OKResponse is a bare acknowledgement.
type OKResponse struct {
	OK bool `json:"ok"`
}

// SendRequest is the send(session_id, data, target?) request. Target may be
// omitted (sole connected peer), a bare uuid string, or an object carrying
// uuid/stream_id plus an optional fallback flag — the same shapes
// session.Send accepts, passed through verbatim.
type SendRequest struct {
	SessionID string `json:"session_id"`
	Data      any    `json:"data"`
	Target    any    `json:"target,omitempty"`
}

// SendResponse is the send() response.
type SendResponse struct {
	OK         bool   `json:"ok"`
	UsedTarget string `json:"used_target,omitempty"`
}

// ReceiveRequest is the receive(session_id, max_events, wait_ms) request.
type ReceiveRequest struct {
	SessionID string `json:"session_id"`
	MaxEvents int    `json:"max_events,omitempty"`
	WaitMS    int64  `json:"wait_ms,omitempty"`
}

// ReceiveResponse is the receive() response.
type ReceiveResponse struct {
	EventCount int   `json:"event_count"`
	Events     []any `json:"events"`
}
