// Package profile loads environment-sourced defaults for a bridge session
// and resolves them against named tuning profiles, following the teacher
// lineage's reverse-proxy profile defaulting pattern: only zero-value fields
// of a caller-supplied config are filled in, so an explicit value always
// wins over a profile default.
package profile

import (
	"time"

	"github.com/steveseguin/ninjamcp/internal/cmdutil"
)

// Name identifies a named tuning profile.
type Name string

const (
	Default    Name = "default"
	LowLatency Name = "lowlatency"
	BulkFile   Name = "bulkfile"
)

// SessionDefaults holds the zero-value-only overrides a profile contributes
// to a session config. Fields left at their zero value here are simply never
// applied.
type SessionDefaults struct {
	HeartbeatInterval   time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay   time.Duration

	FileChunkBytes   int
	FileMaxBytes     int64
	FileAckTimeout   time.Duration
	FileMaxRetries   int
	SpoolThreshold   int64

	StateMaxKeys            int
	StateMaxSnapshotEntries int

	EventQueueCap int
}

var (
	defaultDefaults = SessionDefaults{
		HeartbeatInterval:       15 * time.Second,
		InitialReconnectDelay:   500 * time.Millisecond,
		MaxReconnectDelay:       30 * time.Second,
		FileChunkBytes:          16 * 1024,
		FileMaxBytes:            64 * 1024 * 1024,
		FileAckTimeout:          10 * time.Second,
		FileMaxRetries:          5,
		SpoolThreshold:          4 * 1024 * 1024,
		StateMaxKeys:            1000,
		StateMaxSnapshotEntries: 1000,
		EventQueueCap:           2000,
	}

	lowLatencyDefaults = SessionDefaults{
		HeartbeatInterval:       5 * time.Second,
		InitialReconnectDelay:   200 * time.Millisecond,
		MaxReconnectDelay:       5 * time.Second,
		FileChunkBytes:          4 * 1024,
		FileMaxBytes:            8 * 1024 * 1024,
		FileAckTimeout:          3 * time.Second,
		FileMaxRetries:          8,
		SpoolThreshold:          1 * 1024 * 1024,
		StateMaxKeys:            1000,
		StateMaxSnapshotEntries: 1000,
		EventQueueCap:           500,
	}

	bulkFileDefaults = SessionDefaults{
		HeartbeatInterval:       30 * time.Second,
		InitialReconnectDelay:   1 * time.Second,
		MaxReconnectDelay:       60 * time.Second,
		FileChunkBytes:          64 * 1024,
		FileMaxBytes:            1024 * 1024 * 1024,
		FileAckTimeout:          30 * time.Second,
		FileMaxRetries:          3,
		SpoolThreshold:          2 * 1024 * 1024,
		StateMaxKeys:            1000,
		StateMaxSnapshotEntries: 1000,
		EventQueueCap:           5000,
	}
)

// Resolve returns the SessionDefaults for name, falling back to Default for
// any unrecognized name.
func Resolve(name Name) SessionDefaults {
	switch name {
	case LowLatency:
		return lowLatencyDefaults
	case BulkFile:
		return bulkFileDefaults
	default:
		return defaultDefaults
	}
}

// Applyable is the subset of a session config a profile can default. Callers
// embed or convert their own config into this shape, call Apply, then copy
// the results back.
type Applyable struct {
	HeartbeatInterval     time.Duration
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	FileChunkBytes int
	FileMaxBytes   int64
	FileAckTimeout time.Duration
	FileMaxRetries int
	SpoolThreshold int64

	StateMaxKeys            int
	StateMaxSnapshotEntries int

	EventQueueCap int
}

// Apply fills zero-value fields of cfg from the named profile's defaults.
// Fields already set by the caller are never overridden.
func Apply(cfg Applyable, name Name) Applyable {
	d := Resolve(name)
	if cfg.HeartbeatInterval == 0 {
		cfg.HeartbeatInterval = d.HeartbeatInterval
	}
	if cfg.InitialReconnectDelay == 0 {
		cfg.InitialReconnectDelay = d.InitialReconnectDelay
	}
	if cfg.MaxReconnectDelay == 0 {
		cfg.MaxReconnectDelay = d.MaxReconnectDelay
	}
	if cfg.FileChunkBytes == 0 {
		cfg.FileChunkBytes = d.FileChunkBytes
	}
	if cfg.FileMaxBytes == 0 {
		cfg.FileMaxBytes = d.FileMaxBytes
	}
	if cfg.FileAckTimeout == 0 {
		cfg.FileAckTimeout = d.FileAckTimeout
	}
	if cfg.FileMaxRetries == 0 {
		cfg.FileMaxRetries = d.FileMaxRetries
	}
	if cfg.SpoolThreshold == 0 {
		cfg.SpoolThreshold = d.SpoolThreshold
	}
	if cfg.StateMaxKeys == 0 {
		cfg.StateMaxKeys = d.StateMaxKeys
	}
	if cfg.StateMaxSnapshotEntries == 0 {
		cfg.StateMaxSnapshotEntries = d.StateMaxSnapshotEntries
	}
	if cfg.EventQueueCap == 0 {
		cfg.EventQueueCap = d.EventQueueCap
	}
	return cfg
}

// EnvConfig is the set of environment-sourced process defaults, loaded once
// at startup via internal/cmdutil's Env* helpers.
type EnvConfig struct {
	MaxMessageBytes   int
	DefaultProfile    Name
	JoinTokenSecret   string
	EnforceJoinToken  bool
	RequireSessionMAC bool
	AllowStreamIDs    []string
	SpoolDir          string
}

// LoadEnvConfig reads BRIDGE_* environment variables, falling back to
// compiled-in defaults for anything unset or blank.
func LoadEnvConfig() EnvConfig {
	maxMsg, _ := cmdutil.EnvInt("BRIDGE_MAX_MESSAGE_BYTES", 1024*1024)
	enforceToken, _ := cmdutil.EnvBool("BRIDGE_ENFORCE_JOIN_TOKEN", false)
	requireMAC, _ := cmdutil.EnvBool("BRIDGE_REQUIRE_SESSION_MAC", true)
	return EnvConfig{
		MaxMessageBytes:   maxMsg,
		DefaultProfile:    Name(cmdutil.EnvString("BRIDGE_DEFAULT_PROFILE", string(Default))),
		JoinTokenSecret:   cmdutil.EnvString("BRIDGE_JOIN_TOKEN_SECRET", ""),
		EnforceJoinToken:  enforceToken,
		RequireSessionMAC: requireMAC,
		AllowStreamIDs:    cmdutil.SplitCSVEnv("BRIDGE_ALLOW_STREAM_IDS"),
		SpoolDir:          cmdutil.EnvString("BRIDGE_SPOOL_DIR", ""),
	}
}

// ToolProfile is an allow-list of tool names a host may dispatch. The
// ToolSurface itself always registers every operation; filtering is a host
// concern, but the predicate is shared so a host (or the bundled
// demonstration binary) does not have to reinvent it.
type ToolProfile struct {
	name    Name
	allowed map[string]bool
}

// NewToolProfile returns a ToolProfile for name that allows exactly the
// given tool names. A nil or empty allowed set allows every tool.
func NewToolProfile(name Name, allowed []string) ToolProfile {
	if len(allowed) == 0 {
		return ToolProfile{name: name}
	}
	m := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		m[a] = true
	}
	return ToolProfile{name: name, allowed: m}
}

// Name reports the profile name this ToolProfile was built from.
func (p ToolProfile) Name() Name { return p.name }

// Allows reports whether toolName may be dispatched under this profile.
func (p ToolProfile) Allows(toolName string) bool {
	if p.allowed == nil {
		return true
	}
	return p.allowed[toolName]
}
