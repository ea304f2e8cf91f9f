// Package state implements a last-writer-wins replicated key/value store
// for a single bridge session: local writes, remote patch application,
// snapshot generation/merge, all ordered by the (clock, actor) dominance
// rule, grounded on the spec's own merge semantics — the teacher lineage
// has no CRDT analogue to draw from.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/steveseguin/ninjamcp/errclass"
	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/protocol"
)

// Entry is one replicated key/value record.
type Entry struct {
	Key       string
	Value     any
	Actor     string
	Clock     int64
	UpdatedAt int64
}

func (e Entry) wire() protocol.StateEntryWire {
	return protocol.StateEntryWire{Key: e.Key, Value: e.Value, Actor: e.Actor, Clock: e.Clock, UpdatedAt: e.UpdatedAt}
}

func fromWire(w protocol.StateEntryWire) Entry {
	return Entry{Key: w.Key, Value: w.Value, Actor: w.Actor, Clock: w.Clock, UpdatedAt: w.UpdatedAt}
}

// dominates reports whether a dominates b under the (clock, actor) rule: a
// strictly newer clock wins; on a tie, the lexicographically larger actor
// wins.
func dominates(a, b Entry) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Actor > b.Actor
}

// Snapshot is the full replicated view of a room/stream's state.
type Snapshot struct {
	Room        string
	StreamID    string
	Entries     []Entry
	ActorClock  map[string]int64
	GeneratedAt int64
}

func (s Snapshot) wire(maxEntries int) protocol.StateSnapshotPayload {
	entries := append([]Entry(nil), s.Entries...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	if maxEntries > 0 && len(entries) > maxEntries {
		entries = entries[:maxEntries]
	}
	wire := make([]protocol.StateEntryWire, len(entries))
	for i, e := range entries {
		wire[i] = e.wire()
	}
	clock := make(map[string]int64, len(s.ActorClock))
	for k, v := range s.ActorClock {
		clock[k] = v
	}
	return protocol.StateSnapshotPayload{Room: s.Room, StreamID: s.StreamID, Entries: wire, ActorClock: clock, GeneratedAt: s.GeneratedAt}
}

// Config tunes the store's bounds.
type Config struct {
	Room                string
	LocalActor          string
	MaxKeys             int
	MaxSnapshotEntries int
}

func (c Config) normalized() Config {
	if c.MaxKeys <= 0 {
		c.MaxKeys = 1000
	}
	if c.MaxSnapshotEntries <= 0 {
		c.MaxSnapshotEntries = 1000
	}
	return c
}

// Store is a per-session replicated key/value engine.
type Store struct {
	cfg    Config
	events *eventqueue.Queue

	mu         sync.Mutex
	entries    map[string]Entry
	actorClock map[string]int64
	localClock int64
}

// New returns a Store. events may be nil (state_updated notifications are
// dropped).
func New(cfg Config, events *eventqueue.Queue) *Store {
	return &Store{
		cfg:        cfg.normalized(),
		events:     events,
		entries:    make(map[string]Entry),
		actorClock: make(map[string]int64),
	}
}

func (s *Store) emit(source string, entry Entry) {
	if s.events == nil {
		return
	}
	s.events.Push(eventqueue.Event{
		Type: "state_updated",
		TS:   time.Now().UnixMilli(),
		Data: map[string]any{
			"source": source,
			"key":    entry.Key,
			"value":  entry.Value,
			"actor":  entry.Actor,
			"clock":  entry.Clock,
		},
	})
}

// Set performs a local write: the local clock strictly increases, and the
// resulting entry is returned so the caller (the owning session) can
// broadcast it as a state.patch.
func (s *Store) Set(key string, value any) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; !exists && len(s.entries) >= s.cfg.MaxKeys {
		return Entry{}, errclass.Wrap(errclass.PathState, errclass.StageApply, errclass.CodeStateKeyLimitReached, nil)
	}

	s.localClock++
	entry := Entry{Key: key, Value: value, Actor: s.cfg.LocalActor, Clock: s.localClock, UpdatedAt: time.Now().UnixMilli()}
	s.entries[key] = entry
	if s.localClock > s.actorClock[s.cfg.LocalActor] {
		s.actorClock[s.cfg.LocalActor] = s.localClock
	}
	s.emitLocked(entry)
	return entry, nil
}

func (s *Store) emitLocked(entry Entry) {
	s.mu.Unlock()
	s.emit("local", entry)
	s.mu.Lock()
}

// ApplyPatch applies a remote state.patch entry under the dominance rule,
// rejecting a brand-new key once state_max_keys is reached.
func (s *Store) ApplyPatch(w protocol.StateEntryWire) error {
	incoming := fromWire(w)

	s.mu.Lock()
	existing, exists := s.entries[incoming.Key]
	if !exists && len(s.entries) >= s.cfg.MaxKeys {
		s.mu.Unlock()
		return errclass.Wrap(errclass.PathState, errclass.StageApply, errclass.CodeStateKeyLimitReached, nil)
	}
	if exists && !dominates(incoming, existing) {
		s.advanceActorClockLocked(incoming.Actor, incoming.Clock)
		s.mu.Unlock()
		return nil
	}
	s.entries[incoming.Key] = incoming
	s.advanceActorClockLocked(incoming.Actor, incoming.Clock)
	s.mu.Unlock()

	s.emit("remote", incoming)
	return nil
}

func (s *Store) advanceActorClockLocked(actor string, clock int64) {
	if clock > s.actorClock[actor] {
		s.actorClock[actor] = clock
	}
}

// Get returns the value stored at key.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetEntry returns the full entry (value plus actor/clock/updated_at) at
// key, for include_meta reads.
func (s *Store) GetEntry(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

// All returns every entry plus the actor-clock map, for an
// include_meta=true, key=null read.
func (s *Store) All() ([]Entry, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	clock := make(map[string]int64, len(s.actorClock))
	for k, v := range s.actorClock {
		clock[k] = v
	}
	return entries, clock
}

// Snapshot builds the current replicated snapshot, streamID identifying
// the local peer for the snapshot's provenance field.
func (s *Store) Snapshot(streamID string) Snapshot {
	entries, clock := s.All()
	return Snapshot{Room: s.cfg.Room, StreamID: streamID, Entries: entries, ActorClock: clock, GeneratedAt: time.Now().UnixMilli()}
}

// SnapshotWire builds the wire-ready, truncated-and-sorted snapshot payload.
func (s *Store) SnapshotWire(streamID string) protocol.StateSnapshotPayload {
	return s.Snapshot(streamID).wire(s.cfg.MaxSnapshotEntries)
}

// ApplySnapshot merges every entry of an incoming snapshot under the
// dominance rule and folds its actor-clock map into the local one (monotone
// max per actor).
func (s *Store) ApplySnapshot(snap protocol.StateSnapshotPayload) {
	for _, w := range snap.Entries {
		_ = s.ApplyPatch(w)
	}
	s.mu.Lock()
	for actor, clock := range snap.ActorClock {
		s.advanceActorClockLocked(actor, clock)
	}
	s.mu.Unlock()
}

// Len reports the current key count.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
