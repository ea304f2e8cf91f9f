package state

import (
	"context"
	"testing"

	"github.com/steveseguin/ninjamcp/eventqueue"
	"github.com/steveseguin/ninjamcp/protocol"
)

func TestSetThenGetRoundTrips(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	if _, err := s.Set("mission", "alpha"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get("mission")
	if !ok || v != "alpha" {
		t.Fatalf("expected alpha, got %v ok=%v", v, ok)
	}
}

func TestSetStrictlyIncreasesLocalClock(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	e1, _ := s.Set("k", "v1")
	e2, _ := s.Set("k", "v2")
	if e2.Clock <= e1.Clock {
		t.Fatalf("expected strictly increasing clock, got %d then %d", e1.Clock, e2.Clock)
	}
}

func TestApplyPatchHigherClockWins(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	_, _ = s.Set("mission", "alpha") // local clock 1
	err := s.ApplyPatch(protocol.StateEntryWire{Key: "mission", Value: "bravo", Actor: "remote", Clock: 5})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	v, _ := s.Get("mission")
	if v != "bravo" {
		t.Fatalf("expected higher-clock remote write to win, got %v", v)
	}
}

func TestApplyPatchLowerClockLoses(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	_ = s.ApplyPatch(protocol.StateEntryWire{Key: "mission", Value: "bravo", Actor: "remote", Clock: 5})
	err := s.ApplyPatch(protocol.StateEntryWire{Key: "mission", Value: "stale", Actor: "other", Clock: 2})
	if err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	v, _ := s.Get("mission")
	if v != "bravo" {
		t.Fatalf("expected lower-clock write to lose, got %v", v)
	}
}

func TestApplyPatchTieBreaksOnActorLexicalOrder(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	_ = s.ApplyPatch(protocol.StateEntryWire{Key: "k", Value: "from-a", Actor: "aaa", Clock: 3})
	_ = s.ApplyPatch(protocol.StateEntryWire{Key: "k", Value: "from-z", Actor: "zzz", Clock: 3})
	v, _ := s.Get("k")
	if v != "from-z" {
		t.Fatalf("expected lexicographically larger actor to win tie, got %v", v)
	}
	_ = s.ApplyPatch(protocol.StateEntryWire{Key: "k", Value: "from-a-again", Actor: "aaa", Clock: 3})
	v, _ = s.Get("k")
	if v != "from-z" {
		t.Fatalf("expected tie-losing write to not overwrite, got %v", v)
	}
}

func TestApplyPatchRejectsNewKeyOverLimit(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local", MaxKeys: 1}, nil)
	_, _ = s.Set("k1", "v1")
	err := s.ApplyPatch(protocol.StateEntryWire{Key: "k2", Value: "v2", Actor: "remote", Clock: 1})
	if err == nil {
		t.Fatalf("expected state_key_limit_reached error")
	}
}

func TestSetRejectsNewKeyOverLimit(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local", MaxKeys: 1}, nil)
	_, _ = s.Set("k1", "v1")
	_, err := s.Set("k2", "v2")
	if err == nil {
		t.Fatalf("expected state_key_limit_reached error")
	}
}

func TestSnapshotWireIsSortedAndTruncated(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local", MaxSnapshotEntries: 2}, nil)
	_, _ = s.Set("charlie", 3)
	_, _ = s.Set("alpha", 1)
	_, _ = s.Set("bravo", 2)
	snap := s.SnapshotWire("local")
	if len(snap.Entries) != 2 {
		t.Fatalf("expected truncation to 2 entries, got %d", len(snap.Entries))
	}
	if snap.Entries[0].Key != "alpha" || snap.Entries[1].Key != "bravo" {
		t.Fatalf("expected sorted-by-key entries, got %+v", snap.Entries)
	}
}

func TestApplySnapshotMergesAndAdvancesActorClock(t *testing.T) {
	s := New(Config{Room: "r1", LocalActor: "local"}, nil)
	s.ApplySnapshot(protocol.StateSnapshotPayload{
		Entries: []protocol.StateEntryWire{
			{Key: "mission", Value: "bravo", Actor: "remote", Clock: 7},
		},
		ActorClock: map[string]int64{"remote": 9, "other": 3},
	})
	v, _ := s.Get("mission")
	if v != "bravo" {
		t.Fatalf("expected snapshot entry applied, got %v", v)
	}
	_, clock := s.All()
	if clock["remote"] != 9 || clock["other"] != 3 {
		t.Fatalf("expected actor clock folded in from snapshot, got %+v", clock)
	}
}

func TestSetEmitsStateUpdatedEvent(t *testing.T) {
	q := eventqueue.New(8)
	s := New(Config{Room: "r1", LocalActor: "local"}, q)
	_, _ = s.Set("k", "v")
	evs := q.Poll(context.Background(), 1, 0)
	if len(evs) != 1 || evs[0].Type != "state_updated" {
		t.Fatalf("expected one state_updated event, got %+v", evs)
	}
}
