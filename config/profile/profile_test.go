package profile

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	d := Resolve(Default)
	if d.FileChunkBytes != 16*1024 {
		t.Fatalf("default chunk bytes mismatch: got=%d", d.FileChunkBytes)
	}

	bulk := Resolve(BulkFile)
	if bulk.FileChunkBytes != 64*1024 {
		t.Fatalf("bulkfile chunk bytes mismatch: got=%d", bulk.FileChunkBytes)
	}
	if bulk.FileMaxBytes != 1024*1024*1024 {
		t.Fatalf("bulkfile max bytes mismatch: got=%d", bulk.FileMaxBytes)
	}

	unknown := Resolve(Name("nonexistent"))
	if unknown != d {
		t.Fatalf("unknown profile should fall back to default")
	}
}

func TestApplyFillsZeroValuesOnly(t *testing.T) {
	var cfg Applyable
	applied := Apply(cfg, BulkFile)

	if applied.FileChunkBytes != 64*1024 {
		t.Fatalf("apply chunk bytes mismatch: got=%d", applied.FileChunkBytes)
	}
	if applied.FileAckTimeout != 30*time.Second {
		t.Fatalf("apply ack timeout mismatch: got=%s", applied.FileAckTimeout)
	}

	explicit := Applyable{
		FileChunkBytes: 1234,
		FileAckTimeout: 7 * time.Second,
	}
	appliedExplicit := Apply(explicit, BulkFile)
	if appliedExplicit.FileChunkBytes != 1234 {
		t.Fatalf("explicit chunk bytes must be preserved")
	}
	if appliedExplicit.FileAckTimeout != 7*time.Second {
		t.Fatalf("explicit ack timeout must be preserved")
	}
	if appliedExplicit.FileMaxRetries != 3 {
		t.Fatalf("unset field must still pick up profile default: got=%d", appliedExplicit.FileMaxRetries)
	}
}

func TestToolProfileAllows(t *testing.T) {
	open := NewToolProfile(Default, nil)
	if !open.Allows("file_send") {
		t.Fatalf("empty allow-list must permit every tool")
	}

	restricted := NewToolProfile(Default, []string{"file_send", "file_receive"})
	if !restricted.Allows("file_send") {
		t.Fatalf("expected file_send to be allowed")
	}
	if restricted.Allows("state_set") {
		t.Fatalf("expected state_set to be disallowed")
	}
}
