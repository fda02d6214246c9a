package dedup

import (
	"path/filepath"
	"testing"
)

func TestMemoryIndex(t *testing.T) {
	idx := NewMemoryIndex()
	if idx.HasSeen("A") {
		t.Fatal("empty index reports A as seen")
	}
	if err := idx.MarkSeen("A"); err != nil {
		t.Fatalf("MarkSeen failed: %v", err)
	}
	if err := idx.MarkSeen("A"); err != nil {
		t.Fatalf("second MarkSeen failed: %v", err)
	}
	if !idx.HasSeen("A") {
		t.Error("A should be seen")
	}
	if idx.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", idx.Len())
	}
}

func TestRebuild(t *testing.T) {
	idx := NewMemoryIndex()
	idx.MarkSeen("A")
	idx.MarkSeen("STALE")

	dropped, err := Rebuild(idx, []string{"A", "B", "C", "B"})
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if dropped != 1 {
		t.Errorf("expected 1 dropped id, got %d", dropped)
	}
	if idx.Len() != 3 {
		t.Errorf("expected 3 entries, got %d", idx.Len())
	}
	if idx.HasSeen("STALE") {
		t.Error("id missing from storage should be dropped")
	}
	if !idx.HasSeen("B") || !idx.HasSeen("C") {
		t.Error("stored ids should be present")
	}
}

func TestBoltIndex_ResetReplacesPersistedIds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")

	idx, err := OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("OpenBoltIndex failed: %v", err)
	}
	for _, id := range []string{"A", "STALE"} {
		if err := idx.MarkSeen(id); err != nil {
			t.Fatalf("MarkSeen(%s) failed: %v", id, err)
		}
	}
	if err := idx.Reset([]string{"A", "B"}); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if idx.HasSeen("STALE") || !idx.HasSeen("B") {
		t.Error("in-memory mirror not replaced")
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	if reopened.HasSeen("STALE") {
		t.Error("dropped id came back after reopen")
	}
	if !reopened.HasSeen("A") || !reopened.HasSeen("B") || reopened.Len() != 2 {
		t.Errorf("expected exactly A and B after reopen, got %d entries", reopened.Len())
	}
}

func TestBoltIndex_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seen.db")

	idx, err := OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("OpenBoltIndex failed: %v", err)
	}
	for _, id := range []string{"A", "B", "A"} {
		if err := idx.MarkSeen(id); err != nil {
			t.Fatalf("MarkSeen(%s) failed: %v", id, err)
		}
	}
	if idx.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", idx.Len())
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBoltIndex(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })

	if !reopened.HasSeen("A") || !reopened.HasSeen("B") {
		t.Error("ids lost across reopen")
	}
	if reopened.HasSeen("C") {
		t.Error("unexpected id C")
	}
	if reopened.Len() != 2 {
		t.Errorf("expected 2 entries after reopen, got %d", reopened.Len())
	}
}
