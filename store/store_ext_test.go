package store

import (
	"path/filepath"
	"sync"
	"testing"
)

// newFileStore opens a file-backed SQLite database in a temp directory.
// This is needed for concurrent write tests because :memory: databases
// do not support WAL mode properly under concurrent access.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// ---------------------------------------------------------------------------
// Router decisions
// ---------------------------------------------------------------------------

func TestInsertRouterDecisionAndCounts(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertRouterDecision("P1", "forwarded", "text"); err != nil {
		t.Fatalf("InsertRouterDecision: %v", err)
	}
	if err := s.InsertRouterDecision("P1", "forwarded", "packed"); err != nil {
		t.Fatalf("InsertRouterDecision: %v", err)
	}
	if err := s.InsertRouterDecision("P2", "skipped_replay", "text"); err != nil {
		t.Fatalf("InsertRouterDecision: %v", err)
	}

	counts, err := s.RouterDecisionCounts()
	if err != nil {
		t.Fatalf("RouterDecisionCounts: %v", err)
	}
	if counts["forwarded"] != 2 {
		t.Errorf("forwarded = %d, want 2", counts["forwarded"])
	}
	if counts["skipped_replay"] != 1 {
		t.Errorf("skipped_replay = %d, want 1", counts["skipped_replay"])
	}
	if counts["dropped_stale_offline"] != 0 {
		t.Errorf("dropped_stale_offline = %d, want 0", counts["dropped_stale_offline"])
	}
}

func TestRouterDecisionCountsEmpty(t *testing.T) {
	s := newMemStore(t)

	counts, err := s.RouterDecisionCounts()
	if err != nil {
		t.Fatalf("RouterDecisionCounts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("expected empty map, got %v", counts)
	}
}

// ---------------------------------------------------------------------------
// Dispatch outcomes
// ---------------------------------------------------------------------------

func TestInsertDispatchOutcome(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertDispatchOutcome("send_media", "P1", "packed", true, ""); err != nil {
		t.Fatalf("InsertDispatchOutcome: %v", err)
	}
	if err := s.InsertDispatchOutcome("send_text", "P2", "", false, "http_fallback_failed"); err != nil {
		t.Fatalf("InsertDispatchOutcome: %v", err)
	}

	outcomes, err := s.RecentDispatchOutcomes(10)
	if err != nil {
		t.Fatalf("RecentDispatchOutcomes: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("got %d outcomes, want 2", len(outcomes))
	}

	// Most recent first.
	if outcomes[0].Op != "send_text" || outcomes[0].OK {
		t.Errorf("outcomes[0] = %+v", outcomes[0])
	}
	if outcomes[0].Reason != "http_fallback_failed" {
		t.Errorf("reason = %q", outcomes[0].Reason)
	}
	if outcomes[1].Op != "send_media" || !outcomes[1].OK {
		t.Errorf("outcomes[1] = %+v", outcomes[1])
	}
}

func TestRecentDispatchOutcomesLimit(t *testing.T) {
	s := newMemStore(t)

	for i := 0; i < 5; i++ {
		if err := s.InsertDispatchOutcome("send_text", "P1", "", true, ""); err != nil {
			t.Fatalf("InsertDispatchOutcome: %v", err)
		}
	}

	outcomes, err := s.RecentDispatchOutcomes(3)
	if err != nil {
		t.Fatalf("RecentDispatchOutcomes: %v", err)
	}
	if len(outcomes) != 3 {
		t.Errorf("got %d outcomes, want limit 3", len(outcomes))
	}
}

// ---------------------------------------------------------------------------
// Friend events
// ---------------------------------------------------------------------------

func TestInsertFriendEvent(t *testing.T) {
	s := newMemStore(t)

	if err := s.InsertFriendEvent("P1", "online", "Alice", "10.0.0.5", "private-network"); err != nil {
		t.Fatalf("InsertFriendEvent: %v", err)
	}
	if err := s.InsertFriendEvent("P1", "offline", "Alice", "", ""); err != nil {
		t.Fatalf("InsertFriendEvent: %v", err)
	}

	events, err := s.RecentFriendEvents(10)
	if err != nil {
		t.Fatalf("RecentFriendEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Kind != "offline" || events[1].Kind != "online" {
		t.Errorf("order: %q then %q, want offline then online", events[0].Kind, events[1].Kind)
	}
	if events[1].IP != "10.0.0.5" || events[1].Location != "private-network" {
		t.Errorf("annotation: %+v", events[1])
	}

	n, err := s.FriendEventCount()
	if err != nil || n != 2 {
		t.Errorf("FriendEventCount = %d err=%v, want 2", n, err)
	}
}

// ---------------------------------------------------------------------------
// Concurrency and backup
// ---------------------------------------------------------------------------

// TestConcurrentWrites verifies that parallel writers do not corrupt state or
// trip SQLITE_BUSY under WAL mode.
func TestConcurrentWrites(t *testing.T) {
	s := newFileStore(t)

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if err := s.InsertRouterDecision("peer", "forwarded", "text"); err != nil {
					t.Errorf("writer %d: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	counts, err := s.RouterDecisionCounts()
	if err != nil {
		t.Fatalf("RouterDecisionCounts: %v", err)
	}
	if counts["forwarded"] != writers*perWriter {
		t.Errorf("forwarded = %d, want %d", counts["forwarded"], writers*perWriter)
	}
}

func TestBackupPreservesData(t *testing.T) {
	s := newFileStore(t)

	if err := s.SetSetting("sidecar_name", "backup-test"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.InsertBlob("P1", "a.bin", "application/octet-stream", "/a", 1); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "backup.db")
	if err := s.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	restored, err := New(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer restored.Close()

	val, ok, err := restored.GetSetting("sidecar_name")
	if err != nil || !ok || val != "backup-test" {
		t.Errorf("setting after restore: val=%q ok=%v err=%v", val, ok, err)
	}
	n, err := restored.BlobCount()
	if err != nil || n != 1 {
		t.Errorf("blob count after restore = %d err=%v", n, err)
	}
}

func TestOptimize(t *testing.T) {
	s := newMemStore(t)
	if err := s.Optimize(); err != nil {
		t.Errorf("Optimize: %v", err)
	}
}
