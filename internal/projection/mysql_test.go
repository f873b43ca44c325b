package projection

import (
	"os"
	"testing"

	"beagle-sidecar/internal/model"
	"beagle-sidecar/internal/presence"
)

// liveSink connects to the MySQL instance named by BEAGLE_TEST_MYSQL_DSN, or
// skips the test when none is configured — the projection is an optional
// external sink and CI may not carry a database.
func liveSink(t *testing.T) *Sink {
	t.Helper()
	dsn := os.Getenv("BEAGLE_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("BEAGLE_TEST_MYSQL_DSN not set")
	}
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertFriendTwiceKeepsOneRow(t *testing.T) {
	s := liveSink(t)
	defer s.db.Exec(`DELETE FROM friend_state WHERE friendid = 'proj-test-p1'`)

	f := presence.FriendState{FriendID: "proj-test-p1", Name: "Alice", Status: 1}
	s.UpsertFriend(f)
	f.Name = "Alicia"
	s.UpsertFriend(f)

	var name string
	if err := s.db.Get(&name, `SELECT name FROM friend_state WHERE friendid = 'proj-test-p1'`); err != nil {
		t.Fatalf("select: %v", err)
	}
	if name != "Alicia" {
		t.Errorf("name = %q, want upserted Alicia", name)
	}

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM friend_state WHERE friendid = 'proj-test-p1'`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

func TestRecordForwarded(t *testing.T) {
	s := liveSink(t)
	defer s.db.Exec(`DELETE FROM forwarded_events WHERE peer = 'proj-test-p2'`)

	s.RecordForwarded(model.IncomingMessage{Peer: "proj-test-p2", Text: "hello", MsgID: "m1", TS: 42})

	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM forwarded_events WHERE peer = 'proj-test-p2'`); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}
