package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"beagle-sidecar/internal/presence"
)

func TestProfileRoundTrip(t *testing.T) {
	f, err := NewFiles(t.TempDir())
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}

	// First run: missing file is a zero profile, not an error.
	p, err := f.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile on empty dir: %v", err)
	}
	if p.WelcomeMessage != "" {
		t.Errorf("zero profile expected, got %+v", p)
	}

	p.WelcomeMessage = "hi there"
	p.Profile.Name = "beagle"
	p.Profile.CarrierUserID = "u123"
	if err := f.SaveProfile(p); err != nil {
		t.Fatalf("SaveProfile: %v", err)
	}

	got, err := f.LoadProfile()
	if err != nil {
		t.Fatalf("LoadProfile: %v", err)
	}
	if got.WelcomeMessage != "hi there" || got.Profile.Name != "beagle" || got.Profile.CarrierUserID != "u123" {
		t.Errorf("round trip = %+v", got)
	}
}

func TestLoadDBConfigDefaultsAndFloor(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFiles(dir)
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}

	cfg, err := f.LoadDBConfig()
	if err != nil {
		t.Fatalf("LoadDBConfig missing file: %v", err)
	}
	if cfg.CrawlerRefreshSeconds != 30 {
		t.Errorf("default refresh = %d, want 30", cfg.CrawlerRefreshSeconds)
	}

	// Refresh below the floor is clamped to 5.
	raw := `{"mysqlDsn":"user:pw@tcp(127.0.0.1:3306)/beagle","crawlerRefreshSeconds":1}`
	if err := os.WriteFile(filepath.Join(dir, DBConfigFile), []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = f.LoadDBConfig()
	if err != nil {
		t.Fatalf("LoadDBConfig: %v", err)
	}
	if cfg.CrawlerRefreshSeconds != 5 {
		t.Errorf("refresh = %d, want floor 5", cfg.CrawlerRefreshSeconds)
	}
	if cfg.MySQLDSN == "" {
		t.Error("dsn not parsed")
	}
}

func TestWriteFriendState(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFiles(dir)
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}

	friends := []presence.FriendState{
		{FriendID: "P1", Name: "Alice", Status: 1},
		{FriendID: "P2", Name: "Bob", Presence: 2},
	}
	if err := f.WriteFriendState(friends); err != nil {
		t.Fatalf("WriteFriendState: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FriendStateFile))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	if fields := strings.Split(lines[0], "\t"); len(fields) != 10 {
		t.Errorf("fields = %d, want 10", len(fields))
	}
}

func TestAppendFriendEvent(t *testing.T) {
	dir := t.TempDir()
	f, err := NewFiles(dir)
	if err != nil {
		t.Fatalf("NewFiles: %v", err)
	}

	if err := f.AppendFriendEvent("friend P1 online (1.2.3.4 public-network)"); err != nil {
		t.Fatalf("AppendFriendEvent: %v", err)
	}
	if err := f.AppendFriendEvent("friend P1 offline"); err != nil {
		t.Fatalf("AppendFriendEvent: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, FriendEventsFile))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Count(string(data), "\n") != 2 {
		t.Errorf("log = %q, want two lines", data)
	}
	if !strings.Contains(string(data), "friend P1 online") {
		t.Errorf("log missing event text: %q", data)
	}
}

func TestWelcomedPeersPersistAcrossLoads(t *testing.T) {
	dir := t.TempDir()

	w, err := LoadWelcomedPeers(dir)
	if err != nil {
		t.Fatalf("LoadWelcomedPeers: %v", err)
	}
	if w.Welcomed("P1") {
		t.Error("fresh set should not contain P1")
	}

	fresh, err := w.MarkWelcomed("P1")
	if err != nil || !fresh {
		t.Fatalf("MarkWelcomed: fresh=%v err=%v", fresh, err)
	}
	fresh, err = w.MarkWelcomed("P1")
	if err != nil || fresh {
		t.Fatalf("second MarkWelcomed: fresh=%v err=%v, want false", fresh, err)
	}

	// Reload from disk — the fact survives.
	w2, err := LoadWelcomedPeers(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !w2.Welcomed("P1") || w2.Len() != 1 {
		t.Errorf("reloaded set: welcomed=%v len=%d", w2.Welcomed("P1"), w2.Len())
	}
}
