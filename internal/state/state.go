// Package state owns the sidecar's simple on-disk key/value persistence:
// the self-profile, the welcomed-peers set, the DB/crawler config, the
// friend-state TSV projection, and the human-readable friend event log.
package state

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"beagle-sidecar/internal/presence"
)

// On-disk layout under the data directory.
const (
	ProfileFile      = "beagle_profile.json"
	WelcomedFile     = "welcomed_peers.txt"
	DBConfigFile     = "beagle_db.json"
	FriendStateFile  = "friend_state.tsv"
	FriendEventsFile = "friend_events.log"
	MediaDir         = "media"
)

// ProfileInfo is the self record inside the profile file.
type ProfileInfo struct {
	Name           string `json:"name"`
	Gender         string `json:"gender"`
	Phone          string `json:"phone"`
	Email          string `json:"email"`
	Description    string `json:"description"`
	Region         string `json:"region"`
	CarrierUserID  string `json:"carrierUserId"`
	CarrierAddress string `json:"carrierAddress"`
	StartedAt      int64  `json:"startedAt"`
}

// Profile is the persisted self-profile: the welcome greeting plus the self
// record mirrored to the transport.
type Profile struct {
	WelcomeMessage string      `json:"welcomeMessage"`
	Profile        ProfileInfo `json:"profile"`
}

// DBConfig is the optional projection/crawler configuration.
type DBConfig struct {
	MySQLDSN              string `json:"mysqlDsn"`
	CrawlerIndexURL       string `json:"crawlerIndexUrl"`
	CrawlerRefreshSeconds int    `json:"crawlerRefreshSeconds"`
}

// Files resolves the fixed on-disk layout under one data directory.
type Files struct {
	dataDir string

	friendMu sync.Mutex
	eventMu  sync.Mutex
}

// NewFiles constructs a Files rooted at dataDir, creating the directory and
// the media subdirectory.
func NewFiles(dataDir string) (*Files, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, MediaDir), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Files{dataDir: dataDir}, nil
}

// DataDir returns the root data directory.
func (f *Files) DataDir() string { return f.dataDir }

// MediaPath returns the directory inbound media is persisted to.
func (f *Files) MediaPath() string { return filepath.Join(f.dataDir, MediaDir) }

// AuditLogPath returns the incoming-events JSONL path.
func (f *Files) AuditLogPath() string { return filepath.Join(f.dataDir, "incoming_events.jsonl") }

// LoadProfile reads the profile file. A missing file returns a zero Profile
// and no error — first run.
func (f *Files) LoadProfile() (Profile, error) {
	var p Profile
	data, err := os.ReadFile(filepath.Join(f.dataDir, ProfileFile))
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse %s: %w", ProfileFile, err)
	}
	return p, nil
}

// SaveProfile writes the profile file.
func (f *Files) SaveProfile(p Profile) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.dataDir, ProfileFile), append(data, '\n'), 0o644)
}

// LoadDBConfig reads the DB/crawler config. A missing file returns defaults.
func (f *Files) LoadDBConfig() (DBConfig, error) {
	cfg := DBConfig{CrawlerRefreshSeconds: 30}
	data, err := os.ReadFile(filepath.Join(f.dataDir, DBConfigFile))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return DBConfig{}, fmt.Errorf("parse %s: %w", DBConfigFile, err)
	}
	if cfg.CrawlerRefreshSeconds < 5 {
		cfg.CrawlerRefreshSeconds = 5
	}
	return cfg, nil
}

// WriteFriendState rewrites the full friend_state.tsv projection, ten
// tab-separated fields per friend.
func (f *Files) WriteFriendState(friends []presence.FriendState) error {
	var b strings.Builder
	for _, fr := range friends {
		b.WriteString(fr.TSVLine())
		b.WriteByte('\n')
	}

	f.friendMu.Lock()
	defer f.friendMu.Unlock()
	return os.WriteFile(filepath.Join(f.dataDir, FriendStateFile), []byte(b.String()), 0o644)
}

// AppendFriendEvent appends one human-readable line to friend_events.log.
func (f *Files) AppendFriendEvent(line string) error {
	f.eventMu.Lock()
	defer f.eventMu.Unlock()

	fh, err := os.OpenFile(filepath.Join(f.dataDir, FriendEventsFile), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer fh.Close()
	_, err = fmt.Fprintf(fh, "%s %s\n", time.Now().Format(time.RFC3339), line)
	return err
}

// WelcomedPeers is the welcome-once set: a peer gets the configured greeting
// the first time they connect or are accepted, and that fact is persisted so
// a restart doesn't re-greet. The mutex is held across persistence — the
// file is one line per peer and the cost is bounded.
type WelcomedPeers struct {
	mu    sync.Mutex
	path  string
	peers map[string]struct{}
}

// LoadWelcomedPeers reads welcomed_peers.txt (one peer id per line). A
// missing file yields an empty set.
func LoadWelcomedPeers(dataDir string) (*WelcomedPeers, error) {
	w := &WelcomedPeers{
		path:  filepath.Join(dataDir, WelcomedFile),
		peers: make(map[string]struct{}),
	}

	fh, err := os.Open(w.path)
	if os.IsNotExist(err) {
		return w, nil
	}
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	sc := bufio.NewScanner(fh)
	for sc.Scan() {
		peer := strings.TrimSpace(sc.Text())
		if peer != "" {
			w.peers[peer] = struct{}{}
		}
	}
	return w, sc.Err()
}

// Welcomed reports whether peer has already been greeted.
func (w *WelcomedPeers) Welcomed(peer string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.peers[peer]
	return ok
}

// MarkWelcomed records peer as greeted and appends it to the file. Returns
// false if the peer was already in the set (no write happens).
func (w *WelcomedPeers) MarkWelcomed(peer string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.peers[peer]; ok {
		return false, nil
	}
	w.peers[peer] = struct{}{}

	fh, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return true, err
	}
	defer fh.Close()
	_, err = fmt.Fprintln(fh, peer)
	return true, err
}

// Len reports how many peers have been welcomed.
func (w *WelcomedPeers) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.peers)
}
