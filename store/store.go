// Package store provides persistent sidecar state backed by an embedded
// SQLite database: settings, inbound media blob metadata, router decisions,
// dispatch outcomes, and friend event history. It owns the database
// lifecycle and exposes a minimal API used by the rest of the sidecar.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL/DML statements that bring the
// schema up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — persisted inbound media metadata
	`CREATE TABLE IF NOT EXISTS blobs (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		peer         TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		size         INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		disk_path    TEXT NOT NULL,
		created_at   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — router decision audit
	`CREATE TABLE IF NOT EXISTS router_decisions (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer       TEXT NOT NULL,
		action     TEXT NOT NULL,
		kind       TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v4 — outbound dispatch outcomes
	`CREATE TABLE IF NOT EXISTS dispatch_outcomes (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		op         TEXT NOT NULL,
		peer       TEXT NOT NULL,
		mode       TEXT NOT NULL DEFAULT '',
		ok         INTEGER NOT NULL,
		reason     TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v5 — friend event history
	`CREATE TABLE IF NOT EXISTS friend_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		peer       TEXT NOT NULL,
		kind       TEXT NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		ip         TEXT NOT NULL DEFAULT '',
		location   TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v6 — indexes for performance
	`CREATE INDEX IF NOT EXISTS idx_router_decisions_created ON router_decisions(created_at)`,
	// v7 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes sidecar-state operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Allow multiple read connections but serialise writes.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	// Enable WAL mode for concurrent readers.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[store] WAL mode: %v (non-fatal)", err)
	}
	// Busy timeout to avoid SQLITE_BUSY on concurrent access.
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[store] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[store] applied migration v%d", v)
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value is
// false when the key does not exist; an error is only returned for real I/O
// failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(
		`SELECT value FROM settings WHERE key = ?`, key,
	).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// GetAllSettings returns all key/value pairs from the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		settings[k] = v
	}
	return settings, rows.Err()
}

// ---------------------------------------------------------------------------
// Inbound media blobs
// ---------------------------------------------------------------------------

// Blob represents one persisted inbound media file.
type Blob struct {
	ID          int64
	Peer        string
	Name        string
	Size        int64
	ContentType string
	DiskPath    string
	CreatedAt   int64
}

// InsertBlob records a persisted media file and returns its id.
func (s *Store) InsertBlob(peer, name, contentType, diskPath string, size int64) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO blobs(peer, name, size, content_type, disk_path) VALUES(?, ?, ?, ?, ?)`,
		peer, name, size, contentType, diskPath,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetBlob returns the blob record with the given id.
// Returns sql.ErrNoRows if no such blob exists.
func (s *Store) GetBlob(id int64) (Blob, error) {
	var b Blob
	err := s.db.QueryRow(
		`SELECT id, peer, name, size, content_type, disk_path, created_at FROM blobs WHERE id = ?`, id,
	).Scan(&b.ID, &b.Peer, &b.Name, &b.Size, &b.ContentType, &b.DiskPath, &b.CreatedAt)
	return b, err
}

// BlobCount returns the number of blob records.
func (s *Store) BlobCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM blobs`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// Router decisions
// ---------------------------------------------------------------------------

// InsertRouterDecision records one inbound routing decision.
// If the table exceeds 10,000 rows, the oldest entries are purged.
func (s *Store) InsertRouterDecision(peer, action, kind string) error {
	_, err := s.db.Exec(
		`INSERT INTO router_decisions(peer, action, kind) VALUES(?, ?, ?)`,
		peer, action, kind,
	)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`DELETE FROM router_decisions WHERE id NOT IN (SELECT id FROM router_decisions ORDER BY id DESC LIMIT 10000)`)
	return err
}

// RouterDecisionCounts returns a per-action count of recorded decisions.
func (s *Store) RouterDecisionCounts() (map[string]int64, error) {
	rows, err := s.db.Query(`SELECT action, COUNT(*) FROM router_decisions GROUP BY action`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, err
		}
		counts[action] = n
	}
	return counts, rows.Err()
}

// ---------------------------------------------------------------------------
// Dispatch outcomes
// ---------------------------------------------------------------------------

// DispatchOutcome represents one completed outbound dispatch.
type DispatchOutcome struct {
	ID        int64
	Op        string
	Peer      string
	Mode      string
	OK        bool
	Reason    string
	CreatedAt int64
}

// InsertDispatchOutcome records one outbound dispatch result.
func (s *Store) InsertDispatchOutcome(op, peer, mode string, ok bool, reason string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO dispatch_outcomes(op, peer, mode, ok, reason) VALUES(?, ?, ?, ?, ?)`,
		op, peer, mode, okInt, reason,
	)
	return err
}

// RecentDispatchOutcomes returns the most recent dispatch outcomes.
func (s *Store) RecentDispatchOutcomes(limit int) ([]DispatchOutcome, error) {
	rows, err := s.db.Query(
		`SELECT id, op, peer, mode, ok, reason, created_at FROM dispatch_outcomes ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []DispatchOutcome
	for rows.Next() {
		var o DispatchOutcome
		var okInt int
		if err := rows.Scan(&o.ID, &o.Op, &o.Peer, &o.Mode, &okInt, &o.Reason, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.OK = okInt != 0
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// ---------------------------------------------------------------------------
// Friend events
// ---------------------------------------------------------------------------

// FriendEvent represents one row of friend event history.
type FriendEvent struct {
	ID        int64
	Peer      string
	Kind      string
	Name      string
	IP        string
	Location  string
	CreatedAt int64
}

// InsertFriendEvent records one friend state change.
func (s *Store) InsertFriendEvent(peer, kind, name, ip, location string) error {
	_, err := s.db.Exec(
		`INSERT INTO friend_events(peer, kind, name, ip, location) VALUES(?, ?, ?, ?, ?)`,
		peer, kind, name, ip, location,
	)
	return err
}

// RecentFriendEvents returns friend events, most recent first.
func (s *Store) RecentFriendEvents(limit int) ([]FriendEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, peer, kind, name, ip, location, created_at FROM friend_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []FriendEvent
	for rows.Next() {
		var e FriendEvent
		if err := rows.Scan(&e.ID, &e.Peer, &e.Kind, &e.Name, &e.IP, &e.Location, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// FriendEventCount returns the number of friend event rows.
func (s *Store) FriendEventCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM friend_events`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// SQLite optimization
// ---------------------------------------------------------------------------

// Optimize runs PRAGMA optimize for SQLite query planner statistics.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}

// Backup creates a copy of the database at the given path using SQLite's
// backup API through VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
