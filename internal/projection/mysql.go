// Package projection mirrors friend state and forwarded events into an
// external MySQL database for dashboards and ops tooling. The sink is
// strictly optional: the core behaves identically when no DSN is configured,
// and every write error degrades to a log line.
package projection

import (
	"fmt"
	"log/slog"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"

	"beagle-sidecar/internal/model"
	"beagle-sidecar/internal/presence"
)

const driverName = "mysql"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS friend_state (
		friendid    VARCHAR(128) NOT NULL PRIMARY KEY,
		name        VARCHAR(255) NOT NULL DEFAULT '',
		gender      VARCHAR(64)  NOT NULL DEFAULT '',
		phone       VARCHAR(64)  NOT NULL DEFAULT '',
		email       VARCHAR(255) NOT NULL DEFAULT '',
		description TEXT,
		region      VARCHAR(128) NOT NULL DEFAULT '',
		label       VARCHAR(128) NOT NULL DEFAULT '',
		status      INT NOT NULL DEFAULT 0,
		presence    INT NOT NULL DEFAULT 0,
		updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS friend_events (
		id         BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		peer       VARCHAR(128) NOT NULL,
		kind       VARCHAR(32)  NOT NULL,
		name       VARCHAR(255) NOT NULL DEFAULT '',
		ip         VARCHAR(64)  NOT NULL DEFAULT '',
		location   VARCHAR(64)  NOT NULL DEFAULT '',
		event_ts   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS forwarded_events (
		id         BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
		peer       VARCHAR(128) NOT NULL,
		msg_id     VARCHAR(255) NOT NULL DEFAULT '',
		text       TEXT,
		filename   VARCHAR(255) NOT NULL DEFAULT '',
		media_type VARCHAR(128) NOT NULL DEFAULT '',
		size       BIGINT NOT NULL DEFAULT 0,
		event_ts   BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
}

// Sink is an open MySQL projection target.
type Sink struct {
	db *sqlx.DB
}

// Open connects to MySQL with the given DSN and ensures the projection
// tables exist.
func Open(dsn string) (*Sink, error) {
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create projection schema: %w", err)
		}
	}
	return &Sink{db: db}, nil
}

// Close releases the connection pool.
func (s *Sink) Close() error {
	return s.db.Close()
}

// UpsertFriend mirrors one friend record. It is called for every presence
// event, so a connection callback that changes nothing still rewrites the
// row with the same values.
func (s *Sink) UpsertFriend(f presence.FriendState) {
	_, err := s.db.Exec(
		`INSERT INTO friend_state (friendid, name, gender, phone, email, description, region, label, status, presence)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE
		 name = VALUES(name), gender = VALUES(gender), phone = VALUES(phone),
		 email = VALUES(email), description = VALUES(description), region = VALUES(region),
		 label = VALUES(label), status = VALUES(status), presence = VALUES(presence)`,
		f.FriendID, f.Name, f.Gender, f.Phone, f.Email, f.Description, f.Region, f.Label, f.Status, f.Presence,
	)
	if err != nil {
		slog.Warn("mysql projection: upsert friend failed", "peer", f.FriendID, "err", err)
	}
}

// RecordFriendEvent mirrors one friend state change event.
func (s *Sink) RecordFriendEvent(e presence.Event) {
	_, err := s.db.Exec(
		`INSERT INTO friend_events (peer, kind, name, ip, location, event_ts) VALUES (?, ?, ?, ?, ?, ?)`,
		e.Friend.FriendID, e.Kind, e.Friend.Name, e.IP, e.Location, e.TS,
	)
	if err != nil {
		slog.Warn("mysql projection: record friend event failed", "peer", e.Friend.FriendID, "err", err)
	}
}

// RecordForwarded mirrors one forwarded inbound event.
func (s *Sink) RecordForwarded(msg model.IncomingMessage) {
	_, err := s.db.Exec(
		`INSERT INTO forwarded_events (peer, msg_id, text, filename, media_type, size, event_ts) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.Peer, msg.MsgID, msg.Text, msg.FileName, msg.MediaType, msg.Size, msg.TS,
	)
	if err != nil {
		slog.Warn("mysql projection: record forwarded event failed", "peer", msg.Peer, "err", err)
	}
}
