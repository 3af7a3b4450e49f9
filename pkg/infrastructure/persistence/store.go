// Package persistence provides the sqlite-backed implementation of the
// domain repository interfaces. A single Store owns the connection; the
// per-context repositories are views over it.
package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS bots (
	id                   TEXT PRIMARY KEY,
	name                 TEXT NOT NULL,
	status               TEXT NOT NULL DEFAULT 'active',
	code                 TEXT NOT NULL,
	requirements         TEXT NOT NULL DEFAULT '',
	index_urls           TEXT NOT NULL DEFAULT '[]',
	config_env           TEXT NOT NULL DEFAULT '{}',
	required_credentials TEXT NOT NULL DEFAULT '[]',
	credentials          TEXT NOT NULL DEFAULT '{}',
	version              TEXT NOT NULL,
	created_at           TIMESTAMP NOT NULL,
	updated_at           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
	id         TEXT PRIMARY KEY,
	bot_id     TEXT NOT NULL REFERENCES bots(id),
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	key        TEXT NOT NULL DEFAULT '',
	app_id     TEXT NOT NULL DEFAULT '',
	url        TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'inactive',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                  TEXT PRIMARY KEY,
	channel_id          TEXT NOT NULL REFERENCES channels(id),
	first_name          TEXT NOT NULL DEFAULT '',
	last_name           TEXT NOT NULL DEFAULT '',
	identifier          TEXT NOT NULL,
	language_preference TEXT NOT NULL DEFAULT 'en',
	created_at          TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES users(id),
	channel_id TEXT NOT NULL REFERENCES channels(id),
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS turns (
	id         TEXT PRIMARY KEY,
	session_id TEXT REFERENCES sessions(id),
	bot_id     TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	turn_type  TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id           TEXT PRIMARY KEY,
	turn_id      TEXT NOT NULL REFERENCES turns(id),
	message_type TEXT NOT NULL,
	message      TEXT NOT NULL,
	is_user_sent INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS fsm_states (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL UNIQUE REFERENCES sessions(id),
	label      TEXT NOT NULL,
	variables  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS callback_refs (
	token      TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	turn_id    TEXT NOT NULL REFERENCES turns(id),
	consumed   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_channel ON sessions(user_id, channel_id, updated_at);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
CREATE INDEX IF NOT EXISTS idx_channels_bot ON channels(bot_id);
`

// Store owns the sqlite connection shared by all repositories.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL&_fk=on")
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	// One writer: sqlite serializes writes anyway, and the orchestrator
	// is a single consumer loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection.
func (s *Store) Close() error { return s.db.Close() }

// Bots returns the bot repository view.
func (s *Store) Bots() *BotRepository { return &BotRepository{db: s.db} }

// Channels returns the channel repository view.
func (s *Store) Channels() *ChannelRepository { return &ChannelRepository{db: s.db} }

// Sessions returns the session repository view.
func (s *Store) Sessions() *SessionRepository { return &SessionRepository{db: s.db} }

// ---------------------------------------------------------------------------
// JSON column helpers
// ---------------------------------------------------------------------------

func marshalJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(data), nil
}

func unmarshalStrings(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return out, nil
}

func unmarshalStringMap(data string) (map[string]string, error) {
	if data == "" {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode json column: %w", err)
	}
	return out, nil
}

func unmarshalVariables(data string) (map[string]interface{}, error) {
	if data == "" {
		return map[string]interface{}{}, nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		return nil, fmt.Errorf("decode variables column: %w", err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}
