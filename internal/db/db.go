// Package db owns the single embedded SQL-style database (spec §6.4):
// connection setup and schema creation. Individual tables are owned by
// the repositories in librarystore and queuestore; this package only
// opens the connection and ensures the schema exists.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS models (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	name               TEXT NOT NULL,
	file_path          TEXT NOT NULL,
	param_count_b      REAL NOT NULL DEFAULT 0,
	architecture       TEXT NOT NULL DEFAULT '',
	quantization       TEXT NOT NULL DEFAULT '',
	context_length     INTEGER NOT NULL DEFAULT 0,
	metadata_json      TEXT NOT NULL DEFAULT '{}',
	added_at           INTEGER NOT NULL,
	hf_repo_id         TEXT NOT NULL DEFAULT '',
	hf_commit_sha      TEXT NOT NULL DEFAULT '',
	hf_filename        TEXT NOT NULL DEFAULT '',
	download_date      INTEGER NOT NULL DEFAULT 0,
	last_update_check  INTEGER NOT NULL DEFAULT 0,
	tags_json          TEXT NOT NULL DEFAULT '[]',
	model_key          TEXT NOT NULL UNIQUE,
	file_paths_json    TEXT NOT NULL DEFAULT '[]',
	capabilities_bits  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS model_files (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	model_id          INTEGER NOT NULL REFERENCES models(id) ON DELETE CASCADE,
	file_path         TEXT NOT NULL,
	file_index        INTEGER NOT NULL DEFAULT 0,
	expected_size     INTEGER NOT NULL DEFAULT 0,
	hf_oid            TEXT NOT NULL DEFAULT '',
	last_verified_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_model_files_model_id ON model_files(model_id);

CREATE TABLE IF NOT EXISTS download_queue (
	id                TEXT PRIMARY KEY,
	model_id          TEXT NOT NULL,
	quantization      TEXT NOT NULL DEFAULT '',
	display_name      TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	position          INTEGER NOT NULL DEFAULT 0,
	downloaded_bytes  INTEGER NOT NULL DEFAULT 0,
	total_bytes       INTEGER NOT NULL DEFAULT 0,
	queued_at         INTEGER NOT NULL,
	started_at        INTEGER,
	completed_at      INTEGER,
	group_id          TEXT NOT NULL DEFAULT '',
	shard_info_json   TEXT NOT NULL DEFAULT '',
	error_message     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS settings_kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open connects to the sqlite database at path (use ":memory:" or
// "file::memory:?cache=shared" for tests) and ensures the schema exists.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	conn.SetMaxOpenConns(1) // sqlite: avoid concurrent-writer lock errors

	// SQLite leaves foreign keys off by default; without this the
	// model_files ON DELETE CASCADE is never enforced.
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.ExecContext(ctx, schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return conn, nil
}
