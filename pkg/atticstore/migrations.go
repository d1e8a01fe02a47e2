// Copyright 2024 The atticd Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package atticstore

import (
	"context"
	"fmt"
)

// migration is one named, forward-only schema change. Grounded on the
// migration-ledger pattern read from the upstream project's migration
// runner: a named list applied in order, with applied names recorded so
// re-running Migrate is a no-op.
type migration struct {
	name string
	up   func(driver Driver) string
}

// migrations is the full schema history. Unlike the upstream project,
// whose nar/chunk split was introduced by a later ALTER TABLE against an
// earlier unchunked schema, this ledger creates the final, chunk-aware
// shape directly: there are no historical readers of the intermediate
// schema to support, so a straight-line migration set is the honest
// equivalent in a from-scratch Go port.
var migrations = []migration{
	{name: "0001_create_cache", up: func(d Driver) string {
		pk := autoIncrementPK(d)
		return fmt.Sprintf(`
CREATE TABLE cache (
	id %s,
	name VARCHAR(255) NOT NULL,
	keypair TEXT NOT NULL,
	is_public TINYINT NOT NULL DEFAULT 0,
	store_dir VARCHAR(255) NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	upstream_cache_key_names TEXT NOT NULL DEFAULT '[]',
	retention_period_seconds BIGINT NULL,
	created_at DATETIME NOT NULL,
	deleted_at DATETIME NULL
);
CREATE UNIQUE INDEX idx_cache_name ON cache (name);
`, pk)
	}},
	{name: "0002_create_nar", up: func(d Driver) string {
		pk := autoIncrementPK(d)
		return fmt.Sprintf(`
CREATE TABLE nar (
	id %s,
	state VARCHAR(1) NOT NULL,
	nar_hash VARCHAR(128) NOT NULL,
	nar_size BIGINT NOT NULL,
	compression VARCHAR(16) NOT NULL,
	num_chunks INTEGER NOT NULL DEFAULT 0,
	completeness_hint TINYINT NOT NULL DEFAULT 0,
	holders_count BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX idx_nar_hash ON nar (nar_hash, state);
`, pk)
	}},
	{name: "0003_create_chunk", up: func(d Driver) string {
		pk := autoIncrementPK(d)
		return fmt.Sprintf(`
CREATE TABLE chunk (
	id %s,
	state VARCHAR(1) NOT NULL,
	chunk_hash VARCHAR(128) NOT NULL,
	chunk_size BIGINT NOT NULL,
	file_hash VARCHAR(128) NULL,
	file_size BIGINT NULL,
	compression VARCHAR(16) NOT NULL,
	remote_file TEXT NOT NULL,
	remote_file_id VARCHAR(255) NOT NULL,
	holders_count BIGINT NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL
);
CREATE INDEX idx_chunk_hash ON chunk (chunk_hash, compression, state);
CREATE UNIQUE INDEX idx_chunk_remote_file_id ON chunk (remote_file_id);
`, pk)
	}},
	{name: "0004_create_chunkref", up: func(d Driver) string {
		pk := autoIncrementPK(d)
		return fmt.Sprintf(`
CREATE TABLE chunkref (
	id %s,
	nar_id BIGINT NOT NULL,
	seq INTEGER NOT NULL,
	chunk_id BIGINT NULL,
	chunk_hash VARCHAR(128) NOT NULL,
	compression VARCHAR(16) NOT NULL
);
CREATE UNIQUE INDEX idx_chunkref_nar_seq ON chunkref (nar_id, seq);
CREATE INDEX idx_chunkref_repair ON chunkref (chunk_hash, compression, chunk_id);
`, pk)
	}},
	{name: "0005_create_object", up: func(d Driver) string {
		pk := autoIncrementPK(d)
		return fmt.Sprintf(`
CREATE TABLE object (
	id %s,
	cache_id BIGINT NOT NULL,
	nar_id BIGINT NOT NULL,
	store_path_hash VARCHAR(32) NOT NULL,
	store_path VARCHAR(1024) NOT NULL,
	"references" TEXT NOT NULL DEFAULT '[]',
	system VARCHAR(64) NULL,
	deriver VARCHAR(1024) NULL,
	sigs TEXT NOT NULL DEFAULT '[]',
	ca VARCHAR(512) NULL,
	created_at DATETIME NOT NULL,
	last_accessed_at DATETIME NULL,
	created_by VARCHAR(255) NULL
);
CREATE UNIQUE INDEX idx_object_cache_path_hash ON object (cache_id, store_path_hash);
`, pk)
	}},
	{name: "0006_create_migrations_note", up: func(d Driver) string {
		// No-op placeholder kept so the ledger's shape mirrors the
		// upstream project's habit of a trailing comment-only migration
		// when a schema change was reverted during review. Nothing to do
		// here; the migrations table itself already exists by this point.
		return ""
	}},
}

// autoIncrementPK returns the driver-specific primary key column
// definition (SQLite and MySQL disagree on the exact syntax).
func autoIncrementPK(d Driver) string {
	switch d {
	case DriverMySQL:
		return "BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY"
	default:
		return "INTEGER PRIMARY KEY AUTOINCREMENT"
	}
}

// Migrate applies all pending migrations in order, recording each
// applied name in a ledger table so repeated calls are idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _migrations (
	name VARCHAR(255) NOT NULL PRIMARY KEY,
	applied_at DATETIME NOT NULL
)`); err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _migrations WHERE name = ?`, m.name)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			continue
		}

		stmt := m.up(s.driver)
		if err := s.execMulti(ctx, stmt); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}

		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO _migrations (name, applied_at) VALUES (?, CURRENT_TIMESTAMP)`, m.name); err != nil {
			return err
		}
		log.Info().Str("migration", m.name).Msg("applied schema migration")
	}
	return nil
}

// execMulti runs a semicolon-separated batch of statements. database/sql
// drivers generally reject multi-statement strings in a single
// ExecContext call, so each non-empty statement is issued individually.
func (s *Store) execMulti(ctx context.Context, script string) error {
	stmt := ""
	for _, line := range splitStatements(script) {
		stmt = line
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	start := 0
	for i := 0; i < len(script); i++ {
		if script[i] == ';' {
			out = append(out, trimSpace(script[start:i]))
			start = i + 1
		}
	}
	if rest := trimSpace(script[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

func trimSpace(s string) string {
	start, end := 0, len(s)
	for start < end && isSpace(s[start]) {
		start++
	}
	for end > start && isSpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\n' || b == '\r'
}
